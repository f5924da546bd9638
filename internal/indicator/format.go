package indicator

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vertextoedge/samu-panel/internal/domain"
)

const nullDisplay = "--"

// integerUnits are units whose values are always whole counts
var integerUnits = map[string]struct{}{
	"ocorrências": {},
	"regulações":  {},
	"empenhos":    {},
}

// FormatValue renders an indicator value for display: durations by unit,
// counts as integers and everything else with one decimal.
func FormatValue(v *float64, calc domain.CalcType, unit string) string {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nullDisplay
	}
	unit = strings.ToLower(strings.TrimSpace(unit))

	switch {
	case calc == domain.CalcTimeDiff:
		return FormatDuration(*v, unit)
	case calc == domain.CalcCount:
		return strconv.Itoa(int(math.Round(*v)))
	}
	if _, ok := integerUnits[unit]; ok {
		return strconv.Itoa(int(math.Round(*v)))
	}
	return strconv.FormatFloat(*v, 'f', 1, 64)
}

// FormatDuration renders v expressed in unit: seconds as "N seg", hours and
// days as "HH:MM:SS h", anything else as minutes "MM:SS min".
func FormatDuration(v float64, unit string) string {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case domain.UnitSeconds:
		return fmt.Sprintf("%d seg", int(math.Round(v)))
	case domain.UnitHours, domain.UnitDays:
		total := clampSeconds(v * domain.UnitFactor(unit))
		return fmt.Sprintf("%02d:%02d:%02d h", total/3600, total%3600/60, total%60)
	default:
		total := clampSeconds(v * 60)
		return fmt.Sprintf("%02d:%02d min", total/60, total%60)
	}
}

// FormatMinutes renders a minute count as HH:MM:SS
func FormatMinutes(minutes float64) string {
	if math.IsNaN(minutes) {
		return "00:00:00"
	}
	total := int(minutes * 60)
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total%3600/60, total%60)
}

func clampSeconds(secs float64) int {
	total := int(math.Round(secs))
	if total < 0 {
		return 0
	}
	return total
}

// FormatElapsed renders a duration for alert messages: "1h 16min",
// "12 min" or "2min 5s". Units other than time ones get one decimal.
func FormatElapsed(v float64, unit string) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nullDisplay
	}
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case domain.UnitMinutes, "min", "":
		if v >= 60 {
			return hoursMinutes(int(v/60), int(math.Round(math.Mod(v, 60))))
		}
		return fmt.Sprintf("%d min", int(math.Round(v)))
	case domain.UnitHours, "h":
		if v >= 1 {
			return hoursMinutes(int(v), int(math.Round(math.Mod(v, 1)*60)))
		}
		return fmt.Sprintf("%d min", int(math.Round(v*60)))
	case domain.UnitSeconds, "s":
		if v >= 60 {
			m, s := int(v/60), int(math.Round(math.Mod(v, 60)))
			if s == 60 {
				m, s = m+1, 0
			}
			if s == 0 {
				return fmt.Sprintf("%dmin", m)
			}
			return fmt.Sprintf("%dmin %ds", m, s)
		}
		return fmt.Sprintf("%ds", int(math.Round(v)))
	}
	return fmt.Sprintf("%.1f %s", v, unit)
}

func hoursMinutes(h, m int) string {
	if m == 60 {
		h, m = h+1, 0
	}
	if m == 0 {
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dh %dmin", h, m)
}
