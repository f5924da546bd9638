package sheet

import (
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// nullTokens are placeholders the portal and spreadsheet tools use for
// missing values
var nullTokens = map[string]struct{}{
	"":     {},
	"-":    {},
	"--":   {},
	"nan":  {},
	"nat":  {},
	"none": {},
	"null": {},
}

// IsNull reports whether a cell holds no value
func IsNull(s string) bool {
	_, ok := nullTokens[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

var timeLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02-01-2006 15:04:05",
	"02-01-2006 15:04",
}

// excelEpoch is day zero of the 1900 date system as used by Excel
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// ParseTime parses a cell as a wall-clock timestamp in loc. It accepts
// dd/mm/yyyy forms, ISO forms and Excel serial dates. An explicit UTC
// suffix is treated as a naive wall clock, since spreadsheet readers
// report naive dates that way.
func ParseTime(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if IsNull(s) {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSuffix(s, "Z")

	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(loc), true
	}

	// Excel serial date: days since 1899-12-30, fraction is the time of day
	if f, err := cast.ToFloat64E(s); err == nil && f > 1 && f < 2958466 {
		days := math.Floor(f)
		secs := math.Round((f - days) * 86400)
		wall := excelEpoch.AddDate(0, 0, int(days)).Add(time.Duration(secs) * time.Second)
		return time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), 0, loc), true
	}

	return time.Time{}, false
}

// ParseNumber parses a numeric cell. A lone comma is read as the decimal
// separator.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if IsNull(s) {
		return 0, false
	}
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	f, err := cast.ToFloat64E(s)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// normalizeCell rewrites reader-specific timestamp renderings to one
// canonical form and trims whitespace.
func normalizeCell(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 19 && s[10] == 'T' && strings.HasSuffix(s, "Z") {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.Format("2006-01-02 15:04:05")
		}
	}
	return s
}
