package indicator

import (
	"strings"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/sheet"
)

// matcher reports whether a single cell satisfies a condition
type matcher func(cell string) bool

// newMatcher compiles a condition into a cell predicate. Operators with an
// unusable operand match nothing.
func newMatcher(op string, value domain.ConditionValue) matcher {
	switch domain.NormalizeOperator(op) {
	case domain.OpNotEqual:
		want := scalar(value)
		return func(cell string) bool { return !sameValue(cell, want) }
	case domain.OpGreater, domain.OpLess, domain.OpGreaterEq, domain.OpLessEq:
		return numericMatcher(domain.NormalizeOperator(op), scalar(value))
	case domain.OpIn:
		set := members(value)
		return func(cell string) bool { return inSet(cell, set) }
	case domain.OpNotIn:
		set := members(value)
		return func(cell string) bool { return !inSet(cell, set) }
	case domain.OpContains:
		needle := strings.ToLower(scalar(value))
		return func(cell string) bool { return strings.Contains(strings.ToLower(cell), needle) }
	case domain.OpNotContains:
		needle := strings.ToLower(scalar(value))
		return func(cell string) bool { return !strings.Contains(strings.ToLower(cell), needle) }
	case domain.OpStartsWith:
		prefix := scalar(value)
		return func(cell string) bool { return strings.HasPrefix(cell, prefix) }
	case domain.OpEndsWith:
		suffix := scalar(value)
		return func(cell string) bool { return strings.HasSuffix(cell, suffix) }
	case domain.OpIsNull:
		return sheet.IsNull
	case domain.OpIsNotNull:
		return func(cell string) bool { return !sheet.IsNull(cell) }
	default:
		want := scalar(value)
		return func(cell string) bool { return sameValue(cell, want) }
	}
}

func numericMatcher(op, raw string) matcher {
	limit, ok := sheet.ParseNumber(raw)
	if !ok {
		return func(string) bool { return false }
	}
	return func(cell string) bool {
		v, ok := sheet.ParseNumber(cell)
		if !ok {
			return false
		}
		switch op {
		case domain.OpGreater:
			return v > limit
		case domain.OpLess:
			return v < limit
		case domain.OpGreaterEq:
			return v >= limit
		default:
			return v <= limit
		}
	}
}

// scalar collapses a value list to the single operand used by comparisons
func scalar(v domain.ConditionValue) string {
	if len(v) == 1 {
		return strings.TrimSpace(v[0])
	}
	return strings.TrimSpace(v.String())
}

// members returns the operand list for in/not in. A single value holding
// commas is split, as the form submits lists that way.
func members(v domain.ConditionValue) []string {
	raw := []string(v)
	if len(raw) == 1 && strings.Contains(raw[0], ",") {
		raw = strings.Split(raw[0], ",")
	}
	out := make([]string, 0, len(raw))
	for _, m := range raw {
		out = append(out, strings.TrimSpace(m))
	}
	return out
}

func inSet(cell string, set []string) bool {
	for _, m := range set {
		if sameValue(cell, m) {
			return true
		}
	}
	return false
}

// sameValue compares a cell with an operand as text, falling back to a
// numeric comparison so "3" matches "3.0". Null cells equal nothing.
func sameValue(cell, want string) bool {
	cell = strings.TrimSpace(cell)
	if sheet.IsNull(cell) {
		return false
	}
	if cell == want {
		return true
	}
	a, okA := sheet.ParseNumber(cell)
	b, okB := sheet.ParseNumber(want)
	return okA && okB && a == b
}

// conditionMask evaluates one condition over rows. A missing column yields
// an all-false mask.
func conditionMask(t *sheet.Table, rows []int, c domain.Condition) []bool {
	mask := make([]bool, len(rows))
	col := t.Col(c.Column)
	if col < 0 {
		return mask
	}
	match := newMatcher(c.Operator, c.Value)
	for i, r := range rows {
		mask[i] = match(t.Rows[r][col])
	}
	return mask
}

// applyConditions folds the conditions left to right over rows and returns
// the rows that remain. The first condition seeds the result; each later one
// joins with its connector.
func applyConditions(t *sheet.Table, rows []int, conds []domain.Condition) []int {
	var result []bool
	for _, c := range conds {
		if strings.TrimSpace(c.Column) == "" {
			continue
		}
		mask := conditionMask(t, rows, c)
		if result == nil {
			result = mask
			continue
		}
		for i := range result {
			switch c.Connector {
			case domain.ConnectorOr:
				result[i] = result[i] || mask[i]
			case domain.ConnectorIf:
				result[i] = !mask[i] || (mask[i] && result[i])
			default:
				result[i] = result[i] && mask[i]
			}
		}
	}
	if result == nil {
		return rows
	}

	out := make([]int, 0, len(rows))
	for i, r := range rows {
		if result[i] {
			out = append(out, r)
		}
	}
	return out
}
