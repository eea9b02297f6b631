package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ConditionResult is the per-condition outcome returned by EvaluateDetailed,
// used by the dry-run/test surface.
type ConditionResult struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Expected string   `json:"expected"`
	Actual   any      `json:"actual"`
	Passed   bool     `json:"passed"`
}

// Evaluate runs a rule's condition list against a trigger payload.
//
// An empty list is unconditionally true. Evaluation is a strict left fold:
// the first condition seeds the accumulator and each subsequent condition's
// own logic connector combines it with the running result, with no operator
// precedence or grouping. Any panic during evaluation yields false.
func Evaluate(conditions []Condition, payload map[string]any) bool {
	ok, _ := EvaluateDetailed(conditions, payload)
	return ok
}

// EvaluateDetailed is Evaluate plus the per-condition detail.
func EvaluateDetailed(conditions []Condition, payload map[string]any) (result bool, details []ConditionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = false
		}
	}()

	if len(conditions) == 0 {
		return true, nil
	}

	ordered := make([]Condition, len(conditions))
	copy(ordered, conditions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	details = make([]ConditionResult, 0, len(ordered))
	for i, cond := range ordered {
		actual, _ := ResolvePath(payload, cond.Field)
		passed := compare(actual, cond.Operator, cond.Value)
		details = append(details, ConditionResult{
			Field:    cond.Field,
			Operator: cond.Operator,
			Expected: cond.Value,
			Actual:   actual,
			Passed:   passed,
		})

		if i == 0 {
			result = passed
			continue
		}
		if cond.Logic == LogicOr {
			result = result || passed
		} else {
			result = result && passed
		}
	}

	return result, details
}

var arrayIndexRe = regexp.MustCompile(`^(.*?)\[(\d+)\]$`)

// ResolvePath walks a dotted field path through a payload of nested
// maps/slices/scalars. Map keys match exactly first, then case-insensitively.
// A `[n]` suffix on a segment indexes into a slice. An unresolvable path
// returns (nil, false).
func ResolvePath(payload map[string]any, path string) (any, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, false
	}

	var current any = payload
	for _, segment := range strings.Split(path, ".") {
		key := segment
		indexes := []int{}
		for {
			m := arrayIndexRe.FindStringSubmatch(key)
			if m == nil {
				break
			}
			idx, err := strconv.Atoi(m[2])
			if err != nil {
				return nil, false
			}
			key = m[1]
			indexes = append([]int{idx}, indexes...)
		}

		if key != "" {
			next, ok := lookupKey(current, key)
			if !ok {
				return nil, false
			}
			current = next
		}

		for _, idx := range indexes {
			arr, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
	}

	return current, true
}

func lookupKey(value any, key string) (any, bool) {
	switch m := value.(type) {
	case map[string]any:
		if v, ok := m[key]; ok {
			return v, true
		}
		for k, v := range m {
			if strings.EqualFold(k, key) {
				return v, true
			}
		}
	case map[string]string:
		if v, ok := m[key]; ok {
			return v, true
		}
		for k, v := range m {
			if strings.EqualFold(k, key) {
				return v, true
			}
		}
	}
	return nil, false
}

func compare(actual any, op Operator, expected string) bool {
	switch op {
	case OpIsNull:
		return actual == nil
	case OpIsNotNull:
		return actual != nil
	}

	if actual == nil {
		// Null only satisfies negated operators.
		return op == OpNotEquals || op == OpNotContains || op == OpNotIn
	}

	actualStr := formatValue(actual)

	switch op {
	case OpEquals:
		return valuesEqual(actualStr, expected)
	case OpNotEquals:
		return !valuesEqual(actualStr, expected)
	case OpContains:
		return strings.Contains(strings.ToLower(actualStr), strings.ToLower(expected))
	case OpNotContains:
		return !strings.Contains(strings.ToLower(actualStr), strings.ToLower(expected))
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(actualStr), strings.ToLower(expected))
	case OpEndsWith:
		return strings.HasSuffix(strings.ToLower(actualStr), strings.ToLower(expected))
	case OpGreaterThan:
		return compareOrdered(actualStr, expected) > 0
	case OpGreaterOrEqual:
		return compareOrdered(actualStr, expected) >= 0
	case OpLessThan:
		return compareOrdered(actualStr, expected) < 0
	case OpLessOrEqual:
		return compareOrdered(actualStr, expected) <= 0
	case OpIn:
		return inList(actualStr, expected)
	case OpNotIn:
		return !inList(actualStr, expected)
	}

	return false
}

func valuesEqual(actual, expected string) bool {
	if a, errA := strconv.ParseFloat(strings.TrimSpace(actual), 64); errA == nil {
		if b, errB := strconv.ParseFloat(strings.TrimSpace(expected), 64); errB == nil {
			return a == b
		}
	}
	return actual == expected
}

// compareOrdered compares numerically when both sides parse as decimals and
// falls back to ordinal string comparison otherwise.
func compareOrdered(actual, expected string) int {
	a, errA := strconv.ParseFloat(strings.TrimSpace(actual), 64)
	b, errB := strconv.ParseFloat(strings.TrimSpace(expected), 64)
	if errA == nil && errB == nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(actual, expected)
}

func inList(actual, expected string) bool {
	for _, item := range strings.Split(expected, ",") {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(actual)) {
			return true
		}
	}
	return false
}

// formatValue renders a payload value for comparison and substitution.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
