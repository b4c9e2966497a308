// Package condition evaluates declarative trigger predicates against raw
// webhook payloads. Evaluation is pure and never fails: unresolvable
// paths, type mismatches and unknown operators are non-matches, not errors.
package condition

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"

	"hookrelay.io/relay/internal/model"
)

// Root is the fixed token condition paths may be prefixed with.
const Root = "payload"

// Evaluate reports whether the payload satisfies every condition in the
// list. An empty or nil list matches everything.
func Evaluate(payload json.RawMessage, conditions []model.Condition) bool {
	for _, cond := range conditions {
		if !evaluateOne(payload, cond) {
			return false
		}
	}
	return true
}

func evaluateOne(payload json.RawMessage, cond model.Condition) bool {
	resolved, exists := resolve(payload, cond.Path)
	target := normalize(cond.Value)

	switch cond.Operator {
	case "eq":
		return exists && reflect.DeepEqual(normalize(resolved), target)
	case "neq":
		return !(exists && reflect.DeepEqual(normalize(resolved), target))
	case "gt", "gte", "lt", "lte":
		left, lok := asNumber(resolved)
		right, rok := asNumber(target)
		if !exists || !lok || !rok {
			return false
		}
		switch cond.Operator {
		case "gt":
			return left > right
		case "gte":
			return left >= right
		case "lt":
			return left < right
		default:
			return left <= right
		}
	case "contains":
		ls, lok := resolved.(string)
		rs, rok := target.(string)
		return exists && lok && rok && strings.Contains(ls, rs)
	case "exists":
		want := true
		if b, ok := target.(bool); ok {
			want = b
		}
		present := exists && resolved != nil
		return present == want
	default:
		// Unknown operators never match and never fail.
		return false
	}
}

// resolve walks the dot-notation path into the payload. The second return
// is false when any traversed segment is missing; null resolves with
// exists=true and a nil value, which matters for the exists operator.
func resolve(payload json.RawMessage, path string) (any, bool) {
	if path == Root || path == "" {
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, false
		}
		return v, true
	}

	path = strings.TrimPrefix(path, Root+".")

	res := gjson.GetBytes(payload, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// normalize flattens Go numeric types to float64 so values decoded from
// JSON compare equal to values constructed in code.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return v
	default:
		return v
	}
}

func asNumber(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
