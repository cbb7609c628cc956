package script

import (
	"strconv"
	"strings"
	"time"

	"github.com/risor-io/risor/object"
)

// goValue maps a Risor result onto the JSON-shaped values used by stage
// outputs: strings, int64, float64, bool, nil, []any and map[string]any.
// Anything else is reported by its inspected form.
func goValue(obj object.Object) any {
	switch o := obj.(type) {
	case nil, *object.NilType:
		return nil
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value().UTC().Format(time.RFC3339)
	case *object.List:
		items := o.Value()
		values := make([]any, len(items))
		for i, item := range items {
			values[i] = goValue(item)
		}
		return values
	case *object.Map:
		entries := o.Value()
		values := make(map[string]any, len(entries))
		for key, item := range entries {
			values[key] = goValue(item)
		}
		return values
	default:
		return obj.Inspect()
	}
}

// truthy decides a quality gate. The string "false" and empty containers
// are false so that gates written against decoded critic output behave.
func truthy(obj object.Object) bool {
	switch o := obj.(type) {
	case nil, *object.NilType:
		return false
	case *object.Bool:
		return o.Value()
	case *object.Int:
		return o.Value() != 0
	case *object.Float:
		return o.Value() != 0
	case *object.String:
		s := strings.TrimSpace(o.Value())
		return s != "" && !strings.EqualFold(s, "false")
	case *object.List:
		return len(o.Value()) > 0
	case *object.Map:
		return len(o.Value()) > 0
	default:
		return obj.IsTruthy()
	}
}

// text renders a result for template substitution. Lists are joined with
// ", " and nil renders as the empty string.
func text(obj object.Object) string {
	switch o := obj.(type) {
	case nil, *object.NilType:
		return ""
	case *object.String:
		return o.Value()
	case *object.Int:
		return strconv.FormatInt(o.Value(), 10)
	case *object.Float:
		return strconv.FormatFloat(o.Value(), 'g', -1, 64)
	case *object.Bool:
		return strconv.FormatBool(o.Value())
	case *object.Time:
		return o.Value().Format(time.RFC3339)
	case *object.List:
		items := o.Value()
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = text(item)
		}
		return strings.Join(parts, ", ")
	default:
		return obj.Inspect()
	}
}
