package script

import (
	"strings"

	"github.com/risor-io/risor/object"
)

// ConvertRisorValueToGo converts a Risor object to a Go value
func ConvertRisorValueToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()

	case *object.Int:
		return o.Value()

	case *object.Float:
		return o.Value()

	case *object.Bool:
		return o.Value()

	case *object.Time:
		return o.Value()

	case *object.NilType:
		return nil

	case *object.List:
		var result []interface{}
		for _, item := range o.Value() {
			result = append(result, ConvertRisorValueToGo(item))
		}
		return result

	case *object.Map:
		result := make(map[string]interface{})
		for key, value := range o.Value() {
			result[key] = ConvertRisorValueToGo(value)
		}
		return result

	case *object.Set:
		var result []interface{}
		for _, item := range o.Value() {
			result = append(result, ConvertRisorValueToGo(item))
		}
		return result

	default:
		// Fallback to string representation
		return obj.Inspect()
	}
}

// ConvertRisorValueToBool converts a Risor object to a boolean indicating truthiness
func ConvertRisorValueToBool(obj object.Object) bool {
	switch obj := obj.(type) {
	case *object.Bool:
		return obj.Value()

	case *object.Int:
		return obj.Value() != 0

	case *object.Float:
		return obj.Value() != 0.0

	case *object.String:
		val := obj.Value()
		return val != "" && strings.ToLower(val) != "false"

	case *object.List:
		return len(obj.Value()) > 0

	case *object.Map:
		return len(obj.Value()) > 0

	default:
		// Use Risor's built-in truthiness evaluation
		return obj.IsTruthy()
	}
}
