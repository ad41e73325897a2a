package policy

import (
	"encoding/json"
	"reflect"
	"strconv"
	"time"
)

// ToFloat converts numeric values produced by JSON, YAML or Go literals to
// float64. Strings are not converted: a numeric comparison against a string
// field is a type mismatch.
func ToFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := strconv.ParseFloat(val.String(), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ToTime converts a time.Time or RFC 3339 string to a time.
func ToTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case *time.Time:
		if val == nil {
			return time.Time{}, false
		}
		return *val, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

// ToList converts slices of any element type to []any.
func ToList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Bounds returns the inclusive low and high bounds of a between value.
func Bounds(v any) (any, any, bool) {
	list, ok := ToList(v)
	if !ok || len(list) != 2 {
		return nil, nil, false
	}
	return list[0], list[1], true
}
