package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Coercer converts a loosely typed decoded JSON value into the field's strict type.
// Values are expected from a decoder configured with UseNumber.
type Coercer func(v any) (any, error)

// ErrNotFinite is returned when a numeric value is NaN or infinite.
var ErrNotFinite = errors.New("value is not a finite number")

var coercers = map[FieldType]Coercer{
	TypeFloat:     coerceFloat,
	TypeInt:       coerceInt,
	TypeString:    coerceString,
	TypeTimestamp: coerceString,
}

// CoercerFor returns the coercion function registered for t.
func CoercerFor(t FieldType) (Coercer, bool) {
	c, ok := coercers[t]
	return c, ok
}

func coerceFloat(v any) (any, error) {
	var f float64
	var err error
	switch x := v.(type) {
	case json.Number:
		f, err = strconv.ParseFloat(x.String(), 64)
	case float64:
		f = x
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return nil, fmt.Errorf("cannot convert %s to float", describe(v))
	}
	if err != nil {
		return nil, fmt.Errorf("cannot convert %q to float", fmt.Sprint(v))
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, ErrNotFinite
	}
	return f, nil
}

func coerceInt(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		return truncate(x.String())
	case float64:
		return truncate(strconv.FormatFloat(x, 'g', -1, 64))
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to int", x)
		}
		return i, nil
	default:
		return nil, fmt.Errorf("cannot convert %s to int", describe(v))
	}
}

// truncate drops the fractional part of a numeric literal, toward zero.
func truncate(s string) (any, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %q to int", s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, ErrNotFinite
	}
	t := math.Trunc(f)
	if t >= math.MaxInt64 || t < math.MinInt64 {
		return nil, fmt.Errorf("%s overflows int64", s)
	}
	return int64(t), nil
}

func coerceString(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("cannot convert %s to string", describe(v))
	}
	return s, nil
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case json.Number, float64:
		return "number"
	case string:
		return "string"
	default:
		return fmt.Sprintf("%T", v)
	}
}
