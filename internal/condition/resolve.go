package condition

import (
	"reflect"
	"strconv"
	"strings"
)

// Resolve looks a field up in order: literal key in data, event metadata alias,
// then a dot path into nested data ("tax_breakdown.VAT", "lines.0.amount").
func Resolve(field string, data, metadata map[string]any) (any, bool) {
	if v, ok := data[field]; ok {
		return v, true
	}
	if v, ok := metadata[field]; ok {
		return v, true
	}
	if !strings.Contains(field, ".") {
		return nil, false
	}

	var cur any = data
	for _, part := range strings.Split(field, ".") {
		next, ok := step(cur, part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func step(cur any, key string) (any, bool) {
	switch c := cur.(type) {
	case map[string]any:
		v, ok := c[key]
		return v, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	}

	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}
