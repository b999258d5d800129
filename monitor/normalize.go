package monitor

import "reflect"

// Normalize converts native numeric arrays and typed slices in a decoded metric mapping
// into []int64 or []float64 so the mapping can be transported as plain JSON. Nested
// mappings are normalized recursively; every other value passes through unchanged.
// Normalize(Normalize(m)) equals Normalize(m).
func Normalize(metrics map[string]any) map[string]any {
	out := make(map[string]any, len(metrics))
	for k, v := range metrics {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil, string, bool:
		return v
	case map[string]any:
		return Normalize(x)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Array && rv.Kind() != reflect.Slice {
		return v
	}

	n := rv.Len()

	switch rv.Type().Elem().Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		out := make([]int64, n)
		for i := 0; i < n; i++ {
			out[i] = rv.Index(i).Int()
		}
		return out
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		out := make([]int64, n)
		for i := 0; i < n; i++ {
			out[i] = int64(rv.Index(i).Uint())
		}
		return out
	case reflect.Float32, reflect.Float64:
		out := make([]float64, n)
		for i := 0; i < n; i++ {
			out[i] = rv.Index(i).Float()
		}
		return out
	case reflect.Bool:
		out := make([]bool, n)
		for i := 0; i < n; i++ {
			out[i] = rv.Index(i).Bool()
		}
		return out
	case reflect.String:
		out := make([]string, n)
		for i := 0; i < n; i++ {
			out[i] = rv.Index(i).String()
		}
		return out
	default:
		return v
	}
}
