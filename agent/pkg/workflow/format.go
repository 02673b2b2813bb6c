package workflow

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// FormatValue renders a single result cell as text. Pointer values are
// dereferenced first so driver-specific nullable wrappers format cleanly.
func FormatValue(v any) string {
	if v == nil {
		return "NULL"
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "NULL"
		}
		return FormatValue(rv.Elem().Interface())
	}

	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// SanitizeRows makes result rows JSON-safe in place: NaN and Inf floats
// become nil, byte slices become strings.
func SanitizeRows(rows []map[string]any) {
	for _, row := range rows {
		for k, v := range row {
			switch val := v.(type) {
			case float64:
				if math.IsNaN(val) || math.IsInf(val, 0) {
					row[k] = nil
				}
			case float32:
				f := float64(val)
				if math.IsNaN(f) || math.IsInf(f, 0) {
					row[k] = nil
				}
			case []byte:
				row[k] = string(val)
			}
		}
	}
}
