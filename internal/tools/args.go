package tools

import (
	"fmt"
	"strconv"
)

// Argument extraction helpers. JSON decoding gives float64 for all
// numbers and []any for arrays; models also frequently send numbers
// as strings. These helpers normalize the common cases so every tool
// does not reinvent the coercion.

// StringArg returns args[key] as a string, or fallback when absent.
func StringArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// IntArg returns args[key] as an int, accepting float64 and numeric
// strings. Falls back when absent or unparseable.
func IntArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// ClampInt bounds n to [lo, hi].
func ClampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// BoolArg returns args[key] as a bool, accepting "true"/"false"
// strings. Falls back when absent.
func BoolArg(args map[string]any, key string, fallback bool) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// StringSliceArg returns args[key] as a []string. A bare string is
// treated as a single-element slice. Non-string elements are
// stringified.
func StringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprintf("%v", e))
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}
