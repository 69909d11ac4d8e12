package observability

import (
	"strings"
	"unicode"
)

// sanitizeString drops control characters and caps the length to keep log lines injection free.
func sanitizeString(value string, limit int) string {
	var b strings.Builder
	count := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if count == limit {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}

func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

func SanitizeMethod(method string) string {
	return sanitizeString(strings.ToUpper(method), 10)
}

// SanitizeUserID caps caller ids; raw bearer fallbacks can be arbitrarily long.
func SanitizeUserID(uid string) string {
	return sanitizeString(uid, 64)
}
