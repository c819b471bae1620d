package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Rune limits for values copied from requests into log fields and span attributes.
const (
	limitDefault = 256
	limitRoute   = 180
	limitUID     = 64
)

// sanitizeString removes control runes and keeps at most limit runes.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = limitDefault
	}
	value = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}

// SanitizeRoute bounds a route pattern for log and span labels.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, limitRoute)
}

// SanitizeUserID bounds a Firebase uid before it reaches logs.
func SanitizeUserID(uid string) string {
	return sanitizeString(uid, limitUID)
}

// MaskPhone hides all but the last four digits of a phone number. Numbers of four digits or
// fewer are hidden entirely.
func MaskPhone(phone string) string {
	var digits []byte
	for i := 0; i < len(phone); i++ {
		if c := phone[i]; c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	hidden := len(digits) - 4
	return strings.Repeat("*", hidden) + string(digits[hidden:])
}
