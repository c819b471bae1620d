package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// PhoneDigits folds full-width characters and strips everything that is not an ASCII digit.
func PhoneDigits(phone string) string {
	folded := width.Narrow.String(phone)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if r <= unicode.MaxASCII && unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DigitSubstrings returns every distinct contiguous substring of digits whose length is at
// least minLen. The result feeds array-contains lookups for partial phone search.
func DigitSubstrings(digits string, minLen int) []string {
	if minLen <= 0 {
		minLen = 1
	}
	n := len(digits)
	if n < minLen {
		return nil
	}
	seen := make(map[string]struct{}, n*n/2)
	keys := make([]string, 0, n*n/2)
	for size := minLen; size <= n; size++ {
		for start := 0; start+size <= n; start++ {
			key := digits[start : start+size]
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	return keys
}
