package stringutil

import (
	"strings"
	"unicode"
)

// Slugify lowercases s and reduces it to hyphen-separated ASCII words,
// suitable for branch names and file names. The result is capped at maxLen
// runes without splitting a word when possible.
func Slugify(s string, maxLen int) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if maxLen > 0 && len(slug) > maxLen {
		slug = slug[:maxLen]
		if idx := strings.LastIndexByte(slug, '-'); idx > 0 {
			slug = slug[:idx]
		}
	}
	return slug
}
