package dispatch

import (
	"strings"
	"unicode/utf16"
)

// MaxChunkCodeUnits is the platform message size limit, counted in UTF-16
// code units the way the platform counts it.
const MaxChunkCodeUnits = 4096

// sanitizeText strips C0 control characters except newline and tab.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\t' {
			return -1
		}
		if r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// splitChunks splits text into chunks of at most MaxChunkCodeUnits UTF-16
// code units, never splitting inside a surrogate pair. Empty text yields a
// single empty chunk so the caller still issues one request.
func splitChunks(text string) []string {
	if text == "" {
		return []string{""}
	}
	var chunks []string
	var b strings.Builder
	units := 0
	for _, r := range text {
		n := len(utf16.Encode([]rune{r}))
		if n < 0 {
			n = 1
		}
		if units+n > MaxChunkCodeUnits {
			chunks = append(chunks, b.String())
			b.Reset()
			units = 0
		}
		b.WriteRune(r)
		units += n
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}

// validIDRune reports whether r may appear in a platform identifier.
// Identifiers are opaque strings (typically signed decimal, occasionally
// @usernames); anything resembling a coerced float or containing
// whitespace is rejected.
func validIDRune(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return true
	case r == '-' || r == '_' || r == '@':
		return true
	default:
		return false
	}
}

func validateID(field, value string) error {
	if value == "" {
		return &InvalidIDError{Field: field, Value: value}
	}
	for _, r := range value {
		if !validIDRune(r) {
			return &InvalidIDError{Field: field, Value: value}
		}
	}
	return nil
}
