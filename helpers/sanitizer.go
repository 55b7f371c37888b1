package helpers

import (
	"strings"
	"unicode/utf8"
)

// MaxEventTextLength bounds the text stored with a single client event.
const MaxEventTextLength = 512

// SanitizeUTF8 removes invalid UTF-8 sequences and NULL bytes from a string.
// PostgreSQL's text type does not allow NULL bytes (0x00) even though they are
// valid UTF-8 characters.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}

		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue // skip invalid byte
			}
		}

		buf = append(buf, r)
	}
	return string(buf)
}

// SanitizeEventText cleans client supplied event text and truncates it to
// MaxEventTextLength runes.
func SanitizeEventText(s string) string {
	s = SanitizeUTF8(s)
	if utf8.RuneCountInString(s) <= MaxEventTextLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxEventTextLength])
}
