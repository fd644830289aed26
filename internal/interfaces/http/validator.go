package http

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Input validation constants
const (
	MaxMessageLength = 4096 // WhatsApp text body limit
	MaxTokenLength   = 256
)

var mediaNamePattern = regexp.MustCompile(`^[0-9A-Z]{26}\.ogg$`)

// ValidMediaName accepts only names produced by the audio store (ULID + .ogg)
func ValidMediaName(s string) bool {
	return mediaNamePattern.MatchString(s)
}

// ValidUUID checks a path identifier before it reaches the database
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// SanitizeString removes null bytes and invalid UTF-8
func SanitizeString(s string) string {
	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	// Keep only valid UTF-8
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return s
}

// TruncateString truncates to at most maxLen bytes without splitting a rune
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
