package objectstore

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxFileNameLength = 128

// BuildObjectKey produces a globally unique, immutable object key:
// the kind's prefix, a time-ordered random segment, and the sanitized
// file name.
func BuildObjectKey(prefix, fileName string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate object key id: %w", err)
	}
	cleaned := SanitizeFileName(fileName)
	trimmedPrefix := strings.Trim(strings.TrimSpace(prefix), "/")
	if trimmedPrefix == "" {
		return id.String() + "/" + cleaned, nil
	}
	return trimmedPrefix + "/" + id.String() + "/" + cleaned, nil
}

var asciiFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// SanitizeFileName reduces an arbitrary file name to a safe object key
// segment: diacritics folded away, everything outside [a-z0-9._-]
// replaced with dashes, runs collapsed, length capped.
func SanitizeFileName(name string) string {
	folded, _, err := transform.String(asciiFold, strings.TrimSpace(name))
	if err != nil {
		folded = strings.TrimSpace(name)
	}
	folded = strings.ToLower(folded)

	var builder strings.Builder
	lastDash := false
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			builder.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && builder.Len() > 0 {
				builder.WriteByte('-')
			}
			lastDash = true
		}
	}
	cleaned := strings.Trim(builder.String(), "-.")
	if len(cleaned) > maxFileNameLength {
		cleaned = strings.Trim(cleaned[:maxFileNameLength], "-.")
	}
	if cleaned == "" {
		return "upload"
	}
	return cleaned
}
