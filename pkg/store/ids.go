package store

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxIDLength bounds identifiers so they fit in keys and indexed columns.
const MaxIDLength = 128

// ValidateID checks an account or investment identifier.
//
// Rules:
// - non-empty
// - at most MaxIDLength bytes
// - no control characters, whitespace, or braces (braces are reserved for
//   Redis hash tags)
func ValidateID(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: id too long (max %d)", ErrInvalidID, MaxIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: id contains whitespace or control character", ErrInvalidID)
		}
	}
	if strings.ContainsAny(id, "{}") {
		return fmt.Errorf("%w: id contains a brace", ErrInvalidID)
	}
	return nil
}

// KeyPattern builds namespaced keys for key-value backends.
type KeyPattern struct {
	prefix    string
	separator string
}

// NewKeyPattern creates a key pattern with the given prefix and separator.
func NewKeyPattern(prefix, separator string) *KeyPattern {
	if separator == "" {
		separator = ":"
	}
	return &KeyPattern{prefix: prefix, separator: separator}
}

// Build joins the prefix and parts: pattern.Build("a", "b") -> "prefix:a:b".
func (kp *KeyPattern) Build(parts ...string) string {
	var b strings.Builder
	b.WriteString(kp.prefix)
	for _, p := range parts {
		b.WriteString(kp.separator)
		b.WriteString(p)
	}
	return b.String()
}

// Tag wraps id in a Redis Cluster hash tag so every key built with it lands
// in the same slot.
func Tag(id string) string {
	return "{" + id + "}"
}
