package mac

import (
	"errors"
	"strings"
)

var ErrInvalid = errors.New("invalid mac address")

// Normalize returns the canonical form of a hardware address: twelve lowercase
// hex digits with every ':', '-', '.' and space separator removed.
func Normalize(raw string) (string, error) {
	var b strings.Builder
	b.Grow(12)

	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r == ':' || r == '-' || r == '.' || r == ' ':
			continue
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
			b.WriteRune(r)
		case r >= 'A' && r <= 'F':
			b.WriteRune(r + ('a' - 'A'))
		default:
			return "", ErrInvalid
		}
		if b.Len() > 12 {
			return "", ErrInvalid
		}
	}

	if b.Len() != 12 {
		return "", ErrInvalid
	}
	return b.String(), nil
}

// Colon renders a normalized address in the uppercase colon-separated form
// hotspot devices store in their mac-address field.
func Colon(normalized string) string {
	upper := strings.ToUpper(normalized)
	parts := make([]string, 0, 6)
	for i := 0; i+2 <= len(upper); i += 2 {
		parts = append(parts, upper[i:i+2])
	}
	return strings.Join(parts, ":")
}
