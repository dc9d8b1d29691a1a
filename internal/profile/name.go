package profile

import (
	"errors"
	"strings"
)

var ErrInvalidName = errors.New(`name must not contain / or \`)

// SanitizeName turns a file or display name into a profile identifier.
func SanitizeName(name string) (string, error) {
	if strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidName
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune("-_.()", r):
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	return strings.ToLower(b.String()), nil
}
