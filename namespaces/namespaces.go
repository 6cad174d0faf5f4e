package namespaces

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	// Default applies when callers omit a namespace.
	Default = "default"

	// MaxLength caps the length of namespaces, table names and variable names.
	MaxLength = 128
)

// Normalize lowercases and validates ns, applying fallback when ns is empty.
// Namespaces that differ only in case share one serialization domain.
func Normalize(ns, fallback string) (string, error) {
	ns = strings.TrimSpace(ns)
	if ns == "" {
		ns = strings.TrimSpace(fallback)
	}
	if ns == "" {
		return "", fmt.Errorf("namespace required")
	}
	if len(ns) > MaxLength {
		return "", fmt.Errorf("namespace too long (max %d characters)", MaxLength)
	}
	ns = strings.ToLower(ns)
	if !isValidComponent(ns) {
		return "", fmt.Errorf("invalid namespace %q (allowed: lowercase letters, digits, '.', '_', '-')", ns)
	}
	return ns, nil
}

// Validate reports whether ns satisfies namespace constraints.
func Validate(ns string) error {
	_, err := Normalize(ns, "")
	return err
}

// ValidateName checks a table or variable name. Names are case-sensitive and
// may contain any printable character.
func ValidateName(kind, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%s name required", kind)
	}
	if len(name) > MaxLength {
		return fmt.Errorf("%s name too long (max %d characters)", kind, MaxLength)
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("%s name %q contains non-printable characters", kind, name)
		}
	}
	return nil
}

func isValidComponent(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			continue
		case c >= '0' && c <= '9':
			continue
		case c == '.' || c == '_' || c == '-':
			continue
		default:
			return false
		}
	}
	return true
}
