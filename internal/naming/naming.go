// Package naming normalizes registry keys so type names match regardless of case.
package naming

import (
	"strings"

	"golang.org/x/text/cases"
)

// Key returns the case-folded, trimmed form of a type name.
func Key(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// Valid reports whether name is usable as a registry key.
func Valid(name string) bool {
	return Key(name) != ""
}
