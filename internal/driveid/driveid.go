// Package driveid provides a type-safe, normalized drive identifier for
// Graph-style API drive IDs. The API returns inconsistent casing for drive
// IDs across endpoints, and personal accounts sometimes return short
// 15-character IDs; this package consolidates the normalization so the rest
// of the codebase never compares raw strings.
//
// This is a leaf package with zero dependencies beyond stdlib.
package driveid

import "strings"

// minLength is the minimum length for a normalized drive ID. Short personal
// account IDs are left-padded with zeros for stable comparisons.
const minLength = 16

// ID is a normalized drive identifier: lowercase, zero-padded to at least
// 16 characters. The zero value represents an absent or unknown drive.
type ID struct {
	value string
}

// New creates a normalized ID from a raw API drive identifier. Empty input
// returns the zero ID, the single representation for "absent/unknown".
func New(raw string) ID {
	if raw == "" {
		return ID{}
	}

	lower := strings.ToLower(raw)
	if len(lower) >= minLength {
		return ID{value: lower}
	}

	return ID{value: strings.Repeat("0", minLength-len(lower)) + lower}
}

// String returns the normalized drive ID string. Zero ID returns "".
func (id ID) String() string {
	return id.value
}

// IsZero reports whether the ID is absent/unknown.
func (id ID) IsZero() bool {
	return id.value == ""
}

// Equal reports whether two IDs refer to the same drive. Both sides are
// already normalized, so this is plain string equality.
func (id ID) Equal(other ID) bool {
	return id.value == other.value
}
