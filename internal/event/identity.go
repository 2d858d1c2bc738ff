package event

import "strings"

// Identity names an account holder: a provider, a customer or the operator.
// The engine only compares identities for equality.
type Identity string

// Normalize trims surrounding whitespace.
func (id Identity) Normalize() Identity {
	return Identity(strings.TrimSpace(string(id)))
}

func (id Identity) IsZero() bool {
	return id.Normalize() == ""
}

func (id Identity) String() string {
	return string(id)
}
