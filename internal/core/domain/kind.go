package domain

import "fmt"

// Kind names a category of agent work bound to exactly one executor.
type Kind string

const (
	KindValidator  Kind = "validator"
	KindCreator    Kind = "creator"
	KindResearcher Kind = "researcher"
	KindReporter   Kind = "reporter"
)

// Kinds lists every executor kind the orchestrator knows about, in display order.
var Kinds = []Kind{
	KindValidator,
	KindCreator,
	KindResearcher,
	KindReporter,
}

// Valid reports whether k is part of the kind enumeration.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown executor kind %q", s)
	}
	return k, nil
}
