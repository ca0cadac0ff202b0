// Package access defines the ordinal rank hierarchies used by every
// authorization decision: the global access level of a user and the
// per-group role. Both scopes share one comparison implementation so
// the two orderings cannot drift apart.
package access

import (
	"fmt"
	"strings"
)

// Level is a user's global rank. The order is fixed; labels are a
// presentation concern only and must never drive a decision.
type Level int

const (
	Unauthenticated Level = iota
	Student
	Staff
	Admin
	Owner
)

var levelNames = map[Level]string{
	Unauthenticated: "unauthenticated",
	Student:         "student",
	Staff:           "staff",
	Admin:           "admin",
	Owner:           "owner",
}

// String returns the display label for the level. Unknown ordinals
// render as "unauthenticated" so a corrupt value never gains rank.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return levelNames[Unauthenticated]
}

// ParseLevel maps a display label back to its ordinal.
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for lvl, name := range levelNames {
		if name == s {
			return lvl, nil
		}
	}
	return Unauthenticated, fmt.Errorf("unknown access level %q", s)
}

// GroupRole is a user's rank within one specific group.
type GroupRole int

const (
	NonMember GroupRole = iota
	Member
	GroupAdmin
)

func (r GroupRole) String() string {
	switch r {
	case GroupAdmin:
		return "admin"
	case Member:
		return "member"
	default:
		return "non-member"
	}
}

// AtLeast reports whether rank meets the threshold. It is the single
// comparison primitive for both Level and GroupRole.
func AtLeast[R ~int](rank, threshold R) bool {
	return rank >= threshold
}

// LessThan reports whether rank falls below the threshold.
func LessThan[R ~int](rank, threshold R) bool {
	return rank < threshold
}

// Compare returns -1, 0 or 1 ordering a against b.
func Compare[R ~int](a, b R) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
