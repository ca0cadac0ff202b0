// Package identity is the authorization and identity-verification core.
// It decides who may read or mutate which fields of a user or group
// record and runs the challenge/response protocol for changing
// identity-sensitive attributes. Transport framing, rendering and
// persistence mechanics live elsewhere; this package only talks to the
// Store and Sender collaborators.
package identity

import (
	"time"

	"pallas.athemath.org/internal/access"
)

// User is an authenticated principal. PasswordHash and the pending
// challenge's KeyHash are the only secrets at rest; neither is ever
// serialised into a response.
type User struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	Email        string          `json:"email"`
	PasswordHash string          `json:"-"`
	Level        access.Level    `json:"access_level"`
	Pending      *EmailChallenge `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	// Version guards read-modify-write cycles; Store.Save refuses a
	// stale version with ErrConflict.
	Version int64 `json:"-"`
}

// EmailChallenge is the pending state of a two-phase email change.
// Exactly one may be outstanding per user; a new initiate overwrites it.
type EmailChallenge struct {
	NewEmail    string    `json:"new_email"`
	KeyHash     string    `json:"-"`
	Attempts    int       `json:"attempts"`
	InitiatedAt time.Time `json:"initiated_at"`
}

// Group is a named collection of users. Admins is kept a subset of
// Members by the mutation methods below; code must not append to the
// slices directly.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Members   []string  `json:"users"`
	Admins    []string  `json:"admins"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Version int64 `json:"-"`
}

// RoleOf resolves the user's rank within the group.
func (g *Group) RoleOf(userID string) access.GroupRole {
	if g == nil || userID == "" {
		return access.NonMember
	}
	if contains(g.Admins, userID) {
		return access.GroupAdmin
	}
	if contains(g.Members, userID) {
		return access.Member
	}
	return access.NonMember
}

// AddMember appends the user to the member set. Returns false if the
// user is already listed; the set is left unchanged in that case.
func (g *Group) AddMember(userID string) bool {
	if contains(g.Members, userID) {
		return false
	}
	g.Members = append(g.Members, userID)
	return true
}

// AddAdmin promotes the user to group admin. Admins are always members,
// so a missing membership is added in the same step.
func (g *Group) AddAdmin(userID string) bool {
	g.AddMember(userID)
	if contains(g.Admins, userID) {
		return false
	}
	g.Admins = append(g.Admins, userID)
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
