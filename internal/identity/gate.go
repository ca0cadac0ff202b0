package identity

import "pallas.athemath.org/internal/access"

// The gate is the single chokepoint in front of every operation. It
// evaluates the precondition before any further data is read and
// short-circuits with the uniform forbidden signal on denial.

func requireLevel(actor *User, threshold access.Level) error {
	if actor == nil {
		return ErrUnauthenticated
	}
	if access.LessThan(actor.Level, threshold) {
		return ErrForbidden
	}
	return nil
}

func requireGroupRole(g *Group, actor *User, threshold access.GroupRole) error {
	if actor == nil {
		return ErrUnauthenticated
	}
	if access.LessThan(g.RoleOf(actor.ID), threshold) {
		return ErrForbidden
	}
	return nil
}
