package identity

import "errors"

var (
	// ErrUnauthenticated means no subject could be resolved for the request.
	ErrUnauthenticated = errors.New("identity: unauthenticated")
	// ErrForbidden is the uniform gate denial. Callers must not be able to
	// tell a denied resource from a missing one beyond what the operation
	// itself discloses.
	ErrForbidden = errors.New("identity: forbidden")
	// ErrNotFound means the referenced user or group does not exist.
	ErrNotFound = errors.New("identity: not found")
	// ErrConflict covers duplicate names and stale-version saves.
	ErrConflict = errors.New("identity: conflict")
	// ErrInvalidInput marks malformed caller input.
	ErrInvalidInput = errors.New("identity: invalid input")
	// ErrUnavailable wraps store or mail collaborator failures that are not
	// the caller's fault.
	ErrUnavailable = errors.New("identity: upstream unavailable")
)
