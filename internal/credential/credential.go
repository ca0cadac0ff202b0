// Package credential hashes and verifies the two secrets the system keeps
// at rest: user passwords and one-time email verification keys. Both go
// through the same bcrypt discipline; plaintext is never stored or logged.
package credential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrIntegrity marks a stored credential whose format cannot be parsed.
// This is a data-corruption signal, never treated as a simple mismatch.
var ErrIntegrity = errors.New("credential: corrupt stored hash")

// DefaultCost is the bcrypt work factor used unless overridden.
const DefaultCost = bcrypt.DefaultCost

// Hash produces a salted one-way digest of the secret.
func Hash(secret string) (string, error) {
	return HashWithCost(secret, DefaultCost)
}

// HashWithCost hashes with an explicit work factor for deployments that
// tune it.
func HashWithCost(secret string, cost int) (string, error) {
	if secret == "" {
		return "", errors.New("credential: secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// Verify compares a plaintext secret against a stored hash. The comparison
// is constant time with respect to where a mismatch occurs. A hash that
// cannot be parsed reports ErrIntegrity rather than false.
func Verify(secret, storedHash string) (bool, error) {
	if storedHash == "" {
		return false, ErrIntegrity
	}
	err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(secret))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
}

// keyAlphabet excludes look-alike characters so keys survive being read
// from an email and typed back in.
const keyAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

const (
	keySegments   = 3
	segmentLength = 4
)

// NewKey generates a random one-time verification key rendered as
// dash-joined segments, e.g. "k3nq-7wfj-m2hx".
func NewKey() (string, error) {
	parts := make([]string, 0, keySegments)
	for i := 0; i < keySegments; i++ {
		seg, err := randomSegment(segmentLength)
		if err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
		parts = append(parts, seg)
	}
	return strings.Join(parts, "-"), nil
}

func randomSegment(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range buf {
		b.WriteByte(keyAlphabet[int(c)%len(keyAlphabet)])
	}
	return b.String(), nil
}
