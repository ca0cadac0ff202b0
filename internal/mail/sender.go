// Package mail is the outbound mail collaborator. Delivery is
// best-effort: callers log failures but never roll back the mutation the
// message accompanies.
package mail

import "context"

// Sender delivers a plain-text message to one recipient.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}
