package mail

import (
	"context"

	"pallas.athemath.org/internal/obs"
)

// LogSender records outbound mail as log lines instead of delivering it.
// Used when no SMTP relay is configured (dev and test environments).
// Message bodies may contain one-time keys, so only the recipient and
// subject are logged.
type LogSender struct{}

func (LogSender) Send(_ context.Context, to, subject, _ string) error {
	obs.LogRequest(map[string]any{
		"type":    "mail",
		"to":      to,
		"subject": subject,
		"msg":     "mail sender not configured, message dropped",
	})
	return nil
}
