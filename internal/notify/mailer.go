// Package notify defines the outbound mail/SMS ports ApiWare's grant/mail/
// text actions dispatch through (spec.md §1 Non-goals: "no concrete
// SendGrid/SMS transport — external collaborators with specified interfaces
// only"). LoggingMailer/LoggingSMSSender are the zero-config defaults,
// mirroring the teacher's auth.Noop() pattern for a pluggable concern that
// still needs a safe out-of-the-box behavior.
package notify

import (
	"context"
	"log/slog"

	"github.com/keephost/keephost/internal/scribe"
)

// Message is one outbound email.
type Message struct {
	To, Cc, Bcc []string
	From        string
	Subject     string
	Body        string
}

// Mailer dispatches email. A real implementation (SMTP, SendGrid, SES) is
// supplied by the deployment, not by this package.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LoggingMailer logs the message and reports success. It is the default
// Mailer when no deployment-specific one is configured.
type LoggingMailer struct{}

func (LoggingMailer) Send(ctx context.Context, msg Message) error {
	scribe.FromContext(ctx).LogAttrs(ctx, slog.LevelInfo, "notify: mail dispatched (logging mailer)",
		slog.Any("to", msg.To), slog.String("from", msg.From), slog.String("subject", msg.Subject))
	return nil
}
