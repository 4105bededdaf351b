package notify

import (
	"context"
	"log/slog"

	"github.com/keephost/keephost/internal/scribe"
)

// SMSSender dispatches a single SMS. A real implementation (Twilio, etc.)
// is supplied by the deployment, not by this package.
type SMSSender interface {
	Send(ctx context.Context, to, from, body string) error
}

// LoggingSMSSender logs the message and reports success. It is the default
// SMSSender when no deployment-specific one is configured.
type LoggingSMSSender struct{}

func (LoggingSMSSender) Send(ctx context.Context, to, from, body string) error {
	scribe.FromContext(ctx).LogAttrs(ctx, slog.LevelInfo, "notify: sms dispatched (logging sender)",
		slog.String("to", to), slog.String("from", from))
	return nil
}
