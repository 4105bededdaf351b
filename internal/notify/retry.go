package notify

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/keephost/keephost/internal/scribe"
)

// WithRetry wraps a Mailer so a transient Send failure (a flaky SMTP relay,
// a rate-limited provider) is retried with exponential backoff instead of
// failing the @mail action outright. maxElapsed bounds the whole retry
// budget; once it's spent the last error is returned as-is.
func WithRetry(m Mailer, maxElapsed time.Duration) Mailer {
	return retryMailer{m: m, maxElapsed: maxElapsed}
}

type retryMailer struct {
	m          Mailer
	maxElapsed time.Duration
}

func (r retryMailer) Send(ctx context.Context, msg Message) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.m.Send(ctx, msg)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(r.maxElapsed))
	if err != nil {
		scribe.Logger().Error("notify: mail delivery exhausted retries", "error", err)
	}
	return err
}

// WithRetrySMS is WithRetry's SMSSender counterpart.
func WithRetrySMS(s SMSSender, maxElapsed time.Duration) SMSSender {
	return retrySMS{s: s, maxElapsed: maxElapsed}
}

type retrySMS struct {
	s          SMSSender
	maxElapsed time.Duration
}

func (r retrySMS) Send(ctx context.Context, to, from, body string) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.s.Send(ctx, to, from, body)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(r.maxElapsed))
	if err != nil {
		scribe.Logger().Error("notify: sms delivery exhausted retries", "error", err)
	}
	return err
}
