// Package scribe is the process-wide logger and verbosity knob (spec.md §9,
// "Process-wide state"). It mirrors the teacher's request_id.go/logging.go
// pair (github.com/rat-data/rat/platform/internal/api): a request-scoped
// slog.Logger threaded through context.Context, plus a byte/status-capturing
// http.ResponseWriter wrapper for structured access logging.
package scribe

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Verbosity is a bitmask controlling which scribe channels are active.
// Matches spec.md §4.7's "scribe: get/set scribe verbosity mask."
type Verbosity uint32

const (
	VerboseErrors Verbosity = 1 << iota
	VerboseAccess
	VerboseStore
	VerboseProxy
)

var (
	mu        sync.RWMutex
	logger    *slog.Logger
	verbosity atomic.Uint32
	once      sync.Once
)

// Init sets up the process-wide logger. Safe to call from multiple site
// startups; only the first call takes effect (lifecycle: "init on first
// site start").
func Init(level slog.Level) {
	once.Do(func() {
		h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
		mu.Lock()
		logger = slog.New(h)
		mu.Unlock()
	})
}

// Close flushes and releases scribe resources (lifecycle: "teardown on
// process exit"). Currently a no-op placeholder for a future buffered sink,
// kept explicit so call sites don't need to change when one is added.
func Close() {}

// Logger returns the process-wide logger, initializing a sane default if
// Init was never called.
func Logger() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		Init(slog.LevelInfo)
		mu.RLock()
		l = logger
		mu.RUnlock()
	}
	return l
}

// SetVerbosity installs a new verbosity mask. Used by the @scribe action.
func SetVerbosity(v Verbosity) { verbosity.Store(uint32(v)) }

// GetVerbosity returns the current verbosity mask.
func GetVerbosity() Verbosity { return Verbosity(verbosity.Load()) }

// Enabled reports whether a channel is currently active.
func Enabled(v Verbosity) bool { return Verbosity(verbosity.Load())&v != 0 }

type loggerKey struct{}

// WithLogger returns a context carrying a request-scoped logger.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext retrieves the request-scoped logger, falling back to the
// process-wide one.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return Logger()
}

// responseWriter wraps http.ResponseWriter to capture status and byte count,
// following the teacher's internal/api/logging.go responseWriter verbatim.
type responseWriter struct {
	http.ResponseWriter
	status       int
	wroteHeader  bool
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// AccessLog is outer-mux middleware (mounted by SiteApp, ahead of the
// Pipeline) that logs every request with structured attributes and injects
// a request-scoped logger into the context.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := Logger().With("method", r.Method, "path", r.URL.Path)
		ctx := WithLogger(r.Context(), l)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", wrapped.status),
			slog.String("duration", time.Since(start).String()),
			slog.Int("response_size", wrapped.bytesWritten),
		}
		switch {
		case wrapped.status >= 500:
			slog.LogAttrs(ctx, slog.LevelError, "request completed", attrs...)
		case wrapped.status >= 400:
			slog.LogAttrs(ctx, slog.LevelWarn, "request completed", attrs...)
		default:
			if Enabled(VerboseAccess) {
				slog.LogAttrs(ctx, slog.LevelInfo, "request completed", attrs...)
			}
		}
	})
}
