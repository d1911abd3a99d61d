// Package reporter defines the error-reporter contract the rest of the
// service depends on. An external reporting collaborator (e.g. Sentry)
// is treated as out of scope for this tree; this package carries only
// the capability interface and a slog-backed default so every call site
// has somewhere to send internal failures without importing a concrete
// reporting SDK.
package reporter

import (
	"context"
	"log/slog"
)

// ErrorReporter receives internal failures that are logged but not
// shown to clients: DB errors, bus errors, shutdown failures, and the
// like. Implementations must not block the caller meaningfully.
type ErrorReporter interface {
	Report(ctx context.Context, err error, attrs ...slog.Attr)
}

// slogReporter is the default ErrorReporter: it logs at error level and
// does nothing else. A Sentry-backed implementation can be substituted
// at wiring time without touching call sites.
type slogReporter struct {
	logger *slog.Logger
}

// NewSlogReporter returns the default reporter backed by logger.
func NewSlogReporter(logger *slog.Logger) ErrorReporter {
	return &slogReporter{logger: logger}
}

func (r *slogReporter) Report(ctx context.Context, err error, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.Any("error", err))
	for _, a := range attrs {
		args = append(args, a)
	}
	r.logger.ErrorContext(ctx, "reported error", args...)
}
