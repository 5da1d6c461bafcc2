// Package logging defines the structured logging interface every core
// component depends on, instead of a package-level logger singleton.
package logging

import "context"

// Logger is implemented by each logging backend the runtime supports.
type Logger interface {
	Debug(ctx context.Context, message string, fields map[string]any)
	Info(ctx context.Context, message string, fields map[string]any)
	Warn(ctx context.Context, message string, fields map[string]any)
	Error(ctx context.Context, message string, fields map[string]any)

	// With returns a Logger that merges fields into every subsequent call.
	With(fields map[string]any) Logger
}

// Fields is a convenience constructor to avoid map literal noise at call sites.
type Fields map[string]any
