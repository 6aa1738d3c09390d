package logging

import (
	"context"
	"log/slog"
)

// Context keys for common log fields.
type contextKey string

const (
	// RunIDKey is the context key for eviction run ids.
	RunIDKey contextKey = "run_id"

	// ModeKey is the context key for the eviction mode.
	ModeKey contextKey = "mode"

	// JobIDKey is the context key for background job ids.
	JobIDKey contextKey = "job_id"
)

// WithRunID adds an eviction run id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID retrieves the run id from the context.
func GetRunID(ctx context.Context) string {
	if v, ok := ctx.Value(RunIDKey).(string); ok {
		return v
	}
	return ""
}

// WithMode adds the eviction mode to the context.
func WithMode(ctx context.Context, mode string) context.Context {
	return context.WithValue(ctx, ModeKey, mode)
}

// GetMode retrieves the eviction mode from the context.
func GetMode(ctx context.Context) string {
	if v, ok := ctx.Value(ModeKey).(string); ok {
		return v
	}
	return ""
}

// WithJobID adds a background job id to the context.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

// GetJobID retrieves the background job id from the context.
func GetJobID(ctx context.Context) string {
	if v, ok := ctx.Value(JobIDKey).(string); ok {
		return v
	}
	return ""
}

func contextAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}

	var attrs []slog.Attr
	if v := GetRunID(ctx); v != "" {
		attrs = append(attrs, slog.String(string(RunIDKey), v))
	}
	if v := GetMode(ctx); v != "" {
		attrs = append(attrs, slog.String(string(ModeKey), v))
	}
	if v := GetJobID(ctx); v != "" {
		attrs = append(attrs, slog.String(string(JobIDKey), v))
	}
	return attrs
}
