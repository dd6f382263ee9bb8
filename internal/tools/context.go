package tools

import "context"

type contextKey string

const systemIDKey contextKey = "system_id"
const jobIDKey contextKey = "job_id"

// WithSystemID sets the battery system the current job is about. Tools
// fall back to it when the model omits system_id.
func WithSystemID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, systemIDKey, id)
}

// SystemIDFromContext extracts the job's system ID. Returns "" if not set.
func SystemIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(systemIDKey).(string); ok {
		return id
	}
	return ""
}

// WithJobID adds the job ID to the context for log correlation.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

// JobIDFromContext extracts the job ID from the context.
func JobIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDKey).(string); ok {
		return id
	}
	return ""
}
