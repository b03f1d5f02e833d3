package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are attached to every record logged with a context that carries them.
// Set them once where the value becomes known (webhook handler, worker job loop)
// and every slog.*Context call below picks them up.
type LogFields struct {
	ConnectionID  *int64
	ChangeEventID *int64
	JobID         *string // poll job uuid
	MessageID     *string // redis stream entry id
	Provider      *string
	EventKind     *string
	Component     string // e.g. "ingest.worker.processor"
}

// WithLogFields returns a child context with fields merged over any already present.
// Non-nil values in fields win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.ConnectionID != nil {
		result.ConnectionID = next.ConnectionID
	}
	if next.ChangeEventID != nil {
		result.ChangeEventID = next.ChangeEventID
	}
	if next.JobID != nil {
		result.JobID = next.JobID
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.Provider != nil {
		result.Provider = next.Provider
	}
	if next.EventKind != nil {
		result.EventKind = next.EventKind
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr returns a pointer to v, for inline LogFields literals.
func Ptr[T any](v T) *T {
	return &v
}

// Truncate cuts s to maxLen bytes and appends "..." when it had to cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
