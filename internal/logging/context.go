package logging

import "context"

type contextKey string

const fieldsKey contextKey = "log_fields"

// Fields are attached to every record logged with a context that carries them.
type Fields struct {
	RequestID string
	UserID    string
	ProjectID string
	Component string
}

// WithFields merges non-empty values of f into the fields already on ctx.
func WithFields(ctx context.Context, f Fields) context.Context {
	merged := FieldsFrom(ctx)
	if f.RequestID != "" {
		merged.RequestID = f.RequestID
	}
	if f.UserID != "" {
		merged.UserID = f.UserID
	}
	if f.ProjectID != "" {
		merged.ProjectID = f.ProjectID
	}
	if f.Component != "" {
		merged.Component = f.Component
	}
	return context.WithValue(ctx, fieldsKey, merged)
}

func FieldsFrom(ctx context.Context) Fields {
	if f, ok := ctx.Value(fieldsKey).(Fields); ok {
		return f
	}
	return Fields{}
}
