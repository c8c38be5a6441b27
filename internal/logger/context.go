package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are attached to every record logged with the enriched context.
type LogFields struct {
	ConversationID string
	UserID         string
	Component      string
}

// WithLogFields merges fields into ctx; non-empty values win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := GetLogFields(ctx)
	if fields.ConversationID != "" {
		merged.ConversationID = fields.ConversationID
	}
	if fields.UserID != "" {
		merged.UserID = fields.UserID
	}
	if fields.Component != "" {
		merged.Component = fields.Component
	}
	return context.WithValue(ctx, logFieldsKey, merged)
}

func GetLogFields(ctx context.Context) LogFields {
	if ctx == nil {
		return LogFields{}
	}
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}
