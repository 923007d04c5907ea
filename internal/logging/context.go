package logging

import (
	"context"
	"log/slog"

	"scormsync/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldUploadID is the standardized structured logging key for pending upload identifiers.
	FieldUploadID = "upload_id"
	// FieldCourseID is the structured logging key for the remote course identifier.
	FieldCourseID = "course_id"
	// FieldAttempt is the 1-based registration attempt number.
	FieldAttempt = "attempt"
	// FieldLearnerID identifies the learner whose progress is being touched.
	FieldLearnerID = "learner_id"
	// FieldContentRef identifies the content package a progress record belongs to.
	FieldContentRef = "content_ref"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType names the event for log search and alerting.
	FieldEventType = "event_type"
	// FieldErrorHint tells the operator what to check next.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
)

func contextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 2)
	if id, ok := services.UploadIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldUploadID, id))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := contextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(toArgs(fields)...)
}
