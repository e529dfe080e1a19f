package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the structured logging key for component names.
	FieldComponent = "component"
	// FieldInterview is the structured logging key for interview names.
	FieldInterview = "interview"
	// FieldStage is the structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldRunID is the structured logging key for stage-run row identifiers.
	FieldRunID = "run_id"
	// FieldCorrelationID is the structured logging key for per-dispatch request identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType tags log records for downstream filtering.
	FieldEventType = "event_type"
	// FieldErrorHint carries the operator-facing next step for a failure.
	FieldErrorHint = "error_hint"
)

type contextKey string

const (
	ctxInterview     contextKey = "interview"
	ctxStage         contextKey = "stage"
	ctxRunID         contextKey = "run_id"
	ctxCorrelationID contextKey = "correlation_id"
)

// WithInterview attaches the interview name to the context.
func WithInterview(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxInterview, name)
}

// WithStage attaches the stage name to the context.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, ctxStage, stage)
}

// WithRunID attaches the stage-run identifier to the context.
func WithRunID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, ctxRunID, id)
}

// WithCorrelationID attaches a per-dispatch request identifier to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxCorrelationID, id)
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if name, ok := ctx.Value(ctxInterview).(string); ok && name != "" {
		fields = append(fields, slog.String(FieldInterview, name))
	}
	if stage, ok := ctx.Value(ctxStage).(string); ok && stage != "" {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if id, ok := ctx.Value(ctxRunID).(int64); ok {
		fields = append(fields, slog.Int64(FieldRunID, id))
	}
	if rid, ok := ctx.Value(ctxCorrelationID).(string); ok && rid != "" {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with fields derived from the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}
