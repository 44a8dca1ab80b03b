package logging

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	runIDKey        struct{}
	projectIDKey    struct{}
	taskIDKey       struct{}
	checkpointIDKey struct{}
	loggerKey       struct{}
)

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v := RunIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("run.id", v))
	}
	if v := ProjectIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("project.id", v))
	}
	if v := TaskIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("task.id", v))
	}
	if v, ok := CheckpointIDFromContext(ctx); ok {
		fields = append(fields, zap.String("checkpoint.id", strconv.FormatInt(v, 10)))
	}
	return fields
}

// WithRunID tags ctx with an orchestrator run id. Empty ids are ignored.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the run id, or "".
func RunIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(runIDKey{}).(string)
	return s
}

// WithProjectID tags ctx with a project id. Empty ids are ignored.
func WithProjectID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, projectIDKey{}, id)
}

// ProjectIDFromContext returns the project id, or "".
func ProjectIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(projectIDKey{}).(string)
	return s
}

// WithTaskID tags ctx with a task id. Empty ids are ignored.
func WithTaskID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskIDFromContext returns the task id, or "".
func TaskIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(taskIDKey{}).(string)
	return s
}

// WithCheckpointID tags ctx with the open checkpoint.
func WithCheckpointID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, checkpointIDKey{}, id)
}

// CheckpointIDFromContext returns the checkpoint id if one is set.
func CheckpointIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(checkpointIDKey{}).(int64)
	return id, ok
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext retrieves the logger from ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
