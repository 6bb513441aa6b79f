package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context: the active trace,
// the task being refined, the worker handling it, and the submitter.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if t := TaskFromContext(ctx); t != nil {
		fields = append(fields,
			zap.String("task_id", t.ID),
			zap.String("task_domain", t.Domain),
		)
	}

	if workerID := WorkerFromContext(ctx); workerID != "" {
		fields = append(fields, zap.String("worker_id", workerID))
	}

	if submitter := SubmitterFromContext(ctx); submitter != "" {
		fields = append(fields, zap.String("submitter", submitter))
	}

	return fields
}

type taskCtxKey struct{}
type workerCtxKey struct{}
type submitterCtxKey struct{}
type loggerCtxKey struct{}

// TaskInfo identifies the task a log entry belongs to.
type TaskInfo struct {
	ID     string
	Domain string
}

// WithTask stores task correlation in the context.
func WithTask(ctx context.Context, id, domain string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, &TaskInfo{ID: id, Domain: domain})
}

// TaskFromContext extracts task correlation, or nil.
func TaskFromContext(ctx context.Context) *TaskInfo {
	if t, ok := ctx.Value(taskCtxKey{}).(*TaskInfo); ok {
		return t
	}
	return nil
}

// WithWorker stores the handling worker's ID in the context.
func WithWorker(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerCtxKey{}, workerID)
}

// WorkerFromContext extracts the worker ID, or "".
func WorkerFromContext(ctx context.Context) string {
	if w, ok := ctx.Value(workerCtxKey{}).(string); ok {
		return w
	}
	return ""
}

// WithSubmitter stores the submitting agent's ID in the context.
func WithSubmitter(ctx context.Context, submitter string) context.Context {
	return context.WithValue(ctx, submitterCtxKey{}, submitter)
}

// SubmitterFromContext extracts the submitter, or "".
func SubmitterFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(submitterCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from the context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
