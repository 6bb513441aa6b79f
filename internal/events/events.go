// Package events is the engine's observability sink: every routing decision,
// iteration assessment, diagnosis, and terminal status is emitted as a
// structured log entry and counted with OpenTelemetry instruments.
package events

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/logging"
	"github.com/fyrsmithlabs/orchestd/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/orchestd/internal/events"

// Emitter publishes engine events.
type Emitter struct {
	logger *zap.Logger

	routingCounter    metric.Int64Counter
	iterationCounter  metric.Int64Counter
	diagnosisCounter  metric.Int64Counter
	terminalCounter   metric.Int64Counter
	iterationDuration metric.Float64Histogram
}

// NewEmitter creates an emitter. Metric instrument creation failures degrade
// to logging only; they never fail construction.
func NewEmitter(logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Emitter{logger: logger}

	meter := otel.Meter(instrumentationName)

	var err error
	e.routingCounter, err = meter.Int64Counter(
		"orchestd.routing.decisions",
		metric.WithDescription("Total routing decisions made by the bidding coordinator"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		logger.Warn("routing counter unavailable", zap.Error(err))
	}

	e.iterationCounter, err = meter.Int64Counter(
		"orchestd.workflow.iterations",
		metric.WithDescription("Total refinement iterations executed"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		logger.Warn("iteration counter unavailable", zap.Error(err))
	}

	e.diagnosisCounter, err = meter.Int64Counter(
		"orchestd.strategy.diagnoses",
		metric.WithDescription("Diagnoses produced by the strategy analyzer, by strategy tag"),
		metric.WithUnit("{diagnosis}"),
	)
	if err != nil {
		logger.Warn("diagnosis counter unavailable", zap.Error(err))
	}

	e.terminalCounter, err = meter.Int64Counter(
		"orchestd.workflow.terminal",
		metric.WithDescription("Workflows reaching a terminal status, by status"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		logger.Warn("terminal counter unavailable", zap.Error(err))
	}

	e.iterationDuration, err = meter.Float64Histogram(
		"orchestd.workflow.iteration_duration",
		metric.WithDescription("Duration of individual refinement iterations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("iteration duration histogram unavailable", zap.Error(err))
	}

	return e
}

// RoutingDecision mirrors the coordinator's decision record for emission.
type RoutingDecision struct {
	TaskID      string
	WinnerID    string
	Confidences map[string]float64
	Rationale   string
}

// EmitRouting publishes a routing decision.
func (e *Emitter) EmitRouting(ctx context.Context, d RoutingDecision) {
	fields := []zap.Field{
		zap.String("task_id", d.TaskID),
		zap.String("winner", d.WinnerID),
		zap.String("rationale", d.Rationale),
	}
	for id, c := range d.Confidences {
		fields = append(fields, zap.Float64(fmt.Sprintf("bid.%s", id), c))
	}
	fields = append(fields, logging.ContextFields(ctx)...)
	e.logger.Info("routing decision", fields...)

	if e.routingCounter != nil {
		e.routingCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("winner", d.WinnerID),
		))
	}
}

// EmitAssessment publishes one iteration's quality assessment.
func (e *Emitter) EmitAssessment(ctx context.Context, taskID string, iteration int, a task.Assessment, elapsed time.Duration) {
	e.logger.Info("iteration assessed", append([]zap.Field{
		zap.String("task_id", taskID),
		zap.Int("iteration", iteration),
		zap.Float64("confidence", a.Confidence),
		zap.Float64("functionality", a.Functionality),
		zap.Float64("structural_quality", a.StructuralQuality),
		zap.Float64("completeness", a.Completeness),
		zap.Float64("usability", a.Usability),
		zap.Bool("needs_revision", a.NeedsRevision),
		zap.Duration("elapsed", elapsed),
	}, logging.ContextFields(ctx)...)...)

	if e.iterationCounter != nil {
		e.iterationCounter.Add(ctx, 1)
	}
	if e.iterationDuration != nil {
		e.iterationDuration.Record(ctx, elapsed.Seconds())
	}
}

// EmitDiagnosis publishes a strategy diagnosis.
func (e *Emitter) EmitDiagnosis(ctx context.Context, taskID string, iteration int, d task.Diagnosis) {
	e.logger.Info("diagnosis", append([]zap.Field{
		zap.String("task_id", taskID),
		zap.Int("iteration", iteration),
		zap.String("strategy", string(d.Strategy)),
		zap.String("root_cause", d.RootCause),
		zap.Int("action_items", len(d.ActionPlan)),
	}, logging.ContextFields(ctx)...)...)

	if e.diagnosisCounter != nil {
		e.diagnosisCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("strategy", string(d.Strategy)),
		))
	}
}

// EmitTerminal publishes a workflow's terminal status.
func (e *Emitter) EmitTerminal(ctx context.Context, taskID, status string, confidence float64, iterations int, elapsed time.Duration) {
	e.logger.Info("workflow terminal", append([]zap.Field{
		zap.String("task_id", taskID),
		zap.String("status", status),
		zap.Float64("confidence", confidence),
		zap.Int("iterations", iterations),
		zap.Duration("elapsed", elapsed),
	}, logging.ContextFields(ctx)...)...)

	if e.terminalCounter != nil {
		e.terminalCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", status),
		))
	}
}
