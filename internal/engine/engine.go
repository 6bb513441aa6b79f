// Package engine ties the trust gate, bidding coordinator, and refinement
// workflows into a single task-submission surface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/bidding"
	"github.com/fyrsmithlabs/orchestd/internal/gate"
	"github.com/fyrsmithlabs/orchestd/internal/logging"
	"github.com/fyrsmithlabs/orchestd/internal/task"
	"github.com/fyrsmithlabs/orchestd/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/orchestd/internal/engine"

// Common errors for task submission.
var (
	ErrBlocked      = errors.New("task blocked by trust gate")
	ErrNoWorkers    = errors.New("engine has no workers")
	ErrInvalidSetup = errors.New("engine requires a gate and a coordinator")
)

// DefaultArchiveSize bounds the retained terminal results.
const DefaultArchiveSize = 128

// Options configures an Engine.
type Options struct {
	ArchiveSize int
}

// Engine routes submitted tasks through gate, bidding, and workflow.
//
// Each accepted task runs as its own unit of work; Submit is safe for
// concurrent use and tasks share no mutable workflow state.
type Engine struct {
	gate        gate.Gate
	coordinator *bidding.Coordinator
	workers     []Worker
	logger      *zap.Logger

	mu      sync.Mutex
	archive []*workflow.Result
	maxKeep int
}

// New creates an engine over a fixed worker pool. Worker order fixes the
// bidding tie-break priority.
func New(g gate.Gate, coordinator *bidding.Coordinator, workers []Worker, opts Options, logger *zap.Logger) (*Engine, error) {
	if g == nil || coordinator == nil {
		return nil, ErrInvalidSetup
	}
	if len(workers) == 0 {
		return nil, ErrNoWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	keep := opts.ArchiveSize
	if keep <= 0 {
		keep = DefaultArchiveSize
	}
	return &Engine{
		gate:        g,
		coordinator: coordinator,
		workers:     workers,
		logger:      logger,
		maxKeep:     keep,
	}, nil
}

// Submit runs one task end to end: trust gate, worker selection, and the
// winning worker's refinement workflow. Terminal results are archived.
//
// Only a gate block, the absence of eligible workers, and an unrecoverable
// generator outage surface as errors; everything else is reflected in the
// result status.
func (e *Engine) Submit(ctx context.Context, req task.Request, submitter string) (*workflow.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	ctx = logging.WithTask(ctx, req.ID, req.Domain)
	if submitter != "" {
		ctx = logging.WithSubmitter(ctx, submitter)
	}
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "engine.submit",
		oteltrace.WithAttributes(
			attribute.String("task.id", req.ID),
			attribute.String("task.domain", req.Domain),
		))
	defer span.End()

	verdict, err := e.gate.Check(ctx, submitter, req.Text)
	if err != nil {
		return nil, fmt.Errorf("trust gate check: %w", err)
	}

	caution := ""
	switch verdict.Action {
	case gate.ActionBlock:
		e.logger.Warn("task blocked",
			zap.String("task_id", req.ID),
			zap.String("submitter", submitter),
			zap.String("rationale", verdict.Rationale))
		return nil, fmt.Errorf("%w: %s", ErrBlocked, verdict.Rationale)
	case gate.ActionWarn:
		caution = verdict.Rationale
	}

	candidates := make([]bidding.Worker, len(e.workers))
	for i, w := range e.workers {
		candidates[i] = w
	}
	winner, decision, err := e.coordinator.SelectWorker(ctx, req, candidates)
	if err != nil {
		return nil, fmt.Errorf("selecting worker: %w", err)
	}

	worker := e.workerByID(winner.ID())
	if worker == nil {
		return nil, fmt.Errorf("winner %s is not a runnable worker", winner.ID())
	}

	res, runErr := worker.Run(ctx, req, caution)
	if res != nil {
		span.SetAttributes(attribute.String("task.status", string(res.Status)))
		e.keep(res)
		e.reportOutcome(ctx, submitter, res)
		e.logger.Info("task finished",
			append([]zap.Field{
				zap.String("worker", decision.WinnerID),
				zap.String("status", string(res.Status)),
				zap.Float64("confidence", res.Assessment.Confidence),
			}, logging.ContextFields(ctx)...)...)
	}
	return res, runErr
}

// reportOutcome feeds the post-hoc signal back to the trust gate.
func (e *Engine) reportOutcome(ctx context.Context, submitter string, res *workflow.Result) {
	if submitter == "" {
		return
	}
	if res.Status == workflow.StatusComplete {
		e.gate.ReportClean(ctx, submitter)
	}
}

// ReportViolation forwards an external violation signal for a completed
// task to the trust gate.
func (e *Engine) ReportViolation(ctx context.Context, submitter string, severity gate.Severity) {
	e.gate.ReportViolation(ctx, submitter, severity)
}

// RoutingHistory exposes the coordinator's retained routing decisions.
func (e *Engine) RoutingHistory() []bidding.Decision {
	return e.coordinator.History()
}

// Archive returns a copy of the retained terminal results, oldest first.
func (e *Engine) Archive() []*workflow.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*workflow.Result(nil), e.archive...)
}

func (e *Engine) keep(res *workflow.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.archive = append(e.archive, res)
	if len(e.archive) > e.maxKeep {
		e.archive = e.archive[1:]
	}
}

func (e *Engine) workerByID(id string) Worker {
	for _, w := range e.workers {
		if w.ID() == id {
			return w
		}
	}
	return nil
}
