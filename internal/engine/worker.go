package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/bidding"
	"github.com/fyrsmithlabs/orchestd/internal/logging"
	"github.com/fyrsmithlabs/orchestd/internal/memory"
	"github.com/fyrsmithlabs/orchestd/internal/task"
	"github.com/fyrsmithlabs/orchestd/internal/workflow"
)

// Worker is a bidding candidate that can also run the refinement workflow
// for tasks it wins.
type Worker interface {
	bidding.Worker
	Run(ctx context.Context, req task.Request, caution string) (*workflow.Result, error)
}

// FitnessFunc lets a worker customize its self-reported fitness.
type FitnessFunc func(ctx context.Context, req task.Request) (confidence float64, rationale string)

// RefinementWorker is the standard worker: it bids from the learning
// memory's track record in the task's domain and runs the workflow driver
// when it wins.
type RefinementWorker struct {
	id      string
	driver  *workflow.Driver
	store   memory.Store
	fitness FitnessFunc
	logger  *zap.Logger
}

// baseConfidence anchors bids when nothing is known about the domain.
const baseConfidence = 0.5

// NewRefinementWorker creates a worker around a workflow driver. A nil
// fitness function falls back to the memory-informed default.
func NewRefinementWorker(id string, driver *workflow.Driver, store memory.Store, fitness FitnessFunc, logger *zap.Logger) (*RefinementWorker, error) {
	if id == "" {
		return nil, fmt.Errorf("worker id cannot be empty")
	}
	if driver == nil {
		return nil, workflow.ErrNoGenerator
	}
	if store == nil {
		return nil, workflow.ErrNoStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefinementWorker{id: id, driver: driver, store: store, fitness: fitness, logger: logger}, nil
}

// ID implements bidding.Worker.
func (w *RefinementWorker) ID() string { return w.id }

// Bid implements bidding.Worker. The default fitness starts from a neutral
// base and raises it with the confidence of similar past outcomes in the
// task's domain, lowering it slightly for each known pitfall.
func (w *RefinementWorker) Bid(ctx context.Context, req task.Request) (bidding.Bid, error) {
	if w.fitness != nil {
		conf, rationale := w.fitness(ctx, req)
		return bidding.Bid{WorkerID: w.id, Confidence: conf, Rationale: rationale}, nil
	}

	conf := baseConfidence
	rationale := "no prior outcomes in this domain"

	practices, err := w.store.BestPractices(ctx, req.Domain, req.Text, 3)
	if err == nil && len(practices) > 0 {
		var sum float64
		for _, p := range practices {
			sum += p.Outcome.Confidence
		}
		avg := sum / float64(len(practices))
		// Past success pulls the bid up toward the observed confidence.
		conf = baseConfidence + (avg-baseConfidence)*0.8
		rationale = fmt.Sprintf("%d similar past outcomes averaging %.2f confidence", len(practices), avg)
	}

	pitfalls, err := w.store.KnownPitfalls(ctx, req.Domain)
	if err == nil && len(pitfalls) > 0 {
		penalty := 0.02 * float64(len(pitfalls))
		if penalty > 0.2 {
			penalty = 0.2
		}
		conf -= penalty
	}

	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}

	return bidding.Bid{WorkerID: w.id, Confidence: conf, Rationale: rationale}, nil
}

// Run implements Worker. The worker's identity rides the context so every
// log entry below this point carries it.
func (w *RefinementWorker) Run(ctx context.Context, req task.Request, caution string) (*workflow.Result, error) {
	ctx = logging.WithWorker(ctx, w.id)
	w.logger.Debug("worker accepted task", logging.ContextFields(ctx)...)
	return w.driver.Run(ctx, req, caution)
}

// Ensure RefinementWorker implements Worker.
var _ Worker = (*RefinementWorker)(nil)
