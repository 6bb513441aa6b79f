// Package bidding implements the agent bidding coordinator: concurrent
// self-reported fitness bids with independent timeouts, a clear-winner
// selection rule, and routing-decision records for observability.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/events"
	"github.com/fyrsmithlabs/orchestd/internal/task"
)

// Defaults for coordinator configuration.
const (
	DefaultClearWinnerThreshold = 0.8
	DefaultBidTimeout           = 2 * time.Second
	DefaultHistorySize          = 64
)

// Common errors for worker selection.
var (
	ErrNoWorkers        = errors.New("no workers registered")
	ErrNoEligibleWorker = errors.New("no eligible worker: zero bids received")
)

// Bid is a worker's self-reported fitness for a task. Immutable once
// submitted; one per (worker, task).
type Bid struct {
	WorkerID   string  `json:"worker_id"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Validate checks bid fields.
func (b Bid) Validate() error {
	if b.WorkerID == "" {
		return errors.New("bid worker ID cannot be empty")
	}
	if b.Confidence < 0.0 || b.Confidence > 1.0 {
		return task.ErrInvalidConfidence
	}
	return nil
}

// Worker is a candidate for handling tasks. Bid must respect the context
// deadline; a worker that errors or times out simply contributes no bid.
type Worker interface {
	ID() string
	Bid(ctx context.Context, req task.Request) (Bid, error)
}

// Decision records one routing decision for observability.
type Decision struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	WinnerID  string    `json:"winner_id"`
	Bids      []Bid     `json:"bids"`
	Rationale string    `json:"rationale"`
	DecidedAt time.Time `json:"decided_at"`
}

// Options configures a Coordinator.
type Options struct {
	// ClearWinnerThreshold: a single bid above it wins outright.
	ClearWinnerThreshold float64

	// BidTimeout bounds each worker's bid call independently.
	BidTimeout time.Duration

	// HistorySize bounds the retained routing decisions.
	HistorySize int
}

func (o *Options) applyDefaults() {
	if o.ClearWinnerThreshold <= 0 {
		o.ClearWinnerThreshold = DefaultClearWinnerThreshold
	}
	if o.BidTimeout <= 0 {
		o.BidTimeout = DefaultBidTimeout
	}
	if o.HistorySize <= 0 {
		o.HistorySize = DefaultHistorySize
	}
}

// Coordinator fans tasks out to workers for bids and selects a winner.
//
// The fan-out is pure scatter/gather: every bid call runs concurrently
// under its own timeout, and gathering blocks only until each call has
// returned or timed out.
type Coordinator struct {
	opts    Options
	emitter *events.Emitter
	logger  *zap.Logger

	mu      sync.Mutex
	history []Decision
}

// NewCoordinator creates a bidding coordinator.
func NewCoordinator(opts Options, emitter *events.Emitter, logger *zap.Logger) *Coordinator {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = events.NewEmitter(zap.NewNop())
	}
	return &Coordinator{opts: opts, emitter: emitter, logger: logger}
}

// indexedBid pairs a bid with its worker's registration order for the
// fixed-priority tie break.
type indexedBid struct {
	bid      Bid
	priority int
}

// SelectWorker gathers bids and picks the winner.
//
// Selection rule: exactly one bid above the clear-winner threshold wins
// outright; otherwise the highest confidence wins, ties broken by worker
// priority order (registration order). Zero bids is fatal. A single
// worker's bid failure is non-fatal.
func (c *Coordinator) SelectWorker(ctx context.Context, req task.Request, workers []Worker) (Worker, *Decision, error) {
	if len(workers) == 0 {
		return nil, nil, ErrNoWorkers
	}

	bids := c.gather(ctx, req, workers)
	if len(bids) == 0 {
		return nil, nil, fmt.Errorf("%w: task %s, %d workers asked", ErrNoEligibleWorker, req.ID, len(workers))
	}

	winner, rationale := pick(bids, c.opts.ClearWinnerThreshold)

	decision := &Decision{
		ID:        uuid.New().String(),
		TaskID:    req.ID,
		WinnerID:  winner.bid.WorkerID,
		Bids:      flatten(bids),
		Rationale: rationale,
		DecidedAt: time.Now(),
	}
	c.remember(*decision)

	confidences := make(map[string]float64, len(bids))
	for _, ib := range bids {
		confidences[ib.bid.WorkerID] = ib.bid.Confidence
	}
	c.emitter.EmitRouting(ctx, events.RoutingDecision{
		TaskID:      req.ID,
		WinnerID:    decision.WinnerID,
		Confidences: confidences,
		Rationale:   rationale,
	})

	return workers[winner.priority], decision, nil
}

// gather issues every bid concurrently, each under its own timeout.
func (c *Coordinator) gather(ctx context.Context, req task.Request, workers []Worker) []indexedBid {
	results := make([]*indexedBid, len(workers))
	var wg sync.WaitGroup

	for i, w := range workers {
		wg.Add(1)
		go func(i int, w Worker) {
			defer wg.Done()
			bidCtx, cancel := context.WithTimeout(ctx, c.opts.BidTimeout)
			defer cancel()

			bid, err := w.Bid(bidCtx, req)
			if err != nil {
				c.logger.Warn("bid failed",
					zap.String("task_id", req.ID),
					zap.String("worker", w.ID()),
					zap.Error(err))
				return
			}
			bid.WorkerID = w.ID()
			if err := bid.Validate(); err != nil {
				c.logger.Warn("bid rejected",
					zap.String("task_id", req.ID),
					zap.String("worker", w.ID()),
					zap.Error(err))
				return
			}
			results[i] = &indexedBid{bid: bid, priority: i}
		}(i, w)
	}
	wg.Wait()

	bids := make([]indexedBid, 0, len(workers))
	for _, r := range results {
		if r != nil {
			bids = append(bids, *r)
		}
	}
	return bids
}

// pick applies the selection rule to the gathered bids.
func pick(bids []indexedBid, clearWinner float64) (indexedBid, string) {
	above := make([]indexedBid, 0, len(bids))
	for _, b := range bids {
		if b.bid.Confidence > clearWinner {
			above = append(above, b)
		}
	}
	if len(above) == 1 {
		return above[0], fmt.Sprintf("clear winner: confidence %.2f exceeds %.2f threshold",
			above[0].bid.Confidence, clearWinner)
	}

	// Highest confidence wins; priority order (registration order)
	// breaks ties.
	sorted := append([]indexedBid(nil), bids...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].bid.Confidence != sorted[j].bid.Confidence {
			return sorted[i].bid.Confidence > sorted[j].bid.Confidence
		}
		return sorted[i].priority < sorted[j].priority
	})
	best := sorted[0]
	return best, fmt.Sprintf("highest confidence %.2f of %d bids (no clear winner)",
		best.bid.Confidence, len(bids))
}

func flatten(bids []indexedBid) []Bid {
	out := make([]Bid, len(bids))
	for i, b := range bids {
		out[i] = b.bid
	}
	return out
}

// remember appends to the bounded decision history.
func (c *Coordinator) remember(d Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, d)
	if len(c.history) > c.opts.HistorySize {
		c.history = c.history[1:]
	}
}

// History returns a copy of the retained routing decisions, oldest first.
func (c *Coordinator) History() []Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Decision(nil), c.history...)
}
