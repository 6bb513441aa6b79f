// Package gate defines the safety/trust gate sitting upstream of the
// bidding coordinator, plus an in-memory implementation tracking
// per-submitter trust and violation history.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Action is the gate's verdict on a submission.
type Action string

const (
	// ActionAllow admits the task unchanged.
	ActionAllow Action = "allow"

	// ActionWarn admits the task with a caution annotation for the
	// generator.
	ActionWarn Action = "warn"

	// ActionBlock stops the task before it reaches the coordinator.
	ActionBlock Action = "block"
)

// Severity grades a violation signal.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ErrEmptySubmitter rejects checks without a submitter identity.
var ErrEmptySubmitter = errors.New("submitter cannot be empty")

// Verdict is the gate's decision for one submission.
type Verdict struct {
	Action    Action   `json:"action"`
	Severity  Severity `json:"severity,omitempty"`
	Rationale string   `json:"rationale"`
}

// Gate screens tasks before routing and absorbs post-hoc violation
// signals to update trust state.
type Gate interface {
	// Check returns the verdict for a submitter's task text.
	Check(ctx context.Context, submitter, taskText string) (Verdict, error)

	// ReportViolation records a post-hoc violation for a completed task.
	ReportViolation(ctx context.Context, submitter string, severity Severity)

	// ReportClean records a clean completion, slowly restoring trust.
	ReportClean(ctx context.Context, submitter string)
}

// Trust thresholds for the in-memory gate.
const (
	initialTrust = 1.0
	warnBelow    = 0.6
	blockBelow   = 0.3

	cleanRecovery = 0.05
	maxTrust      = 1.0
)

// violationPenalty maps severity to trust loss.
func violationPenalty(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 0.5
	case SeverityError:
		return 0.25
	default:
		return 0.1
	}
}

// trustState tracks one submitter.
type trustState struct {
	trust      float64
	violations int
	lastSignal time.Time
}

// MemoryGate is an in-memory Gate keyed by submitter identity.
type MemoryGate struct {
	logger *zap.Logger

	mu    sync.Mutex
	state map[string]*trustState
}

// NewMemoryGate creates a gate with every submitter starting at full trust.
func NewMemoryGate(logger *zap.Logger) *MemoryGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryGate{logger: logger, state: make(map[string]*trustState)}
}

// Check maps the submitter's current trust to a verdict.
func (g *MemoryGate) Check(ctx context.Context, submitter, taskText string) (Verdict, error) {
	if submitter == "" {
		return Verdict{}, ErrEmptySubmitter
	}

	g.mu.Lock()
	st := g.stateFor(submitter)
	trust := st.trust
	violations := st.violations
	g.mu.Unlock()

	switch {
	case trust < blockBelow:
		return Verdict{
			Action:    ActionBlock,
			Severity:  SeverityCritical,
			Rationale: fmt.Sprintf("trust %.2f below block threshold after %d violations", trust, violations),
		}, nil
	case trust < warnBelow:
		return Verdict{
			Action:    ActionWarn,
			Severity:  SeverityWarning,
			Rationale: fmt.Sprintf("trust %.2f below warn threshold; proceed with caution annotation", trust),
		}, nil
	default:
		return Verdict{Action: ActionAllow, Rationale: "submitter in good standing"}, nil
	}
}

// ReportViolation lowers the submitter's trust by the severity penalty.
func (g *MemoryGate) ReportViolation(ctx context.Context, submitter string, severity Severity) {
	if submitter == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stateFor(submitter)
	st.trust -= violationPenalty(severity)
	if st.trust < 0 {
		st.trust = 0
	}
	st.violations++
	st.lastSignal = time.Now()

	g.logger.Info("violation reported",
		zap.String("submitter", submitter),
		zap.String("severity", string(severity)),
		zap.Float64("trust", st.trust))
}

// ReportClean nudges trust back up after a clean completion.
func (g *MemoryGate) ReportClean(ctx context.Context, submitter string) {
	if submitter == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stateFor(submitter)
	st.trust += cleanRecovery
	if st.trust > maxTrust {
		st.trust = maxTrust
	}
	st.lastSignal = time.Now()
}

// Trust returns the submitter's current trust score. Used by tests.
func (g *MemoryGate) Trust(submitter string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateFor(submitter).trust
}

// stateFor returns (creating if needed) the submitter's state. Caller holds
// the lock.
func (g *MemoryGate) stateFor(submitter string) *trustState {
	st, ok := g.state[submitter]
	if !ok {
		st = &trustState{trust: initialTrust}
		g.state[submitter] = st
	}
	return st
}

// Ensure MemoryGate implements Gate.
var _ Gate = (*MemoryGate)(nil)
