// Package workflow implements the iterative refinement workflow: an
// explicit finite-state machine that drives a generator through bounded
// generate, evaluate, decide loops with strategy-driven branching.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/orchestd/internal/memory"
	"github.com/fyrsmithlabs/orchestd/internal/strategy"
	"github.com/fyrsmithlabs/orchestd/internal/task"
)

// Common errors for workflow construction and execution.
var (
	ErrNoGenerator          = errors.New("generator is required")
	ErrNoEvaluator          = errors.New("evaluator is required")
	ErrNoAnalyzer           = errors.New("analyzer is required")
	ErrNoStore              = errors.New("memory store is required")
	ErrGeneratorUnavailable = errors.New("generator produced no candidate in any iteration")
)

// Phase is a state in the refinement state machine.
type Phase string

const (
	PhaseReasoning  Phase = "reasoning"
	PhaseRetrieval  Phase = "retrieval"
	PhaseGeneration Phase = "generation"
	PhaseEvaluation Phase = "evaluation"
	PhaseRevising   Phase = "revising"
)

// Status is the lifecycle status of a workflow.
type Status string

const (
	StatusRunning           Status = "running"
	StatusRevising          Status = "revising"
	StatusComplete          Status = "complete"
	StatusAbortedMaxIter    Status = "aborted_max_iterations"
	StatusAbortedNoProgress Status = "aborted_no_progress"
	StatusAbortedTimeout    Status = "aborted_timeout"
)

// Terminal reports whether the status ends the workflow.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusAbortedMaxIter, StatusAbortedNoProgress, StatusAbortedTimeout:
		return true
	}
	return false
}

// Snapshot is an immutable view of a workflow between transitions. Each
// transition produces a fresh snapshot; the trend slice is copied, never
// shared.
type Snapshot struct {
	TaskID         string          `json:"task_id"`
	Phase          Phase           `json:"phase"`
	Status         Status          `json:"status"`
	Iteration      int             `json:"iteration"`
	Best           task.Candidate  `json:"best"`
	BestScore      float64         `json:"best_score"`
	BestAssessment task.Assessment `json:"best_assessment"`
	Trend          []float64       `json:"trend"`
}

func newSnapshot(taskID string) Snapshot {
	return Snapshot{TaskID: taskID, Phase: PhaseReasoning, Status: StatusRunning}
}

// next returns a copy of the snapshot advanced to the given phase/status.
func (s Snapshot) next(phase Phase, status Status) Snapshot {
	out := s
	out.Phase = phase
	out.Status = status
	out.Trend = append([]float64(nil), s.Trend...)
	return out
}

// observe returns a copy with one iteration's result folded in. The best
// candidate only changes when the new confidence beats the previous best,
// and it carries its own assessment so the two never drift apart.
func (s Snapshot) observe(iteration int, cand task.Candidate, assessment task.Assessment) Snapshot {
	out := s.next(PhaseEvaluation, s.Status)
	out.Iteration = iteration
	out.Trend = append(out.Trend, assessment.Confidence)
	if cand.Content != "" && (out.Best.Content == "" || assessment.Confidence > out.BestScore) {
		out.Best = cand
		out.BestScore = assessment.Confidence
		out.BestAssessment = assessment
	}
	return out
}

// Guidance bundles everything handed to the generator for one iteration.
type Guidance struct {
	// BestPractices are memory records retrieved for the task.
	BestPractices []memory.Record

	// Pitfalls are known failure modes for the domain.
	Pitfalls []string

	// ActionPlan carries the prior diagnosis's plan on revision
	// iterations; empty on the first iteration.
	ActionPlan []string

	// Techniques recommends concrete techniques for this attempt.
	Techniques []string

	// Caution is the trust gate's warning annotation, when present.
	Caution string
}

// Generator produces candidate artifacts. Errors are consumed by the
// workflow as zero-confidence iterations, not re-raised.
type Generator interface {
	Generate(ctx context.Context, taskText string, guidance Guidance) (task.Candidate, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, taskText string, guidance Guidance) (task.Candidate, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, taskText string, guidance Guidance) (task.Candidate, error) {
	return f(ctx, taskText, guidance)
}

// Evaluator scores candidates. Implementations never fail; scoring problems
// surface as heuristic assessments.
type Evaluator interface {
	Score(ctx context.Context, candidate task.Candidate, domain string, previous []task.Assessment) task.Assessment
}

// Analyzer steers the loop after sub-threshold evaluations.
type Analyzer interface {
	Diagnose(ctx context.Context, candidate task.Candidate, assessment task.Assessment, dc strategy.DiagnosisContext) task.Diagnosis
	RecommendContinuation(trend []float64, attemptsUsed, iterationLimit int, timeRemaining time.Duration) strategy.Continuation
	PredictEffectiveness(currentApproach, proposedChange string) strategy.Prediction
}

// Result is the workflow's terminal outcome. Candidate always carries the
// best artifact produced so far; on timeout it is the last completed one,
// never empty when any iteration finished.
type Result struct {
	TaskID     string          `json:"task_id"`
	Status     Status          `json:"status"`
	Candidate  task.Candidate  `json:"candidate"`
	Assessment task.Assessment `json:"assessment"`
	Iterations int             `json:"iterations"`
	Trend      []float64       `json:"trend"`
	Elapsed    time.Duration   `json:"elapsed"`
	Reason     string          `json:"reason,omitempty"`
}
