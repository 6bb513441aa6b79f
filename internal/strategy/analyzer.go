// Package strategy implements the metacognitive strategy analyzer: it
// diagnoses failed evaluations, recommends whether to continue iterating,
// and predicts whether a proposed change is worth an iteration.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/task"
)

// Continuation is the analyzer's recommendation for the next step.
type Continuation string

const (
	Continue       Continuation = "continue"
	ChangeApproach Continuation = "change_approach"
	Abort          Continuation = "abort"
)

// Defaults for the heuristic fallbacks and continuation policy.
const (
	// DefaultNoProgressFloor is the average score below which the
	// approach itself is judged wrong.
	DefaultNoProgressFloor = 0.4

	// DefaultCompletionThreshold mirrors the workflow completion bar.
	DefaultCompletionThreshold = 0.8

	// DefaultLowCompleteness marks completeness as the dominant gap.
	DefaultLowCompleteness = 0.5

	// DefaultTimeReserve is the remaining budget under which another
	// iteration is not worth starting.
	DefaultTimeReserve = 2 * time.Second
)

// DiagnosisContext carries workflow state the analyzer reasons over.
type DiagnosisContext struct {
	Task          task.Request
	Iteration     int
	Trend         []float64
	PriorStrategy task.Strategy
	Pitfalls      []string
}

// Prediction is the verdict on whether a proposed change will help.
type Prediction struct {
	Effective  bool    `json:"effective"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Reasoner produces a diagnosis from richer reasoning (typically a model).
// Failures are recovered by score-derived heuristics so the workflow never
// stalls on analysis.
type Reasoner interface {
	Diagnose(ctx context.Context, candidate task.Candidate, assessment task.Assessment, dc DiagnosisContext) (task.Diagnosis, error)
}

// ReasonerFunc adapts a function to the Reasoner interface.
type ReasonerFunc func(ctx context.Context, candidate task.Candidate, assessment task.Assessment, dc DiagnosisContext) (task.Diagnosis, error)

// Diagnose implements Reasoner.
func (f ReasonerFunc) Diagnose(ctx context.Context, candidate task.Candidate, assessment task.Assessment, dc DiagnosisContext) (task.Diagnosis, error) {
	return f(ctx, candidate, assessment, dc)
}

// Options configures an Analyzer.
type Options struct {
	NoProgressFloor     float64
	CompletionThreshold float64
	LowCompleteness     float64
	TimeReserve         time.Duration
}

func (o *Options) applyDefaults() {
	if o.NoProgressFloor <= 0 {
		o.NoProgressFloor = DefaultNoProgressFloor
	}
	if o.CompletionThreshold <= 0 {
		o.CompletionThreshold = DefaultCompletionThreshold
	}
	if o.LowCompleteness <= 0 {
		o.LowCompleteness = DefaultLowCompleteness
	}
	if o.TimeReserve <= 0 {
		o.TimeReserve = DefaultTimeReserve
	}
}

// Analyzer diagnoses evaluation failures and steers the refinement loop.
type Analyzer struct {
	reasoner Reasoner
	opts     Options
	logger   *zap.Logger
}

// New creates an analyzer. The reasoner may be nil, in which case every
// diagnosis comes from the score-derived heuristics.
func New(reasoner Reasoner, opts Options, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()
	return &Analyzer{reasoner: reasoner, opts: opts, logger: logger}
}

// Diagnose produces a root-cause explanation, a strategy tag, and a specific
// action plan for a candidate that needs revision. Reasoner failures fall
// back to score-derived heuristics.
func (a *Analyzer) Diagnose(ctx context.Context, candidate task.Candidate, assessment task.Assessment, dc DiagnosisContext) task.Diagnosis {
	if a.reasoner != nil {
		d, err := a.reasoner.Diagnose(ctx, candidate, assessment, dc)
		if err == nil && d.Strategy.Valid() {
			return d
		}
		if err != nil {
			a.logger.Warn("diagnosis reasoning failed, using heuristic fallback",
				zap.String("task_id", dc.Task.ID),
				zap.Error(err))
		}
	}
	return a.heuristicDiagnosis(assessment)
}

// heuristicDiagnosis derives a diagnosis purely from scores:
// average at or above the completion bar means scope was satisfied; low
// completeness with otherwise sound scores wants a targeted revision;
// an average below the floor condemns the approach.
func (a *Analyzer) heuristicDiagnosis(assessment task.Assessment) task.Diagnosis {
	avg := assessment.Average()

	switch {
	case avg >= a.opts.CompletionThreshold:
		return task.Diagnosis{
			RootCause:  fmt.Sprintf("dimension average %.2f meets the completion bar; the aggregate shortfall comes from the completeness weighting", avg),
			Strategy:   task.StrategyGoodEnough,
			ActionPlan: []string{"accept the current candidate; requested scope is satisfied"},
		}
	case avg < a.opts.NoProgressFloor:
		return task.Diagnosis{
			RootCause: fmt.Sprintf("dimension average %.2f is below the %.2f floor; the approach itself is not working", avg, a.opts.NoProgressFloor),
			Strategy:  task.StrategyDifferentApproach,
			ActionPlan: []string{
				"discard the current approach",
				"restate the task constraints before regenerating",
			},
		}
	case assessment.Completeness < a.opts.LowCompleteness:
		return task.Diagnosis{
			RootCause: fmt.Sprintf("completeness %.2f lags the other dimensions; the candidate is sound but unfinished", assessment.Completeness),
			Strategy:  task.StrategyTargetedRevision,
			ActionPlan: append([]string{
				"extend the existing candidate to cover the unaddressed parts of the request",
			}, assessment.ActionItems...),
		}
	default:
		return task.Diagnosis{
			RootCause:  fmt.Sprintf("scores are uniformly mediocre (%s); revise the weakest dimension first", weakestDimension(assessment)),
			Strategy:   task.StrategyTargetedRevision,
			ActionPlan: prioritizedActions(assessment),
		}
	}
}

// RecommendContinuation decides whether another iteration is worth its cost,
// from trend direction over the last two points, proximity to the iteration
// ceiling, and remaining time budget.
func (a *Analyzer) RecommendContinuation(trend []float64, attemptsUsed, iterationLimit int, timeRemaining time.Duration) Continuation {
	if attemptsUsed >= iterationLimit {
		return Abort
	}
	if timeRemaining > 0 && timeRemaining < a.opts.TimeReserve {
		return Abort
	}

	if len(trend) < 2 {
		return Continue
	}

	last := trend[len(trend)-1]
	prev := trend[len(trend)-2]

	improving := last > prev
	if improving {
		return Continue
	}

	// Flat or declining near the ceiling is not worth another attempt.
	if iterationLimit-attemptsUsed <= 1 {
		return Abort
	}
	return ChangeApproach
}

// PredictEffectiveness guards against spending an iteration on a vague
// change. Specific, evidence-linked proposals predict effective; generic
// ones do not.
func (a *Analyzer) PredictEffectiveness(currentApproach, proposedChange string) Prediction {
	change := strings.ToLower(strings.TrimSpace(proposedChange))
	if change == "" {
		return Prediction{
			Effective:  false,
			Confidence: 0.9,
			Reasoning:  "empty proposal cannot change the outcome",
		}
	}

	vague := []string{"improve", "make it better", "enhance", "fix issues", "polish", "try harder", "refine it"}
	specific := []string{"add ", "remove ", "replace ", "extract ", "split ", "handle ", "validate ", "because", "missing", "test"}

	var vagueHits, specificHits int
	for _, m := range vague {
		if strings.Contains(change, m) {
			vagueHits++
		}
	}
	for _, m := range specific {
		if strings.Contains(change, m) {
			specificHits++
		}
	}

	if strings.EqualFold(strings.TrimSpace(currentApproach), change) {
		return Prediction{
			Effective:  false,
			Confidence: 0.8,
			Reasoning:  "proposal restates the current approach without change",
		}
	}

	if specificHits > vagueHits && len(change) >= 20 {
		return Prediction{
			Effective:  true,
			Confidence: 0.6 + 0.1*float64(min(specificHits, 3)),
			Reasoning:  "proposal names concrete, evidence-linked edits",
		}
	}

	return Prediction{
		Effective:  false,
		Confidence: 0.7,
		Reasoning:  "proposal is generic; a revision without a concrete target tends to repeat the same result",
	}
}

// weakestDimension names the lowest-scoring dimension.
func weakestDimension(a task.Assessment) string {
	dims := map[string]float64{
		"functionality":      a.Functionality,
		"structural-quality": a.StructuralQuality,
		"completeness":       a.Completeness,
		"usability":          a.Usability,
	}
	weakest := ""
	lowest := 2.0
	for name, v := range dims {
		if v < lowest {
			lowest = v
			weakest = name
		}
	}
	return fmt.Sprintf("%s=%.2f", weakest, lowest)
}

// prioritizedActions orders the dimensions worst-first into an action plan,
// appending the evaluator's own action items.
func prioritizedActions(a task.Assessment) []string {
	type dim struct {
		name  string
		score float64
	}
	dims := []dim{
		{"functionality", a.Functionality},
		{"structural-quality", a.StructuralQuality},
		{"completeness", a.Completeness},
		{"usability", a.Usability},
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i].score < dims[j].score })

	plan := make([]string, 0, 2+len(a.ActionItems))
	for _, d := range dims[:2] {
		plan = append(plan, fmt.Sprintf("raise %s (currently %.2f)", d.name, d.score))
	}
	return append(plan, a.ActionItems...)
}
