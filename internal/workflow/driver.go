package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/events"
	"github.com/fyrsmithlabs/orchestd/internal/memory"
	"github.com/fyrsmithlabs/orchestd/internal/strategy"
	"github.com/fyrsmithlabs/orchestd/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/orchestd/internal/workflow"

// Defaults for driver configuration.
const (
	DefaultCompletionThreshold = 0.8
	DefaultLearnThreshold      = 0.7
	DefaultRetrievalLimit      = 3
)

// Config tunes a Driver.
type Config struct {
	CompletionThreshold float64
	LearnThreshold      float64
	RetrievalLimit      int
}

func (c *Config) applyDefaults() {
	if c.CompletionThreshold <= 0 {
		c.CompletionThreshold = DefaultCompletionThreshold
	}
	if c.LearnThreshold <= 0 {
		c.LearnThreshold = DefaultLearnThreshold
	}
	if c.RetrievalLimit <= 0 {
		c.RetrievalLimit = DefaultRetrievalLimit
	}
}

// Driver runs the refinement state machine for one task at a time. Many
// drivers (or many Run calls on one driver) proceed concurrently across
// tasks; all per-task state lives in the snapshot, not the driver.
type Driver struct {
	gen      Generator
	eval     Evaluator
	analyzer Analyzer
	store    memory.Store
	emitter  *events.Emitter
	logger   *zap.Logger
	cfg      Config
}

// NewDriver wires the workflow's capabilities together.
func NewDriver(gen Generator, eval Evaluator, analyzer Analyzer, store memory.Store, emitter *events.Emitter, logger *zap.Logger, cfg Config) (*Driver, error) {
	if gen == nil {
		return nil, ErrNoGenerator
	}
	if eval == nil {
		return nil, ErrNoEvaluator
	}
	if analyzer == nil {
		return nil, ErrNoAnalyzer
	}
	if store == nil {
		return nil, ErrNoStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = events.NewEmitter(zap.NewNop())
	}
	cfg.applyDefaults()
	return &Driver{gen: gen, eval: eval, analyzer: analyzer, store: store, emitter: emitter, logger: logger, cfg: cfg}, nil
}

// Run drives a task through the state machine until a terminal status.
//
// An error is returned only for an unrecoverable generator outage; every
// other failure is absorbed by the documented fallbacks and reflected in
// the Result's status instead.
func (d *Driver) Run(ctx context.Context, req task.Request, caution string) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "workflow.run",
		oteltrace.WithAttributes(
			attribute.String("task.id", req.ID),
			attribute.String("task.domain", req.Domain),
		))
	defer span.End()

	start := time.Now()
	var deadline time.Time
	if req.MaxWallTime > 0 {
		var cancel context.CancelFunc
		deadline = start.Add(req.MaxWallTime)
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	log := d.logger.With(zap.String("task_id", req.ID), zap.String("domain", req.Domain))
	snap := newSnapshot(req.ID)

	// REASONING -> RETRIEVAL: consult memory before generating anything.
	snap = snap.next(PhaseRetrieval, StatusRunning)
	guidance := d.retrieve(ctx, req, caution, log)

	var (
		assessments []task.Assessment
		lastDiag    task.Diagnosis
		generated   bool
	)

	for iteration := 1; ; iteration++ {
		if ctx.Err() != nil {
			return d.finishTimeout(ctx, req, snap, start, generated)
		}

		// RETRIEVAL/REVISING -> GENERATION.
		snap = snap.next(PhaseGeneration, snap.Status)
		iterStart := time.Now()
		iterCtx, iterSpan := otel.Tracer(instrumentationName).Start(ctx, "workflow.iteration",
			oteltrace.WithAttributes(attribute.Int("iteration", iteration)))

		cand, genErr := d.gen.Generate(iterCtx, req.Text, guidance)
		if genErr != nil && ctx.Err() != nil {
			iterSpan.End()
			return d.finishTimeout(ctx, req, snap, start, generated)
		}

		// GENERATION -> EVALUATION.
		var assessment task.Assessment
		if genErr != nil {
			// A generation failure is a zero-confidence iteration,
			// handed to the analyzer like any other bad score.
			log.Warn("generation failed", zap.Int("iteration", iteration), zap.Error(genErr))
			cand = task.Candidate{}
			assessment = task.Assessment{
				NeedsRevision: true,
				Rationale:     fmt.Sprintf("generation failed: %v", genErr),
			}
		} else {
			generated = true
			cand.Iteration = iteration
			assessment = d.eval.Score(iterCtx, cand, req.Domain, assessments)
		}
		assessments = append(assessments, assessment)
		snap = snap.observe(iteration, cand, assessment)
		iterSpan.SetAttributes(attribute.Float64("confidence", assessment.Confidence))
		iterSpan.End()
		d.emitter.EmitAssessment(ctx, req.ID, iteration, assessment, time.Since(iterStart))

		// Decision at EVALUATION.
		if assessment.Confidence >= d.cfg.CompletionThreshold {
			return d.finishComplete(ctx, req, snap, start, lastDiag)
		}
		if ctx.Err() != nil {
			return d.finishTimeout(ctx, req, snap, start, generated)
		}
		if iteration >= req.MaxIterations {
			return d.finish(ctx, req, snap, StatusAbortedMaxIter, start,
				fmt.Sprintf("iteration ceiling %d reached", req.MaxIterations), generated)
		}

		diag := d.analyzer.Diagnose(ctx, cand, assessment, strategy.DiagnosisContext{
			Task:          req,
			Iteration:     iteration,
			Trend:         snap.Trend,
			PriorStrategy: lastDiag.Strategy,
			Pitfalls:      guidance.Pitfalls,
		})
		d.emitter.EmitDiagnosis(ctx, req.ID, iteration, diag)

		if diag.Strategy == task.StrategyGoodEnough {
			// Sub-threshold aggregate, but the scope was satisfied.
			return d.finishComplete(ctx, req, snap, start, diag)
		}

		remaining := time.Duration(0)
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
		}
		rec := d.analyzer.RecommendContinuation(snap.Trend, iteration, req.MaxIterations, remaining)
		pred := d.analyzer.PredictEffectiveness(cand.Approach, strings.Join(diag.ActionPlan, "; "))

		// Abort needs both signals: no strategic budget remains AND the
		// predictor does not expect the next revision to move the score.
		// A concrete, specific plan buys one more attempt.
		if rec == strategy.Abort && !pred.Effective {
			return d.finish(ctx, req, snap, StatusAbortedNoProgress, start,
				fmt.Sprintf("no progress: %s (%s)", diag.RootCause, pred.Reasoning), generated)
		}
		if rec == strategy.ChangeApproach && diag.Strategy == task.StrategyTargetedRevision {
			// Flat trend outranks the diagnosis: a targeted fix has not
			// been moving the score.
			diag.Strategy = task.StrategyDifferentApproach
		}

		// EVALUATION -> REVISING -> GENERATION, carrying the plan forward.
		lastDiag = diag
		guidance.ActionPlan = diag.ActionPlan
		guidance.Techniques = diag.Techniques
		snap = snap.next(PhaseRevising, StatusRevising)
		log.Debug("revising",
			zap.Int("iteration", iteration),
			zap.String("strategy", string(diag.Strategy)),
			zap.Float64("confidence", assessment.Confidence))
	}
}

// retrieve queries the memory store for best practices and pitfalls.
// Retrieval failures degrade to empty guidance; they never block the task.
func (d *Driver) retrieve(ctx context.Context, req task.Request, caution string, log *zap.Logger) Guidance {
	g := Guidance{Caution: caution}

	practices, err := d.store.BestPractices(ctx, req.Domain, req.Text, d.cfg.RetrievalLimit)
	if err != nil {
		log.Warn("best practice retrieval failed", zap.Error(err))
	} else {
		g.BestPractices = practices
	}

	pitfalls, err := d.store.KnownPitfalls(ctx, req.Domain)
	if err != nil {
		log.Warn("pitfall retrieval failed", zap.Error(err))
	} else {
		g.Pitfalls = pitfalls
	}

	log.Debug("memory consulted",
		zap.Int("best_practices", len(g.BestPractices)),
		zap.Int("pitfalls", len(g.Pitfalls)))
	return g
}

// finishComplete archives a successful run and writes the outcome back to
// memory when it clears the learn threshold. The returned assessment is
// the one that scored the best candidate, so the archived confidence,
// the candidate, and the write-back all describe the same artifact.
func (d *Driver) finishComplete(ctx context.Context, req task.Request, snap Snapshot, start time.Time, diag task.Diagnosis) (*Result, error) {
	res := d.buildResult(req, snap, StatusComplete, start, "")
	d.emitter.EmitTerminal(ctx, req.ID, string(StatusComplete), res.Assessment.Confidence, res.Iterations, res.Elapsed)

	if res.Assessment.Confidence >= d.cfg.LearnThreshold {
		rec, err := memory.NewRecord(req.Domain, req.Text, snap.Best.Approach, memory.Outcome{
			Confidence: res.Assessment.Confidence,
			WallTime:   res.Elapsed,
			Iterations: res.Iterations,
		})
		if err == nil {
			rec.Techniques = diag.Techniques
			rec.SuccessFactors = res.Assessment.ActionItems
			err = d.store.RecordOutcome(ctx, rec)
		}
		if err != nil {
			d.logger.Warn("outcome write-back failed",
				zap.String("task_id", req.ID), zap.Error(err))
		}
	}
	return res, nil
}

// finishTimeout ends the workflow in ABORTED_TIMEOUT, preserving the best
// candidate produced so far.
func (d *Driver) finishTimeout(ctx context.Context, req task.Request, snap Snapshot, start time.Time, generated bool) (*Result, error) {
	return d.finish(ctx, req, snap, StatusAbortedTimeout, start, "wall-clock deadline exceeded", generated)
}

// finish ends the workflow in an aborted terminal status. Aborts caused by
// an approach that never progressed are recorded as domain pitfalls.
func (d *Driver) finish(ctx context.Context, req task.Request, snap Snapshot, status Status, start time.Time, reason string, generated bool) (*Result, error) {
	res := d.buildResult(req, snap, status, start, reason)
	d.emitter.EmitTerminal(ctx, req.ID, string(status), snap.BestScore, res.Iterations, res.Elapsed)

	if status == StatusAbortedNoProgress {
		// Write-back uses a background-safe context: the task deadline
		// must not censor the lesson learned from hitting it.
		if err := d.store.RecordFailure(context.WithoutCancel(ctx), req.Domain, snap.Best.Approach, reason); err != nil {
			d.logger.Warn("failure write-back failed", zap.String("task_id", req.ID), zap.Error(err))
		}
	}

	if !generated && res.Iterations > 0 {
		return res, fmt.Errorf("%w: last status %s", ErrGeneratorUnavailable, status)
	}
	return res, nil
}

func (d *Driver) buildResult(req task.Request, snap Snapshot, status Status, start time.Time, reason string) *Result {
	assessment := snap.BestAssessment
	if snap.Best.Content == "" {
		// No candidate survived; there is nothing the assessment could
		// describe.
		assessment = task.Assessment{NeedsRevision: true}
	}
	return &Result{
		TaskID:     req.ID,
		Status:     status,
		Candidate:  snap.Best,
		Assessment: assessment,
		Iterations: snap.Iteration,
		Trend:      append([]float64(nil), snap.Trend...),
		Elapsed:    time.Since(start),
		Reason:     reason,
	}
}
