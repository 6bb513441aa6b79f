// Package evaluate implements the calibrated evaluator: four-dimension
// scoring with a fixed weighted aggregate and per-domain calibration of
// systematically harsh raw scores.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/task"
)

// Aggregate weights. Completeness is deliberately under-weighted so a
// well-executed narrow scope is not penalized.
const (
	WeightFunctionality     = 0.35
	WeightUsability         = 0.30
	WeightStructuralQuality = 0.20
	WeightCompleteness      = 0.15
)

// Calibration band: raw scores clustering in this range indicate a known
// under-confident scorer and are scaled up before aggregation.
const (
	CalibrationBandLow  = 0.2
	CalibrationBandHigh = 0.5

	// DefaultCalibrationFactor applies when no per-domain factor is set.
	DefaultCalibrationFactor = 1.15

	// DefaultCompletionThreshold marks the aggregate below which a
	// candidate needs revision.
	DefaultCompletionThreshold = 0.8
)

// ErrNoScorer indicates the evaluator was built without a dimension scorer.
var ErrNoScorer = errors.New("dimension scorer is required")

// Dimensions holds the four raw dimension scores, each in [0,1].
type Dimensions struct {
	Functionality     float64
	StructuralQuality float64
	Completeness      float64
	Usability         float64
}

// Scoring is a scorer's full output for one candidate.
type Scoring struct {
	Dimensions  Dimensions
	Rationale   string
	ActionItems []string
}

// Scorer produces raw dimension scores for a candidate. Implementations
// typically wrap a reasoning model; scoring errors are recovered by the
// evaluator's structural fallback and never block the workflow.
type Scorer interface {
	ScoreDimensions(ctx context.Context, candidate task.Candidate, domain string, previous []task.Assessment) (Scoring, error)
}

// Options configures an Evaluator.
type Options struct {
	// CompletionThreshold sets the needs-revision boundary.
	CompletionThreshold float64

	// CalibrationFactors maps domain tags to calibration multipliers.
	CalibrationFactors map[string]float64

	// DefaultFactor applies to domains without an explicit factor.
	DefaultFactor float64
}

func (o *Options) applyDefaults() {
	if o.CompletionThreshold <= 0 {
		o.CompletionThreshold = DefaultCompletionThreshold
	}
	if o.DefaultFactor <= 0 {
		o.DefaultFactor = DefaultCalibrationFactor
	}
}

// Evaluator scores candidate artifacts into immutable assessments.
type Evaluator struct {
	scorer Scorer
	opts   Options
	logger *zap.Logger
}

// New creates a calibrated evaluator around the given scorer.
func New(scorer Scorer, opts Options, logger *zap.Logger) (*Evaluator, error) {
	if scorer == nil {
		return nil, ErrNoScorer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()
	return &Evaluator{scorer: scorer, opts: opts, logger: logger}, nil
}

// Score evaluates a candidate, calibrates the raw dimension scores, and
// aggregates them into a fresh Assessment. On scorer failure it falls back
// to a structural heuristic rather than returning an error.
func (e *Evaluator) Score(ctx context.Context, candidate task.Candidate, domain string, previous []task.Assessment) task.Assessment {
	scoring, err := e.scorer.ScoreDimensions(ctx, candidate, domain, previous)
	if err != nil {
		e.logger.Warn("dimension scoring failed, using structural fallback",
			zap.String("domain", domain),
			zap.Error(err))
		scoring = structuralFallback(candidate)
	}

	dims := clampDimensions(scoring.Dimensions)
	dims = e.calibrate(dims, domain)

	aggregate := WeightFunctionality*dims.Functionality +
		WeightUsability*dims.Usability +
		WeightStructuralQuality*dims.StructuralQuality +
		WeightCompleteness*dims.Completeness

	assessment := task.Assessment{
		Functionality:     dims.Functionality,
		StructuralQuality: dims.StructuralQuality,
		Completeness:      dims.Completeness,
		Usability:         dims.Usability,
		Confidence:        clamp(aggregate),
		NeedsRevision:     aggregate < e.opts.CompletionThreshold,
		Rationale:         scoring.Rationale,
		ActionItems:       scoring.ActionItems,
	}

	e.logger.Debug("candidate scored",
		zap.String("domain", domain),
		zap.Float64("confidence", assessment.Confidence),
		zap.Bool("needs_revision", assessment.NeedsRevision))

	return assessment
}

// CompletionThreshold returns the configured needs-revision boundary.
func (e *Evaluator) CompletionThreshold() float64 {
	return e.opts.CompletionThreshold
}

// calibrate scales raw scores upward when they cluster in the known
// under-confident band, correcting systematic scorer harshness. The factor
// is domain-specific; scaled scores are capped at 1.0.
func (e *Evaluator) calibrate(d Dimensions, domain string) Dimensions {
	scores := []float64{d.Functionality, d.StructuralQuality, d.Completeness, d.Usability}
	inBand := 0
	for _, s := range scores {
		if s >= CalibrationBandLow && s <= CalibrationBandHigh {
			inBand++
		}
	}
	// Cluster means all four dimensions sit in the band.
	if inBand < len(scores) {
		return d
	}

	factor := e.opts.DefaultFactor
	if f, ok := e.opts.CalibrationFactors[domain]; ok && f > 0 {
		factor = f
	}

	return Dimensions{
		Functionality:     clamp(d.Functionality * factor),
		StructuralQuality: clamp(d.StructuralQuality * factor),
		Completeness:      clamp(d.Completeness * factor),
		Usability:         clamp(d.Usability * factor),
	}
}

// structuralFallback derives rough scores from artifact structure when real
// scoring is unavailable: presence of control-flow constructs and a minimum
// size stand in for functionality and completeness.
func structuralFallback(candidate task.Candidate) Scoring {
	content := candidate.Content

	var controlFlow float64
	for _, kw := range []string{"if ", "for ", "switch ", "select ", "while ", "return"} {
		if strings.Contains(content, kw) {
			controlFlow += 0.15
		}
	}
	controlFlow = clamp(controlFlow)

	var size float64
	switch n := len(content); {
	case n == 0:
		size = 0
	case n < 80:
		size = 0.2
	case n < 400:
		size = 0.5
	default:
		size = 0.7
	}

	return Scoring{
		Dimensions: Dimensions{
			Functionality:     controlFlow,
			StructuralQuality: (controlFlow + size) / 2,
			Completeness:      size,
			Usability:         size,
		},
		Rationale:   "structural heuristic: scoring backend unavailable",
		ActionItems: []string{"re-evaluate with full scoring when available"},
	}
}

func clampDimensions(d Dimensions) Dimensions {
	return Dimensions{
		Functionality:     clamp(d.Functionality),
		StructuralQuality: clamp(d.StructuralQuality),
		Completeness:      clamp(d.Completeness),
		Usability:         clamp(d.Usability),
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, candidate task.Candidate, domain string, previous []task.Assessment) (Scoring, error)

// ScoreDimensions implements Scorer.
func (f ScorerFunc) ScoreDimensions(ctx context.Context, candidate task.Candidate, domain string, previous []task.Assessment) (Scoring, error) {
	return f(ctx, candidate, domain, previous)
}

// String renders dimensions for log output.
func (d Dimensions) String() string {
	return fmt.Sprintf("func=%.2f struct=%.2f complete=%.2f usable=%.2f",
		d.Functionality, d.StructuralQuality, d.Completeness, d.Usability)
}
