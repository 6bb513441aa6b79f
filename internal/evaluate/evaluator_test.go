package evaluate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orchestd/internal/task"
)

func fixedScorer(d Dimensions) Scorer {
	return ScorerFunc(func(ctx context.Context, c task.Candidate, domain string, prev []task.Assessment) (Scoring, error) {
		return Scoring{Dimensions: d, Rationale: "fixed"}, nil
	})
}

func failingScorer() Scorer {
	return ScorerFunc(func(ctx context.Context, c task.Candidate, domain string, prev []task.Assessment) (Scoring, error) {
		return Scoring{}, errors.New("scoring backend down")
	})
}

func TestNew_RequiresScorer(t *testing.T) {
	_, err := New(nil, Options{}, nil)
	assert.ErrorIs(t, err, ErrNoScorer)
}

func TestEvaluator_WeightedAggregate(t *testing.T) {
	// functionality 0.9, structural 0.85, completeness 0.4, usability 0.8
	// => 0.35*0.9 + 0.30*0.8 + 0.20*0.85 + 0.15*0.4 = 0.785
	e, err := New(fixedScorer(Dimensions{
		Functionality:     0.9,
		StructuralQuality: 0.85,
		Completeness:      0.4,
		Usability:         0.8,
	}), Options{}, nil)
	require.NoError(t, err)

	got := e.Score(context.Background(), task.Candidate{Content: "x"}, "codegen", nil)

	assert.InDelta(t, 0.785, got.Confidence, 0.0001)
	assert.True(t, got.NeedsRevision, "0.785 is below the 0.8 completion threshold")
	assert.NoError(t, got.Validate())
}

func TestEvaluator_AboveThresholdNoRevision(t *testing.T) {
	e, err := New(fixedScorer(Dimensions{
		Functionality:     0.9,
		StructuralQuality: 0.9,
		Completeness:      0.9,
		Usability:         0.9,
	}), Options{}, nil)
	require.NoError(t, err)

	got := e.Score(context.Background(), task.Candidate{Content: "x"}, "codegen", nil)

	assert.InDelta(t, 0.9, got.Confidence, 0.0001)
	assert.False(t, got.NeedsRevision)
}

func TestEvaluator_CalibrationScalesUnderConfidentBand(t *testing.T) {
	e, err := New(fixedScorer(Dimensions{
		Functionality:     0.4,
		StructuralQuality: 0.4,
		Completeness:      0.4,
		Usability:         0.4,
	}), Options{CalibrationFactors: map[string]float64{"codegen": 1.5}}, nil)
	require.NoError(t, err)

	got := e.Score(context.Background(), task.Candidate{Content: "x"}, "codegen", nil)

	// All dimensions in [0.2,0.5] => scaled by 1.5: 0.4 -> 0.6.
	assert.InDelta(t, 0.6, got.Functionality, 0.0001)
	assert.InDelta(t, 0.6, got.Confidence, 0.0001)
}

func TestEvaluator_CalibrationSkippedOutsideBand(t *testing.T) {
	e, err := New(fixedScorer(Dimensions{
		Functionality:     0.9, // outside band: no calibration
		StructuralQuality: 0.4,
		Completeness:      0.4,
		Usability:         0.4,
	}), Options{DefaultFactor: 2.0}, nil)
	require.NoError(t, err)

	got := e.Score(context.Background(), task.Candidate{Content: "x"}, "codegen", nil)

	assert.InDelta(t, 0.4, got.StructuralQuality, 0.0001)
}

func TestEvaluator_CalibrationCappedAtOne(t *testing.T) {
	e, err := New(fixedScorer(Dimensions{
		Functionality:     0.5,
		StructuralQuality: 0.5,
		Completeness:      0.5,
		Usability:         0.5,
	}), Options{DefaultFactor: 3.0}, nil)
	require.NoError(t, err)

	got := e.Score(context.Background(), task.Candidate{Content: "x"}, "codegen", nil)

	assert.InDelta(t, 1.0, got.Functionality, 0.0001)
	assert.NoError(t, got.Validate())
}

func TestEvaluator_StructuralFallbackOnScorerFailure(t *testing.T) {
	e, err := New(failingScorer(), Options{}, nil)
	require.NoError(t, err)

	body := `func run(items []string) error {
	for _, it := range items {
		if it == "" {
			return errInvalid
		}
	}
	return nil
}`
	got := e.Score(context.Background(), task.Candidate{Content: body}, "codegen", nil)

	assert.NoError(t, got.Validate(), "fallback scores must stay in range")
	assert.Greater(t, got.Functionality, 0.0, "control flow should register")
	assert.Contains(t, got.Rationale, "structural heuristic")
}

func TestEvaluator_FallbackEmptyCandidate(t *testing.T) {
	e, err := New(failingScorer(), Options{}, nil)
	require.NoError(t, err)

	got := e.Score(context.Background(), task.Candidate{}, "codegen", nil)

	assert.True(t, got.NeedsRevision)
	assert.NoError(t, got.Validate())
}

func TestEvaluator_ClampsOutOfRangeScorer(t *testing.T) {
	e, err := New(fixedScorer(Dimensions{
		Functionality:     1.7,
		StructuralQuality: -0.2,
		Completeness:      0.9,
		Usability:         0.9,
	}), Options{}, nil)
	require.NoError(t, err)

	got := e.Score(context.Background(), task.Candidate{Content: "x"}, "codegen", nil)

	assert.Equal(t, 1.0, got.Functionality)
	assert.Equal(t, 0.0, got.StructuralQuality)
	assert.NoError(t, got.Validate())
}
