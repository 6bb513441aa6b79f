// Package task defines the core data model shared by the orchestration
// engine: task requests, quality assessments, and strategy diagnoses.
package task

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors for task validation.
var (
	ErrEmptyText         = errors.New("task text cannot be empty")
	ErrEmptyDomain       = errors.New("task domain cannot be empty")
	ErrInvalidIterations = errors.New("max iterations must be positive")
	ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")
)

// Request is an immutable description of a task submitted to the engine.
type Request struct {
	// ID is the unique task identifier (UUID).
	ID string `json:"id"`

	// Domain tags the task for memory bucketing and evaluator calibration
	// (e.g., "code-generation", "data-pipeline").
	Domain string `json:"domain"`

	// Text is the raw request text.
	Text string `json:"text"`

	// SubmittedAt is when the task entered the engine.
	SubmittedAt time.Time `json:"submitted_at"`

	// MaxIterations bounds the refinement loop.
	MaxIterations int `json:"max_iterations"`

	// MaxWallTime bounds total execution time. Zero means no deadline.
	MaxWallTime time.Duration `json:"max_wall_time"`
}

// NewRequest creates a task request with a generated UUID.
func NewRequest(domain, text string, maxIterations int, maxWallTime time.Duration) (Request, error) {
	r := Request{
		ID:            uuid.New().String(),
		Domain:        domain,
		Text:          text,
		SubmittedAt:   time.Now(),
		MaxIterations: maxIterations,
		MaxWallTime:   maxWallTime,
	}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

// Validate checks the request fields.
func (r Request) Validate() error {
	if r.Domain == "" {
		return ErrEmptyDomain
	}
	if r.Text == "" {
		return ErrEmptyText
	}
	if r.MaxIterations <= 0 {
		return ErrInvalidIterations
	}
	return nil
}

// Assessment is the evaluator's verdict on a single candidate artifact.
// A fresh instance is produced per iteration and never mutated.
type Assessment struct {
	// Dimension scores, each in [0,1].
	Functionality     float64 `json:"functionality"`
	StructuralQuality float64 `json:"structural_quality"`
	Completeness      float64 `json:"completeness"`
	Usability         float64 `json:"usability"`

	// Confidence is the weighted aggregate of the dimension scores.
	Confidence float64 `json:"confidence"`

	// NeedsRevision is true when the aggregate falls below the
	// completion threshold.
	NeedsRevision bool `json:"needs_revision"`

	// Rationale explains the scores.
	Rationale string `json:"rationale,omitempty"`

	// ActionItems lists concrete improvements, in priority order.
	ActionItems []string `json:"action_items,omitempty"`
}

// Dimensions returns the four dimension scores in weight order.
func (a Assessment) Dimensions() []float64 {
	return []float64{a.Functionality, a.Usability, a.StructuralQuality, a.Completeness}
}

// Average returns the unweighted mean of the dimension scores.
func (a Assessment) Average() float64 {
	return (a.Functionality + a.StructuralQuality + a.Completeness + a.Usability) / 4
}

// Validate checks that every score lies in [0,1].
func (a Assessment) Validate() error {
	for _, s := range []float64{a.Functionality, a.StructuralQuality, a.Completeness, a.Usability, a.Confidence} {
		if s < 0.0 || s > 1.0 {
			return ErrInvalidConfidence
		}
	}
	return nil
}

// Strategy tags the branch the analyzer selects after a failed evaluation.
type Strategy string

const (
	// StrategyTargetedRevision keeps the approach and fixes specific gaps.
	StrategyTargetedRevision Strategy = "targeted_revision"

	// StrategyDifferentApproach discards the approach and starts over.
	StrategyDifferentApproach Strategy = "different_approach"

	// StrategyPatternSwitch keeps the approach but swaps the underlying
	// pattern or technique.
	StrategyPatternSwitch Strategy = "pattern_switch"

	// StrategyGoodEnough accepts a sub-threshold candidate because the
	// requested scope was already satisfied.
	StrategyGoodEnough Strategy = "good_enough"
)

// Valid reports whether s is a known strategy tag.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyTargetedRevision, StrategyDifferentApproach, StrategyPatternSwitch, StrategyGoodEnough:
		return true
	}
	return false
}

// Diagnosis is the analyzer's explanation of a failed evaluation, produced
// once per iteration that requires revision.
type Diagnosis struct {
	// RootCause explains why the candidate fell short.
	RootCause string `json:"root_cause"`

	// Strategy selects the branch for the next iteration.
	Strategy Strategy `json:"strategy"`

	// ActionPlan lists specific, referenced steps, in order.
	ActionPlan []string `json:"action_plan,omitempty"`

	// Techniques recommends concrete techniques for the next attempt.
	Techniques []string `json:"techniques,omitempty"`
}

// Candidate is a generated artifact plus the approach that produced it.
type Candidate struct {
	// Content is the artifact text.
	Content string `json:"content"`

	// Approach summarizes how the artifact was produced.
	Approach string `json:"approach,omitempty"`

	// Iteration records which refinement iteration produced it.
	Iteration int `json:"iteration"`
}
