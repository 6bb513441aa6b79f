package memory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors for memory store operations.
var (
	ErrEmptyDomain         = errors.New("domain cannot be empty")
	ErrEmptyTask           = errors.New("task text cannot be empty")
	ErrInvalidConfidence   = errors.New("confidence must be between 0.0 and 1.0")
	ErrBelowLearnThreshold = errors.New("outcome confidence below learn threshold")
)

// Outcome captures the measurable result of a completed workflow.
type Outcome struct {
	// Confidence is the final aggregate confidence, in [0,1].
	Confidence float64 `json:"confidence"`

	// WallTime is total execution time.
	WallTime time.Duration `json:"wall_time"`

	// Iterations is the number of refinement iterations used.
	Iterations int `json:"iterations"`
}

// Record is a learned outcome stored in a domain bucket.
//
// Records are append-only: once written they are never mutated in place.
// A bucket over capacity evicts its single lowest-confidence record.
type Record struct {
	// ID is the unique record identifier (UUID).
	ID string `json:"id"`

	// Domain identifies the bucket this record belongs to.
	Domain string `json:"domain"`

	// Task is the original task text.
	Task string `json:"task"`

	// Approach summarizes how the task was solved.
	Approach string `json:"approach"`

	// Techniques lists techniques that contributed to the outcome.
	Techniques []string `json:"techniques,omitempty"`

	// Outcome holds the final confidence, wall time, and iteration count.
	Outcome Outcome `json:"outcome"`

	// SuccessFactors lists what worked.
	SuccessFactors []string `json:"success_factors,omitempty"`

	// FailureFactors lists what had to be corrected along the way.
	FailureFactors []string `json:"failure_factors,omitempty"`

	// CreatedAt is when the record was written.
	CreatedAt time.Time `json:"created_at"`
}

// NewRecord creates a record with a generated UUID and creation timestamp.
func NewRecord(domain, taskText, approach string, outcome Outcome) (Record, error) {
	r := Record{
		ID:        uuid.New().String(),
		Domain:    domain,
		Task:      taskText,
		Approach:  approach,
		Outcome:   outcome,
		CreatedAt: time.Now(),
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Validate checks the record fields.
func (r Record) Validate() error {
	if r.Domain == "" {
		return ErrEmptyDomain
	}
	if r.Task == "" {
		return ErrEmptyTask
	}
	if r.Outcome.Confidence < 0.0 || r.Outcome.Confidence > 1.0 {
		return ErrInvalidConfidence
	}
	return nil
}

// Store is the learning memory consulted and written by workflows.
//
// Implementations must support concurrent readers alongside serialized
// writers; writes are append/evict only.
type Store interface {
	// RecordOutcome persists a learned outcome. Records whose outcome
	// confidence falls below the learn threshold are rejected with
	// ErrBelowLearnThreshold.
	RecordOutcome(ctx context.Context, rec Record) error

	// RecordFailure appends a pitfall to the domain's bounded pitfall
	// list. Duplicate (domain, approach) pairs are not re-added.
	RecordFailure(ctx context.Context, domain, approach, reason string) error

	// BestPractices returns up to k records from the domain bucket ranked
	// by similarity to queryText, then by outcome confidence. Records
	// below the minimum similarity are excluded.
	BestPractices(ctx context.Context, domain, queryText string, k int) ([]Record, error)

	// KnownPitfalls returns the domain's pitfall list verbatim.
	KnownPitfalls(ctx context.Context, domain string) ([]string, error)
}
