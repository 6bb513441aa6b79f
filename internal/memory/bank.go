package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultBucketCapacity is the maximum records kept per domain bucket.
	DefaultBucketCapacity = 50

	// DefaultPitfallCapacity is the maximum pitfalls kept per domain.
	DefaultPitfallCapacity = 20

	// DefaultLearnThreshold is the minimum outcome confidence required
	// before a record is persisted.
	DefaultLearnThreshold = 0.7

	// DefaultMinSimilarity gates search results; records scoring below it
	// are excluded from BestPractices.
	DefaultMinSimilarity = 0.1

	// DefaultSearchLimit is the default k for BestPractices.
	DefaultSearchLimit = 3
)

// Options configures a Bank.
type Options struct {
	BucketCapacity  int
	PitfallCapacity int
	LearnThreshold  float64
	MinSimilarity   float64
}

func (o *Options) applyDefaults() {
	if o.BucketCapacity <= 0 {
		o.BucketCapacity = DefaultBucketCapacity
	}
	if o.PitfallCapacity <= 0 {
		o.PitfallCapacity = DefaultPitfallCapacity
	}
	if o.LearnThreshold <= 0 {
		o.LearnThreshold = DefaultLearnThreshold
	}
	if o.MinSimilarity <= 0 {
		o.MinSimilarity = DefaultMinSimilarity
	}
}

// pitfall is a recorded failure for a (domain, approach) pair.
type pitfall struct {
	approach string
	reason   string
}

// bucket holds one domain's records and pitfalls behind its own lock, so
// cross-domain writes never contend.
type bucket struct {
	mu       sync.RWMutex
	records  []Record
	pitfalls []pitfall
}

// Bank is the in-memory learning store backed by word-overlap similarity
// search. It implements Store.
//
// Writes are append/evict only; existing records are never mutated. Each
// domain bucket carries its own RWMutex so concurrent readers proceed
// alongside a single writer per domain.
type Bank struct {
	opts   Options
	logger *zap.Logger

	mu      sync.RWMutex // guards the buckets map only
	buckets map[string]*bucket
}

// NewBank creates an in-memory learning store.
func NewBank(opts Options, logger *zap.Logger) *Bank {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bank{
		opts:    opts,
		logger:  logger,
		buckets: make(map[string]*bucket),
	}
}

// LearnThreshold returns the configured minimum confidence for writes.
func (b *Bank) LearnThreshold() float64 {
	return b.opts.LearnThreshold
}

func (b *Bank) bucketFor(domain string) *bucket {
	b.mu.RLock()
	bk, ok := b.buckets[domain]
	b.mu.RUnlock()
	if ok {
		return bk
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if bk, ok = b.buckets[domain]; ok {
		return bk
	}
	bk = &bucket{}
	b.buckets[domain] = bk
	return bk
}

// RecordOutcome appends a record to its domain bucket, evicting the single
// lowest-confidence record when the bucket overflows capacity.
func (b *Bank) RecordOutcome(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("validating record: %w", err)
	}
	if rec.Outcome.Confidence < b.opts.LearnThreshold {
		return fmt.Errorf("%w: %.2f < %.2f", ErrBelowLearnThreshold, rec.Outcome.Confidence, b.opts.LearnThreshold)
	}

	bk := b.bucketFor(rec.Domain)
	bk.mu.Lock()
	defer bk.mu.Unlock()

	bk.records = append(bk.records, rec)
	if len(bk.records) > b.opts.BucketCapacity {
		evictLowestConfidence(bk)
	}

	b.logger.Debug("outcome recorded",
		zap.String("id", rec.ID),
		zap.String("domain", rec.Domain),
		zap.Float64("confidence", rec.Outcome.Confidence),
		zap.Int("bucket_size", len(bk.records)))
	return nil
}

// evictLowestConfidence removes exactly one record: the lowest-confidence
// one. Caller holds the bucket write lock.
func evictLowestConfidence(bk *bucket) {
	lowest := 0
	for i, r := range bk.records {
		if r.Outcome.Confidence < bk.records[lowest].Outcome.Confidence {
			lowest = i
		}
	}
	bk.records = append(bk.records[:lowest], bk.records[lowest+1:]...)
}

// RecordFailure appends a pitfall for the domain, dropping the oldest entry
// past capacity. A (domain, approach) pair already present is not re-added.
func (b *Bank) RecordFailure(ctx context.Context, domain, approach, reason string) error {
	if domain == "" {
		return ErrEmptyDomain
	}

	bk := b.bucketFor(domain)
	bk.mu.Lock()
	defer bk.mu.Unlock()

	for _, p := range bk.pitfalls {
		if p.approach == approach {
			return nil
		}
	}

	bk.pitfalls = append(bk.pitfalls, pitfall{approach: approach, reason: reason})
	if len(bk.pitfalls) > b.opts.PitfallCapacity {
		bk.pitfalls = bk.pitfalls[1:]
	}

	b.logger.Debug("failure recorded",
		zap.String("domain", domain),
		zap.String("approach", approach),
		zap.Int("pitfalls", len(bk.pitfalls)))
	return nil
}

// scored pairs a record with its similarity to the query.
type scored struct {
	rec Record
	sim float64
}

// BestPractices ranks the domain's records by word-overlap similarity to
// queryText, then by outcome confidence. Records below the similarity floor
// are excluded. The returned slice holds copies; callers cannot mutate
// stored state through it.
func (b *Bank) BestPractices(ctx context.Context, domain, queryText string, k int) ([]Record, error) {
	if domain == "" {
		return nil, ErrEmptyDomain
	}
	if k <= 0 {
		k = DefaultSearchLimit
	}

	bk := b.bucketFor(domain)
	bk.mu.RLock()
	defer bk.mu.RUnlock()

	candidates := make([]scored, 0, len(bk.records))
	for _, r := range bk.records {
		sim := overlapSimilarity(queryText, r.Task)
		if sim < b.opts.MinSimilarity {
			continue
		}
		candidates = append(candidates, scored{rec: r, sim: sim})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		return candidates[i].rec.Outcome.Confidence > candidates[j].rec.Outcome.Confidence
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]Record, len(candidates))
	for i, c := range candidates {
		out[i] = c.rec
	}
	return out, nil
}

// KnownPitfalls returns the domain's pitfall reasons verbatim, oldest first.
func (b *Bank) KnownPitfalls(ctx context.Context, domain string) ([]string, error) {
	if domain == "" {
		return nil, ErrEmptyDomain
	}

	bk := b.bucketFor(domain)
	bk.mu.RLock()
	defer bk.mu.RUnlock()

	out := make([]string, len(bk.pitfalls))
	for i, p := range bk.pitfalls {
		out[i] = p.reason
	}
	return out, nil
}

// Size returns the current record count for a domain. Used by tests and the
// engine's status reporting.
func (b *Bank) Size(domain string) int {
	bk := b.bucketFor(domain)
	bk.mu.RLock()
	defer bk.mu.RUnlock()
	return len(bk.records)
}

// Ensure Bank implements Store.
var _ Store = (*Bank)(nil)
