// Package vectorindex provides an embedding-backed implementation of the
// learning memory Store. It keeps the same append/evict semantics as the
// in-memory bank but ranks BestPractices by vector similarity instead of
// word overlap, so retrieval survives paraphrased task text.
package vectorindex

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/memory"
)

const instrumentationName = "github.com/fyrsmithlabs/orchestd/internal/vectorindex"

// Config holds configuration for the embedding-backed index.
type Config struct {
	// Path is the directory for persistent storage. Empty means the index
	// lives in memory only and is lost on restart.
	Path string

	// Compress enables gzip compression for persisted data.
	Compress bool

	// BucketCapacity caps records per domain; the lowest-confidence record
	// is evicted when a write would exceed it.
	BucketCapacity int

	// PitfallCapacity caps pitfalls per domain (FIFO eviction).
	PitfallCapacity int

	// LearnThreshold is the minimum outcome confidence for writes.
	LearnThreshold float64

	// MinSimilarity excludes weak matches from BestPractices.
	MinSimilarity float64
}

func (c *Config) applyDefaults() {
	if c.BucketCapacity <= 0 {
		c.BucketCapacity = memory.DefaultBucketCapacity
	}
	if c.PitfallCapacity <= 0 {
		c.PitfallCapacity = memory.DefaultPitfallCapacity
	}
	if c.LearnThreshold <= 0 {
		c.LearnThreshold = memory.DefaultLearnThreshold
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = memory.DefaultMinSimilarity
	}
}

// collectionNameRe strips characters chromem collection names reject.
var collectionNameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func collectionName(domain string) string {
	name := collectionNameRe.ReplaceAllString(domain, "_")
	if name == "" {
		name = "default"
	}
	return "outcomes_" + name
}

// pitfall is a recorded failure for a (domain, approach) pair.
type pitfall struct {
	approach string
	reason   string
}

// bucket mirrors one domain's records so eviction and pitfall bookkeeping
// stay O(bucket) without round-tripping through the vector database.
type bucket struct {
	mu       sync.RWMutex
	records  map[string]memory.Record // keyed by record ID
	pitfalls []pitfall
}

// Index is an embedding-backed learning store. It implements memory.Store.
//
// Records are stored twice: the full record in an in-memory mirror keyed by
// ID, and the task text as an embedded document in a per-domain chromem
// collection. Queries run against the collection and are resolved back to
// records through the mirror.
type Index struct {
	db     *chromem.DB
	embed  chromem.EmbeddingFunc
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex // guards the buckets map only
	buckets map[string]*bucket
}

// New creates an embedding-backed learning store. The embedding function is
// required; a non-empty cfg.Path makes the index persistent.
func New(cfg Config, embed chromem.EmbeddingFunc, logger *zap.Logger) (*Index, error) {
	if embed == nil {
		return nil, fmt.Errorf("embedding function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating index directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening index at %s: %w", cfg.Path, err)
		}
	}

	return &Index{
		db:      db,
		embed:   embed,
		cfg:     cfg,
		logger:  logger,
		buckets: make(map[string]*bucket),
	}, nil
}

// LearnThreshold returns the configured minimum confidence for writes.
func (ix *Index) LearnThreshold() float64 {
	return ix.cfg.LearnThreshold
}

func (ix *Index) bucketFor(domain string) *bucket {
	ix.mu.RLock()
	bk, ok := ix.buckets[domain]
	ix.mu.RUnlock()
	if ok {
		return bk
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if bk, ok = ix.buckets[domain]; ok {
		return bk
	}
	bk = &bucket{records: make(map[string]memory.Record)}
	ix.buckets[domain] = bk
	return bk
}

func (ix *Index) collectionFor(domain string) (*chromem.Collection, error) {
	col, err := ix.db.GetOrCreateCollection(collectionName(domain), nil, ix.embed)
	if err != nil {
		return nil, fmt.Errorf("opening collection for domain %s: %w", domain, err)
	}
	return col, nil
}

// RecordOutcome implements memory.Store. The record's task text is embedded
// and indexed; over-capacity buckets evict their single lowest-confidence
// record from both the mirror and the collection.
func (ix *Index) RecordOutcome(ctx context.Context, rec memory.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Outcome.Confidence < ix.cfg.LearnThreshold {
		return fmt.Errorf("%w: %.2f < %.2f",
			memory.ErrBelowLearnThreshold, rec.Outcome.Confidence, ix.cfg.LearnThreshold)
	}

	col, err := ix.collectionFor(rec.Domain)
	if err != nil {
		return err
	}

	bk := ix.bucketFor(rec.Domain)
	bk.mu.Lock()
	defer bk.mu.Unlock()

	err = col.AddDocument(ctx, chromem.Document{
		ID:      rec.ID,
		Content: rec.Task,
		Metadata: map[string]string{
			"domain":   rec.Domain,
			"approach": rec.Approach,
		},
	})
	if err != nil {
		return fmt.Errorf("indexing record %s: %w", rec.ID, err)
	}
	bk.records[rec.ID] = rec

	if len(bk.records) > ix.cfg.BucketCapacity {
		evictID := lowestConfidenceID(bk.records)
		if err := col.Delete(ctx, nil, nil, evictID); err != nil {
			return fmt.Errorf("evicting record %s: %w", evictID, err)
		}
		delete(bk.records, evictID)
		ix.logger.Debug("evicted lowest-confidence record",
			zap.String("domain", rec.Domain),
			zap.String("record_id", evictID))
	}

	ix.logger.Debug("recorded outcome",
		zap.String("domain", rec.Domain),
		zap.String("record_id", rec.ID),
		zap.Float64("confidence", rec.Outcome.Confidence))
	return nil
}

func lowestConfidenceID(records map[string]memory.Record) string {
	var id string
	lowest := 2.0
	for rid, r := range records {
		if r.Outcome.Confidence < lowest {
			lowest = r.Outcome.Confidence
			id = rid
		}
	}
	return id
}

// RecordFailure implements memory.Store. Pitfalls live only in the mirror;
// they are exact per-domain lists, never similarity-searched.
func (ix *Index) RecordFailure(ctx context.Context, domain, approach, reason string) error {
	if domain == "" {
		return memory.ErrEmptyDomain
	}

	bk := ix.bucketFor(domain)
	bk.mu.Lock()
	defer bk.mu.Unlock()

	for _, p := range bk.pitfalls {
		if p.approach == approach {
			return nil
		}
	}
	bk.pitfalls = append(bk.pitfalls, pitfall{approach: approach, reason: reason})
	if len(bk.pitfalls) > ix.cfg.PitfallCapacity {
		bk.pitfalls = bk.pitfalls[len(bk.pitfalls)-ix.cfg.PitfallCapacity:]
	}
	return nil
}

// BestPractices implements memory.Store. Results are ranked by embedding
// similarity to queryText, ties broken by outcome confidence; matches below
// the similarity floor are dropped.
func (ix *Index) BestPractices(ctx context.Context, domain, queryText string, k int) ([]memory.Record, error) {
	if domain == "" {
		return nil, memory.ErrEmptyDomain
	}
	if queryText == "" {
		return nil, memory.ErrEmptyTask
	}
	if k <= 0 {
		k = memory.DefaultSearchLimit
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "vectorindex.query",
		oteltrace.WithAttributes(attribute.String("task.domain", domain)))
	defer span.End()

	bk := ix.bucketFor(domain)
	bk.mu.RLock()
	defer bk.mu.RUnlock()

	if len(bk.records) == 0 {
		return nil, nil
	}

	col, err := ix.collectionFor(domain)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults above the collection size.
	n := k
	if count := col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := col.Query(ctx, queryText, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying domain %s: %w", domain, err)
	}

	type scored struct {
		rec memory.Record
		sim float64
	}
	matches := make([]scored, 0, len(results))
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < ix.cfg.MinSimilarity {
			continue
		}
		rec, ok := bk.records[r.ID]
		if !ok {
			// Stale collection entry, e.g. persisted index restarted
			// without its mirror. Skip rather than fabricate a record.
			continue
		}
		matches = append(matches, scored{rec: rec, sim: sim})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].sim != matches[j].sim {
			return matches[i].sim > matches[j].sim
		}
		return matches[i].rec.Outcome.Confidence > matches[j].rec.Outcome.Confidence
	})

	out := make([]memory.Record, len(matches))
	for i, m := range matches {
		out[i] = m.rec
	}
	span.SetAttributes(attribute.Int("matches", len(out)))
	return out, nil
}

// KnownPitfalls implements memory.Store, returning pitfall reasons oldest
// first.
func (ix *Index) KnownPitfalls(ctx context.Context, domain string) ([]string, error) {
	if domain == "" {
		return nil, memory.ErrEmptyDomain
	}

	bk := ix.bucketFor(domain)
	bk.mu.RLock()
	defer bk.mu.RUnlock()

	out := make([]string, len(bk.pitfalls))
	for i, p := range bk.pitfalls {
		out[i] = p.reason
	}
	return out, nil
}

// Size returns the number of records mirrored for a domain.
func (ix *Index) Size(domain string) int {
	bk := ix.bucketFor(domain)
	bk.mu.RLock()
	defer bk.mu.RUnlock()
	return len(bk.records)
}

var _ memory.Store = (*Index)(nil)
