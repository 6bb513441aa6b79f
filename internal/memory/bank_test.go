package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(t *testing.T, domain, taskText string, confidence float64) Record {
	t.Helper()
	rec, err := NewRecord(domain, taskText, "iterative refinement", Outcome{
		Confidence: confidence,
		WallTime:   2 * time.Second,
		Iterations: 2,
	})
	require.NoError(t, err)
	return rec
}

func TestBank_RecordOutcome_BelowLearnThreshold(t *testing.T) {
	bank := NewBank(Options{LearnThreshold: 0.7}, nil)

	rec := testRecord(t, "codegen", "write a parser", 0.5)
	err := bank.RecordOutcome(context.Background(), rec)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBelowLearnThreshold)
	assert.Equal(t, 0, bank.Size("codegen"))
}

func TestBank_RecordOutcome_InvalidRecord(t *testing.T) {
	bank := NewBank(Options{}, nil)

	err := bank.RecordOutcome(context.Background(), Record{Domain: "", Task: "x"})
	assert.ErrorIs(t, err, ErrEmptyDomain)
}

func TestBank_BestPractices_RoundTrip(t *testing.T) {
	bank := NewBank(Options{}, nil)
	ctx := context.Background()

	rec := testRecord(t, "codegen", "build a streaming json parser in go", 0.9)
	require.NoError(t, bank.RecordOutcome(ctx, rec))

	// Similar query in the same domain finds the record.
	got, err := bank.BestPractices(ctx, "codegen", "implement a json parser", 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.ID, got[0].ID)

	// Unrelated domain returns nothing.
	got, err = bank.BestPractices(ctx, "data-pipeline", "implement a json parser", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBank_BestPractices_SimilarityFloor(t *testing.T) {
	bank := NewBank(Options{MinSimilarity: 0.3}, nil)
	ctx := context.Background()

	require.NoError(t, bank.RecordOutcome(ctx, testRecord(t, "codegen", "tune garbage collector pauses", 0.9)))

	got, err := bank.BestPractices(ctx, "codegen", "render html templates quickly", 3)
	require.NoError(t, err)
	assert.Empty(t, got, "dissimilar records should be gated out")
}

func TestBank_BestPractices_RankingAndIdempotence(t *testing.T) {
	bank := NewBank(Options{}, nil)
	ctx := context.Background()

	// Two records equally similar to the query; higher confidence wins.
	low := testRecord(t, "codegen", "cache invalidation strategy", 0.75)
	high := testRecord(t, "codegen", "cache invalidation strategy", 0.95)
	require.NoError(t, bank.RecordOutcome(ctx, low))
	require.NoError(t, bank.RecordOutcome(ctx, high))

	first, err := bank.BestPractices(ctx, "codegen", "cache invalidation strategy", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, high.ID, first[0].ID, "higher confidence should rank first on similarity tie")

	// Identical call on unchanged state returns the identical ordered list.
	second, err := bank.BestPractices(ctx, "codegen", "cache invalidation strategy", 2)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBank_Eviction_RemovesSingleLowestConfidence(t *testing.T) {
	bank := NewBank(Options{BucketCapacity: 3}, nil)
	ctx := context.Background()

	confidences := []float64{0.9, 0.72, 0.85}
	for i, c := range confidences {
		require.NoError(t, bank.RecordOutcome(ctx, testRecord(t, "codegen", fmt.Sprintf("task variant %d", i), c)))
	}
	require.Equal(t, 3, bank.Size("codegen"))

	// Writing past capacity evicts exactly the 0.72 record.
	require.NoError(t, bank.RecordOutcome(ctx, testRecord(t, "codegen", "task variant 3", 0.8)))
	assert.Equal(t, 3, bank.Size("codegen"))

	got, err := bank.BestPractices(ctx, "codegen", "task variant", 10)
	require.NoError(t, err)
	for _, r := range got {
		assert.NotEqual(t, 0.72, r.Outcome.Confidence, "lowest-confidence record should be gone")
	}
}

func TestBank_RecordFailure_DedupAndCap(t *testing.T) {
	bank := NewBank(Options{PitfallCapacity: 2}, nil)
	ctx := context.Background()

	require.NoError(t, bank.RecordFailure(ctx, "codegen", "regex parsing", "regex approach breaks on nesting"))
	require.NoError(t, bank.RecordFailure(ctx, "codegen", "regex parsing", "duplicate should be ignored"))

	pitfalls, err := bank.KnownPitfalls(ctx, "codegen")
	require.NoError(t, err)
	require.Len(t, pitfalls, 1)
	assert.Equal(t, "regex approach breaks on nesting", pitfalls[0])

	// Oldest entry is evicted past capacity.
	require.NoError(t, bank.RecordFailure(ctx, "codegen", "string concat", "quadratic string building"))
	require.NoError(t, bank.RecordFailure(ctx, "codegen", "global state", "shared mutable state races"))

	pitfalls, err = bank.KnownPitfalls(ctx, "codegen")
	require.NoError(t, err)
	require.Len(t, pitfalls, 2)
	assert.Equal(t, "quadratic string building", pitfalls[0])
	assert.Equal(t, "shared mutable state races", pitfalls[1])
}

func TestBank_ConcurrentReadersAndWriters(t *testing.T) {
	bank := NewBank(Options{BucketCapacity: 10}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			rec := Record{
				ID:        fmt.Sprintf("rec-%d", i),
				Domain:    "codegen",
				Task:      fmt.Sprintf("concurrent task %d", i),
				Outcome:   Outcome{Confidence: 0.8},
				CreatedAt: time.Now(),
			}
			_ = bank.RecordOutcome(ctx, rec)
		}(i)
		go func() {
			defer wg.Done()
			_, _ = bank.BestPractices(ctx, "codegen", "concurrent task", 3)
			_, _ = bank.KnownPitfalls(ctx, "codegen")
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, bank.Size("codegen"), 10)
}

func TestOverlapSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{name: "identical", a: "parse json input", b: "parse json input", want: 1.0},
		{name: "disjoint", a: "parse json", b: "render html", want: 0.0},
		{name: "empty", a: "", b: "anything", want: 0.0},
		{name: "case insensitive", a: "Parse JSON", b: "parse json", want: 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, overlapSimilarity(tt.a, tt.b), 0.001)
		})
	}
}

func TestOverlapSimilarity_PartialOverlap(t *testing.T) {
	// {parse, json} vs {parse, yaml}: intersection 1, union 3.
	sim := overlapSimilarity("parse json", "parse yaml config")
	assert.InDelta(t, 0.25, sim, 0.001)
}
