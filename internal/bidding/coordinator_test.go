package bidding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orchestd/internal/task"
)

// stubWorker bids a fixed confidence, optionally failing or hanging.
type stubWorker struct {
	id         string
	confidence float64
	err        error
	hang       bool
}

func (w *stubWorker) ID() string { return w.id }

func (w *stubWorker) Bid(ctx context.Context, req task.Request) (Bid, error) {
	if w.hang {
		<-ctx.Done()
		return Bid{}, ctx.Err()
	}
	if w.err != nil {
		return Bid{}, w.err
	}
	return Bid{Confidence: w.confidence, Rationale: "stub"}, nil
}

func newBidRequest(t *testing.T) task.Request {
	t.Helper()
	req, err := task.NewRequest("codegen", "write a parser", 3, 0)
	require.NoError(t, err)
	return req
}

func TestSelectWorker_ClearWinner(t *testing.T) {
	// Bids [0.9, 0.3, 0.2]: 0.9 is the only bid above 0.8 and wins outright.
	c := NewCoordinator(Options{}, nil, nil)
	workers := []Worker{
		&stubWorker{id: "w1", confidence: 0.9},
		&stubWorker{id: "w2", confidence: 0.3},
		&stubWorker{id: "w3", confidence: 0.2},
	}

	winner, decision, err := c.SelectWorker(context.Background(), newBidRequest(t), workers)
	require.NoError(t, err)

	assert.Equal(t, "w1", winner.ID())
	assert.Equal(t, "w1", decision.WinnerID)
	assert.Contains(t, decision.Rationale, "clear winner")
	assert.Len(t, decision.Bids, 3)
}

func TestSelectWorker_HighestWinsWithoutClearWinner(t *testing.T) {
	// Bids [0.6, 0.55, 0.5]: nothing above 0.8, the 0.6 bid wins.
	c := NewCoordinator(Options{}, nil, nil)
	workers := []Worker{
		&stubWorker{id: "w1", confidence: 0.6},
		&stubWorker{id: "w2", confidence: 0.55},
		&stubWorker{id: "w3", confidence: 0.5},
	}

	winner, decision, err := c.SelectWorker(context.Background(), newBidRequest(t), workers)
	require.NoError(t, err)

	assert.Equal(t, "w1", winner.ID())
	assert.Contains(t, decision.Rationale, "highest confidence")
}

func TestSelectWorker_MultipleAboveThresholdNoClearWinner(t *testing.T) {
	// Two bids above the threshold: no clear winner, highest still wins.
	c := NewCoordinator(Options{}, nil, nil)
	workers := []Worker{
		&stubWorker{id: "w1", confidence: 0.85},
		&stubWorker{id: "w2", confidence: 0.9},
	}

	winner, decision, err := c.SelectWorker(context.Background(), newBidRequest(t), workers)
	require.NoError(t, err)

	assert.Equal(t, "w2", winner.ID())
	assert.Contains(t, decision.Rationale, "no clear winner")
}

func TestSelectWorker_TieBrokenByPriorityOrder(t *testing.T) {
	c := NewCoordinator(Options{}, nil, nil)
	workers := []Worker{
		&stubWorker{id: "first", confidence: 0.6},
		&stubWorker{id: "second", confidence: 0.6},
	}

	winner, _, err := c.SelectWorker(context.Background(), newBidRequest(t), workers)
	require.NoError(t, err)

	assert.Equal(t, "first", winner.ID(), "registration order breaks ties")
}

func TestSelectWorker_FailedBidIsNonFatal(t *testing.T) {
	c := NewCoordinator(Options{}, nil, nil)
	workers := []Worker{
		&stubWorker{id: "w1", err: errors.New("worker offline")},
		&stubWorker{id: "w2", confidence: 0.5},
	}

	winner, decision, err := c.SelectWorker(context.Background(), newBidRequest(t), workers)
	require.NoError(t, err)

	assert.Equal(t, "w2", winner.ID())
	assert.Len(t, decision.Bids, 1, "failed bid contributes nothing")
}

func TestSelectWorker_TimedOutBidDoesNotBlockOthers(t *testing.T) {
	c := NewCoordinator(Options{BidTimeout: 50 * time.Millisecond}, nil, nil)
	workers := []Worker{
		&stubWorker{id: "slow", hang: true},
		&stubWorker{id: "fast", confidence: 0.7},
	}

	start := time.Now()
	winner, _, err := c.SelectWorker(context.Background(), newBidRequest(t), workers)
	require.NoError(t, err)

	assert.Equal(t, "fast", winner.ID())
	assert.Less(t, time.Since(start), time.Second, "gather must not block past the bid timeout")
}

func TestSelectWorker_ZeroBidsIsFatal(t *testing.T) {
	c := NewCoordinator(Options{BidTimeout: 20 * time.Millisecond}, nil, nil)
	workers := []Worker{
		&stubWorker{id: "w1", err: errors.New("offline")},
		&stubWorker{id: "w2", hang: true},
	}

	_, _, err := c.SelectWorker(context.Background(), newBidRequest(t), workers)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoEligibleWorker)
}

func TestSelectWorker_NoWorkers(t *testing.T) {
	c := NewCoordinator(Options{}, nil, nil)

	_, _, err := c.SelectWorker(context.Background(), newBidRequest(t), nil)
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestSelectWorker_InvalidBidRejected(t *testing.T) {
	c := NewCoordinator(Options{}, nil, nil)
	workers := []Worker{
		&stubWorker{id: "bad", confidence: 1.4},
		&stubWorker{id: "ok", confidence: 0.4},
	}

	winner, decision, err := c.SelectWorker(context.Background(), newBidRequest(t), workers)
	require.NoError(t, err)

	assert.Equal(t, "ok", winner.ID())
	assert.Len(t, decision.Bids, 1)
}

func TestCoordinator_HistoryIsBounded(t *testing.T) {
	c := NewCoordinator(Options{HistorySize: 2}, nil, nil)
	workers := []Worker{&stubWorker{id: "w1", confidence: 0.9}}

	for i := 0; i < 3; i++ {
		_, _, err := c.SelectWorker(context.Background(), newBidRequest(t), workers)
		require.NoError(t, err)
	}

	history := c.History()
	assert.Len(t, history, 2)
}

func TestBid_Validate(t *testing.T) {
	assert.NoError(t, Bid{WorkerID: "w", Confidence: 0.5}.Validate())
	assert.Error(t, Bid{WorkerID: "", Confidence: 0.5}.Validate())
	assert.Error(t, Bid{WorkerID: "w", Confidence: -0.1}.Validate())
	assert.Error(t, Bid{WorkerID: "w", Confidence: 1.1}.Validate())
}
