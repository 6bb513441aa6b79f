package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orchestd/internal/evaluate"
	"github.com/fyrsmithlabs/orchestd/internal/memory"
	"github.com/fyrsmithlabs/orchestd/internal/strategy"
	"github.com/fyrsmithlabs/orchestd/internal/task"
	"github.com/fyrsmithlabs/orchestd/internal/workflow"
)

// harness wires a session to a scripted client over in-memory pipes.
type harness struct {
	session *Session
	client  *clientConn
	done    chan error
}

type clientConn struct {
	w   *io.PipeWriter
	r   *bufio.Scanner
	enc *json.Encoder
}

func (c *clientConn) send(t *testing.T, msg Message) {
	t.Helper()
	require.NoError(t, c.enc.Encode(msg))
}

func (c *clientConn) recv(t *testing.T) Message {
	t.Helper()
	require.True(t, c.r.Scan(), "expected another message from the session")
	var msg Message
	require.NoError(t, json.Unmarshal(c.r.Bytes(), &msg))
	return msg
}

func newHarness(t *testing.T, callTimeout time.Duration) *harness {
	t.Helper()
	return newHarnessOpts(t, Options{CallTimeout: callTimeout})
}

func newHarnessOpts(t *testing.T, opts Options) *harness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	session := NewSession(inR, outW, opts, nil)

	bank := memory.NewBank(memory.Options{}, nil)
	eval, err := evaluate.New(session, evaluate.Options{}, nil)
	require.NoError(t, err)
	analyzer := strategy.New(nil, strategy.Options{}, nil)
	driver, err := workflow.NewDriver(session, eval, analyzer, bank, nil, nil, workflow.Config{})
	require.NoError(t, err)

	session.SetSubmitHandler(func(ctx context.Context, req task.Request, submitter string) (*workflow.Result, error) {
		return driver.Run(ctx, req, "")
	})

	h := &harness{
		session: session,
		client: &clientConn{
			w:   inW,
			r:   bufio.NewScanner(outR),
			enc: json.NewEncoder(inW),
		},
		done: make(chan error, 1),
	}
	go func() { h.done <- session.Run(context.Background()) }()

	t.Cleanup(func() {
		inW.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("session did not shut down")
		}
		outR.Close()
	})
	return h
}

func TestSession_SubmitGenerateScoreResult(t *testing.T) {
	h := newHarness(t, time.Second)
	c := h.client

	c.send(t, Message{
		Type:          "submit",
		ID:            "c1",
		Domain:        "codegen",
		Task:          "write a rate limiter",
		Submitter:     "alice",
		MaxIterations: 3,
	})

	gen := c.recv(t)
	require.Equal(t, "generate", gen.Type)
	assert.Equal(t, "write a rate limiter", gen.Task)
	c.send(t, Message{
		Type:     "generation",
		ID:       gen.ID,
		Content:  "token bucket implementation",
		Approach: "token bucket",
	})

	score := c.recv(t)
	require.Equal(t, "score", score.Type)
	assert.Equal(t, "codegen", score.Domain)
	assert.Equal(t, "token bucket implementation", score.Content)
	c.send(t, Message{
		Type: "scores", ID: score.ID,
		Functionality: 0.9, Usability: 0.9, StructuralQuality: 0.9, Completeness: 0.9,
	})

	result := c.recv(t)
	require.Equal(t, "result", result.Type)
	assert.Equal(t, "c1", result.ID)
	require.NotNil(t, result.Result)
	assert.Equal(t, workflow.StatusComplete, result.Result.Status)
	assert.Equal(t, "token bucket implementation", result.Result.Candidate.Content)
	assert.Equal(t, 1, result.Result.Iterations)
}

func TestSession_SubmitWithoutIterationsUsesConfiguredBudget(t *testing.T) {
	h := newHarnessOpts(t, Options{CallTimeout: time.Second, MaxIterations: 2})
	c := h.client

	// No max_iterations on the submit: the session's configured budget
	// applies instead of rejecting the task.
	c.send(t, Message{Type: "submit", ID: "c1", Domain: "codegen", Task: "write a scheduler"})

	for i := 0; i < 2; i++ {
		gen := c.recv(t)
		require.Equal(t, "generate", gen.Type)
		c.send(t, Message{Type: "generation", ID: gen.ID, Content: "draft", Approach: "greedy"})
		score := c.recv(t)
		require.Equal(t, "score", score.Type)
		c.send(t, Message{
			Type: "scores", ID: score.ID,
			Functionality: 0.6, Usability: 0.6, StructuralQuality: 0.6, Completeness: 0.6,
		})
	}

	result := c.recv(t)
	require.Equal(t, "result", result.Type)
	require.NotNil(t, result.Result)
	assert.Equal(t, workflow.StatusAbortedMaxIter, result.Result.Status)
	assert.Equal(t, 2, result.Result.Iterations)
}

func TestSession_SubmitIterationsAreCapped(t *testing.T) {
	h := newHarnessOpts(t, Options{CallTimeout: time.Second, MaxIterations: 1})
	c := h.client

	c.send(t, Message{
		Type: "submit", ID: "c1",
		Domain: "codegen", Task: "write a scheduler", MaxIterations: 50,
	})

	gen := c.recv(t)
	require.Equal(t, "generate", gen.Type)
	c.send(t, Message{Type: "generation", ID: gen.ID, Content: "draft", Approach: "greedy"})
	score := c.recv(t)
	c.send(t, Message{
		Type: "scores", ID: score.ID,
		Functionality: 0.6, Usability: 0.6, StructuralQuality: 0.6, Completeness: 0.6,
	})

	result := c.recv(t)
	require.Equal(t, "result", result.Type)
	require.NotNil(t, result.Result)
	assert.Equal(t, workflow.StatusAbortedMaxIter, result.Result.Status)
	assert.Equal(t, 1, result.Result.Iterations, "a submit cannot exceed the configured ceiling")
}

func TestSession_RevisionRoundTrips(t *testing.T) {
	h := newHarness(t, time.Second)
	c := h.client

	c.send(t, Message{
		Type: "submit", ID: "c1",
		Domain: "codegen", Task: "write a parser", MaxIterations: 3,
	})

	// First iteration scores below threshold; guidance on the second
	// generate carries the diagnosis action plan.
	gen := c.recv(t)
	require.Equal(t, "generate", gen.Type)
	c.send(t, Message{Type: "generation", ID: gen.ID, Content: "draft one", Approach: "recursive descent"})

	score := c.recv(t)
	require.Equal(t, "score", score.Type)
	c.send(t, Message{
		Type: "scores", ID: score.ID,
		Functionality: 0.7, Usability: 0.7, StructuralQuality: 0.7, Completeness: 0.4,
	})

	gen2 := c.recv(t)
	require.Equal(t, "generate", gen2.Type)
	require.NotNil(t, gen2.Guidance)
	assert.NotEmpty(t, gen2.Guidance.ActionPlan, "revision guidance carries the action plan")
	c.send(t, Message{Type: "generation", ID: gen2.ID, Content: "draft two", Approach: "recursive descent"})

	score2 := c.recv(t)
	c.send(t, Message{
		Type: "scores", ID: score2.ID,
		Functionality: 0.95, Usability: 0.9, StructuralQuality: 0.9, Completeness: 0.9,
	})

	result := c.recv(t)
	require.Equal(t, "result", result.Type)
	assert.Equal(t, workflow.StatusComplete, result.Result.Status)
	assert.Equal(t, 2, result.Result.Iterations)
}

func TestSession_UnansweredGenerateFailsOver(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	c := h.client

	c.send(t, Message{
		Type: "submit", ID: "c1",
		Domain: "codegen", Task: "anything", MaxIterations: 1,
	})

	// Ignore the generate request entirely; the driver treats the timeout
	// as a zero-confidence iteration and, with no candidate in any
	// iteration, surfaces a generator outage.
	gen := c.recv(t)
	require.Equal(t, "generate", gen.Type)

	// The single zero-confidence iteration still gets scored via the
	// structural fallback, so no score request arrives.
	errMsg := c.recv(t)
	require.Equal(t, "error", errMsg.Type)
	assert.Equal(t, "c1", errMsg.ID)
	assert.Contains(t, errMsg.Error, "no candidate")
}

func TestSession_InvalidSubmitReturnsError(t *testing.T) {
	h := newHarness(t, time.Second)
	c := h.client

	c.send(t, Message{Type: "submit", ID: "bad", Domain: "", Task: "x"})

	errMsg := c.recv(t)
	require.Equal(t, "error", errMsg.Type)
	assert.Equal(t, "bad", errMsg.ID)
	assert.NotEmpty(t, errMsg.Error)
}

func TestSession_MalformedLinesAreSkipped(t *testing.T) {
	h := newHarness(t, time.Second)
	c := h.client

	_, err := c.w.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	// The session keeps serving after a malformed line.
	c.send(t, Message{Type: "submit", ID: "c1", Domain: "codegen", Task: "t", MaxIterations: 1})
	gen := c.recv(t)
	assert.Equal(t, "generate", gen.Type)
	c.send(t, Message{Type: "generation", ID: gen.ID, Content: "x", Approach: "a"})
	score := c.recv(t)
	c.send(t, Message{
		Type: "scores", ID: score.ID,
		Functionality: 0.9, Usability: 0.9, StructuralQuality: 0.9, Completeness: 0.9,
	})
	result := c.recv(t)
	assert.Equal(t, "result", result.Type)
}

func TestGuidancePayload_FlattensRecords(t *testing.T) {
	rec, err := memory.NewRecord("codegen", "some task", "streaming parse", memory.Outcome{Confidence: 0.92})
	require.NoError(t, err)

	p := guidancePayload(workflow.Guidance{
		BestPractices: []memory.Record{rec},
		Pitfalls:      []string{"regex backtracking"},
		Caution:       "low trust",
	})

	require.Len(t, p.BestPractices, 1)
	assert.Contains(t, p.BestPractices[0], "streaming parse")
	assert.Contains(t, p.BestPractices[0], "0.92")
	assert.Equal(t, []string{"regex backtracking"}, p.Pitfalls)
	assert.Equal(t, "low trust", p.Caution)
}
