// Package stdio implements orchestd's line-delimited JSON session over
// stdin/stdout. The peer process is the reasoning client: it submits tasks
// and answers the generation and scoring requests the engine sends back.
// One session multiplexes any number of in-flight tasks; every message
// carries an id that ties requests to responses.
//
// A client that fails to answer a generation or scoring request within the
// call timeout does not stall the workflow: the driver records a
// zero-confidence iteration for generation failures and the evaluator falls
// back to structural scoring.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/evaluate"
	"github.com/fyrsmithlabs/orchestd/internal/task"
	"github.com/fyrsmithlabs/orchestd/internal/workflow"
)

// DefaultCallTimeout bounds each generation or scoring round trip.
const DefaultCallTimeout = 90 * time.Second

// DefaultMaxIterations is the iteration budget for submits that do not
// carry their own.
const DefaultMaxIterations = 5

// maxLineSize caps one protocol line at 4MB.
const maxLineSize = 4 * 1024 * 1024

// ErrCallTimeout indicates the client did not answer a request in time.
var ErrCallTimeout = errors.New("client did not answer before the call timeout")

// ErrSessionClosed indicates the session's read loop has ended.
var ErrSessionClosed = errors.New("session closed")

// Message is one protocol line. Which fields are set depends on Type.
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id"`

	// submit
	Domain        string `json:"domain,omitempty"`
	Task          string `json:"task,omitempty"`
	Submitter     string `json:"submitter,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	MaxWallTimeMS int64  `json:"max_wall_time_ms,omitempty"`

	// generate request / generation response
	Guidance  *GuidancePayload `json:"guidance,omitempty"`
	Content   string           `json:"content,omitempty"`
	Approach  string           `json:"approach,omitempty"`
	Iteration int              `json:"iteration,omitempty"`

	// scores response
	Functionality     float64  `json:"functionality,omitempty"`
	Usability         float64  `json:"usability,omitempty"`
	StructuralQuality float64  `json:"structural_quality,omitempty"`
	Completeness      float64  `json:"completeness,omitempty"`
	Rationale         string   `json:"rationale,omitempty"`
	ActionItems       []string `json:"action_items,omitempty"`

	// result
	Result *workflow.Result `json:"result,omitempty"`

	// error (either direction)
	Error string `json:"error,omitempty"`
}

// GuidancePayload is the wire form of workflow.Guidance. Memory records are
// flattened to approach summaries; the client does not see stored outcomes.
type GuidancePayload struct {
	BestPractices []string `json:"best_practices,omitempty"`
	Pitfalls      []string `json:"pitfalls,omitempty"`
	ActionPlan    []string `json:"action_plan,omitempty"`
	Techniques    []string `json:"techniques,omitempty"`
	Caution       string   `json:"caution,omitempty"`
}

func guidancePayload(g workflow.Guidance) *GuidancePayload {
	p := &GuidancePayload{
		Pitfalls:   g.Pitfalls,
		ActionPlan: g.ActionPlan,
		Techniques: g.Techniques,
		Caution:    g.Caution,
	}
	for _, r := range g.BestPractices {
		p.BestPractices = append(p.BestPractices, fmt.Sprintf("%s (confidence %.2f)", r.Approach, r.Outcome.Confidence))
	}
	return p
}

// SubmitHandler processes one submitted task to a terminal result.
type SubmitHandler func(ctx context.Context, req task.Request, submitter string) (*workflow.Result, error)

// Options configures a Session.
type Options struct {
	// CallTimeout bounds each generation/scoring round trip.
	CallTimeout time.Duration

	// MaxIterations is the iteration budget applied to submits that omit
	// max_iterations, and the ceiling for submits that ask for more.
	MaxIterations int
}

// Session speaks the protocol over one reader/writer pair. It implements
// workflow.Generator and evaluate.Scorer by round-tripping to the client.
type Session struct {
	in     io.Reader
	opts   Options
	logger *zap.Logger

	wmu sync.Mutex // serializes writes; one line per message
	enc *json.Encoder

	mu      sync.Mutex
	pending map[string]chan Message
	closed  bool

	submit SubmitHandler
	nextID atomic.Uint64
	tasks  sync.WaitGroup
}

// NewSession creates a session over the given streams.
func NewSession(in io.Reader, out io.Writer, opts Options, logger *zap.Logger) *Session {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		in:      in,
		opts:    opts,
		logger:  logger,
		enc:     json.NewEncoder(out),
		pending: make(map[string]chan Message),
	}
}

// SetSubmitHandler wires the engine in. Must be called before Run.
func (s *Session) SetSubmitHandler(h SubmitHandler) {
	s.submit = h
}

// Run reads and dispatches messages until EOF or context cancellation,
// then waits for in-flight tasks to finish.
func (s *Session) Run(ctx context.Context) error {
	if s.submit == nil {
		return errors.New("submit handler is not set")
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case line, ok := <-lines:
			if !ok {
				err = <-readErr
				break loop
			}
			s.dispatch(ctx, line)
		}
	}

	s.close()
	s.tasks.Wait()
	return err
}

// close fails all pending calls so blocked workflows unwind.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

func (s *Session) dispatch(ctx context.Context, line []byte) {
	if len(line) == 0 {
		return
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		s.logger.Warn("discarding malformed protocol line", zap.Error(err))
		return
	}

	switch msg.Type {
	case "submit":
		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			s.handleSubmit(ctx, msg)
		}()
	case "generation", "scores", "error":
		s.route(msg)
	default:
		s.logger.Warn("unknown message type", zap.String("type", msg.Type))
	}
}

// route delivers a response to the waiting call, dropping responses nobody
// waits for (late answers after a timeout).
func (s *Session) route(msg Message) {
	s.mu.Lock()
	ch, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.mu.Unlock()

	if ok {
		ch <- msg
	}
}

func (s *Session) handleSubmit(ctx context.Context, msg Message) {
	maxIter := msg.MaxIterations
	if maxIter <= 0 || maxIter > s.opts.MaxIterations {
		maxIter = s.opts.MaxIterations
	}
	req, err := task.NewRequest(msg.Domain, msg.Task,
		maxIter, time.Duration(msg.MaxWallTimeMS)*time.Millisecond)
	if err != nil {
		s.writeError(msg.ID, err)
		return
	}

	res, err := s.submit(ctx, req, msg.Submitter)
	if err != nil {
		s.writeError(msg.ID, err)
		return
	}
	s.write(Message{Type: "result", ID: msg.ID, Result: res})
}

// Generate implements workflow.Generator by asking the client for a
// candidate.
func (s *Session) Generate(ctx context.Context, taskText string, g workflow.Guidance) (task.Candidate, error) {
	resp, err := s.call(ctx, Message{
		Type:     "generate",
		Task:     taskText,
		Guidance: guidancePayload(g),
	})
	if err != nil {
		return task.Candidate{}, err
	}
	if resp.Error != "" {
		return task.Candidate{}, errors.New(resp.Error)
	}
	return task.Candidate{Content: resp.Content, Approach: resp.Approach}, nil
}

// ScoreDimensions implements evaluate.Scorer by asking the client to score
// a candidate.
func (s *Session) ScoreDimensions(ctx context.Context, candidate task.Candidate, domain string, previous []task.Assessment) (evaluate.Scoring, error) {
	resp, err := s.call(ctx, Message{
		Type:      "score",
		Domain:    domain,
		Content:   candidate.Content,
		Approach:  candidate.Approach,
		Iteration: candidate.Iteration,
	})
	if err != nil {
		return evaluate.Scoring{}, err
	}
	if resp.Error != "" {
		return evaluate.Scoring{}, errors.New(resp.Error)
	}
	return evaluate.Scoring{
		Dimensions: evaluate.Dimensions{
			Functionality:     resp.Functionality,
			Usability:         resp.Usability,
			StructuralQuality: resp.StructuralQuality,
			Completeness:      resp.Completeness,
		},
		Rationale:   resp.Rationale,
		ActionItems: resp.ActionItems,
	}, nil
}

// call writes a request and waits for its response.
func (s *Session) call(ctx context.Context, msg Message) (Message, error) {
	msg.ID = "r" + strconv.FormatUint(s.nextID.Add(1), 10)

	ch := make(chan Message, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Message{}, ErrSessionClosed
	}
	s.pending[msg.ID] = ch
	s.mu.Unlock()

	if err := s.write(msg); err != nil {
		s.drop(msg.ID)
		return Message{}, err
	}

	timer := time.NewTimer(s.opts.CallTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return Message{}, ErrSessionClosed
		}
		return resp, nil
	case <-ctx.Done():
		s.drop(msg.ID)
		return Message{}, ctx.Err()
	case <-timer.C:
		s.drop(msg.ID)
		return Message{}, ErrCallTimeout
	}
}

func (s *Session) drop(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) write(msg Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.enc.Encode(msg)
}

func (s *Session) writeError(id string, err error) {
	if werr := s.write(Message{Type: "error", ID: id, Error: err.Error()}); werr != nil {
		s.logger.Error("failed to write error response", zap.Error(werr))
	}
}

var (
	_ workflow.Generator = (*Session)(nil)
	_ evaluate.Scorer    = (*Session)(nil)
)
