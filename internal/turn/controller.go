// Package turn drives agent turns end to end: it opens the transport,
// pumps decoded chunks into the sync state container, and finalizes,
// fails or cancels the turn.
//
// The engine never retries a turn. A failed turn may have partially applied
// patches, so the caller decides whether to start a new one.
package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"charterdesk/api/internal/agentstream"
	"charterdesk/api/internal/model"
	"charterdesk/api/internal/syncstate"
	"charterdesk/api/internal/util"
)

var (
	ErrSuperseded       = errors.New("superseded by a newer turn")
	ErrCancelled        = errors.New("cancelled by user")
	ErrStalled          = errors.New("no progress within stall window")
	ErrIncompleteStream = errors.New("stream ended before done")
)

// TransportError is a network or upstream failure attached to a turn.
type TransportError struct {
	TurnID string
	Err    error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	if e.TurnID == "" {
		return fmt.Sprintf("turn transport: %v", e.Err)
	}
	return fmt.Sprintf("turn %s transport: %v", e.TurnID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// reasonFor maps a cancellation cause to the reason stored on the turn.
func reasonFor(cause error) string {
	switch {
	case cause == nil, errors.Is(cause, ErrCancelled):
		return "cancelled"
	case errors.Is(cause, ErrStalled):
		return "stalled"
	case errors.Is(cause, ErrSuperseded):
		return "superseded"
	default:
		return cause.Error()
	}
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Result summarizes one run of the pump.
type Result struct {
	TurnIDs    []string `json:"turnIds"`
	Status     Status   `json:"status"`
	Applied    int      `json:"applied"`
	Buffered   int      `json:"buffered"`
	Duplicates int      `json:"duplicates"`
	Overflow   int      `json:"overflow"`
	Dropped    []int64  `json:"dropped,omitempty"`
	Err        error    `json:"-"`
}

type Options struct {
	// StallTimeout is how long an open turn may go without applying a
	// patch before it is force-cancelled. Zero disables the watchdog.
	StallTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

type Controller struct {
	store        *syncstate.Container
	transport    agentstream.Transport
	logger       *slog.Logger
	stallTimeout time.Duration
	now          func() time.Time

	// handleMu serializes chunk handling with run hand-over, so a
	// superseded run cannot touch the store once its successor began.
	handleMu sync.Mutex

	mu      sync.Mutex
	current *Run
	diags   []Diagnostic
}

func New(store *syncstate.Container, transport agentstream.Transport, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		store:        store,
		transport:    transport,
		logger:       opts.Logger,
		stallTimeout: opts.StallTimeout,
		now:          opts.Now,
	}
}

// Run is a handle on one in-flight stream.
type Run struct {
	ID      string
	ctx     context.Context
	cancel  context.CancelCauseFunc
	started time.Time
	done    chan struct{}

	mu     sync.Mutex
	turnID string
	result Result
}

func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run ends and returns its result.
func (r *Run) Wait() Result {
	<-r.done
	return r.result
}

func (r *Run) TurnID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turnID
}

func (r *Run) setTurn(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turnID = id
}

// Start opens a new turn through the transport and pumps it in the
// background. Any run still in flight is cancelled first. The run outlives
// ctx's cancellation; use Cancel to stop it.
func (c *Controller) Start(ctx context.Context, req agentstream.Request) (*Run, error) {
	run := c.begin(ctx)
	ref := util.NewID("req")
	c.store.SetPendingTurn(ref)

	body, err := c.transport.Open(run.ctx, req)
	if err != nil {
		terr := &TransportError{TurnID: ref, Err: err}
		if ferr := c.store.FailPendingTurn(ref, model.SourceAgent, terr); ferr != nil {
			c.store.SetPendingTurn("")
			c.logger.Warn("turn: record failed request", "request_ref", ref, "error", ferr)
		}
		c.record(Diagnostic{Kind: DiagTransport, TurnID: ref, Message: err.Error()})
		c.logger.Warn("turn: transport open failed", "request_ref", ref, "error", err)
		c.end(run, Result{TurnIDs: []string{ref}, Status: StatusFailed, Err: terr})
		return run, terr
	}
	go func() {
		c.end(run, c.pump(run, body))
	}()
	return run, nil
}

// Consume pumps an already-open stream to completion on the calling
// goroutine, superseding any run in flight.
func (c *Controller) Consume(ctx context.Context, body io.ReadCloser) Result {
	run := c.begin(ctx)
	stop := context.AfterFunc(ctx, func() { run.cancel(ErrCancelled) })
	defer stop()
	res := c.pump(run, body)
	c.end(run, res)
	return res
}

// Cancel stops the in-flight run and cancels its open turn. It reports
// whether there was anything to cancel.
func (c *Controller) Cancel() bool {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()

	c.mu.Lock()
	run := c.current
	c.mu.Unlock()

	cancelled := false
	if run != nil {
		run.cancel(ErrCancelled)
		cancelled = true
	}
	if active := c.store.ActiveTurnID(); active != "" {
		if c.store.CancelTurn(active, reasonFor(ErrCancelled)) {
			cancelled = true
		}
	}
	return cancelled
}

// Current returns the run in flight, if any.
func (c *Controller) Current() *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) begin(ctx context.Context) *Run {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	run := &Run{
		ID:      util.NewID("run"),
		ctx:     runCtx,
		cancel:  cancel,
		started: c.now(),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	prev := c.current
	c.current = run
	c.mu.Unlock()

	if prev != nil {
		prev.cancel(ErrSuperseded)
		if id := prev.TurnID(); id != "" {
			c.store.CancelTurn(id, reasonFor(ErrSuperseded))
		}
	}
	return run
}

func (c *Controller) end(run *Run, res Result) {
	c.mu.Lock()
	if c.current == run {
		c.current = nil
	}
	c.mu.Unlock()

	run.mu.Lock()
	run.result = res
	run.mu.Unlock()
	run.cancel(nil)
	close(run.done)
}

func (c *Controller) pump(run *Run, body io.ReadCloser) Result {
	ctx := run.ctx
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()
	defer body.Close()

	go c.watch(run)

	p := &pumpState{c: c, run: run, res: Result{Status: StatusRunning}}
	reader := agentstream.NewReader(body)
	for {
		chunk, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				return p.cancelled(context.Cause(ctx))
			}
			if errors.Is(err, agentstream.ErrMalformed) || errors.Is(err, agentstream.ErrUnknownChunk) {
				c.record(Diagnostic{Kind: DiagMalformed, TurnID: p.current, Message: err.Error()})
				continue
			}
			if errors.Is(err, io.EOF) {
				err = ErrIncompleteStream
			}
			return p.failed(err)
		}
		if done, res := p.handle(chunk); done {
			return res
		}
	}
}

type pumpState struct {
	c       *Controller
	run     *Run
	current string
	res     Result
}

// handle applies one chunk under handleMu. It returns true once the stream
// reached a terminal state.
func (p *pumpState) handle(chunk agentstream.Chunk) (bool, Result) {
	c := p.c
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	if p.run.ctx.Err() != nil {
		return true, p.cancelledLocked(context.Cause(p.run.ctx))
	}

	switch chunk.Kind {
	case agentstream.KindTurnOpen:
		p.open(chunk.TurnID)
	case agentstream.KindPatch:
		if chunk.TurnID != p.current && !p.open(chunk.TurnID) {
			return false, Result{}
		}
		d, err := c.store.ReceivePatch(chunk.TurnID, chunk.Seq, chunk.Patch)
		if err != nil {
			c.record(Diagnostic{Kind: DiagLateChunk, TurnID: chunk.TurnID, Seqs: []int64{chunk.Seq}, Message: err.Error()})
			return false, Result{}
		}
		switch d.Outcome {
		case syncstate.OutcomeApplied:
			p.res.Applied += len(d.Released)
		case syncstate.OutcomeBuffered:
			p.res.Buffered++
			if d.Evicted != 0 {
				p.res.Overflow++
				c.record(Diagnostic{Kind: DiagOverflow, TurnID: chunk.TurnID, Seqs: []int64{d.Evicted},
					Message: fmt.Sprintf("seq %d evicted for seq %d", d.Evicted, chunk.Seq)})
			}
		case syncstate.OutcomeDuplicate:
			p.res.Duplicates++
		case syncstate.OutcomeOverflow:
			p.res.Overflow++
			c.record(Diagnostic{Kind: DiagOverflow, TurnID: chunk.TurnID, Seqs: []int64{chunk.Seq}})
		}
	case agentstream.KindMessage:
		turnID := chunk.TurnID
		if turnID == "" {
			turnID = p.current
		}
		ev := model.InputEvent{
			ID:        util.NewID("evt"),
			TurnID:    turnID,
			Source:    model.SourceAgent,
			Stage:     model.StageFinal,
			Content:   chunk.Message,
			CreatedAt: c.now(),
		}
		if err := c.store.AppendTurnEvent(turnID, ev); err != nil {
			c.record(Diagnostic{Kind: DiagLateChunk, TurnID: turnID, Message: err.Error()})
		}
	case agentstream.KindDone:
		turnID := chunk.TurnID
		if turnID == "" {
			turnID = p.current
		}
		if turnID != "" {
			dropped, err := c.store.FinalizeTurn(turnID)
			if err != nil {
				c.record(Diagnostic{Kind: DiagLateChunk, TurnID: turnID, Message: err.Error()})
			}
			if len(dropped) > 0 {
				p.res.Dropped = append(p.res.Dropped, dropped...)
				c.record(Diagnostic{Kind: DiagDropped, TurnID: turnID, Seqs: dropped,
					Message: fmt.Sprintf("%d patch(es) never became contiguous", len(dropped))})
			}
		}
		p.res.Status = StatusCompleted
		return true, p.res
	case agentstream.KindError:
		return true, p.failedLocked(errors.New(chunk.Err))
	}
	return false, Result{}
}

// open makes turnID the stream's current turn. It reports false, after
// recording a late chunk, when the turn cannot be opened.
func (p *pumpState) open(turnID string) bool {
	c := p.c
	if _, err := c.store.OpenTurn(turnID, model.SourceAgent); err != nil {
		c.record(Diagnostic{Kind: DiagLateChunk, TurnID: turnID, Message: err.Error()})
		return false
	}
	if turnID != p.current {
		p.current = turnID
		p.res.TurnIDs = append(p.res.TurnIDs, turnID)
		p.run.setTurn(turnID)
	}
	return true
}

func (p *pumpState) cancelled(cause error) Result {
	p.c.handleMu.Lock()
	defer p.c.handleMu.Unlock()
	return p.cancelledLocked(cause)
}

func (p *pumpState) cancelledLocked(cause error) Result {
	if cause == nil {
		cause = ErrCancelled
	}
	if p.current != "" {
		p.c.store.CancelTurn(p.current, reasonFor(cause))
	}
	p.res.Status = StatusCancelled
	p.res.Err = cause
	return p.res
}

func (p *pumpState) failed(err error) Result {
	p.c.handleMu.Lock()
	defer p.c.handleMu.Unlock()
	return p.failedLocked(err)
}

func (p *pumpState) failedLocked(err error) Result {
	terr := &TransportError{TurnID: p.current, Err: err}
	if p.current != "" {
		p.c.store.FailTurn(p.current, terr)
	}
	p.c.record(Diagnostic{Kind: DiagTransport, TurnID: p.current, Message: err.Error()})
	p.c.logger.Warn("turn: transport failure", "turn_id", p.current, "error", err)
	p.res.Status = StatusFailed
	p.res.Err = terr
	return p.res
}
