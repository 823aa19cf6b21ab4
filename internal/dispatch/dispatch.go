package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/policy"
)

// #region command
// Command is one decision addressed to a session's actuator.
type Command struct {
	SessionID  string         `json:"session_id"`
	DecisionID string         `json:"decision_id"`
	SequenceID uint64         `json:"sequence_id,omitempty"`
	IssuedAt   time.Time      `json:"issued_at"`
	Payload    policy.Payload `json:"payload"`
}

// #endregion command

// #region dispatcher
// Dispatcher delivers commands toward actuation. The engine never retries a
// failed dispatch: the next decision supersedes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) error
}

// Func adapts a function to Dispatcher.
type Func func(ctx context.Context, cmd Command) error

func (f Func) Dispatch(ctx context.Context, cmd Command) error { return f(ctx, cmd) }

// #endregion dispatcher

// #region log
// Log writes each command to the process log. Used when no actuator link is
// configured.
type Log struct{}

func (Log) Dispatch(_ context.Context, cmd Command) error {
	log.Printf("[DISPATCH] session=%s decision=%s mode=%s pacing=%t target=%.1f",
		cmd.SessionID, cmd.DecisionID, cmd.Payload.PacingMode, cmd.Payload.PacingEnabled, cmd.Payload.TargetRateBPM)
	return nil
}

// #endregion log

// #region latest
// Latest remembers the most recent command per session so operators can see
// what the actuator was last told.
type Latest struct {
	mu   sync.RWMutex
	last map[string]Command
}

// NewLatest creates an empty Latest.
func NewLatest() *Latest {
	return &Latest{last: make(map[string]Command)}
}

func (l *Latest) Dispatch(_ context.Context, cmd Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last[cmd.SessionID] = cmd
	return nil
}

// Get returns the last command sent to sessionID.
func (l *Latest) Get(sessionID string) (Command, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cmd, ok := l.last[sessionID]
	return cmd, ok
}

// Forget drops a session's entry.
func (l *Latest) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.last, sessionID)
}

// #endregion latest

// #region fanout
// Fanout sends to every dispatcher in order and reports the first error.
type Fanout []Dispatcher

func (f Fanout) Dispatch(ctx context.Context, cmd Command) error {
	var first error
	for _, d := range f {
		if err := d.Dispatch(ctx, cmd); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// #endregion fanout

// #region async
// Async hands commands to next off the caller's goroutine with a deadline.
// Each session has one delivery lane: commands reach next in issue order,
// and a command still waiting when a newer one arrives is dropped, so a
// slow delivery can never land after its successor. Dispatch always returns
// nil; failures are logged here and not retried.
type Async struct {
	next    Dispatcher
	timeout time.Duration

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

type lane struct {
	pending *queued
	last    time.Time // IssuedAt of the newest command accepted
}

type queued struct {
	ctx context.Context
	cmd Command
}

// NewAsync wraps next. A zero timeout means one second.
func NewAsync(next Dispatcher, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Async{next: next, timeout: timeout, lanes: make(map[string]*lane)}
}

func (a *Async) Dispatch(ctx context.Context, cmd Command) error {
	// Detach from the request: the decision is already made.
	q := &queued{ctx: context.WithoutCancel(ctx), cmd: cmd}

	a.mu.Lock()
	defer a.mu.Unlock()
	l, running := a.lanes[cmd.SessionID]
	if !running {
		l = &lane{}
		a.lanes[cmd.SessionID] = l
	}
	if cmd.IssuedAt.Before(l.last) {
		log.Printf("[DISPATCH] session=%s decision=%s dropped: older than a command already sent", cmd.SessionID, cmd.DecisionID)
		return nil
	}
	l.last = cmd.IssuedAt
	if l.pending != nil {
		log.Printf("[DISPATCH] session=%s decision=%s superseded by %s before delivery",
			cmd.SessionID, l.pending.cmd.DecisionID, cmd.DecisionID)
	}
	l.pending = q
	if !running {
		a.wg.Add(1)
		go a.drain(cmd.SessionID, l)
	}
	return nil
}

// drain delivers a lane's pending command until none is left, then retires
// the lane.
func (a *Async) drain(sessionID string, l *lane) {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		q := l.pending
		if q == nil {
			delete(a.lanes, sessionID)
			a.mu.Unlock()
			return
		}
		l.pending = nil
		a.mu.Unlock()
		a.deliver(q)
	}
}

func (a *Async) deliver(q *queued) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[DISPATCH] session=%s decision=%s panic: %v", q.cmd.SessionID, q.cmd.DecisionID, r)
		}
	}()
	ctx, cancel := context.WithTimeout(q.ctx, a.timeout)
	defer cancel()
	if err := a.next.Dispatch(ctx, q.cmd); err != nil {
		log.Printf("[DISPATCH] session=%s decision=%s failed: %v", q.cmd.SessionID, q.cmd.DecisionID, err)
	}
}

// Wait blocks until in-flight dispatches finish or ctx is done.
func (a *Async) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch wait: %w", ctx.Err())
	}
}

// #endregion async
