package engine

// #region imports
import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/audit"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/dispatch"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/eval"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/policy"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/signals"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/state"
)

// #endregion

// #region config

// Config bundles the thresholds the engine runs with.
type Config struct {
	Policy            policy.Config
	Validator         signals.ValidatorConfig
	GatherTimeout     time.Duration // per-producer deadline in pull mode
	CheckpointTimeout time.Duration // cap on the state write inside the session lock
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Policy:            policy.DefaultConfig(),
		Validator:         signals.DefaultValidatorConfig(),
		GatherTimeout:     250 * time.Millisecond,
		CheckpointTimeout: 200 * time.Millisecond,
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if c.GatherTimeout <= 0 || c.GatherTimeout > c.Validator.Freshness {
		return fmt.Errorf("gather timeout %s must be in (0, %s]", c.GatherTimeout, c.Validator.Freshness)
	}
	if c.CheckpointTimeout <= 0 {
		return fmt.Errorf("checkpoint timeout must be positive")
	}
	return nil
}

// #endregion

// #region collaborators

// Recorder persists decision records without blocking.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry) (uint64, error)
}

// Checkpointer persists live session state. Optional.
type Checkpointer interface {
	Checkpoint(ctx context.Context, sessionID string, st state.SystemState, registeredAt time.Time) error
	ActiveSessions() (map[string]state.SystemState, error)
	Archive(a state.ArchivedSession) error
}

// Deps are the engine's collaborators. Gatherer, Store, Recorder and
// Dispatcher may be nil.
type Deps struct {
	Table      *state.Table
	Gatherer   *signals.Gatherer
	Store      Checkpointer
	Recorder   Recorder
	Dispatcher dispatch.Dispatcher
	Now        func() time.Time
	NewID      func() string
}

// #endregion

// #region engine-struct

// Engine runs the decision pipeline for every registered session:
// gather → validate → evaluate → guard → record → dispatch.
type Engine struct {
	cfg        Config
	table      *state.Table
	gatherer   *signals.Gatherer
	store      Checkpointer
	recorder   Recorder
	dispatcher dispatch.Dispatcher
	guard      *eval.EvalHarness
	now        func() time.Time
	newID      func() string

	tracer    trace.Tracer
	decisions metric.Int64Counter
	failSafes metric.Int64Counter
}

// Decision is what a caller gets back from one decision cycle.
type Decision struct {
	DecisionID   string               `json:"decision_id"`
	SessionID    string               `json:"session_id"`
	SequenceID   uint64               `json:"sequence_id,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
	Payload      policy.Payload       `json:"payload"`
	Rule         policy.Rule          `json:"rule"`
	Detail       string               `json:"detail,omitempty"`
	Checks       policy.SafetyChecks  `json:"safety_checks"`
	Completeness signals.Completeness `json:"completeness"`
	State        state.SystemState    `json:"state"`
	FailSafe     bool                 `json:"fail_safe,omitempty"`
}

// #endregion

// #region constructor

// New wires an engine. Table is required.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if deps.Table == nil {
		return nil, fmt.Errorf("engine: state table is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatch.Log{}
	}

	e := &Engine{
		cfg:        cfg,
		table:      deps.Table,
		gatherer:   deps.Gatherer,
		store:      deps.Store,
		recorder:   deps.Recorder,
		dispatcher: deps.Dispatcher,
		guard: eval.NewEvalHarness(eval.EvalConfig{
			MinRateBPM:     cfg.Policy.MinRateBPM,
			MaxRateBPM:     cfg.Policy.MaxRateBPM,
			MaxAmplitudeMA: cfg.Policy.MaxAmplitudeMA,
		}),
		now:    deps.Now,
		newID:  deps.NewID,
		tracer: otel.Tracer("github.com/danielpatrickdp/pulsemind/control-engine/internal/engine"),
	}

	meter := otel.Meter("github.com/danielpatrickdp/pulsemind/control-engine/internal/engine")
	e.decisions, _ = meter.Int64Counter("engine.decisions",
		metric.WithDescription("Decisions made, by matched rule and resulting mode"))
	e.failSafes, _ = meter.Int64Counter("engine.fail_safe",
		metric.WithDescription("Commands replaced by the fail-safe command after an invariant check failed"))
	return e, nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config { return e.cfg }

// #endregion

// #region sessions

// Register starts a new session in NORMAL mode.
func (e *Engine) Register(ctx context.Context, sessionID string) (state.SystemState, error) {
	at := e.now()
	st, err := e.table.Register(sessionID, at)
	if err != nil {
		return state.SystemState{}, err
	}
	e.checkpoint(ctx, sessionID, st, at)
	log.Printf("[ENGINE] session=%s registered", sessionID)
	return st, nil
}

// Restore reloads checkpointed sessions after a restart.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	active, err := e.store.ActiveSessions()
	if err != nil {
		return 0, fmt.Errorf("restore sessions: %w", err)
	}
	at := e.now()
	n := 0
	for id, st := range active {
		if err := e.table.Restore(id, st, at); err != nil {
			log.Printf("[ENGINE] session=%s restore skipped: %v", id, err)
			continue
		}
		n++
		log.Printf("[ENGINE] session=%s restored mode=%s stable=%d", id, st.Mode, st.ConsecutiveStableCount)
	}
	return n, nil
}

// End archives a session. An in-flight decision finishes first.
func (e *Engine) End(ctx context.Context, sessionID string) (state.ArchivedSession, error) {
	a, err := e.table.End(sessionID, e.now())
	if err != nil {
		return state.ArchivedSession{}, err
	}
	if e.store != nil {
		if err := e.store.Archive(a); err != nil {
			log.Printf("[ENGINE] session=%s archive failed: %v", sessionID, err)
		}
	}
	log.Printf("[ENGINE] session=%s ended mode=%s decisions=%d", sessionID, a.State.Mode, a.Decisions)
	return a, nil
}

// State returns a copy of the session's state.
func (e *Engine) State(sessionID string) (state.SystemState, error) {
	return e.table.Get(sessionID)
}

// Sessions lists registered session ids.
func (e *Engine) Sessions() []string {
	return e.table.Sessions()
}

// #endregion

// #region decide

// Decide pulls fresh input from the producers and runs one decision cycle.
// It fails only for an unknown session; every input problem becomes a
// monitor-only command.
func (e *Engine) Decide(ctx context.Context, sessionID string) (Decision, error) {
	return e.decide(ctx, sessionID, func(ctx context.Context) signals.RawInputs {
		if e.gatherer == nil {
			return signals.RawInputs{
				Features: signals.Missing[signals.FeatureRecord]("producer not configured"),
				HSI:      signals.Missing[signals.HSIRecord]("producer not configured"),
				Rhythm:   signals.Missing[signals.RhythmRecord]("producer not configured"),
			}
		}
		return e.gatherer.Gather(ctx, sessionID)
	})
}

// DecidePush runs one decision cycle on producer responses supplied by the
// caller.
func (e *Engine) DecidePush(ctx context.Context, sessionID string, raw signals.RawInputs) (Decision, error) {
	return e.decide(ctx, sessionID, func(context.Context) signals.RawInputs { return raw })
}

func (e *Engine) decide(ctx context.Context, sessionID string, gather func(context.Context) signals.RawInputs) (Decision, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Decide", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	var d Decision
	_, err := e.table.Apply(sessionID, func(cur state.SystemState) state.SystemState {
		d = e.evaluate(ctx, sessionID, cur, gather(ctx))
		return d.State
	})
	if err != nil {
		span.RecordError(err)
		return Decision{}, err
	}

	span.SetAttributes(
		attribute.String("decision.id", d.DecisionID),
		attribute.Int("decision.rule", int(d.Rule)),
		attribute.String("decision.mode", string(d.Payload.SystemMode)),
		attribute.Bool("decision.fail_safe", d.FailSafe),
	)
	e.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule", d.Rule.String()),
		attribute.String("mode", string(d.Payload.SystemMode)),
	))
	return d, nil
}

// evaluate runs under the session lock. Recording happens here so sequence
// ids follow each session's decision order.
func (e *Engine) evaluate(ctx context.Context, sessionID string, cur state.SystemState, raw signals.RawInputs) Decision {
	now := e.now()
	in, c := signals.Validate(raw, now, e.cfg.Validator)
	out := policy.Evaluate(in, c, cur, e.cfg.Policy)

	res := e.guard.Run(cur, c, out)
	if !res.Passed {
		log.Printf("[ENGINE] session=%s rule=%s %s; issuing fail-safe command", sessionID, out.Rule, res.Reason)
		e.failSafes.Add(ctx, 1)
		out.Command = policy.FailSafe(e.cfg.Policy)
		out.Next = state.SystemState{Mode: state.ModeSafe, LastDecisionAt: in.ReceivedAt}
		out.Rationale = policy.RationaleFailSafe
		out.Detail = res.Reason
	}

	d := Decision{
		DecisionID:   e.newID(),
		SessionID:    sessionID,
		Timestamp:    now,
		Payload:      out.Payload(),
		Rule:         out.Rule,
		Detail:       out.Detail,
		Checks:       out.Checks,
		Completeness: c,
		State:        out.Next,
		FailSafe:     !res.Passed,
	}

	if e.recorder != nil {
		seq, err := e.recorder.Record(ctx, audit.Entry{
			SessionID:    sessionID,
			DecisionID:   d.DecisionID,
			Timestamp:    now,
			Input:        in,
			Completeness: c,
			PriorState:   cur,
			Outcome:      out,
			Thresholds:   e.cfg.Policy,
			FailSafe:     !res.Passed,
			Violations:   res.Violations,
		})
		if err != nil {
			log.Printf("[ENGINE] session=%s decision=%s audit record failed: %v", sessionID, d.DecisionID, err)
		}
		d.SequenceID = seq
	}

	if err := e.dispatcher.Dispatch(ctx, dispatch.Command{
		SessionID:  sessionID,
		DecisionID: d.DecisionID,
		SequenceID: d.SequenceID,
		IssuedAt:   now,
		Payload:    d.Payload,
	}); err != nil {
		log.Printf("[ENGINE] session=%s decision=%s dispatch failed: %v", sessionID, d.DecisionID, err)
	}

	if cur.Mode != out.Next.Mode {
		log.Printf("[ENGINE] session=%s mode %s → %s (%s)", sessionID, cur.Mode, out.Next.Mode, out.Rule)
	}

	e.checkpoint(ctx, sessionID, out.Next, time.Time{})
	return d
}

// #endregion

// #region checkpoint

// checkpoint runs inside the session lock, so it is bounded: a lost write is
// logged and the next decision's checkpoint supersedes it.
func (e *Engine) checkpoint(ctx context.Context, sessionID string, st state.SystemState, registeredAt time.Time) {
	if e.store == nil {
		return
	}
	if registeredAt.IsZero() {
		// Only used on first insert; an existing row keeps its value.
		registeredAt = e.now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CheckpointTimeout)
	defer cancel()
	if err := e.store.Checkpoint(ctx, sessionID, st, registeredAt); err != nil {
		log.Printf("[ENGINE] session=%s checkpoint failed: %v", sessionID, err)
	}
}

// #endregion
