package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/cipher"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/logging"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/policy"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/signals"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/state"
)

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("audit recorder closed")

// #region config
// Config controls write retries and the local spool.
//
// With a spool, a record whose write fails is appended to the spool at once
// and later records follow it there until the spool drains; the spool is
// retried on an exponential schedule between InitialInterval and
// MaxInterval. Without a spool, each record gets MaxTries attempts and is
// then dropped.
type Config struct {
	SpoolPath       string        // JSONL file for records that could not be written; "" disables spooling
	MaxTries        uint          // attempts per record when no spool is configured
	InitialInterval time.Duration // first retry delay
	MaxInterval     time.Duration // cap on retry delay
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxTries:        5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// #endregion config

// #region entry
// Entry is everything recorded about one decision.
type Entry struct {
	SessionID    string
	DecisionID   string
	Timestamp    time.Time
	Input        signals.DecisionInput
	Completeness signals.Completeness
	PriorState   state.SystemState
	Outcome      policy.Outcome
	Thresholds   policy.Config
	FailSafe     bool
	Violations   []string
}

// #endregion entry

// #region recorder
// Recorder seals decision records and persists them off the decision path.
// Record assigns the sequence id and enqueues; a single writer goroutine
// drains the queue into the decision_log table.
type Recorder struct {
	db     *sql.DB
	sealer cipher.Sealer
	cfg    Config

	mu        sync.Mutex
	cond      *sync.Cond
	seq       uint64
	lastChain string
	queue     []logging.DecisionRecord
	writing   int
	closed    bool
	drainDue  bool
	done      chan struct{}

	// Owned by the writer goroutine once run starts.
	pending    int
	drainTimer *time.Timer
	retry      *backoff.ExponentialBackOff

	spoolMu sync.Mutex

	written      atomic.Uint64
	spooled      atomic.Uint64
	failures     atomic.Uint64
	pendingGauge atomic.Int64

	mWritten  metric.Int64Counter
	mFailures metric.Int64Counter
	mSpooled  metric.Int64Counter
}

// Stats is a snapshot of recorder counters.
type Stats struct {
	LastSequence uint64 `json:"last_sequence"`
	Queued       int    `json:"queued"`
	Written      uint64 `json:"written"`
	Spooled      uint64 `json:"spooled"`
	Pending      int    `json:"pending"` // spooled and not yet written
	Failures     uint64 `json:"failures"`
}

// NewRecorder replays any spooled records, seeds the sequence and the hash
// chain from the highest id already persisted or spooled, and starts the
// writer.
func NewRecorder(db *sql.DB, sealer cipher.Sealer, cfg Config) (*Recorder, error) {
	if sealer == nil {
		return nil, fmt.Errorf("audit: sealer is required")
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 1
	}

	r := &Recorder{db: db, sealer: sealer, cfg: cfg, done: make(chan struct{})}
	r.cond = sync.NewCond(&r.mu)
	r.retry = backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		r.retry.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		r.retry.MaxInterval = cfg.MaxInterval
	}

	meter := otel.Meter("github.com/danielpatrickdp/pulsemind/control-engine/internal/audit")
	r.mWritten, _ = meter.Int64Counter("audit.records.written",
		metric.WithDescription("Decision records persisted to the audit log"))
	r.mFailures, _ = meter.Int64Counter("audit.write.failures",
		metric.WithDescription("Audit write attempts that failed"))
	r.mSpooled, _ = meter.Int64Counter("audit.records.spooled",
		metric.WithDescription("Decision records moved to the local spool after a failed write"))

	spoolLast, err := r.drainSpool()
	if err != nil {
		return nil, err
	}
	dbMax, err := logging.MaxSequence(db)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	switch {
	case spoolLast.SequenceID > dbMax:
		r.seq, r.lastChain = spoolLast.SequenceID, spoolLast.ChainHash
	case dbMax > 0:
		last, err := logging.GetDecision(db, dbMax)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		r.seq, r.lastChain = last.SequenceID, last.ChainHash
	}
	if r.pending > 0 {
		r.scheduleDrain()
	}

	go r.run()
	return r, nil
}

// #endregion recorder

// #region record
// Record seals e, assigns it the next sequence id and queues it for
// persistence. It never waits on storage. The sequence id is strictly
// increasing across all sessions.
func (r *Recorder) Record(ctx context.Context, e Entry) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}

	seq := r.seq + 1
	rec, err := r.seal(seq, r.lastChain, e)
	if err != nil {
		r.failures.Add(1)
		r.mFailures.Add(ctx, 1)
		return 0, fmt.Errorf("audit seal %s: %w", e.DecisionID, err)
	}
	r.seq = seq
	r.lastChain = rec.ChainHash
	r.queue = append(r.queue, rec)
	r.cond.Signal()
	return seq, nil
}

// seal encrypts the sensitive fields and links the record to prevHash. The
// payload's additional data carries the digest of every plaintext column,
// so those columns are authenticated along with it.
func (r *Recorder) seal(seq uint64, prevHash string, e Entry) (logging.DecisionRecord, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	trace := logging.DecisionTrace{
		SequenceID:   seq,
		DecisionID:   e.DecisionID,
		SessionID:    e.SessionID,
		Timestamp:    e.Timestamp,
		Input:        e.Input,
		Completeness: e.Completeness,
		PriorState:   e.PriorState,
		Command:      e.Outcome.Command,
		NextState:    e.Outcome.Next,
		Rule:         int(e.Outcome.Rule),
		Rationale:    e.Outcome.Rationale,
		Detail:       e.Outcome.Detail,
		Checks:       e.Outcome.Checks,
		Thresholds:   e.Thresholds,
		FailSafe:     e.FailSafe,
		Violations:   e.Violations,
	}
	payload, err := json.Marshal(trace)
	if err != nil {
		return logging.DecisionRecord{}, fmt.Errorf("marshal trace: %w", err)
	}

	hsi := ""
	if e.Input.HSIScore.Present {
		hsi = strconv.FormatFloat(e.Input.HSIScore.Value, 'f', -1, 64)
	}

	rec := logging.DecisionRecord{
		SequenceID:    seq,
		DecisionID:    e.DecisionID,
		SessionID:     e.SessionID,
		Timestamp:     e.Timestamp,
		SystemMode:    string(e.Outcome.Next.Mode),
		PacingMode:    string(e.Outcome.Command.PacingMode),
		PacingEnabled: e.Outcome.Command.PacingEnabled,
		TargetRateBPM: e.Outcome.Command.TargetRateBPM,
		Rule:          int(e.Outcome.Rule),
		KeyID:         r.sealer.ActiveKeyID(),
		PrevHash:      prevHash,
	}
	fields := []struct {
		name  string
		plain []byte
		dst   *[]byte
	}{
		{fieldRhythmClass, []byte(e.Input.RhythmClass), &rec.RhythmClass},
		{fieldHSIScore, []byte(hsi), &rec.HSIScore},
		{fieldRationale, []byte(e.Outcome.Rationale), &rec.Rationale},
		{fieldPayload, payload, &rec.FullPayload},
	}
	for _, f := range fields {
		keyID, sealed, err := r.sealer.Seal(f.plain, fieldAAD(rec, f.name))
		if err != nil {
			return logging.DecisionRecord{}, fmt.Errorf("seal %s: %w", f.name, err)
		}
		if keyID != rec.KeyID {
			return logging.DecisionRecord{}, fmt.Errorf("seal %s: sealed under %q, expected %q", f.name, keyID, rec.KeyID)
		}
		*f.dst = sealed
	}
	rec.ChainHash = logging.ChainHash(rec)
	return rec, nil
}

// #endregion record

// #region writer
func (r *Recorder) run() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed && !r.drainDue {
			r.cond.Wait()
		}
		drain := r.drainDue
		r.drainDue = false
		if len(r.queue) == 0 && r.closed {
			r.mu.Unlock()
			r.stopDrain()
			if r.pending > 0 {
				// Last chance before exit; what remains is drained on next start.
				if _, err := r.drainSpool(); err != nil {
					log.Printf("[AUDIT] spool drain: %v", err)
				}
			}
			return
		}
		batch := r.queue
		r.queue = nil
		r.writing = len(batch)
		r.mu.Unlock()

		if drain {
			r.retrySpool()
		}
		for _, rec := range batch {
			r.write(rec)
			r.mu.Lock()
			r.writing--
			r.mu.Unlock()
		}
	}
}

func (r *Recorder) write(rec logging.DecisionRecord) {
	ctx := context.Background()
	if r.cfg.SpoolPath == "" {
		r.writeOrDrop(ctx, rec)
		return
	}

	// Records follow earlier ones into the spool until it drains; storage
	// is retried on the drain schedule, not per record.
	if r.pending == 0 {
		_, err := logging.LogDecision(r.db, rec)
		if err == nil {
			r.written.Add(1)
			r.mWritten.Add(ctx, 1)
			return
		}
		r.failures.Add(1)
		r.mFailures.Add(ctx, 1)
		log.Printf("[AUDIT] write seq=%d failed, spooling: %v", rec.SequenceID, err)
	}

	if err := r.spool(rec); err != nil {
		log.Printf("[AUDIT] spool seq=%d failed, record lost: %v", rec.SequenceID, err)
		return
	}
	r.spooled.Add(1)
	r.mSpooled.Add(ctx, 1)
	r.setPending(r.pending + 1)
	if r.pending == 1 {
		r.retry.Reset()
		r.scheduleDrain()
	}
}

func (r *Recorder) writeOrDrop(ctx context.Context, rec logging.DecisionRecord) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialInterval
	b.MaxInterval = r.retry.MaxInterval

	_, err := backoff.Retry(ctx, func() (bool, error) {
		return logging.LogDecision(r.db, rec)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.failures.Add(1)
			r.mFailures.Add(ctx, 1)
			log.Printf("[AUDIT] write seq=%d failed, retrying in %s: %v", rec.SequenceID, next, err)
		}),
	)
	if err == nil {
		r.written.Add(1)
		r.mWritten.Add(ctx, 1)
		return
	}
	r.failures.Add(1)
	r.mFailures.Add(ctx, 1)
	log.Printf("[AUDIT] dropping seq=%d after %d attempts (no spool configured): %v", rec.SequenceID, r.cfg.MaxTries, err)
}

// retrySpool drains the spool and reschedules itself while records remain.
func (r *Recorder) retrySpool() {
	if _, err := r.drainSpool(); err != nil {
		log.Printf("[AUDIT] spool drain: %v", err)
	}
	if r.pending > 0 {
		r.failures.Add(1)
		r.mFailures.Add(context.Background(), 1)
		r.scheduleDrain()
		return
	}
	r.retry.Reset()
}

func (r *Recorder) scheduleDrain() {
	next := r.retry.NextBackOff()
	if next == backoff.Stop {
		next = r.retry.MaxInterval
	}
	r.stopDrain()
	r.drainTimer = time.AfterFunc(next, func() {
		r.mu.Lock()
		r.drainDue = true
		r.cond.Signal()
		r.mu.Unlock()
	})
}

func (r *Recorder) stopDrain() {
	if r.drainTimer != nil {
		r.drainTimer.Stop()
		r.drainTimer = nil
	}
}

func (r *Recorder) setPending(n int) {
	r.pending = n
	r.pendingGauge.Store(int64(n))
}

// #endregion writer

// #region lifecycle
// Flush waits until every queued record has been written or spooled.
// Spooled records are left to the drain schedule.
func (r *Recorder) Flush(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		r.mu.Lock()
		idle := len(r.queue) == 0 && r.writing == 0
		r.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Close stops accepting records and waits for the queue to drain.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.cond.Broadcast()
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit close: %w", ctx.Err())
	}
}

// Stats returns current counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		LastSequence: r.seq,
		Queued:       len(r.queue) + r.writing,
		Written:      r.written.Load(),
		Spooled:      r.spooled.Load(),
		Pending:      int(r.pendingGauge.Load()),
		Failures:     r.failures.Load(),
	}
}

// #endregion lifecycle
