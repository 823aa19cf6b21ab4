package audit

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/cipher"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/logging"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/policy"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/signals"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/state"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// #region helpers
func setup(t *testing.T) *sql.DB {
	t.Helper()
	s, err := state.NewStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s.DB()
}

func keyring(t *testing.T) *cipher.Keyring {
	t.Helper()
	k, err := cipher.NewKeyring(map[string][]byte{"k1": bytes.Repeat([]byte{7}, 32)}, "k1", cipher.AES256GCM)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return k
}

func fastConfig(spool string) Config {
	return Config{
		SpoolPath:       spool,
		MaxTries:        3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func newRecorder(t *testing.T, db *sql.DB, cfg Config) *Recorder {
	t.Helper()
	r, err := NewRecorder(db, keyring(t), cfg)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Close(ctx)
	})
	return r
}

func entry(session string, i int) Entry {
	in := signals.DecisionInput{
		HeartRateBPM:     signals.Some(135),
		HSIScore:         signals.Some(30),
		RhythmClass:      signals.RhythmTachycardia,
		RhythmConfidence: signals.Some(0.8),
		ReceivedAt:       t0.Add(time.Duration(i) * time.Second),
	}
	c := signals.Completeness{Kind: signals.KindComplete}
	out := policy.Evaluate(in, c, state.Initial(), policy.DefaultConfig())
	return Entry{
		SessionID:    session,
		DecisionID:   fmt.Sprintf("%s-%d", session, i),
		Timestamp:    in.ReceivedAt,
		Input:        in,
		Completeness: c,
		PriorState:   state.Initial(),
		Outcome:      out,
		Thresholds:   policy.DefaultConfig(),
	}
}

func flush(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

// #endregion helpers

// #region record-tests
func TestRecordPersistsSealedRow(t *testing.T) {
	db := setup(t)
	r := newRecorder(t, db, fastConfig(""))

	seq, err := r.Record(context.Background(), entry("dev-1", 1))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected first sequence 1, got %d", seq)
	}
	flush(t, r)

	rec, err := logging.GetDecision(db, seq)
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if rec.PacingMode != "emergency" || !rec.PacingEnabled || rec.KeyID != "k1" {
		t.Fatalf("unexpected plaintext columns %+v", rec)
	}
	for name, col := range map[string][]byte{
		"rhythm_class": rec.RhythmClass, "rationale": rec.Rationale, "full_payload": rec.FullPayload,
	} {
		if bytes.Contains(col, []byte("tachycardia")) {
			t.Errorf("%s stored in plaintext", name)
		}
	}

	opened, err := Open(keyring(t), rec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened.RhythmClass != "tachycardia" || opened.HSIScore != "30" {
		t.Errorf("unexpected opened fields %+v", opened)
	}
	if opened.Rationale != policy.RationaleUnstableTachy {
		t.Errorf("unexpected rationale %q", opened.Rationale)
	}
	if opened.Trace.SequenceID != seq || opened.Trace.Command.PacingMode != policy.PacingEmergency {
		t.Errorf("unexpected trace %+v", opened.Trace)
	}
	if opened.Trace.Thresholds.RecoveryThreshold != 3 {
		t.Error("expected thresholds captured in trace")
	}
}

func TestSealedFieldsAreBoundToTheirRow(t *testing.T) {
	db := setup(t)
	r := newRecorder(t, db, fastConfig(""))
	r.Record(context.Background(), entry("dev-1", 1))
	r.Record(context.Background(), entry("dev-1", 2))
	flush(t, r)

	a, _ := logging.GetDecision(db, 1)
	b, _ := logging.GetDecision(db, 2)
	a.Rationale = b.Rationale
	if _, err := Open(keyring(t), a); err == nil {
		t.Fatal("expected ciphertext moved between rows to fail authentication")
	}
}

func TestSequenceStrictlyIncreasingAcrossSessions(t *testing.T) {
	db := setup(t)
	r := newRecorder(t, db, fastConfig(""))

	const sessions, perSession = 8, 50
	var wg sync.WaitGroup
	results := make([][]uint64, sessions)
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			id := fmt.Sprintf("dev-%d", s)
			for i := 0; i < perSession; i++ {
				seq, err := r.Record(context.Background(), entry(id, i))
				if err != nil {
					t.Errorf("Record: %v", err)
					return
				}
				results[s] = append(results[s], seq)
			}
		}(s)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for s, seqs := range results {
		for i, seq := range seqs {
			if seen[seq] {
				t.Fatalf("sequence %d assigned twice", seq)
			}
			seen[seq] = true
			if i > 0 && seq <= seqs[i-1] {
				t.Fatalf("session %d: sequence not increasing: %d after %d", s, seq, seqs[i-1])
			}
		}
	}
	for seq := uint64(1); seq <= sessions*perSession; seq++ {
		if !seen[seq] {
			t.Fatalf("gap at sequence %d", seq)
		}
	}

	flush(t, r)
	rows, err := logging.ListDecisions(db, logging.Query{})
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(rows) != sessions*perSession {
		t.Fatalf("expected %d rows, got %d", sessions*perSession, len(rows))
	}
}

func TestSequenceResumesAfterRestart(t *testing.T) {
	db := setup(t)
	r, _ := NewRecorder(db, keyring(t), fastConfig(""))
	r.Record(context.Background(), entry("dev-1", 1))
	r.Record(context.Background(), entry("dev-1", 2))
	r.Close(context.Background())

	r2 := newRecorder(t, db, fastConfig(""))
	seq, _ := r2.Record(context.Background(), entry("dev-1", 3))
	if seq != 3 {
		t.Fatalf("expected sequence to resume at 3, got %d", seq)
	}
}

func TestRecordAfterClose(t *testing.T) {
	db := setup(t)
	r, _ := NewRecorder(db, keyring(t), fastConfig(""))
	r.Close(context.Background())
	if _, err := r.Record(context.Background(), entry("dev-1", 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRecordsFormOneChain(t *testing.T) {
	db := setup(t)
	r, _ := NewRecorder(db, keyring(t), fastConfig(""))
	for i := 1; i <= 3; i++ {
		r.Record(context.Background(), entry(fmt.Sprintf("dev-%d", i%2), i))
	}
	r.Close(context.Background())

	// The chain carries on across a restart.
	r2 := newRecorder(t, db, fastConfig(""))
	r2.Record(context.Background(), entry("dev-1", 4))
	flush(t, r2)

	rows, err := logging.ListDecisions(db, logging.Query{})
	if err != nil || len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d (%v)", len(rows), err)
	}
	if rows[0].PrevHash != "" {
		t.Error("first row must not link to a predecessor")
	}
	if breaks := logging.CheckChain(rows); len(breaks) > 0 {
		t.Fatalf("unexpected chain breaks %v", breaks)
	}
}

func TestEditedPlaintextColumnIsDetected(t *testing.T) {
	db := setup(t)
	r := newRecorder(t, db, fastConfig(""))
	for i := 1; i <= 3; i++ {
		r.Record(context.Background(), entry("dev-1", i))
	}
	flush(t, r)

	if _, err := db.Exec(`DROP TRIGGER decision_log_no_update`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	if _, err := db.Exec(`UPDATE decision_log SET pacing_mode = 'monitor_only', pacing_enabled = 0 WHERE sequence_id = 2`); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec, _ := logging.GetDecision(db, 2)
	if _, err := OpenTrace(keyring(t), rec); err == nil {
		t.Fatal("expected payload to fail authentication after a column edit")
	}
	rows, _ := logging.ListDecisions(db, logging.Query{})
	breaks := logging.CheckChain(rows)
	if len(breaks) != 1 || breaks[0].SequenceID != 2 {
		t.Fatalf("expected chain break at seq 2, got %v", breaks)
	}

	// Relinking row 3 to cover a forged row 2 also breaks its payload.
	rec3, _ := logging.GetDecision(db, 3)
	forged, _ := logging.GetDecision(db, 2)
	forged.ChainHash = logging.ChainHash(forged)
	rec3.PrevHash = forged.ChainHash
	if _, err := OpenTrace(keyring(t), rec3); err == nil {
		t.Fatal("expected relinked row to fail authentication")
	}
}

// #endregion record-tests

// #region failure-tests
func TestStorageFailureDoesNotBlockAndSpools(t *testing.T) {
	db := setup(t)
	spool := filepath.Join(t.TempDir(), "spool", "audit.jsonl")
	r, err := NewRecorder(db, keyring(t), fastConfig(spool))
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	if _, err := db.Exec(`ALTER TABLE decision_log RENAME TO decision_log_offline`); err != nil {
		t.Fatalf("take table offline: %v", err)
	}

	start := time.Now()
	for i := 1; i <= 5; i++ {
		if _, err := r.Record(context.Background(), entry("dev-1", i)); err != nil {
			t.Fatalf("Record must not surface storage errors: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Record blocked on storage for %s", elapsed)
	}

	flush(t, r)
	st := r.Stats()
	if st.Spooled != 5 || st.Written != 0 {
		t.Fatalf("expected 5 spooled, got %+v", st)
	}
	if st.Failures == 0 {
		t.Error("expected failures to be counted")
	}
	r.Close(context.Background())

	if _, err := os.Stat(spool); err != nil {
		t.Fatalf("expected spool file: %v", err)
	}

	if _, err := db.Exec(`ALTER TABLE decision_log_offline RENAME TO decision_log`); err != nil {
		t.Fatalf("bring table back: %v", err)
	}

	r2 := newRecorder(t, db, fastConfig(spool))
	rows, _ := logging.ListDecisions(db, logging.Query{})
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows replayed from spool, got %d", len(rows))
	}
	if _, err := os.Stat(spool); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected spool removed after full drain, got %v", err)
	}

	seq, _ := r2.Record(context.Background(), entry("dev-1", 6))
	if seq != 6 {
		t.Fatalf("expected sequence 6 after replay, got %d", seq)
	}
}

func TestFailedWriteSpoolsWithoutPerRecordRetries(t *testing.T) {
	db := setup(t)
	spool := filepath.Join(t.TempDir(), "audit.jsonl")
	cfg := Config{SpoolPath: spool, MaxTries: 5, InitialInterval: 2 * time.Second, MaxInterval: 5 * time.Second}
	r := newRecorder(t, db, cfg)

	if _, err := db.Exec(`ALTER TABLE decision_log RENAME TO decision_log_offline`); err != nil {
		t.Fatalf("take table offline: %v", err)
	}

	start := time.Now()
	for i := 1; i <= 20; i++ {
		r.Record(context.Background(), entry("dev-1", i))
	}
	flush(t, r)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("records waited in memory for %s; expected them spooled on the first failure", elapsed)
	}
	st := r.Stats()
	if st.Spooled != 20 || st.Pending != 20 || st.Queued != 0 {
		t.Fatalf("expected every record on disk, got %+v", st)
	}
	recs, err := readSpool(spool)
	if err != nil || len(recs) != 20 {
		t.Fatalf("expected 20 spooled records, got %d (%v)", len(recs), err)
	}
}

func TestSpoolDrainsWhileRunning(t *testing.T) {
	db := setup(t)
	spool := filepath.Join(t.TempDir(), "audit.jsonl")
	r := newRecorder(t, db, fastConfig(spool))

	if _, err := db.Exec(`ALTER TABLE decision_log RENAME TO decision_log_offline`); err != nil {
		t.Fatalf("take table offline: %v", err)
	}
	for i := 1; i <= 5; i++ {
		r.Record(context.Background(), entry("dev-1", i))
	}
	flush(t, r)
	if st := r.Stats(); st.Pending != 5 {
		t.Fatalf("expected 5 pending, got %+v", st)
	}

	if _, err := db.Exec(`ALTER TABLE decision_log_offline RENAME TO decision_log`); err != nil {
		t.Fatalf("bring table back: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for r.Stats().Pending > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("spool never drained: %+v", r.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.Record(context.Background(), entry("dev-1", 6))
	flush(t, r)
	st := r.Stats()
	if st.Written != 6 || st.Pending != 0 {
		t.Fatalf("expected all 6 written after recovery, got %+v", st)
	}
	if _, err := os.Stat(spool); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected spool removed after drain, got %v", err)
	}
	rows, _ := logging.ListDecisions(db, logging.Query{})
	if breaks := logging.CheckChain(rows); len(rows) != 6 || len(breaks) > 0 {
		t.Fatalf("expected 6 chained rows, got %d rows, breaks %v", len(rows), breaks)
	}
}

func TestReadSpoolSkipsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	os.WriteFile(path, []byte(`{"SequenceID":4,"DecisionID":"d4"}`+"\n"+`{"SequenceID":5,"Deci`), 0o600)

	recs, err := readSpool(path)
	if err != nil {
		t.Fatalf("readSpool: %v", err)
	}
	if len(recs) != 1 || recs[0].SequenceID != 4 {
		t.Fatalf("expected only the intact record, got %+v", recs)
	}
}

// #endregion failure-tests
