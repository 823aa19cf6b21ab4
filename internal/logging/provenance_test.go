package logging

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/state"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	s, err := state.NewStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s.DB()
}

func record(seq uint64, session string) DecisionRecord {
	rec := DecisionRecord{
		SequenceID:    seq,
		DecisionID:    session + "-" + string(rune('a'+seq)),
		SessionID:     session,
		Timestamp:     time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
		SystemMode:    "NORMAL",
		PacingMode:    "monitor_only",
		TargetRateBPM: 75,
		Rule:          7,
		KeyID:         "k1",
		RhythmClass:   []byte{0x01},
		HSIScore:      []byte{0x02},
		Rationale:     []byte{0x03},
		FullPayload:   []byte{0x04, 0x05},
	}
	rec.ChainHash = ChainHash(rec)
	return rec
}

// chain links records in order the way the recorder does.
func chain(recs ...DecisionRecord) []DecisionRecord {
	prev := ""
	for i := range recs {
		recs[i].PrevHash = prev
		recs[i].ChainHash = ChainHash(recs[i])
		prev = recs[i].ChainHash
	}
	return recs
}

// #endregion helpers

// #region log-decision-tests
func TestLogDecision_Success(t *testing.T) {
	db := setupDB(t)

	inserted, err := LogDecision(db, record(1, "dev-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inserted {
		t.Fatal("expected row to be inserted")
	}

	got, err := GetDecision(db, 1)
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if got.SessionID != "dev-1" || got.PacingMode != "monitor_only" || got.Rule != 7 {
		t.Errorf("unexpected record %+v", got)
	}
	if string(got.FullPayload) != "\x04\x05" {
		t.Errorf("payload bytes not preserved: %x", got.FullPayload)
	}
	if !got.Timestamp.Equal(time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)) {
		t.Errorf("unexpected timestamp %v", got.Timestamp)
	}
}

func TestLogDecision_Idempotent(t *testing.T) {
	db := setupDB(t)

	LogDecision(db, record(1, "dev-1"))
	inserted, err := LogDecision(db, record(1, "dev-1"))
	if err != nil {
		t.Fatalf("replay should not error: %v", err)
	}
	if inserted {
		t.Fatal("duplicate sequence id must not insert")
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM decision_log").Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}
}

func TestLogDecision_RequiresSequence(t *testing.T) {
	db := setupDB(t)
	if _, err := LogDecision(db, record(0, "dev-1")); err == nil {
		t.Fatal("expected error for zero sequence id")
	}
}

func TestLogDecision_RequiresTimestampAndChainHash(t *testing.T) {
	db := setupDB(t)
	rec := record(3, "dev-1")
	rec.Timestamp = time.Time{}
	if _, err := LogDecision(db, rec); err == nil {
		t.Fatal("expected error for zero timestamp: it is part of the chained columns")
	}

	rec = record(3, "dev-1")
	rec.ChainHash = ""
	if _, err := LogDecision(db, rec); err == nil {
		t.Fatal("expected error for missing chain hash")
	}
}

func TestLogDecision_ChainSurvivesStorage(t *testing.T) {
	db := setupDB(t)
	for _, rec := range chain(record(1, "dev-1"), record(2, "dev-2"), record(3, "dev-1")) {
		if _, err := LogDecision(db, rec); err != nil {
			t.Fatalf("LogDecision: %v", err)
		}
	}
	rows, err := ListDecisions(db, Query{})
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if breaks := CheckChain(rows); len(breaks) > 0 {
		t.Fatalf("stored rows no longer chain: %v", breaks)
	}
}

// #endregion log-decision-tests

// #region read-tests
func TestMaxSequence(t *testing.T) {
	db := setupDB(t)

	max, err := MaxSequence(db)
	if err != nil || max != 0 {
		t.Fatalf("expected 0 on empty log, got %d, %v", max, err)
	}

	for _, seq := range []uint64{1, 2, 5} {
		LogDecision(db, record(seq, "dev-1"))
	}
	max, _ = MaxSequence(db)
	if max != 5 {
		t.Errorf("expected 5, got %d", max)
	}
}

func TestGetDecision_NotFound(t *testing.T) {
	db := setupDB(t)
	if _, err := GetDecision(db, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListDecisions(t *testing.T) {
	db := setupDB(t)
	for seq := uint64(1); seq <= 6; seq++ {
		session := "dev-1"
		if seq%2 == 0 {
			session = "dev-2"
		}
		LogDecision(db, record(seq, session))
	}

	all, err := ListDecisions(db, Query{})
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].SequenceID <= all[i-1].SequenceID {
			t.Fatal("expected ascending sequence order")
		}
	}

	dev2, _ := ListDecisions(db, Query{SessionID: "dev-2"})
	if len(dev2) != 3 {
		t.Errorf("expected 3 for dev-2, got %d", len(dev2))
	}

	after, _ := ListDecisions(db, Query{AfterSequence: 4})
	if len(after) != 2 || after[0].SequenceID != 5 {
		t.Errorf("unexpected after-filter result %+v", after)
	}

	newest, _ := ListDecisions(db, Query{Newest: true, Limit: 2})
	if len(newest) != 2 || newest[0].SequenceID != 6 {
		t.Errorf("unexpected newest result %+v", newest)
	}
}

// #endregion read-tests
