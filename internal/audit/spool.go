package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/logging"
)

// #region spool
// spool appends a sealed record to the JSONL spool. Records are already
// encrypted, so the spool holds no plaintext.
func (r *Recorder) spool(rec logging.DecisionRecord) error {
	r.spoolMu.Lock()
	defer r.spoolMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.cfg.SpoolPath), 0o700); err != nil {
		return fmt.Errorf("spool dir: %w", err)
	}
	f, err := os.OpenFile(r.cfg.SpoolPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal spool record: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write spool: %w", err)
	}
	return f.Sync()
}

// drainSpool replays spooled records into the database in sequence order.
// It stops at the first record that still fails, since storage is then
// still unavailable, and keeps that record and the rest in the spool. It
// returns the spooled record with the highest sequence id so new records
// never reuse its id and chain on from it.
func (r *Recorder) drainSpool() (logging.DecisionRecord, error) {
	var last logging.DecisionRecord
	if r.cfg.SpoolPath == "" {
		return last, nil
	}
	r.spoolMu.Lock()
	defer r.spoolMu.Unlock()

	recs, err := readSpool(r.cfg.SpoolPath)
	if err != nil {
		return last, err
	}
	if len(recs) == 0 {
		r.setPending(0)
		return last, nil
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].SequenceID < recs[j].SequenceID })
	last = recs[len(recs)-1]

	var remaining []logging.DecisionRecord
	replayed := 0
	for i, rec := range recs {
		inserted, err := logging.LogDecision(r.db, rec)
		if err != nil {
			remaining = recs[i:]
			log.Printf("[AUDIT] spool drain stopped at seq=%d: %v", rec.SequenceID, err)
			break
		}
		if inserted {
			replayed++
			r.written.Add(1)
			r.mWritten.Add(context.Background(), 1)
		}
	}

	if err := rewriteSpool(r.cfg.SpoolPath, remaining); err != nil {
		return last, err
	}
	r.setPending(len(remaining))
	log.Printf("[AUDIT] spool drained: %d replayed, %d already present, %d still pending",
		replayed, len(recs)-replayed-len(remaining), len(remaining))
	return last, nil
}

func readSpool(path string) ([]logging.DecisionRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()

	var out []logging.DecisionRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec logging.DecisionRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// A torn final line from a crash mid-write; everything before it is intact.
			log.Printf("[AUDIT] spool line %d unreadable, skipping: %v", line, err)
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	return out, nil
}

func rewriteSpool(path string, recs []logging.DecisionRecord) error {
	if len(recs) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove spool: %w", err)
		}
		return nil
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("rewrite spool: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			f.Close()
			return fmt.Errorf("rewrite spool: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("rewrite spool: %w", err)
	}
	return os.Rename(tmp, path)
}

// #endregion spool
