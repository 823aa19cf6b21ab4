package logging

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when no decision has the requested sequence id.
var ErrNotFound = errors.New("decision not found")

const columns = `sequence_id, decision_id, session_id, timestamp, system_mode, pacing_mode,
	pacing_enabled, target_rate_bpm, rule, key_id, rhythm_class, hsi_score, rationale, full_payload,
	prev_hash, chain_hash`

// #region log-decision
// LogDecision appends a sealed, chained record to the decision_log table.
// Writing the same sequence id twice is a no-op, so spooled records can be
// replayed safely. The returned bool reports whether a row was inserted.
func LogDecision(db *sql.DB, rec DecisionRecord) (bool, error) {
	if rec.SequenceID == 0 {
		return false, fmt.Errorf("log decision: sequence id is required")
	}
	if rec.ChainHash == "" {
		return false, fmt.Errorf("log decision %d: chain hash is required", rec.SequenceID)
	}
	if rec.Timestamp.IsZero() {
		return false, fmt.Errorf("log decision %d: timestamp is required", rec.SequenceID)
	}

	res, err := db.Exec(
		`INSERT OR IGNORE INTO decision_log (`+columns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(rec.SequenceID),
		rec.DecisionID,
		rec.SessionID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.SystemMode,
		rec.PacingMode,
		rec.PacingEnabled,
		rec.TargetRateBPM,
		rec.Rule,
		rec.KeyID,
		rec.RhythmClass,
		rec.HSIScore,
		rec.Rationale,
		rec.FullPayload,
		rec.PrevHash,
		rec.ChainHash,
	)
	if err != nil {
		return false, fmt.Errorf("log decision %d: %w", rec.SequenceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("log decision %d: %w", rec.SequenceID, err)
	}
	return n == 1, nil
}

// #endregion log-decision

// #region read
// MaxSequence returns the highest persisted sequence id, or 0 when empty.
func MaxSequence(db *sql.DB) (uint64, error) {
	var max sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(sequence_id) FROM decision_log`).Scan(&max); err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

// GetDecision loads one record by sequence id.
func GetDecision(db *sql.DB, seq uint64) (DecisionRecord, error) {
	row := db.QueryRow(`SELECT `+columns+` FROM decision_log WHERE sequence_id = ?`, int64(seq))
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DecisionRecord{}, fmt.Errorf("sequence %d: %w", seq, ErrNotFound)
	}
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("get decision %d: %w", seq, err)
	}
	return rec, nil
}

// ListDecisions returns records matching q.
func ListDecisions(db *sql.DB, q Query) ([]DecisionRecord, error) {
	var where []string
	var args []interface{}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.AfterSequence > 0 {
		where = append(where, "sequence_id > ?")
		args = append(args, int64(q.AfterSequence))
	}

	query := `SELECT ` + columns + ` FROM decision_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if q.Newest {
		query += ` ORDER BY sequence_id DESC`
	} else {
		query += ` ORDER BY sequence_id ASC`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion read

// #region helpers
type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(s scanner) (DecisionRecord, error) {
	var rec DecisionRecord
	var seq int64
	var ts string
	err := s.Scan(
		&seq, &rec.DecisionID, &rec.SessionID, &ts, &rec.SystemMode, &rec.PacingMode,
		&rec.PacingEnabled, &rec.TargetRateBPM, &rec.Rule, &rec.KeyID,
		&rec.RhythmClass, &rec.HSIScore, &rec.Rationale, &rec.FullPayload,
		&rec.PrevHash, &rec.ChainHash,
	)
	if err != nil {
		return DecisionRecord{}, err
	}
	rec.SequenceID = uint64(seq)
	rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	return rec, nil
}

// #endregion helpers
