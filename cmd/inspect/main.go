package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/audit"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/cipher"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/config"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/logging"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/policy"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/signals"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/state"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to pulsemind.db")
	keys := flag.String("keys", os.Getenv("PULSEMIND_AUDIT_KEYS"), "audit keys, id=base64key[,id=base64key]")
	alg := flag.String("alg", envOr("PULSEMIND_AUDIT_ALGORITHM", string(cipher.AES256GCM)), "audit cipher")
	last := flag.Int("last", 20, "show N most recent decisions")
	session := flag.String("session", "", "only decisions for this session")
	seq := flag.Uint64("seq", 0, "show single decision detail")
	archived := flag.Bool("archived", false, "list ended sessions instead of decisions")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/pulsemind.db [--keys id=key] [--last N] [--session id] [--seq N] [--archived] [--json]")
		os.Exit(2)
	}

	store, err := state.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *archived {
		if err := runArchivedMode(store, *last, *jsonOut); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Any key in the set opens records it sealed; which one is active
	// does not matter for reading.
	keyring, err := config.OpenKeyring(*keys, firstKeyID(*keys), *alg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keys: %v\n", err)
		os.Exit(2)
	}

	if *seq != 0 {
		err = runDetailMode(store, keyring, *seq, *jsonOut)
	} else {
		err = runListMode(store, keyring, *session, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstKeyID(keySpec string) string {
	keys, err := cipher.ParseKeys(keySpec)
	if err != nil {
		return ""
	}
	var first string
	for id := range keys {
		if first == "" || id < first {
			first = id
		}
	}
	return first
}

// #endregion main

// #region list-mode

type listRow struct {
	SequenceID  uint64  `json:"sequence_id"`
	SessionID   string  `json:"session_id"`
	Time        string  `json:"time"`
	Mode        string  `json:"system_mode"`
	Pacing      string  `json:"pacing_mode"`
	Enabled     bool    `json:"pacing_enabled"`
	TargetBPM   float64 `json:"target_rate_bpm"`
	Rule        string  `json:"rule"`
	RhythmClass string  `json:"rhythm_class"`
	HSIScore    string  `json:"hsi_score"`
	Rationale   string  `json:"rationale"`
}

func runListMode(store *state.Store, keys cipher.Sealer, session string, last int, jsonOut bool) error {
	recs, err := logging.ListDecisions(store.DB(), logging.Query{SessionID: session, Limit: last, Newest: true})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(os.Stderr, "no decisions found")
		return nil
	}

	// Newest first from the store; print chronologically.
	rows := make([]listRow, len(recs))
	for i, rec := range recs {
		o, err := audit.Open(keys, rec)
		if err != nil {
			return err
		}
		rows[len(recs)-1-i] = listRow{
			SequenceID:  rec.SequenceID,
			SessionID:   rec.SessionID,
			Time:        rec.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			Mode:        rec.SystemMode,
			Pacing:      rec.PacingMode,
			Enabled:     rec.PacingEnabled,
			TargetBPM:   rec.TargetRateBPM,
			Rule:        policy.Rule(rec.Rule).String(),
			RhythmClass: o.RhythmClass,
			HSIScore:    o.HSIScore,
			Rationale:   o.Rationale,
		}
	}

	if jsonOut {
		return printJSON(rows)
	}
	fmt.Printf("%-6s  %-14s  %-24s  %-10s  %-13s  %6s  %-20s  %-14s  %5s  %s\n",
		"Seq", "Session", "Time", "Mode", "Pacing", "Target", "Rule", "Rhythm", "HSI", "Rationale")
	fmt.Printf("%-6s+-%-14s+-%-24s+-%-10s+-%-13s+-%6s+-%-20s+-%-14s+-%5s+-%s\n",
		"------", "--------------", "------------------------", "----------", "-------------",
		"------", "--------------------", "--------------", "-----", "----------")
	for _, r := range rows {
		fmt.Printf("%-6d  %-14s  %-24s  %-10s  %-13s  %6.1f  %-20s  %-14s  %5s  %s\n",
			r.SequenceID, shortID(r.SessionID), r.Time, r.Mode, r.Pacing, r.TargetBPM,
			r.Rule, r.RhythmClass, r.HSIScore, r.Rationale)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 14 {
		return id[:13] + "~"
	}
	return id
}

// #endregion list-mode

// #region detail-mode

func runDetailMode(store *state.Store, keys cipher.Sealer, seq uint64, jsonOut bool) error {
	rec, err := logging.GetDecision(store.DB(), seq)
	if err != nil {
		return fmt.Errorf("seq %d: %w", seq, err)
	}
	tr, err := audit.OpenTrace(keys, rec)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(tr)
	}

	fmt.Printf("Decision %d (%s)\n", tr.SequenceID, tr.DecisionID)
	fmt.Printf("  session:      %s\n", tr.SessionID)
	fmt.Printf("  time:         %s\n", tr.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"))
	fmt.Printf("  completeness: %s", tr.Completeness.Kind)
	if len(tr.Completeness.Missing) > 0 {
		fmt.Printf(" missing=%v", tr.Completeness.Missing)
	}
	if tr.Completeness.Reason != "" {
		fmt.Printf(" (%s)", tr.Completeness.Reason)
	}
	fmt.Println()
	fmt.Printf("  input:        hr=%s hsi=%s rhythm=%s conf=%s\n",
		optional(tr.Input.HeartRateBPM), optional(tr.Input.HSIScore),
		orDash(string(tr.Input.RhythmClass)), optional(tr.Input.RhythmConfidence))
	fmt.Printf("  state:        %s/%d -> %s/%d\n",
		tr.PriorState.Mode, tr.PriorState.ConsecutiveStableCount,
		tr.NextState.Mode, tr.NextState.ConsecutiveStableCount)
	fmt.Printf("  rule:         %d %s\n", tr.Rule, policy.Rule(tr.Rule))
	fmt.Printf("  command:      enabled=%t mode=%s target=%.2f amplitude=%.2f\n",
		tr.Command.PacingEnabled, tr.Command.PacingMode, tr.Command.TargetRateBPM, tr.Command.PacingAmplitudeMA)
	fmt.Printf("  rationale:    %s\n", tr.Rationale)
	if tr.Detail != "" {
		fmt.Printf("  detail:       %s\n", tr.Detail)
	}
	if tr.FailSafe {
		fmt.Printf("  FAIL-SAFE:    %v\n", tr.Violations)
	}
	return nil
}

func optional(r signals.Reading) string {
	if !r.Present {
		return "-"
	}
	return fmt.Sprintf("%g", r.Value)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// #endregion detail-mode

// #region archived-mode

func runArchivedMode(store *state.Store, last int, jsonOut bool) error {
	sessions, err := store.ListArchived(last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(os.Stderr, "no ended sessions")
		return nil
	}
	fmt.Printf("%-20s  %-10s  %9s  %-24s  %s\n", "Session", "Final", "Decisions", "Registered", "Ended")
	for _, s := range sessions {
		fmt.Printf("%-20s  %-10s  %9d  %-24s  %s\n", s.SessionID, s.State.Mode, s.Decisions,
			s.RegisteredAt.UTC().Format("2006-01-02T15:04:05Z"), s.EndedAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

// #endregion archived-mode

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
