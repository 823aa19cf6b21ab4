package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/audit"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/cipher"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/config"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/logging"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/replay"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/state"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to pulsemind.db (DB mode)")
	fixturePath := flag.String("fixture", "", "path to fixture YAML or JSON (fixture mode)")
	keys := flag.String("keys", os.Getenv("PULSEMIND_AUDIT_KEYS"), "audit keys for DB mode, id=base64key[,id=base64key]")
	alg := flag.String("alg", string(cipher.AES256GCM), "audit cipher for DB mode")
	session := flag.String("session", "", "DB mode: only verify this session")
	flag.Parse()

	if (*dbPath == "" && *fixturePath == "") || (*dbPath != "" && *fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --db path/to/pulsemind.db --keys id=key [--session id]")
		fmt.Fprintln(os.Stderr, "       replay --fixture path/to/fixture.yaml")
		os.Exit(2)
	}

	var exitCode int
	if *fixturePath != "" {
		exitCode = runFixtureMode(*fixturePath)
	} else {
		exitCode = runDBMode(*dbPath, *keys, *alg, *session)
	}
	os.Exit(exitCode)
}

// #endregion main

// #region fixture-mode

func runFixtureMode(path string) int {
	f, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}

	cfg := f.Config.ToReplayConfig()
	results := replay.Replay(f.StartState.ToSystemState(), f.ToSteps(replay.FixtureEpoch, cfg), cfg)

	fmt.Printf("%-8s| %-20s| %-13s| %7s| %-10s| %s\n", "Step", "Rule", "Pacing", "Target", "Mode", "Rationale")
	fmt.Printf("%-8s+%-21s+%-14s+%8s+%-11s+%s\n",
		"--------", "---------------------", "--------------", "--------", "-----------", "----------")
	for _, r := range results {
		fmt.Printf("%-8s| %-20s| %-13s| %7.2f| %-10s| %s\n",
			r.StepID, r.Rule, r.Command.PacingMode, r.Command.TargetRateBPM, r.State.Mode, r.Rationale)
	}

	printSummary(replay.Summarize(results, finalState(results, f.StartState.ToSystemState())))

	msgs := f.Check(results)
	for _, m := range msgs {
		fmt.Printf("DIFF %s\n", m)
	}
	fmt.Printf("\nExpected: %d checked, %d diverge\n", len(f.Expected), len(msgs))
	if len(msgs) > 0 {
		return 1
	}
	return 0
}

func finalState(results []replay.ReplayResult, start state.SystemState) state.SystemState {
	if len(results) == 0 {
		return start
	}
	return results[len(results)-1].State
}

func printSummary(s replay.ReplaySummary) {
	fmt.Printf("\nSummary: %d steps, %d pacing, %d monitoring, %d fail-safe\n",
		s.TotalSteps, s.Pacing, s.Monitoring, s.FailSafes)
	fmt.Printf("  rules: %s\n", formatCounts(s.ByRule))
	modes := make(map[string]int, len(s.ByMode))
	for m, n := range s.ByMode {
		modes[string(m)] = n
	}
	fmt.Printf("  modes: %s\n", formatCounts(modes))
	fmt.Printf("  final: %s/%d\n", s.FinalState.Mode, s.FinalState.ConsecutiveStableCount)
}

func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, " ")
}

// #endregion fixture-mode

// #region db-mode

// runDBMode checks the log's hash chain, decrypts every recorded decision,
// cross-checks its plaintext columns against the sealed trace, re-evaluates
// it from its own input and prior state, and checks each session's state
// chain.
func runDBMode(dbPath, keySpec, alg, session string) int {
	store, err := state.NewStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 2
	}
	defer store.Close()

	// Reading needs every key that sealed a record; the active one is
	// irrelevant, so pick any.
	var active string
	if ids, err := cipher.ParseKeys(keySpec); err == nil {
		for id := range ids {
			active = id
			break
		}
	}
	keys, err := config.OpenKeyring(keySpec, active, alg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keys: %v\n", err)
		return 2
	}

	// The hash chain spans every session, so it is always checked in full;
	// --session narrows only the replay.
	var recs []logging.DecisionRecord
	var after uint64
	for {
		page, err := logging.ListDecisions(store.DB(), logging.Query{AfterSequence: after, Limit: 500})
		if err != nil {
			fmt.Fprintf(os.Stderr, "list decisions: %v\n", err)
			return 2
		}
		if len(page) == 0 {
			break
		}
		recs = append(recs, page...)
		after = page[len(page)-1].SequenceID
	}
	if len(recs) == 0 {
		fmt.Fprintln(os.Stderr, "no decisions found in decision_log")
		return 2
	}

	breaks := logging.CheckChain(recs)
	for _, b := range breaks {
		fmt.Printf("DIFF %s\n", b)
	}

	var divergences []replay.Divergence
	var traces []logging.DecisionTrace
	var unreadable int
	for _, rec := range recs {
		if session != "" && rec.SessionID != session {
			continue
		}
		tr, err := audit.OpenTrace(keys, rec)
		if err != nil {
			// A payload that no longer authenticates was edited or moved.
			fmt.Printf("DIFF seq=%d decision=%s payload: %v\n", rec.SequenceID, rec.DecisionID, err)
			unreadable++
			continue
		}
		divergences = append(divergences, replay.VerifyColumns(rec, tr)...)
		traces = append(traces, tr)
	}
	if len(traces) == 0 && unreadable == 0 {
		fmt.Fprintf(os.Stderr, "no decisions found for session %q\n", session)
		return 2
	}

	sessions := make(map[string]int)
	for _, tr := range traces {
		sessions[tr.SessionID]++
		divergences = append(divergences, replay.VerifyTrace(tr)...)
	}
	divergences = append(divergences, replay.VerifyChain(traces)...)

	for _, d := range divergences {
		fmt.Printf("DIFF %s\n", d)
	}
	fmt.Printf("\nSummary: %d decisions, %d sessions, %d diverge, %d unreadable, %d chain breaks in %d rows\n",
		len(traces), len(sessions), len(divergences), unreadable, len(breaks), len(recs))
	if len(divergences) > 0 || unreadable > 0 || len(breaks) > 0 {
		return 1
	}
	return 0
}

// #endregion db-mode
