package replay

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/eval"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/logging"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/policy"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/signals"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/state"
)

// #region types
// Step is one recorded or scripted decision for replay.
type Step struct {
	ID  string
	At  time.Time // decision time; producer responses are judged against it
	Raw signals.RawInputs

	// Validated, when set, bypasses the validator. Used for steps exported
	// from the audit log, where only the validated input was kept.
	Validated *Validated
}

// Validated is an input that has already been through the validator.
type Validated struct {
	Input        signals.DecisionInput
	Completeness signals.Completeness
}

// ReplayConfig bundles validator, policy, and guard configs for a replay run.
type ReplayConfig struct {
	Validator signals.ValidatorConfig
	Policy    policy.Config
	Eval      eval.EvalConfig
}

// DefaultReplayConfig returns production defaults for all three stages.
func DefaultReplayConfig() ReplayConfig {
	p := policy.DefaultConfig()
	return ReplayConfig{
		Validator: signals.DefaultValidatorConfig(),
		Policy:    p,
		Eval: eval.EvalConfig{
			MinRateBPM:     p.MinRateBPM,
			MaxRateBPM:     p.MaxRateBPM,
			MaxAmplitudeMA: p.MaxAmplitudeMA,
		},
	}
}

// ReplayResult captures the outcome of replaying one step.
type ReplayResult struct {
	StepID       string
	Completeness signals.Completeness
	Rule         policy.Rule
	Command      policy.PacingCommand
	Rationale    string
	State        state.SystemState // state after this step
	FailSafe     bool
	Violations   []string
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalSteps int
	Pacing     int
	Monitoring int
	FailSafes  int
	ByMode     map[state.Mode]int
	ByRule     map[string]int
	FinalState state.SystemState
}

// #endregion types

// #region replay
// Replay runs each step through validate → evaluate → guard, carrying state
// from one step to the next. Operates entirely in memory.
func Replay(start state.SystemState, steps []Step, config ReplayConfig) []ReplayResult {
	current := start
	guard := eval.NewEvalHarness(config.Eval)
	results := make([]ReplayResult, 0, len(steps))

	for _, step := range steps {
		var in signals.DecisionInput
		var c signals.Completeness
		if step.Validated != nil {
			in, c = step.Validated.Input, step.Validated.Completeness
		} else {
			in, c = signals.Validate(step.Raw, step.At, config.Validator)
		}

		out := policy.Evaluate(in, c, current, config.Policy)
		res := guard.Run(current, c, out)
		if !res.Passed {
			out.Command = policy.FailSafe(config.Policy)
			out.Next = state.SystemState{Mode: state.ModeSafe, LastDecisionAt: in.ReceivedAt}
			out.Rationale = policy.RationaleFailSafe
		}

		current = out.Next
		results = append(results, ReplayResult{
			StepID:       step.ID,
			Completeness: c,
			Rule:         out.Rule,
			Command:      out.Command,
			Rationale:    out.Rationale,
			State:        out.Next,
			FailSafe:     !res.Passed,
			Violations:   res.Violations,
		})
	}
	return results
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult, finalState state.SystemState) ReplaySummary {
	s := ReplaySummary{
		TotalSteps: len(results),
		ByMode:     make(map[state.Mode]int),
		ByRule:     make(map[string]int),
		FinalState: finalState,
	}
	for _, r := range results {
		if r.Command.PacingEnabled {
			s.Pacing++
		} else {
			s.Monitoring++
		}
		if r.FailSafe {
			s.FailSafes++
		}
		s.ByMode[r.State.Mode]++
		s.ByRule[r.Rule.String()]++
	}
	return s
}

// #endregion replay

// #region verify
// Divergence describes a recorded decision that does not reproduce.
type Divergence struct {
	SequenceID uint64
	DecisionID string
	Field      string
	Recorded   string
	Replayed   string
}

func (d Divergence) String() string {
	return fmt.Sprintf("seq=%d decision=%s %s: recorded %s, replayed %s",
		d.SequenceID, d.DecisionID, d.Field, d.Recorded, d.Replayed)
}

// VerifyTrace re-evaluates a recorded decision from its own input, prior
// state and thresholds, and reports every field that differs. Evaluation is
// deterministic, so any divergence means the record or the evaluator changed.
func VerifyTrace(tr logging.DecisionTrace) []Divergence {
	out := policy.Evaluate(tr.Input, tr.Completeness, tr.PriorState, tr.Thresholds)
	if tr.FailSafe {
		out.Command = policy.FailSafe(tr.Thresholds)
		out.Next = state.SystemState{Mode: state.ModeSafe, LastDecisionAt: tr.Input.ReceivedAt}
		out.Rationale = policy.RationaleFailSafe
	}

	var ds []Divergence
	add := func(field, rec, rep string) {
		if rec != rep {
			ds = append(ds, Divergence{tr.SequenceID, tr.DecisionID, field, rec, rep})
		}
	}
	add("rule", fmt.Sprint(tr.Rule), fmt.Sprint(int(out.Rule)))
	add("pacing_enabled", fmt.Sprint(tr.Command.PacingEnabled), fmt.Sprint(out.Command.PacingEnabled))
	add("pacing_mode", string(tr.Command.PacingMode), string(out.Command.PacingMode))
	add("target_rate_bpm", num(tr.Command.TargetRateBPM), num(out.Command.TargetRateBPM))
	add("pacing_amplitude_ma", num(tr.Command.PacingAmplitudeMA), num(out.Command.PacingAmplitudeMA))
	add("system_mode", string(tr.NextState.Mode), string(out.Next.Mode))
	add("consecutive_stable_count", fmt.Sprint(tr.NextState.ConsecutiveStableCount), fmt.Sprint(out.Next.ConsecutiveStableCount))
	add("rationale", tr.Rationale, out.Rationale)
	return ds
}

// VerifyChain checks that each session's decisions form an unbroken chain:
// every decision starts from the state the previous one left behind, and
// sequence ids strictly increase.
func VerifyChain(traces []logging.DecisionTrace) []Divergence {
	sorted := append([]logging.DecisionTrace(nil), traces...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SequenceID < sorted[j].SequenceID })

	var ds []Divergence
	last := make(map[string]logging.DecisionTrace)
	var prevSeq uint64
	for _, tr := range sorted {
		if tr.SequenceID == prevSeq {
			ds = append(ds, Divergence{tr.SequenceID, tr.DecisionID, "sequence_id", "unique", "duplicate"})
		}
		prevSeq = tr.SequenceID

		prev, ok := last[tr.SessionID]
		if ok {
			if prev.NextState.Mode != tr.PriorState.Mode || prev.NextState.ConsecutiveStableCount != tr.PriorState.ConsecutiveStableCount {
				ds = append(ds, Divergence{
					SequenceID: tr.SequenceID,
					DecisionID: tr.DecisionID,
					Field:      "prior_state",
					Recorded:   fmt.Sprintf("%s/%d", tr.PriorState.Mode, tr.PriorState.ConsecutiveStableCount),
					Replayed:   fmt.Sprintf("%s/%d", prev.NextState.Mode, prev.NextState.ConsecutiveStableCount),
				})
			}
		}
		last[tr.SessionID] = tr
	}
	return ds
}

// VerifyColumns compares a row's plaintext columns with its sealed trace.
// The columns are what operators query; the trace is what replays.
func VerifyColumns(rec logging.DecisionRecord, tr logging.DecisionTrace) []Divergence {
	var ds []Divergence
	add := func(field, col, sealed string) {
		if col != sealed {
			ds = append(ds, Divergence{rec.SequenceID, rec.DecisionID, "column " + field, col, sealed})
		}
	}
	add("sequence_id", fmt.Sprint(rec.SequenceID), fmt.Sprint(tr.SequenceID))
	add("decision_id", rec.DecisionID, tr.DecisionID)
	add("session_id", rec.SessionID, tr.SessionID)
	add("system_mode", rec.SystemMode, string(tr.NextState.Mode))
	add("pacing_mode", rec.PacingMode, string(tr.Command.PacingMode))
	add("pacing_enabled", fmt.Sprint(rec.PacingEnabled), fmt.Sprint(tr.Command.PacingEnabled))
	add("target_rate_bpm", num(rec.TargetRateBPM), num(tr.Command.TargetRateBPM))
	add("rule", fmt.Sprint(rec.Rule), fmt.Sprint(tr.Rule))
	return ds
}

func num(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return fmt.Sprintf("%.6g", v)
}

// #endregion verify
