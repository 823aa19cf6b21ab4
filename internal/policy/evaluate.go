package policy

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/signals"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/state"
)

// #region evaluate
// Evaluate maps a validated input and the session's current state to a
// pacing command and the next state. It is pure: no I/O, no clock, no
// randomness. The same arguments always produce the same Outcome.
func Evaluate(in signals.DecisionInput, c signals.Completeness, st state.SystemState, cfg Config) Outcome {
	rule := match(in, c, cfg)

	out := Outcome{Rule: rule}
	out.Command, out.Rationale, out.Detail = command(rule, in, c, cfg)
	out.Next = transition(rule, stableEvidence(rule, in, cfg), st, cfg)
	out.Next.LastDecisionAt = in.ReceivedAt

	// Last line of defense: applied to every command regardless of rule.
	var clamped bool
	out.Command.TargetRateBPM, clamped = clampRate(out.Command.TargetRateBPM, cfg)
	out.Command.PacingAmplitudeMA = clampAmplitude(out.Command, cfg)

	out.Checks = SafetyChecks{
		RateWithinBounds:      out.Command.TargetRateBPM >= cfg.MinRateBPM && out.Command.TargetRateBPM <= cfg.MaxRateBPM,
		RateClamped:           clamped,
		AmplitudeWithinBounds: out.Command.PacingAmplitudeMA >= 0 && out.Command.PacingAmplitudeMA <= cfg.MaxAmplitudeMA,
		ConfidenceAcceptable:  in.RhythmConfidence.Present && in.RhythmConfidence.Value >= cfg.ConfidenceFloor,
		HSIAcceptable:         in.HSIScore.Present && in.HSIScore.Value >= cfg.UnstableHSIBelow,
	}
	return out
}

// #endregion evaluate

// #region match
// match is a linear scan of the decision table; the first matching rule wins.
// The final row matches everything, so the table is total.
func match(in signals.DecisionInput, c signals.Completeness, cfg Config) Rule {
	// 1. Any required field missing or invalid.
	if !c.IsComplete() || !requiredPresent(in) {
		return RuleIncompleteInput
	}
	if cfg.UnknownRhythmAsMissing && in.RhythmClass == signals.RhythmUnknown {
		return RuleIncompleteInput
	}

	// 2. Classification not trusted.
	if in.RhythmConfidence.Value < cfg.ConfidenceFloor {
		return RuleLowConfidence
	}

	// 3. Classification trusted but uninformative.
	switch in.RhythmClass {
	case signals.RhythmArrhythmia, signals.RhythmArtifact, signals.RhythmUnknown:
		return RuleUnreliableRhythm
	}

	hr := in.HeartRateBPM.Value
	hsi := in.HSIScore.Value

	// 4-5. Tachycardia, with or without hemodynamic instability.
	if in.RhythmClass == signals.RhythmTachycardia && hr > cfg.TachyRateAbove {
		if hsi < cfg.UnstableHSIBelow {
			return RuleUnstableTachycardia
		}
		return RuleTachycardia
	}

	// 6. Bradycardia.
	if in.RhythmClass == signals.RhythmBradycardia && hr < cfg.BradyRateBelow {
		return RuleBradycardia
	}

	// 7. Everything else.
	return RuleStable
}

// requiredPresent guards against a COMPLETE verdict paired with an input
// that lacks a required field or carries an unrecognised label.
func requiredPresent(in signals.DecisionInput) bool {
	_, known := signals.ParseRhythmClass(string(in.RhythmClass))
	return in.HeartRateBPM.Present &&
		in.HSIScore.Present &&
		in.RhythmConfidence.Present &&
		known
}

// #endregion match

// #region command
func command(rule Rule, in signals.DecisionInput, c signals.Completeness, cfg Config) (PacingCommand, string, string) {
	hr := in.HeartRateBPM.Value

	switch rule {
	case RuleIncompleteInput:
		detail := string(c.Kind)
		switch {
		case c.Reason != "":
			detail = fmt.Sprintf("%s: %s", c.Kind, c.Reason)
		case len(c.Missing) > 0:
			detail = fmt.Sprintf("%s: missing %v", c.Kind, c.Missing)
		case in.RhythmClass == signals.RhythmUnknown:
			detail = "classifier returned unknown"
		}
		return monitorOnly(in, cfg), RationaleIncomplete, detail

	case RuleLowConfidence:
		return monitorOnly(in, cfg), RationaleLowConfidence,
			fmt.Sprintf("confidence %.2f below %.2f", in.RhythmConfidence.Value, cfg.ConfidenceFloor)

	case RuleUnreliableRhythm:
		return monitorOnly(in, cfg), RationaleUnreliableRhythm,
			fmt.Sprintf("classifier reported %s", in.RhythmClass)

	case RuleUnstableTachycardia:
		target := approach(hr, cfg.TachyTargetBPM, cfg.EmergencyApproach)
		return PacingCommand{
				PacingEnabled:     true,
				TargetRateBPM:     target,
				PacingMode:        PacingEmergency,
				PacingAmplitudeMA: cfg.MaxAmplitudeMA,
			}, RationaleUnstableTachy,
			fmt.Sprintf("hr %.0f bpm, hsi %.0f; stabilizing toward %.0f bpm", hr, in.HSIScore.Value, cfg.TachyTargetBPM)

	case RuleTachycardia:
		target := approach(hr, cfg.TachyTargetBPM, cfg.ModerateApproach)
		return PacingCommand{
				PacingEnabled:     true,
				TargetRateBPM:     target,
				PacingMode:        PacingModerate,
				PacingAmplitudeMA: amplitudeForHSI(in.HSIScore.Value),
			}, RationaleTachycardia,
			fmt.Sprintf("hr %.0f bpm; reducing toward %.0f bpm", hr, cfg.TachyTargetBPM)

	case RuleBradycardia:
		target := approach(hr, cfg.BradyTargetBPM, cfg.BradyApproach)
		return PacingCommand{
				PacingEnabled:     true,
				TargetRateBPM:     target,
				PacingMode:        PacingModerate,
				PacingAmplitudeMA: amplitudeForHSI(in.HSIScore.Value),
			}, RationaleBradycardia,
			fmt.Sprintf("hr %.0f bpm; raising toward %.0f bpm", hr, cfg.BradyTargetBPM)
	}

	detail := fmt.Sprintf("%s at %.0f bpm, hsi %.0f", in.RhythmClass, hr, in.HSIScore.Value)
	if in.HSIScore.Value < cfg.UnstableHSIBelow {
		detail += fmt.Sprintf("; hsi below %.0f, no recovery credit", cfg.UnstableHSIBelow)
	}
	return monitorOnly(in, cfg), RationaleStable, detail
}

func monitorOnly(in signals.DecisionInput, cfg Config) PacingCommand {
	target := cfg.FallbackRateBPM
	if in.HeartRateBPM.Present {
		target = in.HeartRateBPM.Value
	}
	return PacingCommand{
		PacingEnabled: false,
		TargetRateBPM: target,
		PacingMode:    PacingMonitorOnly,
	}
}

// FailSafe is the command issued when nothing better can be justified.
func FailSafe(cfg Config) PacingCommand {
	rate, _ := clampRate(cfg.FallbackRateBPM, cfg)
	return PacingCommand{
		PacingEnabled: false,
		TargetRateBPM: rate,
		PacingMode:    PacingMonitorOnly,
	}
}

// approach moves from the measured rate toward the target by fraction.
func approach(measured, target, fraction float64) float64 {
	return measured + fraction*(target-measured)
}

// amplitudeForHSI: lower HSI needs a higher amplitude to ensure capture.
func amplitudeForHSI(hsi float64) float64 {
	switch {
	case hsi >= 70:
		return 1.5
	case hsi >= 50:
		return 2.0
	case hsi >= 30:
		return 3.0
	default:
		return 4.0
	}
}

// #endregion command

// #region transition
// transition applies the mode state machine. Caution rises immediately; it
// falls one step at a time and only on sustained stable evidence.
func transition(rule Rule, evidence bool, st state.SystemState, cfg Config) state.SystemState {
	current := st.Mode
	if current != state.ModeNormal && current != state.ModeDegraded {
		current = state.ModeSafe
	}
	count := st.ConsecutiveStableCount
	if count < 0 {
		count = 0
	}

	switch rule {
	case RuleIncompleteInput:
		return state.SystemState{Mode: state.ModeSafe}
	case RuleLowConfidence, RuleUnreliableRhythm:
		return state.SystemState{Mode: state.MoreCautious(current, state.ModeDegraded)}
	case RuleUnstableTachycardia, RuleTachycardia, RuleBradycardia:
		// The engine is functioning, but a pacing decision is not evidence
		// of stability: recovery progress restarts and the mode never
		// becomes less cautious here.
		return state.SystemState{Mode: state.MoreCautious(current, state.ModeNormal)}
	}

	// RuleStable
	if current == state.ModeNormal {
		return state.SystemState{Mode: state.ModeNormal}
	}
	if !evidence {
		return state.SystemState{Mode: current}
	}
	count++
	switch {
	case current == state.ModeSafe && count >= cfg.SafeModeExitAfter:
		return state.SystemState{Mode: state.ModeDegraded, ConsecutiveStableCount: count}
	case current == state.ModeDegraded && count >= cfg.RecoveryThreshold:
		return state.SystemState{Mode: state.ModeNormal}
	}
	return state.SystemState{Mode: current, ConsecutiveStableCount: count}
}

// stableEvidence reports whether a decision counts toward recovery. Rule 7
// also catches rates just inside the pacing thresholds, so it only counts
// when hemodynamics are stable too.
func stableEvidence(rule Rule, in signals.DecisionInput, cfg Config) bool {
	return rule == RuleStable && in.HSIScore.Present && in.HSIScore.Value >= cfg.UnstableHSIBelow
}

// #endregion transition

// #region clamp
func clampRate(rate float64, cfg Config) (float64, bool) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		rate = cfg.FallbackRateBPM
	}
	switch {
	case rate < cfg.MinRateBPM:
		return cfg.MinRateBPM, true
	case rate > cfg.MaxRateBPM:
		return cfg.MaxRateBPM, true
	}
	return rate, false
}

func clampAmplitude(cmd PacingCommand, cfg Config) float64 {
	if !cmd.PacingEnabled {
		return 0
	}
	a := cmd.PacingAmplitudeMA
	if math.IsNaN(a) || a < cfg.MinAmplitudeMA {
		return cfg.MinAmplitudeMA
	}
	if a > cfg.MaxAmplitudeMA {
		return cfg.MaxAmplitudeMA
	}
	return a
}

// #endregion clamp
