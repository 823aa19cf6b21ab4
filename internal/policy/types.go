package policy

import (
	"fmt"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/state"
)

// #region pacing-mode
// PacingMode is the intervention intensity requested from the actuator.
type PacingMode string

const (
	PacingMonitorOnly PacingMode = "monitor_only"
	PacingModerate    PacingMode = "moderate"
	PacingEmergency   PacingMode = "emergency"
)

// #endregion pacing-mode

// #region command
// PacingCommand is issued fresh per decision and never modified afterwards.
type PacingCommand struct {
	PacingEnabled     bool       `json:"pacing_enabled"`
	TargetRateBPM     float64    `json:"target_rate_bpm"`
	PacingMode        PacingMode `json:"pacing_mode"`
	PacingAmplitudeMA float64    `json:"pacing_amplitude_ma"`
}

// #endregion command

// #region rule
// Rule identifies which row of the decision table matched. Lower numbers
// carry stronger safety guarantees.
type Rule int

const (
	RuleIncompleteInput Rule = iota + 1
	RuleLowConfidence
	RuleUnreliableRhythm
	RuleUnstableTachycardia
	RuleTachycardia
	RuleBradycardia
	RuleStable
)

// Rationales shown to the clinical operator, one per rule.
const (
	RationaleIncomplete       = "missing or invalid input"
	RationaleLowConfidence    = "low classification confidence"
	RationaleUnreliableRhythm = "unreliable rhythm classification"
	RationaleUnstableTachy    = "tachycardia with hemodynamic instability"
	RationaleTachycardia      = "tachycardia detected"
	RationaleBradycardia      = "bradycardia detected"
	RationaleStable           = "stable rhythm, monitoring"

	// RationaleFailSafe accompanies FailSafe when a command was withheld.
	RationaleFailSafe = "command failed safety check, monitoring only"
)

func (r Rule) String() string {
	switch r {
	case RuleIncompleteInput:
		return "incomplete_input"
	case RuleLowConfidence:
		return "low_confidence"
	case RuleUnreliableRhythm:
		return "unreliable_rhythm"
	case RuleUnstableTachycardia:
		return "unstable_tachycardia"
	case RuleTachycardia:
		return "tachycardia"
	case RuleBradycardia:
		return "bradycardia"
	case RuleStable:
		return "stable"
	}
	return fmt.Sprintf("rule(%d)", int(r))
}

// #endregion rule

// #region safety-checks
// SafetyChecks summarizes the guards applied to a decision.
type SafetyChecks struct {
	RateWithinBounds      bool `json:"rate_within_bounds"`
	RateClamped           bool `json:"rate_clamped"`
	AmplitudeWithinBounds bool `json:"amplitude_within_bounds"`
	ConfidenceAcceptable  bool `json:"confidence_acceptable"`
	HSIAcceptable         bool `json:"hsi_acceptable"`
}

// #endregion safety-checks

// #region outcome
// Outcome is everything Evaluate produces for one decision.
type Outcome struct {
	Command   PacingCommand
	Next      state.SystemState
	Rule      Rule
	Rationale string
	Detail    string // operator-facing elaboration of Rationale
	Checks    SafetyChecks
}

// #endregion outcome

// #region config
// Config holds every threshold of the decision table.
type Config struct {
	ConfidenceFloor  float64 // rule 2: below this the classification is not trusted
	TachyRateAbove   float64 // rules 4-5
	UnstableHSIBelow float64 // rule 4; also the floor for recovery credit under rule 7
	BradyRateBelow   float64 // rule 6

	TachyTargetBPM    float64 // stabilization target for tachycardia
	BradyTargetBPM    float64 // minimum safe rate for bradycardia
	EmergencyApproach float64 // fraction of the gap to the target closed in emergency mode
	ModerateApproach  float64 // fraction closed for moderate tachycardia pacing
	BradyApproach     float64 // fraction closed for bradycardia pacing
	FallbackRateBPM   float64 // target reported when no heart rate is available

	MinRateBPM float64 // hardware-safe band, applied after rule evaluation
	MaxRateBPM float64

	MinAmplitudeMA float64
	MaxAmplitudeMA float64

	RecoveryThreshold int // consecutive stable decisions needed to reach NORMAL
	SafeModeExitAfter int // consecutive stable decisions needed to leave SAFE_MODE for DEGRADED

	// UnknownRhythmAsMissing routes an explicit "unknown" label through rule 1
	// instead of rule 3.
	UnknownRhythmAsMissing bool
}

// DefaultConfig returns the design defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceFloor:   0.5,
		TachyRateAbove:    120,
		UnstableHSIBelow:  40,
		BradyRateBelow:    50,
		TachyTargetBPM:    100,
		BradyTargetBPM:    60,
		EmergencyApproach: 0.75,
		ModerateApproach:  0.5,
		BradyApproach:     1.0,
		FallbackRateBPM:   70,
		MinRateBPM:        30,
		MaxRateBPM:        200,
		MinAmplitudeMA:    0.5,
		MaxAmplitudeMA:    10,
		RecoveryThreshold: 3,
		SafeModeExitAfter: 1,
	}
}

// Validate rejects configurations that would make the table unsafe.
func (c Config) Validate() error {
	switch {
	case c.MinRateBPM <= 0 || c.MaxRateBPM <= c.MinRateBPM:
		return fmt.Errorf("rate band [%g, %g] is empty", c.MinRateBPM, c.MaxRateBPM)
	case c.MinAmplitudeMA < 0 || c.MaxAmplitudeMA < c.MinAmplitudeMA:
		return fmt.Errorf("amplitude band [%g, %g] is empty", c.MinAmplitudeMA, c.MaxAmplitudeMA)
	case c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1:
		return fmt.Errorf("confidence floor %g outside [0, 1]", c.ConfidenceFloor)
	case c.RecoveryThreshold < 1:
		return fmt.Errorf("recovery threshold must be at least 1")
	case c.SafeModeExitAfter < 1 || c.SafeModeExitAfter > c.RecoveryThreshold:
		return fmt.Errorf("safe-mode exit %d must be in [1, %d]", c.SafeModeExitAfter, c.RecoveryThreshold)
	}
	for name, v := range map[string]float64{
		"emergency approach": c.EmergencyApproach,
		"moderate approach":  c.ModerateApproach,
		"brady approach":     c.BradyApproach,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s %g outside [0, 1]", name, v)
		}
	}
	return nil
}

// #endregion config

// #region payload
// Payload is the outward decision record received by the dispatcher and the
// audit store.
type Payload struct {
	PacingEnabled     bool       `json:"pacing_enabled"`
	TargetRateBPM     float64    `json:"target_rate_bpm"`
	PacingMode        PacingMode `json:"pacing_mode"`
	PacingAmplitudeMA float64    `json:"pacing_amplitude_ma"`
	Rationale         string     `json:"rationale"`
	SystemMode        state.Mode `json:"system_mode"`
}

// Payload flattens the outcome for dispatch.
func (o Outcome) Payload() Payload {
	return Payload{
		PacingEnabled:     o.Command.PacingEnabled,
		TargetRateBPM:     o.Command.TargetRateBPM,
		PacingMode:        o.Command.PacingMode,
		PacingAmplitudeMA: o.Command.PacingAmplitudeMA,
		Rationale:         o.Rationale,
		SystemMode:        o.Next.Mode,
	}
}

// #endregion payload
