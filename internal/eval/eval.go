package eval

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/policy"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/signals"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/state"
)

// #region eval-harness
// EvalHarness checks an evaluator outcome against the invariants that must
// hold for every command before it leaves the engine.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run validates out, produced from prior and c.
func (h *EvalHarness) Run(prior state.SystemState, c signals.Completeness, out policy.Outcome) EvalResult {
	var metrics []EvalMetric
	var violations []string
	check := func(name string, value float64, pass bool, format string, args ...interface{}) {
		metrics = append(metrics, EvalMetric{Name: name, Value: value, Pass: pass})
		if !pass {
			violations = append(violations, fmt.Sprintf(format, args...))
		}
	}
	cmd := out.Command

	// 1. Rate inside the hardware band
	rate := cmd.TargetRateBPM
	check("target_rate_bpm", rate,
		!math.IsNaN(rate) && rate >= h.config.MinRateBPM && rate <= h.config.MaxRateBPM,
		"target rate %.2f outside [%.0f, %.0f]", rate, h.config.MinRateBPM, h.config.MaxRateBPM)

	// 2. Amplitude bounded, zero when not pacing
	amp := cmd.PacingAmplitudeMA
	ampOK := !math.IsNaN(amp) && amp >= 0 && amp <= h.config.MaxAmplitudeMA
	if !cmd.PacingEnabled {
		ampOK = amp == 0
	}
	check("pacing_amplitude_ma", amp, ampOK, "amplitude %.2f invalid for pacing_enabled=%t", amp, cmd.PacingEnabled)

	// 3. Mode and enable flag agree
	var consistent bool
	switch cmd.PacingMode {
	case policy.PacingMonitorOnly:
		consistent = !cmd.PacingEnabled
	case policy.PacingModerate, policy.PacingEmergency:
		consistent = cmd.PacingEnabled
	}
	check("pacing_mode_consistent", boolValue(consistent), consistent,
		"pacing_mode %q with pacing_enabled=%t", cmd.PacingMode, cmd.PacingEnabled)

	// 4. Incomplete input never paces and always lands in SAFE_MODE
	if !c.IsComplete() {
		ok := !cmd.PacingEnabled && out.Next.Mode == state.ModeSafe
		check("incomplete_input_safe", boolValue(ok), ok,
			"%s input produced mode %s with pacing_enabled=%t", c.Kind, out.Next.Mode, cmd.PacingEnabled)
	}

	// 5. Recognised mode, at most one step less cautious than before
	next := out.Next.Mode
	known := next == state.ModeNormal || next == state.ModeDegraded || next == state.ModeSafe
	check("system_mode_known", boolValue(known), known, "unrecognised system mode %q", next)
	step := float64(prior.Mode.Caution() - next.Caution())
	check("recovery_step", step, step <= 1, "mode relaxed from %s to %s in one decision", prior.Mode, next)

	// 6. Counter is non-negative and only carried outside NORMAL
	count := out.Next.ConsecutiveStableCount
	countOK := count >= 0 && (next != state.ModeNormal || count == 0)
	check("stable_count", float64(count), countOK, "stable count %d in mode %s", count, next)

	// 7. Operator always gets a reason
	check("rationale_present", boolValue(out.Rationale != ""), out.Rationale != "", "empty rationale")

	reason := "all checks passed"
	if len(violations) == 1 {
		reason = fmt.Sprintf("eval failed: %s", violations[0])
	} else if len(violations) > 1 {
		reason = fmt.Sprintf("eval failed: %d checks: %s", len(violations), violations[0])
	}

	return EvalResult{
		Passed:     len(violations) == 0,
		Metrics:    metrics,
		Violations: violations,
		Reason:     reason,
	}
}

// #endregion eval-harness

// #region helpers
func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// #endregion helpers
