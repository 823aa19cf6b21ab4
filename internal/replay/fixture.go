package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/logging"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/policy"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/signals"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/state"
)

// #region fixture-types

// Fixture is the top-level structure of a replay fixture. Fixtures are YAML;
// files ending in .json are read as JSON.
type Fixture struct {
	Description string          `yaml:"description" json:"description"`
	StartState  FixtureState    `yaml:"start_state" json:"start_state"`
	Config      FixtureConfig   `yaml:"config,omitempty" json:"config,omitempty"`
	Steps       []FixtureStep   `yaml:"steps" json:"steps"`
	Expected    []FixtureExpect `yaml:"expected" json:"expected"`
}

// FixtureState is the serializable session state.
type FixtureState struct {
	Mode                   string `yaml:"mode" json:"mode"`
	ConsecutiveStableCount int    `yaml:"consecutive_stable_count,omitempty" json:"consecutive_stable_count,omitempty"`
}

// FixtureConfig overrides policy thresholds. Zero values keep the default.
type FixtureConfig struct {
	RecoveryThreshold      int     `yaml:"recovery_threshold,omitempty" json:"recovery_threshold,omitempty"`
	SafeModeExitAfter      int     `yaml:"safe_mode_exit_after,omitempty" json:"safe_mode_exit_after,omitempty"`
	ConfidenceFloor        float64 `yaml:"confidence_floor,omitempty" json:"confidence_floor,omitempty"`
	TachyRateAbove         float64 `yaml:"tachy_rate_above,omitempty" json:"tachy_rate_above,omitempty"`
	UnstableHSIBelow       float64 `yaml:"unstable_hsi_below,omitempty" json:"unstable_hsi_below,omitempty"`
	BradyRateBelow         float64 `yaml:"brady_rate_below,omitempty" json:"brady_rate_below,omitempty"`
	UnknownRhythmAsMissing bool    `yaml:"unknown_rhythm_as_missing,omitempty" json:"unknown_rhythm_as_missing,omitempty"`
}

// FixtureStep is one decision's producer answers, flattened. Producers named
// in Missing did not answer, those in Invalid answered with garbage, and
// those in Stale answered long before the decision.
type FixtureStep struct {
	ID               string   `yaml:"id" json:"id"`
	HeartRateBPM     *float64 `yaml:"heart_rate_bpm,omitempty" json:"heart_rate_bpm,omitempty"`
	HRVSDNNMs        *float64 `yaml:"hrv_sdnn_ms,omitempty" json:"hrv_sdnn_ms,omitempty"`
	PulseAmplitude   *float64 `yaml:"pulse_amplitude,omitempty" json:"pulse_amplitude,omitempty"`
	HSIScore         *float64 `yaml:"hsi_score,omitempty" json:"hsi_score,omitempty"`
	HSITrend         string   `yaml:"hsi_trend,omitempty" json:"hsi_trend,omitempty"`
	RhythmClass      string   `yaml:"rhythm_class,omitempty" json:"rhythm_class,omitempty"`
	RhythmConfidence *float64 `yaml:"confidence,omitempty" json:"confidence,omitempty"`

	Missing []string `yaml:"missing,omitempty" json:"missing,omitempty"`
	Invalid []string `yaml:"invalid,omitempty" json:"invalid,omitempty"`
	Stale   []string `yaml:"stale,omitempty" json:"stale,omitempty"`

	// Verdict and Reason, when set, skip validation: the fields above become
	// the validated input as-is. Exported steps use this.
	Verdict string `yaml:"verdict,omitempty" json:"verdict,omitempty"`
	Reason  string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// FixtureExpect is the expected outcome of a step. Unset fields are not
// checked.
type FixtureExpect struct {
	ID            string   `yaml:"id" json:"id"`
	Mode          string   `yaml:"mode,omitempty" json:"mode,omitempty"`
	PacingMode    string   `yaml:"pacing_mode,omitempty" json:"pacing_mode,omitempty"`
	PacingEnabled *bool    `yaml:"pacing_enabled,omitempty" json:"pacing_enabled,omitempty"`
	TargetRateBPM *float64 `yaml:"target_rate_bpm,omitempty" json:"target_rate_bpm,omitempty"`
	Rule          string   `yaml:"rule,omitempty" json:"rule,omitempty"`
	Rationale     string   `yaml:"rationale,omitempty" json:"rationale,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &f)
	} else {
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToSystemState converts the start state.
func (s FixtureState) ToSystemState() state.SystemState {
	mode := state.Mode(s.Mode)
	if mode == "" {
		mode = state.ModeNormal
	}
	return state.SystemState{Mode: mode, ConsecutiveStableCount: s.ConsecutiveStableCount}
}

// ToReplayConfig applies the overrides to the defaults.
func (fc FixtureConfig) ToReplayConfig() ReplayConfig {
	cfg := DefaultReplayConfig()
	p := &cfg.Policy
	if fc.RecoveryThreshold > 0 {
		p.RecoveryThreshold = fc.RecoveryThreshold
	}
	if fc.SafeModeExitAfter > 0 {
		p.SafeModeExitAfter = fc.SafeModeExitAfter
	}
	if fc.ConfidenceFloor > 0 {
		p.ConfidenceFloor = fc.ConfidenceFloor
	}
	if fc.TachyRateAbove > 0 {
		p.TachyRateAbove = fc.TachyRateAbove
	}
	if fc.UnstableHSIBelow > 0 {
		p.UnstableHSIBelow = fc.UnstableHSIBelow
	}
	if fc.BradyRateBelow > 0 {
		p.BradyRateBelow = fc.BradyRateBelow
	}
	p.UnknownRhythmAsMissing = fc.UnknownRhythmAsMissing
	return cfg
}

// FixtureEpoch is the base time fixtures are replayed from when the caller
// has no better one. Fixture steps carry no wall-clock time of their own.
var FixtureEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ToSteps converts every fixture step, spacing decisions one second apart
// from base.
func (f *Fixture) ToSteps(base time.Time, cfg ReplayConfig) []Step {
	steps := make([]Step, len(f.Steps))
	for i := range f.Steps {
		steps[i] = f.Steps[i].ToStep(base.Add(time.Duration(i)*time.Second), cfg.Validator)
	}
	return steps
}

// ToStep converts a fixture step into producer responses judged at at.
func (fs FixtureStep) ToStep(at time.Time, vc signals.ValidatorConfig) Step {
	if fs.Verdict != "" {
		return Step{ID: fs.ID, At: at, Validated: &Validated{
			Input:        fs.decisionInput(at),
			Completeness: signals.Completeness{Kind: signals.CompletenessKind(fs.Verdict), Reason: fs.Reason},
		}}
	}

	stale := at.Add(-2 * vc.Freshness)
	return Step{ID: fs.ID, At: at, Raw: signals.RawInputs{
		Features: response(fs, "features", at, stale, signals.FeatureRecord{
			HeartRateBPM:   fs.HeartRateBPM,
			HRVSDNNMs:      fs.HRVSDNNMs,
			PulseAmplitude: fs.PulseAmplitude,
		}),
		HSI: response(fs, "hsi", at, stale, signals.HSIRecord{
			Score: fs.HSIScore,
			Trend: fs.HSITrend,
		}),
		Rhythm: response(fs, "rhythm", at, stale, signals.RhythmRecord{
			Class:      fs.RhythmClass,
			Confidence: fs.RhythmConfidence,
		}),
	}}
}

func response[T any](fs FixtureStep, producer string, at, stale time.Time, rec T) signals.Response[T] {
	switch {
	case slices.Contains(fs.Missing, producer):
		return signals.Missing[T]("fixture: producer did not answer")
	case slices.Contains(fs.Invalid, producer):
		return signals.Invalid[T]("fixture: malformed answer", at)
	case slices.Contains(fs.Stale, producer):
		return signals.Valid(rec, stale)
	}
	return signals.Valid(rec, at)
}

func (fs FixtureStep) decisionInput(at time.Time) signals.DecisionInput {
	read := func(v *float64) signals.Reading {
		if v == nil {
			return signals.Reading{}
		}
		return signals.Some(*v)
	}
	return signals.DecisionInput{
		HeartRateBPM:     read(fs.HeartRateBPM),
		HRVSDNNMs:        read(fs.HRVSDNNMs),
		PulseAmplitude:   read(fs.PulseAmplitude),
		HSIScore:         read(fs.HSIScore),
		HSITrend:         signals.Trend(fs.HSITrend),
		RhythmClass:      signals.RhythmClass(fs.RhythmClass),
		RhythmConfidence: read(fs.RhythmConfidence),
		ReceivedAt:       at,
	}
}

// #endregion fixture-loader

// #region fixture-check

// Check compares replay results against the fixture's expectations and
// returns one message per mismatch.
func (f *Fixture) Check(results []ReplayResult) []string {
	var errs []string
	if len(results) != len(f.Expected) {
		errs = append(errs, fmt.Sprintf("expected %d results, got %d", len(f.Expected), len(results)))
		return errs
	}
	for i, exp := range f.Expected {
		got := results[i]
		bad := func(field string, want, have any) {
			errs = append(errs, fmt.Sprintf("step %d (%s): expected %s=%v, got %v", i, exp.ID, field, want, have))
		}
		if exp.ID != got.StepID {
			bad("id", exp.ID, got.StepID)
		}
		if exp.Mode != "" && exp.Mode != string(got.State.Mode) {
			bad("mode", exp.Mode, got.State.Mode)
		}
		if exp.PacingMode != "" && exp.PacingMode != string(got.Command.PacingMode) {
			bad("pacing_mode", exp.PacingMode, got.Command.PacingMode)
		}
		if exp.PacingEnabled != nil && *exp.PacingEnabled != got.Command.PacingEnabled {
			bad("pacing_enabled", *exp.PacingEnabled, got.Command.PacingEnabled)
		}
		if exp.TargetRateBPM != nil && num(*exp.TargetRateBPM) != num(got.Command.TargetRateBPM) {
			bad("target_rate_bpm", *exp.TargetRateBPM, got.Command.TargetRateBPM)
		}
		if exp.Rule != "" && exp.Rule != got.Rule.String() {
			bad("rule", exp.Rule, got.Rule)
		}
		if exp.Rationale != "" && exp.Rationale != got.Rationale {
			bad("rationale", exp.Rationale, got.Rationale)
		}
	}
	return errs
}

// #endregion fixture-check

// #region fixture-export

// FromTraces builds a fixture that replays the given session's recorded
// decisions and expects exactly the recorded outcomes. Traces must belong to
// one session and be in sequence order.
func FromTraces(description string, traces []logging.DecisionTrace) (*Fixture, error) {
	if len(traces) == 0 {
		return nil, fmt.Errorf("no decisions to export")
	}
	f := &Fixture{
		Description: description,
		StartState: FixtureState{
			Mode:                   string(traces[0].PriorState.Mode),
			ConsecutiveStableCount: traces[0].PriorState.ConsecutiveStableCount,
		},
		Config: FixtureConfig{
			RecoveryThreshold:      traces[0].Thresholds.RecoveryThreshold,
			SafeModeExitAfter:      traces[0].Thresholds.SafeModeExitAfter,
			ConfidenceFloor:        traces[0].Thresholds.ConfidenceFloor,
			TachyRateAbove:         traces[0].Thresholds.TachyRateAbove,
			UnstableHSIBelow:       traces[0].Thresholds.UnstableHSIBelow,
			BradyRateBelow:         traces[0].Thresholds.BradyRateBelow,
			UnknownRhythmAsMissing: traces[0].Thresholds.UnknownRhythmAsMissing,
		},
	}

	session := traces[0].SessionID
	for _, tr := range traces {
		if tr.SessionID != session {
			return nil, fmt.Errorf("seq %d belongs to session %s, expected %s", tr.SequenceID, tr.SessionID, session)
		}
		id := tr.DecisionID
		if id == "" {
			id = fmt.Sprintf("seq-%d", tr.SequenceID)
		}
		in := tr.Input
		f.Steps = append(f.Steps, FixtureStep{
			ID:               id,
			HeartRateBPM:     present(in.HeartRateBPM),
			HRVSDNNMs:        present(in.HRVSDNNMs),
			PulseAmplitude:   present(in.PulseAmplitude),
			HSIScore:         present(in.HSIScore),
			HSITrend:         string(in.HSITrend),
			RhythmClass:      string(in.RhythmClass),
			RhythmConfidence: present(in.RhythmConfidence),
			Verdict:          string(tr.Completeness.Kind),
			Reason:           tr.Completeness.Reason,
		})
		enabled := tr.Command.PacingEnabled
		rate := tr.Command.TargetRateBPM
		f.Expected = append(f.Expected, FixtureExpect{
			ID:            id,
			Mode:          string(tr.NextState.Mode),
			PacingMode:    string(tr.Command.PacingMode),
			PacingEnabled: &enabled,
			TargetRateBPM: &rate,
			Rule:          policy.Rule(tr.Rule).String(),
			Rationale:     tr.Rationale,
		})
	}
	return f, nil
}

func present(r signals.Reading) *float64 {
	if !r.Present {
		return nil
	}
	v := r.Value
	return &v
}

// #endregion fixture-export
