package signals

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Required field names, as reported in Completeness.Missing.
const (
	FieldHeartRate        = "heart_rate_bpm"
	FieldHRV              = "hrv_sdnn_ms"
	FieldPulseAmplitude   = "pulse_amplitude"
	FieldHSIScore         = "hsi_score"
	FieldHSITrend         = "hsi_trend"
	FieldRhythmClass      = "rhythm_class"
	FieldRhythmConfidence = "rhythm_confidence"
)

// #region field-result

type fieldState int

const (
	fieldOK fieldState = iota
	fieldAbsent
	fieldInvalid
)

// fieldCheck is the per-field outcome collected while validating.
type fieldCheck struct {
	name     string
	required bool
	state    fieldState
	reason   string
}

// #endregion field-result

// #region validate

// Validate normalizes the three producer responses into a DecisionInput and
// classifies its completeness. It never panics and never returns an error:
// every failure mode of a producer ends up in the Completeness verdict.
func Validate(raw RawInputs, now time.Time, cfg ValidatorConfig) (in DecisionInput, c Completeness) {
	defer func() {
		if r := recover(); r != nil {
			in = DecisionInput{ReceivedAt: now}
			c = Completeness{Kind: KindInvalid, Reason: fmt.Sprintf("validator fault: %v", r)}
		}
	}()

	in.ReceivedAt = now
	var checks []fieldCheck

	// Signal features
	feat, featOK, featWhy, featInvalid := usable(raw.Features, now, cfg)
	if featOK {
		var chk fieldCheck
		in.HeartRateBPM, chk = checkRange(FieldHeartRate, true, feat.HeartRateBPM, cfg.MinHeartRate, cfg.MaxHeartRate)
		checks = append(checks, chk)
		in.HRVSDNNMs, chk = checkRange(FieldHRV, false, feat.HRVSDNNMs, 0, cfg.MaxHRVSDNN)
		checks = append(checks, chk)
		in.PulseAmplitude, chk = checkRange(FieldPulseAmplitude, false, feat.PulseAmplitude, 0, math.Inf(1))
		checks = append(checks, chk)
	} else {
		checks = append(checks,
			producerDown(FieldHeartRate, true, featWhy, featInvalid),
			producerDown(FieldHRV, false, featWhy, featInvalid),
			producerDown(FieldPulseAmplitude, false, featWhy, featInvalid),
		)
	}

	// Hemodynamic index
	hsi, hsiOK, hsiWhy, hsiInvalid := usable(raw.HSI, now, cfg)
	if hsiOK {
		var chk fieldCheck
		in.HSIScore, chk = checkRange(FieldHSIScore, true, hsi.Score, 0, cfg.MaxHSI)
		checks = append(checks, chk)
		in.HSITrend, chk = checkTrend(hsi.Trend)
		checks = append(checks, chk)
	} else {
		checks = append(checks,
			producerDown(FieldHSIScore, true, hsiWhy, hsiInvalid),
			producerDown(FieldHSITrend, false, hsiWhy, hsiInvalid),
		)
	}

	// Rhythm classifier
	rhy, rhyOK, rhyWhy, rhyInvalid := usable(raw.Rhythm, now, cfg)
	if rhyOK {
		var chk fieldCheck
		in.RhythmClass, chk = checkRhythm(rhy.Class)
		checks = append(checks, chk)
		in.RhythmConfidence, chk = checkRange(FieldRhythmConfidence, true, rhy.Confidence, 0, 1)
		checks = append(checks, chk)
	} else {
		checks = append(checks,
			producerDown(FieldRhythmClass, true, rhyWhy, rhyInvalid),
			producerDown(FieldRhythmConfidence, true, rhyWhy, rhyInvalid),
		)
	}

	return in, classify(checks)
}

// #endregion validate

// #region classify

// classify folds the per-field checks into a verdict. An invalid required
// field outranks an absent one.
func classify(checks []fieldCheck) Completeness {
	var missing, invalid, notes []string
	for _, chk := range checks {
		switch {
		case chk.state == fieldOK:
		case !chk.required:
			notes = append(notes, fmt.Sprintf("%s: %s", chk.name, chk.reason))
		case chk.state == fieldInvalid:
			invalid = append(invalid, fmt.Sprintf("%s: %s", chk.name, chk.reason))
		default:
			missing = append(missing, chk.name)
		}
	}

	switch {
	case len(invalid) > 0:
		return Completeness{Kind: KindInvalid, Missing: missing, Reason: strings.Join(invalid, "; "), Notes: notes}
	case len(missing) > 0:
		return Completeness{Kind: KindPartial, Missing: missing, Notes: notes}
	default:
		return Completeness{Kind: KindComplete, Notes: notes}
	}
}

// #endregion classify

// #region helpers

// usable reports whether a response may feed the decision. Stale and
// future-stamped responses are treated as missing, never as last known value.
func usable[T any](r Response[T], now time.Time, cfg ValidatorConfig) (rec T, ok bool, why string, invalid bool) {
	switch r.Status {
	case StatusValid:
	case StatusInvalid:
		return rec, false, orDefault(r.Reason, "malformed response"), true
	case StatusMissing:
		return rec, false, orDefault(r.Reason, "no response"), false
	default:
		return rec, false, fmt.Sprintf("unrecognised response status %q", r.Status), true
	}

	if r.ReceivedAt.IsZero() {
		return rec, false, "response carries no receipt time", false
	}
	age := now.Sub(r.ReceivedAt)
	if age > cfg.Freshness {
		return rec, false, fmt.Sprintf("stale by %s", age-cfg.Freshness), false
	}
	if -age > cfg.MaxClockSkew {
		return rec, false, fmt.Sprintf("received %s in the future", -age), false
	}
	return r.Record, true, "", false
}

func producerDown(name string, required bool, why string, invalid bool) fieldCheck {
	st := fieldAbsent
	if invalid {
		st = fieldInvalid
	}
	return fieldCheck{name: name, required: required, state: st, reason: why}
}

// checkRange rejects absent, NaN, infinite and out-of-bounds values. Values
// outside the bounds are never clamped into range.
func checkRange(name string, required bool, v *float64, lo, hi float64) (Reading, fieldCheck) {
	chk := fieldCheck{name: name, required: required}
	switch {
	case v == nil && required:
		// A response that arrived without a required field is malformed.
		chk.state, chk.reason = fieldInvalid, "absent from response"
	case v == nil:
		chk.state, chk.reason = fieldAbsent, "absent"
	case math.IsNaN(*v) || math.IsInf(*v, 0):
		chk.state, chk.reason = fieldInvalid, "not a finite number"
	case *v < lo || *v > hi:
		chk.state, chk.reason = fieldInvalid, fmt.Sprintf("%.2f outside [%g, %g]", *v, lo, hi)
	default:
		return Some(*v), chk
	}
	return Reading{}, chk
}

func checkRhythm(label string) (RhythmClass, fieldCheck) {
	chk := fieldCheck{name: FieldRhythmClass, required: true}
	if label == "" {
		chk.state, chk.reason = fieldInvalid, "absent from response"
		return RhythmNone, chk
	}
	c, ok := ParseRhythmClass(label)
	if !ok {
		chk.state, chk.reason = fieldInvalid, fmt.Sprintf("unrecognised label %q", label)
	}
	return c, chk
}

func checkTrend(label string) (Trend, fieldCheck) {
	chk := fieldCheck{name: FieldHSITrend}
	if label == "" {
		chk.state, chk.reason = fieldAbsent, "absent"
		return TrendNone, chk
	}
	t, ok := ParseTrend(label)
	if !ok {
		chk.state, chk.reason = fieldInvalid, fmt.Sprintf("unrecognised trend %q", label)
	}
	return t, chk
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// #endregion helpers
