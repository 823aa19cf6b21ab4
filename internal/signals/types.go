package signals

import (
	"context"
	"time"
)

// #region rhythm-class

// RhythmClass is the label emitted by the rhythm classifier.
type RhythmClass string

const (
	RhythmNone        RhythmClass = "" // absent
	RhythmNormalSinus RhythmClass = "normal_sinus"
	RhythmBradycardia RhythmClass = "bradycardia"
	RhythmTachycardia RhythmClass = "tachycardia"
	RhythmArrhythmia  RhythmClass = "arrhythmia"
	RhythmArtifact    RhythmClass = "artifact"
	RhythmUnknown     RhythmClass = "unknown"
)

// ParseRhythmClass maps a classifier label onto the closed enum.
func ParseRhythmClass(s string) (RhythmClass, bool) {
	switch c := RhythmClass(s); c {
	case RhythmNormalSinus, RhythmBradycardia, RhythmTachycardia,
		RhythmArrhythmia, RhythmArtifact, RhythmUnknown:
		return c, true
	}
	return RhythmNone, false
}

// #endregion rhythm-class

// #region trend

// Trend is the HSI trend direction.
type Trend string

const (
	TrendNone    Trend = ""
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// ParseTrend maps a scorer label onto the closed enum.
func ParseTrend(s string) (Trend, bool) {
	switch t := Trend(s); t {
	case TrendRising, TrendFalling, TrendStable:
		return t, true
	}
	return TrendNone, false
}

// #endregion trend

// #region producer-records

// FeatureRecord is the signal feature extractor's output.
// Pointer fields distinguish "not sent" from zero.
type FeatureRecord struct {
	HeartRateBPM   *float64 `json:"heart_rate_bpm"`
	HRVSDNNMs      *float64 `json:"hrv_sdnn_ms"`
	PulseAmplitude *float64 `json:"pulse_amplitude"`
	NumPeaks       *int     `json:"num_peaks,omitempty"`
}

// HSIRecord is the hemodynamic index scorer's output.
type HSIRecord struct {
	Score *float64 `json:"hsi_score"`
	Trend string   `json:"trend"`
}

// RhythmRecord is the rhythm classifier's output.
type RhythmRecord struct {
	Class      string   `json:"rhythm_class"`
	Confidence *float64 `json:"confidence"`
}

// #endregion producer-records

// #region response

// Status tags a producer response.
type Status string

const (
	StatusValid   Status = "valid"
	StatusMissing Status = "missing"
	StatusInvalid Status = "invalid"
)

// Response is a producer result validated once at the boundary:
// Valid(Record) | Missing | Invalid(Reason).
type Response[T any] struct {
	Status     Status
	Record     T
	Reason     string
	ReceivedAt time.Time
}

// Valid wraps a record received at the given time.
func Valid[T any](rec T, at time.Time) Response[T] {
	return Response[T]{Status: StatusValid, Record: rec, ReceivedAt: at}
}

// Missing marks a producer that did not answer (timeout, unreachable, error).
func Missing[T any](reason string) Response[T] {
	return Response[T]{Status: StatusMissing, Reason: reason}
}

// Invalid marks a malformed producer answer.
func Invalid[T any](reason string, at time.Time) Response[T] {
	return Response[T]{Status: StatusInvalid, Reason: reason, ReceivedAt: at}
}

// RawInputs bundles the three producer responses for one decision.
type RawInputs struct {
	Features Response[FeatureRecord]
	HSI      Response[HSIRecord]
	Rhythm   Response[RhythmRecord]
}

// #endregion response

// #region decision-input

// Reading is an optional physiological value. Present is false when the
// value was missing, stale or out of range.
type Reading struct {
	Value   float64 `json:"value"`
	Present bool    `json:"present"`
}

// Some returns a present reading.
func Some(v float64) Reading { return Reading{Value: v, Present: true} }

// DecisionInput is the normalized input to the policy evaluator.
type DecisionInput struct {
	HeartRateBPM     Reading     `json:"heart_rate_bpm"`
	HRVSDNNMs        Reading     `json:"hrv_sdnn_ms"`
	PulseAmplitude   Reading     `json:"pulse_amplitude"`
	HSIScore         Reading     `json:"hsi_score"`
	HSITrend         Trend       `json:"hsi_trend,omitempty"`
	RhythmClass      RhythmClass `json:"rhythm_class,omitempty"`
	RhythmConfidence Reading     `json:"rhythm_confidence"`
	ReceivedAt       time.Time   `json:"received_at"`
}

// #endregion decision-input

// #region completeness

// CompletenessKind classifies a validated input.
type CompletenessKind string

const (
	KindComplete CompletenessKind = "COMPLETE"
	KindPartial  CompletenessKind = "PARTIAL"
	KindInvalid  CompletenessKind = "INVALID"
)

// Completeness is the validator's verdict. Missing lists absent required
// fields for PARTIAL; Reason explains INVALID. Notes carries optional-field
// problems that did not affect the verdict.
type Completeness struct {
	Kind    CompletenessKind `json:"kind"`
	Missing []string         `json:"missing,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	Notes   []string         `json:"notes,omitempty"`
}

// IsComplete reports whether every required field is present and valid.
func (c Completeness) IsComplete() bool { return c.Kind == KindComplete }

// #endregion completeness

// #region config

// ValidatorConfig holds physiological bounds and the freshness window.
type ValidatorConfig struct {
	Freshness    time.Duration // responses older than this are treated as missing
	MaxClockSkew time.Duration // responses stamped further in the future are treated as missing
	MinHeartRate float64
	MaxHeartRate float64
	MaxHRVSDNN   float64
	MaxHSI       float64
}

// DefaultValidatorConfig returns the design defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		Freshness:    5 * time.Second,
		MaxClockSkew: 500 * time.Millisecond,
		MinHeartRate: 20,
		MaxHeartRate: 250,
		MaxHRVSDNN:   500,
		MaxHSI:       100,
	}
}

// #endregion config

// #region producer-interfaces

// FeatureSource, HSISource and RhythmSource abstract the producer services so
// the Gatherer can be tested without gRPC.
type FeatureSource interface {
	Features(ctx context.Context, sessionID string) (FeatureRecord, error)
}

type HSISource interface {
	HSI(ctx context.Context, sessionID string) (HSIRecord, error)
}

type RhythmSource interface {
	Rhythm(ctx context.Context, sessionID string) (RhythmRecord, error)
}

// #endregion producer-interfaces
