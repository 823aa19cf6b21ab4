package signals

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// #region schemas

// Producer payload shapes. Bounds are deliberately left to Validate so that
// an out-of-range value is reported against its field.
const featureSchema = `{
	"type": "object",
	"properties": {
		"heart_rate_bpm":  {"type": ["number", "null"]},
		"hrv_sdnn_ms":     {"type": ["number", "null"]},
		"pulse_amplitude": {"type": ["number", "null"]},
		"num_peaks":       {"type": ["integer", "null"], "minimum": 0}
	}
}`

const hsiSchema = `{
	"type": "object",
	"properties": {
		"hsi_score": {"type": ["number", "null"]},
		"trend":     {"type": ["string", "null"]}
	}
}`

const rhythmSchema = `{
	"type": "object",
	"properties": {
		"rhythm_class": {"type": ["string", "null"]},
		"confidence":   {"type": ["number", "null"]}
	}
}`

var (
	featureSchemaC = jsonschema.MustCompileString("features.json", featureSchema)
	hsiSchemaC     = jsonschema.MustCompileString("hsi.json", hsiSchema)
	rhythmSchemaC  = jsonschema.MustCompileString("rhythm.json", rhythmSchema)
)

// #endregion schemas

// #region decode

// DecodeFeatures turns a raw feature-extractor body into a Response.
func DecodeFeatures(raw []byte, at time.Time) Response[FeatureRecord] {
	return decode[FeatureRecord](featureSchemaC, raw, at)
}

// DecodeHSI turns a raw HSI-scorer body into a Response.
func DecodeHSI(raw []byte, at time.Time) Response[HSIRecord] {
	return decode[HSIRecord](hsiSchemaC, raw, at)
}

// DecodeRhythm turns a raw rhythm-classifier body into a Response.
func DecodeRhythm(raw []byte, at time.Time) Response[RhythmRecord] {
	return decode[RhythmRecord](rhythmSchemaC, raw, at)
}

// CheckShape validates a raw body against the named producer schema.
// Producers that decode their own transport use it to classify failures.
func CheckShape(producer string, raw []byte) error {
	var schema *jsonschema.Schema
	switch producer {
	case "features":
		schema = featureSchemaC
	case "hsi":
		schema = hsiSchemaC
	case "rhythm":
		schema = rhythmSchemaC
	default:
		return fmt.Errorf("unknown producer %q", producer)
	}
	return checkShape(schema, raw)
}

func decode[T any](schema *jsonschema.Schema, raw []byte, at time.Time) Response[T] {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return Missing[T]("empty body")
	}
	if err := checkShape(schema, raw); err != nil {
		return Invalid[T](err.Error(), at)
	}
	var rec T
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Invalid[T](fmt.Sprintf("decode: %v", err), at)
	}
	return Valid(rec, at)
}

func checkShape(schema *jsonschema.Schema, raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// #endregion decode
