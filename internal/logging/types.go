package logging

import (
	"time"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/policy"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/signals"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/state"
)

// #region decision-record
// DecisionRecord is a single row in the decision_log table. The byte slice
// fields hold sealed values; KeyID names the key that sealed them. PrevHash
// and ChainHash link each row to the one with the previous sequence id.
type DecisionRecord struct {
	SequenceID    uint64
	DecisionID    string
	SessionID     string
	Timestamp     time.Time
	SystemMode    string
	PacingMode    string
	PacingEnabled bool
	TargetRateBPM float64
	Rule          int
	KeyID         string
	RhythmClass   []byte
	HSIScore      []byte
	Rationale     []byte
	FullPayload   []byte
	PrevHash      string
	ChainHash     string
}

// #endregion decision-record

// #region decision-trace
// DecisionTrace captures the complete evaluation inputs and outputs for one
// decision. Serialized as JSON and sealed into decision_log.full_payload for
// deterministic replay.
type DecisionTrace struct {
	SequenceID uint64    `json:"sequence_id"`
	DecisionID string    `json:"decision_id"`
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`

	// Exact input as evaluated at runtime
	Input        signals.DecisionInput `json:"input"`
	Completeness signals.Completeness  `json:"completeness"`
	PriorState   state.SystemState     `json:"prior_state"`

	// Evaluator output
	Command   policy.PacingCommand `json:"command"`
	NextState state.SystemState    `json:"next_state"`
	Rule      int                  `json:"rule"`
	Rationale string               `json:"rationale"`
	Detail    string               `json:"detail,omitempty"`
	Checks    policy.SafetyChecks  `json:"checks"`

	// Thresholds active at decision time
	Thresholds policy.Config `json:"thresholds"`

	// Set when the command invariant check replaced the evaluator's command
	FailSafe   bool     `json:"fail_safe,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// #endregion decision-trace

// #region query
// Query selects decision_log rows. Zero values mean no filter.
type Query struct {
	SessionID     string
	AfterSequence uint64
	Limit         int
	Newest        bool // newest first instead of sequence order
}

// #endregion query
