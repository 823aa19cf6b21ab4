package state

import (
	"errors"
	"time"
)

// #region mode
// Mode is the engine's operating mode. Ordered by caution: NORMAL < DEGRADED < SAFE_MODE.
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModeDegraded Mode = "DEGRADED"
	ModeSafe     Mode = "SAFE_MODE"
)

// Caution ranks a mode; higher is more cautious. Unrecognised modes rank as
// SAFE_MODE.
func (m Mode) Caution() int {
	switch m {
	case ModeNormal:
		return 0
	case ModeDegraded:
		return 1
	default:
		return 2
	}
}

// MoreCautious returns whichever of a and b is more cautious.
func MoreCautious(a, b Mode) Mode {
	if b.Caution() > a.Caution() {
		return b
	}
	return a
}

// #endregion mode

// #region system-state
// SystemState is the per-session controller state. It is a value: callers
// receive copies and only the decision path writes it back.
type SystemState struct {
	Mode                   Mode      `json:"mode"`
	ConsecutiveStableCount int       `json:"consecutive_stable_count"`
	LastDecisionAt         time.Time `json:"last_decision_at"`
}

// Initial returns the state a newly registered session starts in.
func Initial() SystemState {
	return SystemState{Mode: ModeNormal}
}

// #endregion system-state

// #region archived-session
// ArchivedSession is a session's final state as kept after session end.
type ArchivedSession struct {
	SessionID    string
	State        SystemState
	RegisteredAt time.Time
	EndedAt      time.Time
	Decisions    int
}

// #endregion archived-session

// #region errors
var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionExists  = errors.New("session already registered")
)

// #endregion errors
