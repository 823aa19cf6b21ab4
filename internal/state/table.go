package state

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// #region table
// Table is the keyed per-session state table. Each session has its own lock,
// so decisions for one session are strictly ordered while different
// sessions proceed in parallel.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu           sync.Mutex
	state        SystemState
	registeredAt time.Time
	decisions    int
	ended        bool
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// #endregion table

// #region register
// Register creates the state for a new session.
func (t *Table) Register(sessionID string, at time.Time) (SystemState, error) {
	return t.register(sessionID, Initial(), at)
}

// Restore re-registers a session with a previously archived state, e.g.
// after a process restart.
func (t *Table) Restore(sessionID string, st SystemState, at time.Time) error {
	_, err := t.register(sessionID, st, at)
	return err
}

func (t *Table) register(sessionID string, st SystemState, at time.Time) (SystemState, error) {
	if sessionID == "" {
		return SystemState{}, fmt.Errorf("register: empty session id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[sessionID]; ok {
		return SystemState{}, fmt.Errorf("register %s: %w", sessionID, ErrSessionExists)
	}
	t.entries[sessionID] = &entry{state: st, registeredAt: at}
	return st, nil
}

// #endregion register

// #region apply
// Apply runs fn with the session's current state while holding that
// session's lock, and stores the state fn returns. fn may block (gathering
// producer input); other sessions are unaffected.
func (t *Table) Apply(sessionID string, fn func(SystemState) SystemState) (SystemState, error) {
	e, err := t.lookup(sessionID)
	if err != nil {
		return SystemState{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return SystemState{}, fmt.Errorf("apply %s: %w", sessionID, ErrUnknownSession)
	}
	next := fn(e.state)
	e.state = next
	e.decisions++
	return next, nil
}

// #endregion apply

// #region read
// Get returns a copy of the session's state.
func (t *Table) Get(sessionID string) (SystemState, error) {
	e, err := t.lookup(sessionID)
	if err != nil {
		return SystemState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// Sessions lists registered session ids in sorted order.
func (t *Table) Sessions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Table) lookup(sessionID string) (*entry, error) {
	t.mu.RLock()
	e, ok := t.entries[sessionID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrUnknownSession)
	}
	return e, nil
}

// #endregion read

// #region end
// End removes the session and returns its final state for archiving. It
// waits for an in-flight decision on the session to finish.
func (t *Table) End(sessionID string, at time.Time) (ArchivedSession, error) {
	t.mu.Lock()
	e, ok := t.entries[sessionID]
	if ok {
		delete(t.entries, sessionID)
	}
	t.mu.Unlock()
	if !ok {
		return ArchivedSession{}, fmt.Errorf("end %s: %w", sessionID, ErrUnknownSession)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.ended = true
	return ArchivedSession{
		SessionID:    sessionID,
		State:        e.state,
		RegisteredAt: e.registeredAt,
		EndedAt:      at,
		Decisions:    e.decisions,
	}, nil
}

// #endregion end
