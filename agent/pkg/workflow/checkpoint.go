package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// CheckpointStore persists the most recent State per session. The
// engine writes a complete snapshot at every suspension point and at
// run completion, so any implementation that stores whole values is
// correct; no incremental update support is needed.
//
// Implementations must be safe for concurrent use by distinct session
// ids. The engine already serializes operations on a single session, so
// per-key synchronization beyond ordinary map safety is not required.
type CheckpointStore interface {
	// Put stores a complete snapshot of state under its session id.
	Put(ctx context.Context, state *State) error
	// Get returns the stored snapshot for sessionID, or (nil, nil) when
	// the session has no checkpoint.
	Get(ctx context.Context, sessionID string) (*State, error)
	// Clear removes the checkpoint for sessionID. Clearing a session
	// that has none is not an error.
	Clear(ctx context.Context, sessionID string) error
}

// MemoryStore is an in-process CheckpointStore. Snapshots are held as
// serialized JSON so a Get always returns a fresh copy, never an alias
// of state a running engine still owns.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, state *State) error {
	if state == nil || state.SessionID == "" {
		return fmt.Errorf("checkpoint requires a session id")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	m.mu.Lock()
	m.data[state.SessionID] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (*State, error) {
	m.mu.RLock()
	raw, ok := m.data[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

func (m *MemoryStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.data, sessionID)
	m.mu.Unlock()
	return nil
}
