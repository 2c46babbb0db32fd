package session

import (
	"context"
	"sync"
)

// InMemory keeps history for the lifetime of the process.
type InMemory struct {
	sessions map[string][]Turn
	mu       sync.RWMutex
}

func NewInMemory() *InMemory {
	return &InMemory{sessions: make(map[string][]Turn)}
}

func (store *InMemory) History(_ context.Context, sessionID string) ([]Turn, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	turns := store.sessions[sessionID]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (store *InMemory) Append(_ context.Context, sessionID string, turns ...Turn) error {
	if err := validate(turns); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.sessions[sessionID] = append(store.sessions[sessionID], turns...)
	return nil
}

func (store *InMemory) Clear(_ context.Context, sessionID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.sessions, sessionID)
	return nil
}
