package store

import (
	"context"
	"sort"
	"sync"

	"keyfold/go-vault/internal/vault/payload"
)

// Memory is an in-process store for tests and ephemeral hosts.
type Memory struct {
	mu   sync.RWMutex
	byID map[string]payload.Envelope
}

func NewMemory() *Memory {
	return &Memory{byID: make(map[string]payload.Envelope)}
}

func (m *Memory) Put(ctx context.Context, id string, env *payload.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkPut(id, env); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[id] = *env
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*payload.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	dup := env
	return &dup, nil
}

func (m *Memory) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	return nil
}

func (m *Memory) ListIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = make(map[string]payload.Envelope)
	return nil
}
