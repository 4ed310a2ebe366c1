package storage

import (
	"context"
	"sync"

	"issuewatch/internal/state"
)

// Memory is a non-durable Store.
type Memory struct {
	mu     sync.Mutex
	st     state.PollState
	saves  int
	closed bool
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(context.Context) (state.PollState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return state.PollState{}, ErrClosed
	}
	return m.st.Normalize(), nil
}

func (m *Memory) Save(_ context.Context, st state.PollState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.st = st.Clone()
	m.saves++
	return nil
}

// Saves reports how many times Save succeeded.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
