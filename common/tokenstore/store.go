// Package tokenstore persists the current access token of a channel.
package tokenstore

import (
	"context"
	"sync"

	"github.com/guarzo/lineapi/common/model"
)

// Store holds at most one current token.
type Store interface {
	// Current returns the current token, or (nil, nil) if none is stored.
	Current(ctx context.Context) (*model.AccessToken, error)
	SetCurrent(ctx context.Context, token *model.AccessToken) error
	// RemoveCurrent is a no-op when nothing is stored.
	RemoveCurrent(ctx context.Context) error
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps the token in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	token *model.AccessToken
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Current(_ context.Context) (*model.AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return nil, nil
	}
	t := *m.token
	return &t, nil
}

func (m *MemoryStore) SetCurrent(_ context.Context, token *model.AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == nil {
		m.token = nil
		return nil
	}
	t := *token
	m.token = &t
	return nil
}

func (m *MemoryStore) RemoveCurrent(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
	return nil
}
