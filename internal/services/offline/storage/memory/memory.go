// Package memory provides an in-process KV used by tests and ephemeral runs.
package memory

import (
	"context"
	"sync"

	"github.com/louisbranch/offsync/internal/services/offline/storage"
)

// Store is a goroutine-safe map-backed KV. Fail hooks let tests inject
// storage faults.
type Store struct {
	mu   sync.RWMutex
	data map[string]string

	// FailGet and FailSet, when non-nil, are consulted before each call.
	FailGet func(key string) error
	FailSet func(key string) error
}

// New returns an empty store.
func New() *Store {
	return &Store{data: make(map[string]string)}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailGet != nil {
		if err := s.FailGet(key); err != nil {
			return "", err
		}
	}
	v, ok := s.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSet != nil {
		if err := s.FailSet(key); err != nil {
			return err
		}
	}
	s.data[key] = value
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

var _ storage.KV = (*Store)(nil)
