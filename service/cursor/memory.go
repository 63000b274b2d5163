package cursor

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
)

// MemoryStore keeps cursors for the lifetime of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	cursors map[solana.PublicKey]Cursor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[solana.PublicKey]Cursor)}
}

func (s *MemoryStore) Load(_ context.Context, address solana.PublicKey) (Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[address]
	if !ok {
		return Cursor{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Save(_ context.Context, address solana.PublicKey, c Cursor) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[address] = c
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, address solana.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, address)
	return nil
}
