package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	logs     map[uint64]*transaction.TransactionLog
	settings *transaction.Settings
	nextID   uint64
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[uint64]*transaction.TransactionLog)}
}

func (s *MemoryStore) GetTransactionLog(_ context.Context, id uint64) (*transaction.TransactionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	log, ok := s.logs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", transaction.ErrTransactionNotFound, id)
	}
	return log.Clone(), nil
}

func (s *MemoryStore) SetTransactionLog(_ context.Context, log *transaction.TransactionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.logs[log.TransactionID] = log.Clone()
	if log.TransactionID > s.nextID {
		s.nextID = log.TransactionID
	}
	return nil
}

func (s *MemoryStore) RemoveTransactionLog(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.logs, id)
	return nil
}

func (s *MemoryStore) ListTransactionLogs(_ context.Context) ([]*transaction.TransactionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*transaction.TransactionLog, 0, len(s.logs))
	for _, log := range s.logs {
		out = append(out, log.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out, nil
}

func (s *MemoryStore) NextTransactionID(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	s.nextID++
	return s.nextID, nil
}

func (s *MemoryStore) GetSettings(_ context.Context) (*transaction.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.settings == nil {
		return nil, transaction.ErrNotInitialized
	}
	return cloneSettings(s.settings), nil
}

func (s *MemoryStore) SetSettings(_ context.Context, settings *transaction.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.settings = cloneSettings(settings)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
