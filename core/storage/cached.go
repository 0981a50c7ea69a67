package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/sushant-115/gojotxn/core/transaction"
)

const cacheStripes = 64

// CachedStore fronts another Store with a ristretto read cache of
// transaction logs. Writes go through to the backing store first. A miss
// fill and a write of the same id never interleave, so a fill cannot
// overwrite a newer log.
type CachedStore struct {
	Store
	cache   *ristretto.Cache[uint64, *transaction.TransactionLog]
	stripes [cacheStripes]sync.Mutex
}

// NewCachedStore caches up to maxEntries logs read from backing.
func NewCachedStore(backing Store, maxEntries int64) (*CachedStore, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, *transaction.TransactionLog]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		Metrics:     true,
		// Every log costs 1, so MaxCost counts entries.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create log cache: %w", err)
	}
	return &CachedStore{Store: backing, cache: cache}, nil
}

func (s *CachedStore) stripe(id uint64) *sync.Mutex {
	return &s.stripes[id%cacheStripes]
}

func (s *CachedStore) GetTransactionLog(ctx context.Context, id uint64) (*transaction.TransactionLog, error) {
	if log, ok := s.cache.Get(id); ok {
		return log.Clone(), nil
	}
	mu := s.stripe(id)
	mu.Lock()
	defer mu.Unlock()
	if log, ok := s.cache.Get(id); ok {
		return log.Clone(), nil
	}
	log, err := s.Store.GetTransactionLog(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(id, log.Clone(), 1)
	s.cache.Wait()
	return log, nil
}

func (s *CachedStore) SetTransactionLog(ctx context.Context, log *transaction.TransactionLog) error {
	mu := s.stripe(log.TransactionID)
	mu.Lock()
	defer mu.Unlock()
	if err := s.Store.SetTransactionLog(ctx, log); err != nil {
		s.cache.Del(log.TransactionID)
		return err
	}
	s.cache.Set(log.TransactionID, log.Clone(), 1)
	s.cache.Wait()
	return nil
}

func (s *CachedStore) RemoveTransactionLog(ctx context.Context, id uint64) error {
	mu := s.stripe(id)
	mu.Lock()
	defer mu.Unlock()
	s.cache.Del(id)
	return s.Store.RemoveTransactionLog(ctx, id)
}

// Hits returns the number of cache hits since creation.
func (s *CachedStore) Hits() uint64 {
	if s.cache.Metrics == nil {
		return 0
	}
	return s.cache.Metrics.Hits()
}

func (s *CachedStore) Close() error {
	s.cache.Close()
	return s.Store.Close()
}
