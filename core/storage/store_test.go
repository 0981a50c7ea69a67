package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotxn/core/security/encryption"
	"github.com/sushant-115/gojotxn/core/transaction"
)

func testSealer(t *testing.T) *encryption.Sealer {
	t.Helper()
	s, err := encryption.NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return s
}

// storeFactories lists every Store implementation; each subtest gets a fresh one.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"bolt": func(t *testing.T) Store {
			s, err := OpenBoltStore(filepath.Join(t.TempDir(), "txn.db"))
			require.NoError(t, err)
			return s
		},
		"bolt_sealed": func(t *testing.T) Store {
			s, err := OpenBoltStore(filepath.Join(t.TempDir(), "txn.db"), WithSealer(testSealer(t)))
			require.NoError(t, err)
			return s
		},
		"cached": func(t *testing.T) Store {
			s, err := NewCachedStore(NewMemoryStore(), 16)
			require.NoError(t, err)
			return s
		},
	}
}

func sampleLog(id uint64) *transaction.TransactionLog {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &transaction.TransactionLog{
		TransactionID: id,
		Initiator:     "alice",
		Phase:         transaction.PhaseInitiated,
		Operations: []transaction.TransactionOperation{{
			OperationID:     1,
			ContractType:    "identity",
			ContractAddress: "kv-1",
			FunctionName:    "set",
			Parameters:      []string{"k", "v"},
			LockedResources: []string{"k"},
		}},
		CreatedAt:      at,
		UpdatedAt:      at,
		TimeoutSeconds: 300,
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			_, err := s.GetTransactionLog(ctx, 1)
			require.ErrorIs(t, err, transaction.ErrTransactionNotFound)

			id1, err := s.NextTransactionID(ctx)
			require.NoError(t, err)
			id2, err := s.NextTransactionID(ctx)
			require.NoError(t, err)
			require.Equal(t, uint64(1), id1)
			require.Equal(t, uint64(2), id2)

			log := sampleLog(id2)
			require.NoError(t, s.SetTransactionLog(ctx, log))
			require.NoError(t, s.SetTransactionLog(ctx, sampleLog(id1)))

			got, err := s.GetTransactionLog(ctx, id2)
			require.NoError(t, err)
			require.Equal(t, log.Initiator, got.Initiator)
			require.Equal(t, log.Operations, got.Operations)
			require.True(t, log.CreatedAt.Equal(got.CreatedAt))

			// returned logs are copies
			got.Operations[0].Prepared = true
			again, err := s.GetTransactionLog(ctx, id2)
			require.NoError(t, err)
			require.False(t, again.Operations[0].Prepared)

			log.Phase = transaction.PhasePreparing
			require.NoError(t, s.SetTransactionLog(ctx, log))
			again, err = s.GetTransactionLog(ctx, id2)
			require.NoError(t, err)
			require.Equal(t, transaction.PhasePreparing, again.Phase)

			all, err := s.ListTransactionLogs(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			require.Equal(t, id1, all[0].TransactionID)
			require.Equal(t, id2, all[1].TransactionID)

			require.NoError(t, s.RemoveTransactionLog(ctx, id1))
			_, err = s.GetTransactionLog(ctx, id1)
			require.ErrorIs(t, err, transaction.ErrTransactionNotFound)

			// explicit writes push the id sequence forward
			require.NoError(t, s.SetTransactionLog(ctx, sampleLog(10)))
			next, err := s.NextTransactionID(ctx)
			require.NoError(t, err)
			require.Equal(t, uint64(11), next)
		})
	}
}

func TestSettingsContract(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			_, err := s.GetSettings(ctx)
			require.ErrorIs(t, err, transaction.ErrNotInitialized)

			settings := &transaction.Settings{
				Admin: "admin",
				Timeouts: transaction.TimeoutConfig{
					DefaultTimeout:   300,
					MaxTimeout:       3600,
					ContractTimeouts: map[transaction.ContractType]uint64{"zk_verifier": 600},
				},
				MaxBatchSize:  10,
				InitializedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			}
			require.NoError(t, s.SetSettings(ctx, settings))
			settings.Timeouts.ContractTimeouts["zk_verifier"] = 1

			got, err := s.GetSettings(ctx)
			require.NoError(t, err)
			require.Equal(t, "admin", got.Admin)
			require.Equal(t, uint64(600), got.Timeouts.ContractTimeouts["zk_verifier"])
			require.Equal(t, 10, got.MaxBatchSize)
		})
	}
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "txn.db")

	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	id, err := s.NextTransactionID(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SetTransactionLog(ctx, sampleLog(id)))
	require.NoError(t, s.Close())

	s, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetTransactionLog(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "alice", got.Initiator)
	next, err := s.NextTransactionID(ctx)
	require.NoError(t, err)
	require.Equal(t, id+1, next)
}

func TestBoltStoreSealed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "txn.db")

	s, err := OpenBoltStore(path, WithSealer(testSealer(t)))
	require.NoError(t, err)
	require.NoError(t, s.SetTransactionLog(ctx, sampleLog(1)))
	require.NoError(t, s.Close())

	plain, err := OpenBoltStore(path)
	require.NoError(t, err)
	_, err = plain.GetTransactionLog(ctx, 1)
	require.Error(t, err)
	require.NoError(t, plain.Close())

	other, err := encryption.NewSealer([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)
	wrong, err := OpenBoltStore(path, WithSealer(other))
	require.NoError(t, err)
	_, err = wrong.ListTransactionLogs(ctx)
	require.Error(t, err)
	require.NoError(t, wrong.Close())
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	_, err := s.NextTransactionID(context.Background())
	require.ErrorIs(t, err, ErrStoreClosed)
}

func TestCachedStoreServesFromCache(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore()
	s, err := NewCachedStore(backing, 16)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetTransactionLog(ctx, sampleLog(1)))
	require.Eventually(t, func() bool {
		_, err := s.GetTransactionLog(ctx, 1)
		return err == nil && s.Hits() > 0
	}, time.Second, 5*time.Millisecond)

	// A removal through the cache is never served stale.
	require.NoError(t, s.RemoveTransactionLog(ctx, 1))
	_, err = s.GetTransactionLog(ctx, 1)
	require.ErrorIs(t, err, transaction.ErrTransactionNotFound)
}

// stallingStore parks the first log read after it has loaded its result.
type stallingStore struct {
	*MemoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) GetTransactionLog(ctx context.Context, id uint64) (*transaction.TransactionLog, error) {
	log, err := s.MemoryStore.GetTransactionLog(ctx, id)
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return log, err
}

func TestCachedStoreFillDoesNotOverwriteWrite(t *testing.T) {
	ctx := context.Background()
	backing := &stallingStore{
		MemoryStore: NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	require.NoError(t, backing.SetTransactionLog(ctx, sampleLog(1)))
	s, err := NewCachedStore(backing, 16)
	require.NoError(t, err)
	defer s.Close()

	var (
		wg             sync.WaitGroup
		getErr, setErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, getErr = s.GetTransactionLog(ctx, 1)
	}()
	<-backing.entered

	updated := sampleLog(1)
	updated.Phase = transaction.PhasePrepared
	go func() {
		defer wg.Done()
		setErr = s.SetTransactionLog(ctx, updated)
	}()
	time.Sleep(20 * time.Millisecond)
	close(backing.release)
	wg.Wait()
	require.NoError(t, getErr)
	require.NoError(t, setErr)

	log, err := s.GetTransactionLog(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, transaction.PhasePrepared, log.Phase)
}
