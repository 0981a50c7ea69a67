package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotxn/core/events"
	"github.com/sushant-115/gojotxn/core/participant"
	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/transaction"
)

const admin = "admin"

var timeouts = transaction.TimeoutConfig{DefaultTimeout: 300, MaxTimeout: 3600}

type fixture struct {
	orch  *Orchestrator
	store *storage.MemoryStore
	reg   *participant.Registry
	kv    *participant.KVParticipant
	rec   *events.Recorder
	now   time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStore(),
		kv:    participant.NewKVParticipant(),
		rec:   events.NewRecorder(0),
		now:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	f.reg = participant.NewRegistry(time.Second, nil)
	require.NoError(t, f.reg.Register("kv", "kv", f.kv))
	f.orch = f.newOrchestrator(opts...)
	require.NoError(t, f.orch.Initialize(context.Background(), admin, timeouts, 3))
	return f
}

func (f *fixture) newOrchestrator(opts ...Option) *Orchestrator {
	opts = append([]Option{WithClock(f.clock)}, opts...)
	return New(f.store, f.reg, events.NewPublisher(nil, f.rec), nil, opts...)
}

// set writes value under key and locks the resource of the same name.
func set(id uint64, key string) transaction.TransactionOperation {
	return transaction.TransactionOperation{
		OperationID:     id,
		ContractType:    "kv",
		ContractAddress: "kv",
		FunctionName:    "set",
		Parameters:      []string{key, "v" + key},
		LockedResources: []string{key},
	}
}

func (f *fixture) begin(t *testing.T, ops ...transaction.TransactionOperation) uint64 {
	t.Helper()
	log, err := f.orch.BeginTransaction(context.Background(), "alice", ops, 0, nil)
	require.NoError(t, err)
	return log.TransactionID
}

func TestInitializeOnce(t *testing.T) {
	f := setup(t)
	err := f.orch.Initialize(context.Background(), admin, timeouts, 3)
	require.ErrorIs(t, err, transaction.ErrAlreadyInitialized)

	fresh := New(storage.NewMemoryStore(), f.reg, nil, nil)
	_, err = fresh.BeginTransaction(context.Background(), "alice", []transaction.TransactionOperation{set(1, "a")}, 0, nil)
	require.ErrorIs(t, err, transaction.ErrNotInitialized)

	err = fresh.Initialize(context.Background(), admin, transaction.TimeoutConfig{DefaultTimeout: 5, MaxTimeout: 10}, 0)
	require.ErrorIs(t, err, transaction.ErrInvalidInput)
	require.NoError(t, fresh.Initialize(context.Background(), admin, timeouts, 0))
	settings, err := fresh.Settings(context.Background())
	require.NoError(t, err)
	require.Equal(t, DefaultMaxBatchSize, settings.MaxBatchSize)
}

func TestBeginTransaction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	op := set(1, "a")
	op.Prepared = true
	log, err := f.orch.BeginTransaction(ctx, "alice", []transaction.TransactionOperation{op, set(2, "b")}, 0, []string{"ticket=7"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), log.TransactionID)
	require.Equal(t, transaction.PhaseInitiated, log.Phase)
	require.Equal(t, uint64(300), log.TimeoutSeconds)
	require.False(t, log.Operations[0].Prepared)
	require.Equal(t, []uint64{1}, f.orch.Locks().Claims["a"])

	_, err = f.orch.BeginTransaction(ctx, "alice", nil, 0, nil)
	require.ErrorIs(t, err, transaction.ErrInvalidInput)
	_, err = f.orch.BeginTransaction(ctx, "alice", []transaction.TransactionOperation{set(1, "a")}, 7200, nil)
	require.ErrorIs(t, err, transaction.ErrInvalidInput)

	unknown := set(1, "a")
	unknown.ContractAddress = "elsewhere"
	_, err = f.orch.BeginTransaction(ctx, "alice", []transaction.TransactionOperation{unknown}, 0, nil)
	require.ErrorIs(t, err, transaction.ErrInvalidInput)
	require.Len(t, f.rec.ByKind(events.KindTransactionStarted), 1)
}

func TestRunCommits(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.begin(t, set(1, "a"), set(2, "b"))

	log, err := f.orch.Run(ctx, id)
	require.NoError(t, err)
	require.Equal(t, transaction.PhaseCommitted, log.Phase)
	for _, op := range log.Operations {
		require.True(t, op.Committed)
	}
	v, ok := f.kv.Get("b")
	require.True(t, ok)
	require.Equal(t, "vb", v)
	require.Empty(t, f.orch.Locks().HeldBy(id))
	require.Len(t, f.rec.ByKind(events.KindTransactionCommitted), 1)
	_, tracked := f.orch.txLocks.Load(id)
	require.False(t, tracked)

	_, err = f.orch.Rollback(ctx, "alice", id, "")
	require.ErrorIs(t, err, transaction.ErrInvalidPhase)
}

func TestRunRollsBackOnPrepareFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.begin(t, set(1, "a"), set(2, "b"), set(3, "c"))
	require.NoError(t, f.kv.Call(ctx, "prepare_set", []string{"b", "x"}))

	log, err := f.orch.Run(ctx, id)
	require.ErrorIs(t, err, transaction.ErrContractCallFailed)
	require.Equal(t, transaction.PhaseRolledBack, log.Phase)
	require.False(t, log.Operations[0].Prepared)
	require.NotEmpty(t, log.Operations[1].Error)
	require.Equal(t, []string{"b"}, f.kv.Staged())
	require.Empty(t, f.orch.Locks().Holds)

	rolledBack := f.rec.ByKind(events.KindTransactionRolledBack)
	require.Len(t, rolledBack, 1)
	require.Equal(t, id, rolledBack[0].TransactionID)
	require.Equal(t, uint64(1), f.orch.RollbackStatistics().OperationsReverted)
}

func TestRunRollsBackUncommittedOnCommitFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.begin(t, set(1, "a"), set(2, "b"))
	f.kv.FailOn("commit_set", errors.New("read-only"))

	log, err := f.orch.Run(ctx, id)
	require.ErrorIs(t, err, transaction.ErrContractCallFailed)
	require.Equal(t, transaction.PhaseRolledBack, log.Phase)
	require.Empty(t, f.kv.Staged())
	require.Equal(t, []string{
		"prepare_set", "prepare_set", "commit_set", "rollback_set", "rollback_set",
	}, f.kv.EntryPoints())
}

func TestRollbackAuthorization(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.begin(t, set(1, "a"))
	_, err := f.orch.Prepare(ctx, id)
	require.NoError(t, err)

	_, err = f.orch.Rollback(ctx, "mallory", id, "")
	require.ErrorIs(t, err, transaction.ErrUnauthorized)
	require.Len(t, f.rec.ByKind(events.KindSecurity), 1)

	_, err = f.orch.PartialRollback(ctx, "mallory", id, []uint64{1})
	require.ErrorIs(t, err, transaction.ErrUnauthorized)

	log, err := f.orch.Rollback(ctx, admin, id, "operator request")
	require.NoError(t, err)
	require.Equal(t, transaction.PhaseRolledBack, log.Phase)
	require.Equal(t, "operator request", log.Error)
	require.Empty(t, f.kv.Staged())
}

func TestPartialRollbackKeepsPhase(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.begin(t, set(1, "a"), set(2, "b"))
	_, err := f.orch.Prepare(ctx, id)
	require.NoError(t, err)

	infos, err := f.orch.PartialRollback(ctx, "alice", id, []uint64{2})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, []string{"a"}, f.kv.Staged())

	log, err := f.orch.GetTransaction(ctx, id)
	require.NoError(t, err)
	require.Equal(t, transaction.PhasePrepared, log.Phase)
	status, err := f.orch.OperationStatus(ctx, id, 2)
	require.NoError(t, err)
	require.EqualValues(t, "pending", status)
}

func TestCheckTimeout(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	prepared := f.begin(t, set(1, "a"))
	_, err := f.orch.Prepare(ctx, prepared)
	require.NoError(t, err)
	initiated := f.begin(t, set(1, "b"))

	expired, err := f.orch.CheckTimeout(ctx, prepared)
	require.NoError(t, err)
	require.False(t, expired)

	f.now = f.now.Add(301 * time.Second)
	_, err = f.orch.Prepare(ctx, initiated)
	require.ErrorIs(t, err, transaction.ErrTransactionExpired)

	ids, err := f.orch.CheckTimeouts(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{prepared, initiated}, ids)

	log, err := f.orch.GetTransaction(ctx, prepared)
	require.NoError(t, err)
	require.Equal(t, transaction.PhaseTimedOut, log.Phase)
	require.Empty(t, f.kv.Staged())
	_, tracked := f.orch.txLocks.Load(prepared)
	require.False(t, tracked)

	log, err = f.orch.GetTransaction(ctx, initiated)
	require.NoError(t, err)
	require.Equal(t, transaction.PhaseInitiated, log.Phase)
	require.Equal(t, ExpiredBeforePrepare, log.Error)
	require.Empty(t, f.orch.Locks().Claims)
	require.Len(t, f.rec.ByKind(events.KindTransactionTimedOut), 2)

	expired, err = f.orch.CheckTimeout(ctx, prepared)
	require.NoError(t, err)
	require.False(t, expired)

	// A later sweep leaves both alone.
	f.now = f.now.Add(time.Minute)
	ids, err = f.orch.CheckTimeouts(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Len(t, f.rec.ByKind(events.KindTransactionTimedOut), 2)
	require.Empty(t, f.orch.Health(ctx).ExpiredActive)

	n, err := f.newOrchestrator().Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDeadlockRejectionAndResolution(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	t1 := f.begin(t, set(1, "r1"), set(2, "r2"))
	t2 := f.begin(t, set(1, "r2"), set(2, "r1"))

	// t2 got as far as locking r2.
	require.NoError(t, f.orch.locks.Acquire(t2, "r2"))
	_, err := f.orch.Prepare(ctx, t1)
	require.ErrorIs(t, err, transaction.ErrResourceLocked)

	// t1 holds r1 and waits on r2, t2 holds r2 and still claims r1.
	_, err = f.orch.Prepare(ctx, t2)
	require.ErrorIs(t, err, transaction.ErrDeadlockDetected)

	infos := f.orch.DetectDeadlocks(ctx)
	require.Len(t, infos, 1)
	require.Equal(t, t1, infos[0].TransactionID)
	require.Equal(t, []uint64{t1, t2}, infos[0].ConflictingTransactions)
	require.Equal(t, []string{"r1", "r2"}, infos[0].ConflictingResources)

	_, err = f.orch.ResolveDeadlocks(ctx)
	require.NoError(t, err)
	log, err := f.orch.GetTransaction(ctx, t1)
	require.NoError(t, err)
	require.Equal(t, transaction.PhaseRolledBack, log.Phase)
	_, tracked := f.orch.txLocks.Load(t1)
	require.False(t, tracked)
	require.Empty(t, f.orch.DetectDeadlocks(ctx))

	log, err = f.orch.Run(ctx, t2)
	require.NoError(t, err)
	require.Equal(t, transaction.PhaseCommitted, log.Phase)
}

func TestUpdateTimeoutConfig(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cfg := transaction.TimeoutConfig{
		DefaultTimeout:   600,
		MaxTimeout:       7200,
		ContractTimeouts: map[transaction.ContractType]uint64{"kv": 900},
	}

	require.ErrorIs(t, f.orch.UpdateTimeoutConfig(ctx, "alice", cfg), transaction.ErrUnauthorized)
	require.Len(t, f.rec.ByKind(events.KindSecurity), 1)

	bad := cfg.Clone()
	bad.MaxTimeout = 60
	require.ErrorIs(t, f.orch.UpdateTimeoutConfig(ctx, admin, bad), transaction.ErrInvalidInput)

	require.NoError(t, f.orch.UpdateTimeoutConfig(ctx, admin, cfg))
	require.Len(t, f.rec.ByKind(events.KindTimeoutConfigUpdated), 1)

	log, err := f.orch.BeginTransaction(ctx, "alice", []transaction.TransactionOperation{set(1, "a")}, 0, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(900), log.TimeoutSeconds)
}

func TestProcessBatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ok1 := f.begin(t, set(1, "a"))
	ok2 := f.begin(t, set(1, "b"))
	bad := f.begin(t, set(1, "c"))
	require.NoError(t, f.kv.Call(ctx, "prepare_set", []string{"c", "taken"}))

	batchID, result, err := f.orch.ProcessBatch(ctx, []uint64{ok1, bad, ok2})
	require.NoError(t, err)
	require.NotEmpty(t, batchID)
	require.Equal(t, []uint64{ok1, ok2}, result.Succeeded)
	require.Contains(t, result.Failed, bad)
	require.Len(t, f.rec.ByKind(events.KindBatchStarted), 1)
	require.Len(t, f.rec.ByKind(events.KindBatchCompleted), 1)

	_, _, err = f.orch.ProcessBatch(ctx, []uint64{1, 2, 3, 4})
	require.ErrorIs(t, err, transaction.ErrInvalidInput)
	_, _, err = f.orch.ProcessBatch(ctx, []uint64{1, 1})
	require.ErrorIs(t, err, transaction.ErrInvalidInput)
	_, _, err = f.orch.ProcessBatch(ctx, nil)
	require.ErrorIs(t, err, transaction.ErrInvalidInput)
}

func TestRecoverRebuildsLockTable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	prepared := f.begin(t, set(1, "a"), set(2, "b"))
	_, err := f.orch.Prepare(ctx, prepared)
	require.NoError(t, err)
	initiated := f.begin(t, set(1, "c"))
	done := f.begin(t, set(1, "d"))
	_, err = f.orch.Run(ctx, done)
	require.NoError(t, err)

	restarted := f.newOrchestrator()
	require.Empty(t, restarted.Locks().Holds)

	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	snap := restarted.Locks()
	require.Equal(t, []string{"a", "b"}, snap.HeldBy(prepared))
	require.Equal(t, []uint64{initiated}, snap.Claims["c"])
	require.NotContains(t, snap.Holds, "d")

	log, err := restarted.Commit(ctx, prepared)
	require.NoError(t, err)
	require.Equal(t, transaction.PhaseCommitted, log.Phase)
	require.Empty(t, restarted.Locks().HeldBy(prepared))
}

func TestHealth(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.begin(t, set(1, "a"))
	_, err := f.orch.Prepare(ctx, id)
	require.NoError(t, err)

	report := f.orch.Health(ctx)
	require.True(t, report.Healthy)
	require.True(t, report.Initialized)
	require.Equal(t, 1, report.ActiveTransactions)
	require.Equal(t, 1, report.HeldResources)
	require.Empty(t, report.ExpiredActive)

	f.now = f.now.Add(time.Hour)
	report = f.orch.Health(ctx)
	require.Equal(t, []uint64{id}, report.ExpiredActive)
	require.Len(t, f.rec.ByKind(events.KindHealthCheck), 2)
}

func TestPreventionSuggestions(t *testing.T) {
	f := setup(t)
	require.Len(t, f.orch.PreventionSuggestions([]transaction.TransactionOperation{set(1, "a")}), 2)
	op := set(1, "a")
	op.LockedResources = []string{"a", "b", "c", "d"}
	require.Len(t, f.orch.PreventionSuggestions([]transaction.TransactionOperation{op}), 3)
}

func TestVictimErrorUnwraps(t *testing.T) {
	err := &VictimError{TransactionID: 7, Err: transaction.ErrRollbackFailed}
	require.ErrorIs(t, err, transaction.ErrRollbackFailed)
	require.Equal(t, "victim 7: rollback failed", err.Error())
}
