package raftstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// setupSingleNode starts a one-node in-memory Raft cluster and waits for it
// to elect itself.
func setupSingleNode(t *testing.T) *Store {
	t.Helper()
	logger := zap.NewNop()

	cfg := raft.DefaultConfig()
	cfg.LocalID = "node-1"
	cfg.Logger = NewHCLogger(logger)
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.ElectionTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 50 * time.Millisecond
	cfg.CommitTimeout = 5 * time.Millisecond

	store := raft.NewInmemStore()
	snaps := raft.NewInmemSnapshotStore()
	addr, transport := raft.NewInmemTransport("")
	fsm := NewFSM(logger)

	node, err := raft.NewRaft(cfg, fsm, store, store, snaps, transport)
	require.NoError(t, err)
	require.NoError(t, node.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}},
	}).Error())

	s := New(node, fsm, time.Second, logger)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitForLeader(ctx))
	require.Eventually(t, s.IsLeader, 5*time.Second, 10*time.Millisecond)
	return s
}

func TestReplicatedStoreRoundTrip(t *testing.T) {
	s := setupSingleNode(t)
	ctx := context.Background()

	id, err := s.NextTransactionID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	log := &transaction.TransactionLog{
		TransactionID:  id,
		Initiator:      "alice",
		Phase:          transaction.PhasePrepared,
		TimeoutSeconds: 60,
	}
	require.NoError(t, s.SetTransactionLog(ctx, log))

	got, err := s.GetTransactionLog(ctx, id)
	require.NoError(t, err)
	require.Equal(t, transaction.PhasePrepared, got.Phase)

	logs, err := s.ListTransactionLogs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	require.NoError(t, s.RemoveTransactionLog(ctx, id))
	_, err = s.GetTransactionLog(ctx, id)
	require.ErrorIs(t, err, transaction.ErrTransactionNotFound)

	_, err = s.GetSettings(ctx)
	require.ErrorIs(t, err, transaction.ErrNotInitialized)
	require.NoError(t, s.SetSettings(ctx, &transaction.Settings{Admin: "root"}))
	settings, err := s.GetSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, "root", settings.Admin)

	require.NotEmpty(t, s.Stats()["state"])
}

func TestFSMSnapshotRestore(t *testing.T) {
	fsm := NewFSM(nil)
	apply := func(index uint64, cmd Command) interface{} {
		data, err := json.Marshal(cmd)
		require.NoError(t, err)
		return fsm.Apply(&raft.Log{Index: index, Data: data})
	}

	require.Nil(t, apply(1, Command{Op: OpSetLog, Log: &transaction.TransactionLog{TransactionID: 4, Initiator: "bob"}}))
	require.Equal(t, uint64(5), apply(2, Command{Op: OpNextID}))
	require.Nil(t, apply(3, Command{Op: OpSetSettings, Settings: &transaction.Settings{Admin: "root"}}))
	_, isErr := apply(4, Command{Op: "bogus"}).(error)
	require.True(t, isErr)
	_, isErr = fsm.Apply(&raft.Log{Index: 5, Data: []byte("{")}).(error)
	require.True(t, isErr)

	snap, err := fsm.Snapshot()
	require.NoError(t, err)
	sink := &bufferSink{}
	require.NoError(t, snap.Persist(sink))
	require.True(t, sink.closed)

	restored := NewFSM(nil)
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	log, ok := restored.Log(4)
	require.True(t, ok)
	require.Equal(t, "bob", log.Initiator)
	settings, ok := restored.Settings()
	require.True(t, ok)
	require.Equal(t, "root", settings.Admin)

	data, err := json.Marshal(Command{Op: OpNextID})
	require.NoError(t, err)
	require.Equal(t, uint64(6), restored.Apply(&raft.Log{Index: 6, Data: data}))
}

func TestHCLoggerAdapter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewHCLogger(zap.New(core)).Named("raft").With("node", "n1")

	require.True(t, l.IsDebug())
	require.Equal(t, "raft", l.Name())
	l.Info("entering leader state", "term", 3)
	l.Debug("tx closed")
	l.SetLevel(hclog.Warn)
	l.Info("suppressed")
	l.Warn("heartbeat slow", "odd")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "entering leader state", entries[0].Message)
	require.Equal(t, "n1", entries[0].ContextMap()["node"])
	require.EqualValues(t, 3, entries[0].ContextMap()["term"])
	require.Equal(t, "(no value)", entries[1].ContextMap()["odd"])
	require.NotNil(t, l.StandardLogger(nil))
}

type bufferSink struct {
	bytes.Buffer
	closed bool
}

func (b *bufferSink) ID() string    { return "test" }
func (b *bufferSink) Cancel() error { return nil }
func (b *bufferSink) Close() error {
	b.closed = true
	return nil
}
