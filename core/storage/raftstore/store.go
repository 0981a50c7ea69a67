// Package raftstore replicates the orchestrator's transaction logs with
// HashiCorp Raft. Writes go through the leader's log; reads are served from
// the local FSM.
package raftstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/transaction"
	logging "github.com/sushant-115/gojotxn/pkg/logger"
)

const (
	transportMaxPool = 3
	transportTimeout = 10 * time.Second
	snapshotRetain   = 2
)

// Config describes one Raft node.
type Config struct {
	NodeID       string        `yaml:"node_id"`
	BindAddr     string        `yaml:"bind_addr"`
	DataDir      string        `yaml:"data_dir"`
	Bootstrap    bool          `yaml:"bootstrap"`
	ApplyTimeout time.Duration `yaml:"apply_timeout"`
}

// Store implements storage.Store on top of a Raft node.
type Store struct {
	raft         *raft.Raft
	fsm          *FSM
	applyTimeout time.Duration
	logger       *zap.Logger
	closers      []func() error
}

var _ storage.Store = (*Store)(nil)

// Open starts a Raft node with a TCP transport, file snapshots and a BoltDB
// log store under cfg.DataDir.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	logger = logging.OrNop(logger)
	if cfg.NodeID == "" || cfg.BindAddr == "" || cfg.DataDir == "" {
		return nil, fmt.Errorf("%w: raft node_id, bind_addr and data_dir are required", transaction.ErrInvalidInput)
	}
	hclogger := NewHCLogger(logger.Named("raft"))

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.Logger = hclogger

	dataPath := filepath.Join(cfg.DataDir, cfg.NodeID)
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create Raft data directory %s: %w", dataPath, err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve raft address %s: %w", cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, addr, transportMaxPool, transportTimeout, hclogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft TCP transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(dataPath, snapshotRetain, hclogger)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create snapshot store at %s: %w", dataPath, err)
	}

	boltPath := filepath.Join(dataPath, "raft.db")
	boltDB, err := raftboltdb.NewBoltStore(boltPath)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create bolt store at %s: %w", boltPath, err)
	}

	fsm := NewFSM(logger)
	node, err := raft.NewRaft(raftConfig, fsm, boltDB, boltDB, snapshots, transport)
	if err != nil {
		boltDB.Close()
		transport.Close()
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(boltDB, boltDB, snapshots)
		if err != nil {
			return nil, fmt.Errorf("inspect raft state: %w", err)
		}
		if !hasState {
			configuration := raft.Configuration{Servers: []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}}}
			if err := node.BootstrapCluster(configuration).Error(); err != nil {
				return nil, fmt.Errorf("failed to bootstrap raft cluster: %w", err)
			}
			logger.Info("raft cluster bootstrapped", zap.String("node_id", cfg.NodeID))
		}
	}

	s := New(node, fsm, cfg.ApplyTimeout, logger)
	s.closers = append(s.closers, transport.Close, boltDB.Close)
	return s, nil
}

// New wraps an already running Raft node whose FSM is fsm.
func New(node *raft.Raft, fsm *FSM, applyTimeout time.Duration, logger *zap.Logger) *Store {
	logger = logging.OrNop(logger)
	if applyTimeout <= 0 {
		applyTimeout = 5 * time.Second
	}
	return &Store{raft: node, fsm: fsm, applyTimeout: applyTimeout, logger: logger.Named("raftstore")}
}

// WaitForLeader blocks until the cluster has a leader or ctx ends.
func (s *Store) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr, _ := s.raft.LeaderWithID(); addr != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// IsLeader reports whether this node accepts writes.
func (s *Store) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// Join adds a voter. Only the leader can change membership.
func (s *Store) Join(nodeID, addr string) error {
	if !s.IsLeader() {
		return raft.ErrNotLeader
	}
	if err := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, s.applyTimeout).Error(); err != nil {
		return fmt.Errorf("add voter %s: %w", nodeID, err)
	}
	s.logger.Info("raft voter added", zap.String("node_id", nodeID), zap.String("addr", addr))
	return nil
}

// Stats exposes the node's raft state for the health endpoint.
func (s *Store) Stats() map[string]string {
	return s.raft.Stats()
}

func (s *Store) apply(cmd Command) (interface{}, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Op, err)
	}
	future := s.raft.Apply(data, s.applyTimeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("raft apply %s: %w", cmd.Op, err)
	}
	if err, ok := future.Response().(error); ok {
		return nil, err
	}
	return future.Response(), nil
}

func (s *Store) GetTransactionLog(_ context.Context, id uint64) (*transaction.TransactionLog, error) {
	log, ok := s.fsm.Log(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", transaction.ErrTransactionNotFound, id)
	}
	return log, nil
}

func (s *Store) SetTransactionLog(_ context.Context, log *transaction.TransactionLog) error {
	_, err := s.apply(Command{Op: OpSetLog, Log: log})
	return err
}

func (s *Store) RemoveTransactionLog(_ context.Context, id uint64) error {
	_, err := s.apply(Command{Op: OpRemoveLog, ID: id})
	return err
}

func (s *Store) ListTransactionLogs(_ context.Context) ([]*transaction.TransactionLog, error) {
	return s.fsm.Logs(), nil
}

func (s *Store) NextTransactionID(_ context.Context) (uint64, error) {
	resp, err := s.apply(Command{Op: OpNextID})
	if err != nil {
		return 0, err
	}
	id, ok := resp.(uint64)
	if !ok {
		return 0, errors.New("raft apply next_id: unexpected response")
	}
	return id, nil
}

func (s *Store) GetSettings(_ context.Context) (*transaction.Settings, error) {
	settings, ok := s.fsm.Settings()
	if !ok {
		return nil, transaction.ErrNotInitialized
	}
	return settings, nil
}

func (s *Store) SetSettings(_ context.Context, settings *transaction.Settings) error {
	_, err := s.apply(Command{Op: OpSetSettings, Settings: settings})
	return err
}

// Close shuts the node down and releases its stores.
func (s *Store) Close() error {
	err := s.raft.Shutdown().Error()
	for _, c := range s.closers {
		err = multierr.Append(err, c())
	}
	return err
}
