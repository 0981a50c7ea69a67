package raftstore

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction"
	logging "github.com/sushant-115/gojotxn/pkg/logger"
)

// Command is the replicated unit applied to the FSM.
type Command struct {
	Op       string                      `json:"op"`
	ID       uint64                      `json:"id,omitempty"`
	Log      *transaction.TransactionLog `json:"log,omitempty"`
	Settings *transaction.Settings       `json:"settings,omitempty"`
}

// Operation types for the FSM
const (
	OpSetLog      = "set_log"
	OpRemoveLog   = "remove_log"
	OpNextID      = "next_id"
	OpSetSettings = "set_settings"
)

// FSM holds the replicated orchestrator state: transaction logs, settings
// and the id sequence.
type FSM struct {
	mu               sync.RWMutex
	logs             map[uint64]*transaction.TransactionLog
	settings         *transaction.Settings
	nextID           uint64
	lastAppliedIndex uint64
	logger           *zap.Logger
}

func NewFSM(logger *zap.Logger) *FSM {
	logger = logging.OrNop(logger)
	return &FSM{
		logs:   make(map[uint64]*transaction.TransactionLog),
		logger: logger.Named("fsm"),
	}
}

// Apply applies a Raft log entry. OpNextID returns the allocated id; a
// malformed entry returns an error as the response.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		f.logger.Error("failed to decode raft entry", zap.Uint64("index", entry.Index), zap.Error(err))
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAppliedIndex = entry.Index

	switch cmd.Op {
	case OpSetLog:
		if cmd.Log == nil {
			return fmt.Errorf("%s without log", cmd.Op)
		}
		f.logs[cmd.Log.TransactionID] = cmd.Log
		if cmd.Log.TransactionID > f.nextID {
			f.nextID = cmd.Log.TransactionID
		}
		return nil
	case OpRemoveLog:
		delete(f.logs, cmd.ID)
		return nil
	case OpNextID:
		f.nextID++
		return f.nextID
	case OpSetSettings:
		f.settings = cmd.Settings
		return nil
	default:
		f.logger.Warn("unknown FSM command", zap.String("op", cmd.Op), zap.Uint64("index", entry.Index))
		return fmt.Errorf("unknown FSM command operation: %s", cmd.Op)
	}
}

type fsmState struct {
	Logs     []*transaction.TransactionLog `json:"logs"`
	Settings *transaction.Settings         `json:"settings,omitempty"`
	NextID   uint64                        `json:"next_id"`
}

// Snapshot captures a deep copy of the state.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	state := fsmState{NextID: f.nextID, Settings: f.settings}
	for _, log := range f.logs {
		state.Logs = append(state.Logs, log.Clone())
	}
	sort.Slice(state.Logs, func(i, j int) bool { return state.Logs[i].TransactionID < state.Logs[j].TransactionID })
	f.logger.Debug("snapshot created", zap.Uint64("index", f.lastAppliedIndex), zap.Int("logs", len(state.Logs)))
	return &fsmSnapshot{state: state}, nil
}

// Restore replaces the state with a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var state fsmState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode FSM snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = make(map[uint64]*transaction.TransactionLog, len(state.Logs))
	for _, log := range state.Logs {
		f.logs[log.TransactionID] = log
	}
	f.settings = state.Settings
	f.nextID = state.NextID
	f.logger.Info("state restored from snapshot", zap.Int("logs", len(state.Logs)))
	return nil
}

// --- Read-only queries against the local replica ---

func (f *FSM) Log(id uint64) (*transaction.TransactionLog, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	log, ok := f.logs[id]
	return log.Clone(), ok
}

func (f *FSM) Logs() []*transaction.TransactionLog {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*transaction.TransactionLog, 0, len(f.logs))
	for _, log := range f.logs {
		out = append(out, log.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out
}

func (f *FSM) Settings() (*transaction.Settings, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.settings == nil {
		return nil, false
	}
	c := *f.settings
	c.Timeouts = f.settings.Timeouts.Clone()
	return &c, true
}

type fsmSnapshot struct {
	state fsmState
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.state); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

func (s *fsmSnapshot) Release() {}
