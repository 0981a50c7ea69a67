// Package httpapi exposes the orchestrator over HTTP/JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/events"
	"github.com/sushant-115/gojotxn/core/orchestrator"
	"github.com/sushant-115/gojotxn/core/transaction"
	logging "github.com/sushant-115/gojotxn/pkg/logger"
)

// CallerHeader carries the identity of the caller. It is the initiator of new
// transactions and is checked for rollbacks and configuration updates.
const CallerHeader = "X-Caller"

// Response wraps every reply.
type Response struct {
	Status  string `json:"status"` // OK, ERROR
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Cluster is the replication surface of a Raft-backed store.
type Cluster interface {
	Join(nodeID, addr string) error
	Stats() map[string]string
	IsLeader() bool
}

type BeginRequest struct {
	Operations     []transaction.TransactionOperation `json:"operations"`
	TimeoutSeconds uint64                             `json:"timeout_seconds,omitempty"`
	Metadata       []string                           `json:"metadata,omitempty"`
}

type RollbackRequest struct {
	Reason       string   `json:"reason,omitempty"`
	OperationIDs []uint64 `json:"operation_ids,omitempty"`
}

type BatchRequest struct {
	TransactionIDs []uint64 `json:"transaction_ids"`
}

type BatchResponse struct {
	BatchID string             `json:"batch_id"`
	Result  events.BatchResult `json:"result"`
}

// Server routes HTTP requests to an Orchestrator.
type Server struct {
	orch     *orchestrator.Orchestrator
	recorder *events.Recorder
	cluster  Cluster
	logger   *zap.Logger
}

// New creates a server. recorder and cluster are optional.
func New(orch *orchestrator.Orchestrator, recorder *events.Recorder, cluster Cluster, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)
	return &Server{orch: orch, recorder: recorder, cluster: cluster, logger: logger.Named("http")}
}

// Register mounts every route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /transactions", s.handleBegin)
	mux.HandleFunc("GET /transactions", s.handleList)
	mux.HandleFunc("GET /transactions/{id}", s.handleGet)
	mux.HandleFunc("POST /transactions/{id}/prepare", s.txAction(s.orch.Prepare))
	mux.HandleFunc("POST /transactions/{id}/commit", s.txAction(s.orch.Commit))
	mux.HandleFunc("POST /transactions/{id}/run", s.txAction(s.orch.Run))
	mux.HandleFunc("POST /transactions/{id}/rollback", s.handleRollback)
	mux.HandleFunc("POST /transactions/{id}/partial_rollback", s.handlePartialRollback)
	mux.HandleFunc("POST /transactions/{id}/check_timeout", s.handleCheckTimeout)
	mux.HandleFunc("GET /transactions/{id}/rollback_status", s.handleRollbackStatus)
	mux.HandleFunc("GET /transactions/{id}/failed_operations", s.handleFailedOperations)
	mux.HandleFunc("GET /transactions/{id}/operations/{op}/status", s.handleOperationStatus)
	mux.HandleFunc("GET /transactions/{id}/events", s.handleEvents)

	mux.HandleFunc("POST /batch", s.handleBatch)
	mux.HandleFunc("GET /deadlocks", s.handleDetectDeadlocks)
	mux.HandleFunc("POST /deadlocks/resolve", s.handleResolveDeadlocks)
	mux.HandleFunc("POST /deadlocks/suggestions", s.handleSuggestions)
	mux.HandleFunc("GET /locks", s.handleLocks)
	mux.HandleFunc("GET /rollback/statistics", s.handleRollbackStatistics)

	mux.HandleFunc("GET /admin/settings", s.handleSettings)
	mux.HandleFunc("PUT /admin/timeouts", s.handleUpdateTimeouts)

	if s.cluster != nil {
		mux.HandleFunc("POST /raft/join", s.handleRaftJoin)
		mux.HandleFunc("GET /raft/stats", s.handleRaftStats)
	}
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.orch.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, Response{Status: "OK", Data: report})
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req BeginRequest
	if !s.decode(w, r, &req) {
		return
	}
	log, err := s.orch.BeginTransaction(r.Context(), r.Header.Get(CallerHeader), req.Operations, req.TimeoutSeconds, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, Response{Status: "OK", Data: log})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	logs, err := s.orch.ListTransactions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.ok(w, logs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	log, err := s.orch.GetTransaction(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.ok(w, log)
}

type txFunc func(ctx context.Context, id uint64) (*transaction.TransactionLog, error)

// txAction adapts a phase driver. The log is returned with errors too, so
// clients can see partial progress.
func (s *Server) txAction(fn txFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r, "id")
		if !ok {
			return
		}
		log, err := fn(r.Context(), id)
		if err != nil {
			s.writeJSON(w, statusFor(err), Response{Status: "ERROR", Message: err.Error(), Data: log})
			return
		}
		s.ok(w, log)
	}
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req RollbackRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	log, err := s.orch.Rollback(r.Context(), r.Header.Get(CallerHeader), id, req.Reason)
	if err != nil {
		s.writeJSON(w, statusFor(err), Response{Status: "ERROR", Message: err.Error(), Data: log})
		return
	}
	s.ok(w, log)
}

func (s *Server) handlePartialRollback(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req RollbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	infos, err := s.orch.PartialRollback(r.Context(), r.Header.Get(CallerHeader), id, req.OperationIDs)
	if err != nil {
		s.writeJSON(w, statusFor(err), Response{Status: "ERROR", Message: err.Error(), Data: infos})
		return
	}
	s.ok(w, infos)
}

func (s *Server) handleCheckTimeout(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	expired, err := s.orch.CheckTimeout(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.ok(w, map[string]bool{"expired": expired})
}

func (s *Server) handleRollbackStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	infos, err := s.orch.RollbackStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.ok(w, infos)
}

func (s *Server) handleFailedOperations(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	ops, err := s.orch.FailedOperations(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.ok(w, ops)
}

func (s *Server) handleOperationStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	op, ok := s.pathID(w, r, "op")
	if !ok {
		return
	}
	status, err := s.orch.OperationStatus(r.Context(), id, op)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.ok(w, map[string]string{"status": string(status)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	if s.recorder == nil {
		s.writeJSON(w, http.StatusNotFound, Response{Status: "ERROR", Message: "event recording is disabled"})
		return
	}
	s.ok(w, s.recorder.ForTransaction(id))
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	batchID, result, err := s.orch.ProcessBatch(r.Context(), req.TransactionIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.ok(w, BatchResponse{BatchID: batchID, Result: result})
}

func (s *Server) handleDetectDeadlocks(w http.ResponseWriter, r *http.Request) {
	s.ok(w, s.orch.DetectDeadlocks(r.Context()))
}

func (s *Server) handleResolveDeadlocks(w http.ResponseWriter, r *http.Request) {
	infos, err := s.orch.ResolveDeadlocks(r.Context())
	if err != nil {
		s.writeJSON(w, statusFor(err), Response{Status: "ERROR", Message: err.Error(), Data: infos})
		return
	}
	s.ok(w, infos)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	var req BeginRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.ok(w, s.orch.PreventionSuggestions(req.Operations))
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	s.ok(w, s.orch.Locks())
}

func (s *Server) handleRollbackStatistics(w http.ResponseWriter, r *http.Request) {
	s.ok(w, s.orch.RollbackStatistics())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.orch.Settings(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.ok(w, settings)
}

func (s *Server) handleUpdateTimeouts(w http.ResponseWriter, r *http.Request) {
	var cfg transaction.TimeoutConfig
	if !s.decode(w, r, &cfg) {
		return
	}
	if err := s.orch.UpdateTimeoutConfig(r.Context(), r.Header.Get(CallerHeader), cfg); err != nil {
		s.writeError(w, err)
		return
	}
	s.ok(w, cfg)
}

func (s *Server) handleRaftJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID   string `json:"node_id"`
		RaftAddr string `json:"raft_addr"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.NodeID == "" || req.RaftAddr == "" {
		s.writeJSON(w, http.StatusBadRequest, Response{Status: "ERROR", Message: "node_id and raft_addr are required"})
		return
	}
	if !s.cluster.IsLeader() {
		s.writeJSON(w, http.StatusMisdirectedRequest, Response{Status: "ERROR", Message: "not the raft leader"})
		return
	}
	if err := s.cluster.Join(req.NodeID, req.RaftAddr); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("raft node joined", zap.String("node_id", req.NodeID), zap.String("raft_addr", req.RaftAddr))
	s.ok(w, nil)
}

func (s *Server) handleRaftStats(w http.ResponseWriter, r *http.Request) {
	s.ok(w, s.cluster.Stats())
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil || id == 0 {
		s.writeJSON(w, http.StatusBadRequest, Response{Status: "ERROR", Message: fmt.Sprintf("invalid %s %q", name, r.PathValue(name))})
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, Response{Status: "ERROR", Message: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return s.decode(w, r, v)
}

func (s *Server) ok(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, Response{Status: "OK", Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), Response{Status: "ERROR", Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, transaction.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, transaction.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, transaction.ErrTransactionNotFound), errors.Is(err, transaction.ErrOperationNotFound):
		return http.StatusNotFound
	case errors.Is(err, transaction.ErrInvalidPhase),
		errors.Is(err, transaction.ErrDeadlockDetected),
		errors.Is(err, transaction.ErrResourceLocked),
		errors.Is(err, transaction.ErrAlreadyInitialized):
		return http.StatusConflict
	case errors.Is(err, transaction.ErrTransactionExpired):
		return http.StatusGone
	case errors.Is(err, transaction.ErrContractCallFailed), errors.Is(err, transaction.ErrRollbackFailed):
		return http.StatusBadGateway
	case errors.Is(err, transaction.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
