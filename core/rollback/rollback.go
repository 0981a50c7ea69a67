// Package rollback compensates prepared work. Full rollbacks run in reverse
// operation order and attempt every eligible operation even when some fail;
// partial rollbacks run in the caller's order and stop at the first failure.
package rollback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/events"
	"github.com/sushant-115/gojotxn/core/participant"
	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/validation"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	logging "github.com/sushant-115/gojotxn/pkg/logger"
)

// ParameterMapper derives the compensating call's parameters from the
// original operation. Without a mapper the original parameters are reused.
type ParameterMapper func(op transaction.TransactionOperation) []string

// Resolver reports whether a participant address can be called.
type Resolver interface {
	Resolvable(address string) bool
}

// Statistics summarizes rollbacks since the manager was created.
type Statistics struct {
	TotalRollbacks      uint64        `json:"total_rollbacks"`
	SuccessfulRollbacks uint64        `json:"successful_rollbacks"`
	FailedRollbacks     uint64        `json:"failed_rollbacks"`
	OperationsReverted  uint64        `json:"operations_reverted"`
	OperationsFailed    uint64        `json:"operations_failed"`
	AverageDuration     time.Duration `json:"average_duration"`
}

// Manager runs compensating calls and persists progress after each one.
type Manager struct {
	invoker   participant.Invoker
	resolver  Resolver
	store     storage.Store
	publisher *events.Publisher
	metrics   *internaltelemetry.OrchestratorMetrics
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time

	mu            sync.RWMutex
	mappers       map[transaction.ContractType]ParameterMapper
	stats         Statistics
	totalDuration time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

func WithResolver(r Resolver) Option { return func(m *Manager) { m.resolver = r } }

func WithMetrics(metrics *internaltelemetry.OrchestratorMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithTracer(t trace.Tracer) Option { return func(m *Manager) { m.tracer = t } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithParameterMapper registers the compensation mapping for one category.
func WithParameterMapper(category transaction.ContractType, mapper ParameterMapper) Option {
	return func(m *Manager) { m.mappers[category] = mapper }
}

// NewManager creates a rollback manager. store may be nil when the caller
// persists logs itself; PartialRollback and RollbackStatus then fail.
func NewManager(invoker participant.Invoker, store storage.Store, publisher *events.Publisher, logger *zap.Logger, opts ...Option) *Manager {
	logger = logging.OrNop(logger)
	m := &Manager{
		invoker:   invoker,
		store:     store,
		publisher: publisher,
		logger:    logger.Named("rollback"),
		now:       time.Now,
		mappers:   make(map[transaction.ContractType]ParameterMapper),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = internaltelemetry.NewNoopOrchestratorMetrics()
	}
	if m.tracer == nil {
		m.tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	return m
}

// SetParameterMapper registers or replaces a mapping at runtime.
func (m *Manager) SetParameterMapper(category transaction.ContractType, mapper ParameterMapper) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mapper == nil {
		delete(m.mappers, category)
		return
	}
	m.mappers[category] = mapper
}

// CanRollback reports prepared && !committed with a callable participant.
func (m *Manager) CanRollback(op transaction.TransactionOperation) bool {
	if validation.ValidateRollbackOperation(op.Prepared, op.Committed) != nil {
		return false
	}
	if op.ContractAddress == "" {
		return false
	}
	return m.resolver == nil || m.resolver.Resolvable(op.ContractAddress)
}

// RollbackTransaction compensates every prepared, uncommitted operation of
// log in reverse order. A successful compensation clears the operation's
// prepared flag, so a second call makes no participant calls. Failures do not
// stop the loop; they are aggregated into an error matching
// ErrRollbackFailed once every operation has been attempted.
func (m *Manager) RollbackTransaction(ctx context.Context, log *transaction.TransactionLog) ([]transaction.RollbackInfo, error) {
	ctx, span := m.tracer.Start(ctx, "rollback.transaction",
		trace.WithAttributes(attribute.Int64("txn_id", int64(log.TransactionID))))
	defer span.End()
	start := m.now()

	var infos []transaction.RollbackInfo
	var errs error
	for i := len(log.Operations) - 1; i >= 0; i-- {
		op := &log.Operations[i]
		if validation.ValidateRollbackOperation(op.Prepared, op.Committed) != nil {
			continue
		}
		info, err := m.compensate(ctx, log, op)
		infos = append(infos, info)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("operation %d: %w", op.OperationID, err))
		}
	}

	m.record(len(infos), errs, m.now().Sub(start))
	m.metrics.PhaseLatencyHistogram.Record(ctx, m.now().Sub(start).Milliseconds(),
		metric.WithAttributes(attribute.String("phase", "rollback")))
	if errs != nil {
		span.RecordError(errs)
		span.SetStatus(codes.Error, "rollback incomplete")
		m.logger.Warn("rollback incomplete", zap.Uint64("txn_id", log.TransactionID), zap.Error(errs))
		return infos, fmt.Errorf("%w: transaction %d: %w", transaction.ErrRollbackFailed, log.TransactionID, errs)
	}
	m.logger.Info("rollback complete", zap.Uint64("txn_id", log.TransactionID), zap.Int("operations", len(infos)))
	return infos, nil
}

// PartialRollback compensates only the named operations of a stored
// transaction, in the given order. Every id is checked before any call is
// made: unknown ids fail with ErrOperationNotFound, ineligible ones with
// ErrInvalidPhase. The first failing call stops the rollback.
func (m *Manager) PartialRollback(ctx context.Context, txID uint64, operationIDs []uint64) ([]transaction.RollbackInfo, error) {
	if len(operationIDs) == 0 {
		return nil, fmt.Errorf("%w: no operations named", transaction.ErrInvalidInput)
	}
	log, err := m.load(ctx, txID)
	if err != nil {
		return nil, err
	}

	seen := make(map[uint64]bool, len(operationIDs))
	for _, id := range operationIDs {
		if seen[id] {
			return nil, fmt.Errorf("%w: operation %d named twice", transaction.ErrInvalidInput, id)
		}
		seen[id] = true
		op, ok := log.Operation(id)
		if !ok {
			return nil, fmt.Errorf("%w: transaction %d has no operation %d", transaction.ErrOperationNotFound, txID, id)
		}
		if !m.CanRollback(*op) {
			return nil, fmt.Errorf("%w: operation %d (prepared=%t committed=%t)",
				transaction.ErrInvalidPhase, id, op.Prepared, op.Committed)
		}
	}

	ctx, span := m.tracer.Start(ctx, "rollback.partial",
		trace.WithAttributes(attribute.Int64("txn_id", int64(txID))))
	defer span.End()
	start := m.now()

	var infos []transaction.RollbackInfo
	for _, id := range operationIDs {
		op, _ := log.Operation(id)
		info, err := m.compensate(ctx, log, op)
		infos = append(infos, info)
		if err != nil {
			m.record(len(infos), err, m.now().Sub(start))
			span.RecordError(err)
			span.SetStatus(codes.Error, "partial rollback failed")
			return infos, fmt.Errorf("%w: transaction %d operation %d: %w", transaction.ErrRollbackFailed, txID, id, err)
		}
	}
	m.record(len(infos), nil, m.now().Sub(start))
	return infos, nil
}

// RollbackStatus describes the compensating call each operation of a stored
// transaction maps to. RollbackSuccessful is never set here; RollbackError
// carries the operation's recorded error.
func (m *Manager) RollbackStatus(ctx context.Context, txID uint64) ([]transaction.RollbackInfo, error) {
	log, err := m.load(ctx, txID)
	if err != nil {
		return nil, err
	}
	out := make([]transaction.RollbackInfo, 0, len(log.Operations))
	for _, op := range log.Operations {
		out = append(out, transaction.RollbackInfo{
			TransactionID:      txID,
			OperationID:        op.OperationID,
			ContractAddress:    op.ContractAddress,
			RollbackFunction:   transaction.EntryPoint(transaction.RollbackPrefix, op.FunctionName),
			RollbackParameters: m.parameters(op),
			RollbackError:      op.Error,
		})
	}
	return out, nil
}

func (m *Manager) Statistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// compensate invokes the rollback entry point for op, updates op and the
// persisted log, and publishes the outcome.
func (m *Manager) compensate(ctx context.Context, log *transaction.TransactionLog, op *transaction.TransactionOperation) (transaction.RollbackInfo, error) {
	info := transaction.RollbackInfo{
		TransactionID:      log.TransactionID,
		OperationID:        op.OperationID,
		ContractAddress:    op.ContractAddress,
		RollbackFunction:   transaction.EntryPoint(transaction.RollbackPrefix, op.FunctionName),
		RollbackParameters: m.parameters(*op),
	}

	err := m.invoker.Invoke(ctx, op.ContractAddress, info.RollbackFunction, info.RollbackParameters)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		info.RollbackError = err.Error()
		op.Error = err.Error()
		m.publisher.RollbackFailed(ctx, info)
		m.logger.Warn("compensation failed",
			zap.Uint64("txn_id", log.TransactionID),
			zap.Uint64("op_id", op.OperationID),
			zap.String("entry_point", info.RollbackFunction),
			zap.Error(err),
		)
	} else {
		info.RollbackSuccessful = true
		op.Prepared = false
		m.publisher.OperationRolledBack(ctx, info)
	}
	m.metrics.RollbacksCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.metrics.ParticipantCallsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entry", string(transaction.RollbackPrefix)),
		attribute.String("outcome", outcome),
	))

	if perr := m.persist(ctx, log); perr != nil {
		m.logger.Error("failed to persist rollback progress", zap.Uint64("txn_id", log.TransactionID), zap.Error(perr))
		if err == nil {
			return info, perr
		}
	}
	return info, err
}

func (m *Manager) parameters(op transaction.TransactionOperation) []string {
	m.mu.RLock()
	mapper := m.mappers[op.ContractType]
	m.mu.RUnlock()
	if mapper != nil {
		return mapper(op.Clone())
	}
	return append([]string(nil), op.Parameters...)
}

func (m *Manager) persist(ctx context.Context, log *transaction.TransactionLog) error {
	if m.store == nil {
		return nil
	}
	log.UpdatedAt = m.now()
	return m.store.SetTransactionLog(ctx, log)
}

func (m *Manager) load(ctx context.Context, txID uint64) (*transaction.TransactionLog, error) {
	if m.store == nil {
		return nil, fmt.Errorf("%w: %d (no store configured)", transaction.ErrTransactionNotFound, txID)
	}
	return m.store.GetTransactionLog(ctx, txID)
}

func (m *Manager) record(operations int, err error, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalRollbacks++
	failed := uint64(len(multierr.Errors(err)))
	if err != nil && failed == 0 {
		failed = 1
	}
	if err != nil {
		m.stats.FailedRollbacks++
	} else {
		m.stats.SuccessfulRollbacks++
	}
	m.stats.OperationsFailed += failed
	m.stats.OperationsReverted += uint64(operations) - failed
	m.totalDuration += took
	m.stats.AverageDuration = m.totalDuration / time.Duration(m.stats.TotalRollbacks)
}
