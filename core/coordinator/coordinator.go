// Package coordinator drives the two phases of a transaction against its
// participants and keeps the resource lock table in step with them.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/events"
	"github.com/sushant-115/gojotxn/core/locktable"
	"github.com/sushant-115/gojotxn/core/participant"
	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/validation"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	logging "github.com/sushant-115/gojotxn/pkg/logger"
)

// OperationStatus is the externally visible state of one operation.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusPrepared  OperationStatus = "prepared"
	StatusCommitted OperationStatus = "committed"
	StatusFailed    OperationStatus = "failed"
)

// Resolver reports whether a participant address can be called.
type Resolver interface {
	Resolvable(address string) bool
}

// TransactionManager owns the prepare and commit protocol. It never rolls
// back on its own; a failed phase leaves the log for the caller to unwind.
type TransactionManager struct {
	invoker   participant.Invoker
	resolver  Resolver
	store     storage.Store
	locks     *locktable.Table
	publisher *events.Publisher
	metrics   *internaltelemetry.OrchestratorMetrics
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a TransactionManager.
type Option func(*TransactionManager)

func WithResolver(r Resolver) Option { return func(m *TransactionManager) { m.resolver = r } }

func WithMetrics(metrics *internaltelemetry.OrchestratorMetrics) Option {
	return func(m *TransactionManager) { m.metrics = metrics }
}

func WithTracer(t trace.Tracer) Option { return func(m *TransactionManager) { m.tracer = t } }

func WithClock(now func() time.Time) Option { return func(m *TransactionManager) { m.now = now } }

// NewTransactionManager wires a manager. A nil locks table disables resource
// tracking; a nil store disables persistence.
func NewTransactionManager(invoker participant.Invoker, store storage.Store, locks *locktable.Table, publisher *events.Publisher, logger *zap.Logger, opts ...Option) *TransactionManager {
	logger = logging.OrNop(logger)
	m := &TransactionManager{
		invoker:   invoker,
		store:     store,
		locks:     locks,
		publisher: publisher,
		logger:    logger.Named("coordinator"),
		now:       time.Now,
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

// ValidateTransaction checks ops without side effects: count, unique ids,
// per-field bounds and that every participant address resolves.
func (m *TransactionManager) ValidateTransaction(ops []transaction.TransactionOperation) error {
	if err := validation.ValidateOperations(ops); err != nil {
		return err
	}
	if m.resolver == nil {
		return nil
	}
	for _, op := range ops {
		if !m.resolver.Resolvable(op.ContractAddress) {
			return fmt.Errorf("%w: operation %d: unknown participant %q",
				transaction.ErrInvalidInput, op.OperationID, op.ContractAddress)
		}
	}
	return nil
}

// PreparePhase moves log to Preparing and prepares each operation in order,
// acquiring its resources first. The first failure stops the phase: the
// failing operation records the error, later operations are not touched, and
// earlier ones stay prepared. On success the log is Prepared.
//
// A log left in Preparing by a failed attempt resumes at its first
// unprepared operation.
func (m *TransactionManager) PreparePhase(ctx context.Context, log *transaction.TransactionLog) error {
	if log.Phase != transaction.PhasePreparing {
		from := log.Phase
		if err := log.Transition(transaction.PhasePreparing, m.now()); err != nil {
			return err
		}
		m.publisher.PhaseTransition(ctx, log.TransactionID, from, transaction.PhasePreparing)
		if err := m.persist(ctx, log); err != nil {
			return err
		}
	}

	ctx, span := m.tracer.Start(ctx, "coordinator.prepare", trace.WithAttributes(
		attribute.Int64("txn_id", int64(log.TransactionID)),
		attribute.Int("operations", len(log.Operations)),
	))
	defer span.End()
	start := m.now()

	for i := range log.Operations {
		op := &log.Operations[i]
		if op.Prepared {
			continue
		}
		if err := m.acquire(ctx, log.TransactionID, op); err != nil {
			return m.fail(ctx, span, log, op, err)
		}
		if err := m.call(ctx, op, transaction.PreparePrefix); err != nil {
			return m.fail(ctx, span, log, op, fmt.Errorf("%w: %w", transaction.ErrContractCallFailed, err))
		}
		op.Prepared = true
		op.Error = ""
		m.publisher.OperationPrepared(ctx, log.TransactionID, *op)
		if err := m.persist(ctx, log); err != nil {
			return err
		}
	}

	if err := log.Transition(transaction.PhasePrepared, m.now()); err != nil {
		return err
	}
	if err := m.persist(ctx, log); err != nil {
		return err
	}
	m.publisher.PhaseTransition(ctx, log.TransactionID, transaction.PhasePreparing, transaction.PhasePrepared)
	m.publisher.TransactionPrepared(ctx, log.TransactionID)
	m.observe(ctx, log.TransactionID, "prepare", start)
	m.logger.Info("transaction prepared", zap.Uint64("txn_id", log.TransactionID), zap.Int("operations", len(log.Operations)))
	return nil
}

// CommitPhase commits each operation in order. It requires a Prepared log in
// which every operation is prepared. Operations already committed by an
// earlier attempt are skipped. The first failure stops the phase with
// ErrContractCallFailed. The move to Committed is left to the caller.
func (m *TransactionManager) CommitPhase(ctx context.Context, log *transaction.TransactionLog) error {
	if log.Phase != transaction.PhasePrepared {
		return fmt.Errorf("%w: commit requires %s, transaction %d is %s",
			transaction.ErrInvalidPhase, transaction.PhasePrepared, log.TransactionID, log.Phase)
	}
	if !m.CanCommit(log) {
		return fmt.Errorf("%w: transaction %d has unprepared operations", transaction.ErrInvalidPhase, log.TransactionID)
	}

	ctx, span := m.tracer.Start(ctx, "coordinator.commit", trace.WithAttributes(
		attribute.Int64("txn_id", int64(log.TransactionID)),
		attribute.Int("operations", len(log.Operations)),
	))
	defer span.End()
	start := m.now()

	for i := range log.Operations {
		op := &log.Operations[i]
		if op.Committed {
			continue
		}
		if err := m.call(ctx, op, transaction.CommitPrefix); err != nil {
			return m.fail(ctx, span, log, op, fmt.Errorf("%w: %w", transaction.ErrContractCallFailed, err))
		}
		op.Committed = true
		op.Error = ""
		m.publisher.OperationCommitted(ctx, log.TransactionID, *op)
		if err := m.persist(ctx, log); err != nil {
			return err
		}
	}

	log.UpdatedAt = m.now()
	if err := m.persist(ctx, log); err != nil {
		return err
	}
	m.observe(ctx, log.TransactionID, "commit", start)
	return nil
}

// CanCommit reports phase == Prepared with every operation prepared.
func (m *TransactionManager) CanCommit(log *transaction.TransactionLog) bool {
	if log == nil || log.Phase != transaction.PhasePrepared {
		return false
	}
	for _, op := range log.Operations {
		if !op.Prepared {
			return false
		}
	}
	return true
}

// OperationStatus reports the state of one operation of a stored transaction.
func (m *TransactionManager) OperationStatus(ctx context.Context, txID, opID uint64) (OperationStatus, error) {
	log, err := m.load(ctx, txID)
	if err != nil {
		return "", err
	}
	op, ok := log.Operation(opID)
	if !ok {
		return "", fmt.Errorf("%w: transaction %d has no operation %d", transaction.ErrOperationNotFound, txID, opID)
	}
	return StatusOf(*op), nil
}

// StatusOf classifies an operation. Committed wins over prepared, which wins
// over a recorded error.
func StatusOf(op transaction.TransactionOperation) OperationStatus {
	switch {
	case op.Committed:
		return StatusCommitted
	case op.Prepared:
		return StatusPrepared
	case op.Error != "":
		return StatusFailed
	default:
		return StatusPending
	}
}

// FailedOperations returns the operations of a stored transaction that carry
// an error, in operation order.
func (m *TransactionManager) FailedOperations(ctx context.Context, txID uint64) ([]transaction.TransactionOperation, error) {
	log, err := m.load(ctx, txID)
	if err != nil {
		return nil, err
	}
	var out []transaction.TransactionOperation
	for _, op := range log.Operations {
		if op.Error != "" {
			out = append(out, op.Clone())
		}
	}
	return out, nil
}

// ReleaseResources drops every hold and claim of txID and returns the
// resources it held.
func (m *TransactionManager) ReleaseResources(ctx context.Context, txID uint64) []string {
	if m.locks == nil {
		return nil
	}
	released := m.locks.Release(txID)
	for _, r := range released {
		m.publisher.ResourceUnlocked(ctx, txID, r)
	}
	if len(released) > 0 {
		m.metrics.HeldResourcesUpDownCounter.Add(ctx, -int64(len(released)))
		m.logger.Debug("resources released", zap.Uint64("txn_id", txID), zap.Strings("resources", released))
	}
	return released
}

func (m *TransactionManager) acquire(ctx context.Context, txID uint64, op *transaction.TransactionOperation) error {
	if m.locks == nil || len(op.LockedResources) == 0 {
		return nil
	}
	acquired, err := m.locks.AcquireAll(txID, op.LockedResources)
	for _, r := range acquired {
		m.publisher.ResourceLocked(ctx, txID, r)
	}
	if len(acquired) > 0 {
		m.metrics.HeldResourcesUpDownCounter.Add(ctx, int64(len(acquired)))
	}
	return err
}

func (m *TransactionManager) call(ctx context.Context, op *transaction.TransactionOperation, prefix transaction.EntryPrefix) error {
	entry := transaction.EntryPoint(prefix, op.FunctionName)
	err := m.invoker.Invoke(ctx, op.ContractAddress, entry, op.Parameters)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.metrics.ParticipantCallsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entry", string(prefix)),
		attribute.String("outcome", outcome),
	))
	return err
}

// fail records err on op, persists the log and reports the failure.
func (m *TransactionManager) fail(ctx context.Context, span trace.Span, log *transaction.TransactionLog, op *transaction.TransactionOperation, err error) error {
	op.Error = err.Error()
	log.UpdatedAt = m.now()
	m.publisher.OperationFailed(ctx, log.TransactionID, *op, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, "operation failed")
	m.logger.Warn("operation failed",
		zap.Uint64("txn_id", log.TransactionID),
		zap.Uint64("op_id", op.OperationID),
		zap.String("phase", log.Phase.String()),
		zap.Error(err),
	)
	if perr := m.persist(ctx, log); perr != nil {
		m.logger.Error("failed to persist operation failure", zap.Uint64("txn_id", log.TransactionID), zap.Error(perr))
	}
	return fmt.Errorf("transaction %d operation %d: %w", log.TransactionID, op.OperationID, err)
}

func (m *TransactionManager) observe(ctx context.Context, txID uint64, stage string, start time.Time) {
	took := m.now().Sub(start)
	m.metrics.PhaseLatencyHistogram.Record(ctx, took.Milliseconds(), metric.WithAttributes(attribute.String("phase", stage)))
	m.publisher.PerformanceMetrics(ctx, txID, stage, took)
}

func (m *TransactionManager) persist(ctx context.Context, log *transaction.TransactionLog) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SetTransactionLog(ctx, log); err != nil {
		return fmt.Errorf("persist transaction %d: %w", log.TransactionID, err)
	}
	return nil
}

func (m *TransactionManager) load(ctx context.Context, txID uint64) (*transaction.TransactionLog, error) {
	if m.store == nil {
		return nil, fmt.Errorf("%w: %d (no store configured)", transaction.ErrTransactionNotFound, txID)
	}
	return m.store.GetTransactionLog(ctx, txID)
}
