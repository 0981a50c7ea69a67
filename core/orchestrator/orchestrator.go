// Package orchestrator is the transaction coordinator service. It admits
// transactions, drives them through prepare and commit, and unwinds them on
// failure, timeout or deadlock. All durable state lives in a storage.Store;
// the lock table is rebuilt from it by Recover.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/coordinator"
	"github.com/sushant-115/gojotxn/core/deadlock"
	"github.com/sushant-115/gojotxn/core/events"
	"github.com/sushant-115/gojotxn/core/locktable"
	"github.com/sushant-115/gojotxn/core/participant"
	"github.com/sushant-115/gojotxn/core/rollback"
	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/validation"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	logging "github.com/sushant-115/gojotxn/pkg/logger"
)

const DefaultMaxBatchSize = 10

// ExpiredBeforePrepare is recorded on an Initiated log whose timeout elapsed
// before prepare began. Its claims are already released.
const ExpiredBeforePrepare = "expired before prepare"

// Participants calls and resolves participant addresses.
type Participants interface {
	participant.Invoker
	Resolvable(address string) bool
}

type options struct {
	conservative bool
	sharedLocks  bool
	metrics      *internaltelemetry.OrchestratorMetrics
	tracer       trace.Tracer
	now          func() time.Time
	mappers      map[transaction.ContractType]rollback.ParameterMapper
}

// Option configures an Orchestrator.
type Option func(*options)

// WithConservativeSharing enables the co-holder deadlock rule.
func WithConservativeSharing() Option { return func(o *options) { o.conservative = true } }

// WithSharedLocks lets several transactions hold one resource.
func WithSharedLocks() Option { return func(o *options) { o.sharedLocks = true } }

func WithMetrics(m *internaltelemetry.OrchestratorMetrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithTracer(t trace.Tracer) Option { return func(o *options) { o.tracer = t } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithParameterMapper(category transaction.ContractType, mapper rollback.ParameterMapper) Option {
	return func(o *options) { o.mappers[category] = mapper }
}

// Orchestrator coordinates transactions across participants.
type Orchestrator struct {
	store     storage.Store
	locks     *locktable.Table
	detector  *deadlock.Detector
	txm       *coordinator.TransactionManager
	rollbacks *rollback.Manager
	publisher *events.Publisher
	metrics   *internaltelemetry.OrchestratorMetrics
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time

	// admission serializes the deadlock pre-check with claim registration.
	admission sync.Mutex
	txLocks   sync.Map // uint64 -> *sync.Mutex
}

func New(store storage.Store, participants Participants, publisher *events.Publisher, logger *zap.Logger, opts ...Option) *Orchestrator {
	logger = logging.OrNop(logger)
	cfg := options{now: time.Now, mappers: make(map[transaction.ContractType]rollback.ParameterMapper)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = internaltelemetry.NewNoopOrchestratorMetrics()
	}
	if cfg.tracer == nil {
		cfg.tracer = nooptrace.NewTracerProvider().Tracer("")
	}

	var lockOpts []locktable.Option
	if cfg.sharedLocks {
		lockOpts = append(lockOpts, locktable.WithSharedLocks())
	}
	locks := locktable.New(lockOpts...)

	detectorOpts := []deadlock.Option{deadlock.WithClock(cfg.now), deadlock.WithMetrics(cfg.metrics)}
	if cfg.conservative {
		detectorOpts = append(detectorOpts, deadlock.WithConservativeSharing())
	}

	rollbackOpts := []rollback.Option{
		rollback.WithResolver(participants),
		rollback.WithMetrics(cfg.metrics),
		rollback.WithTracer(cfg.tracer),
		rollback.WithClock(cfg.now),
	}
	for category, mapper := range cfg.mappers {
		rollbackOpts = append(rollbackOpts, rollback.WithParameterMapper(category, mapper))
	}

	return &Orchestrator{
		store:    store,
		locks:    locks,
		detector: deadlock.NewDetector(locks, publisher, logger, detectorOpts...),
		txm: coordinator.NewTransactionManager(participants, store, locks, publisher, logger,
			coordinator.WithResolver(participants),
			coordinator.WithMetrics(cfg.metrics),
			coordinator.WithTracer(cfg.tracer),
			coordinator.WithClock(cfg.now),
		),
		rollbacks: rollback.NewManager(participants, store, publisher, logger, rollbackOpts...),
		publisher: publisher,
		metrics:   cfg.metrics,
		tracer:    cfg.tracer,
		logger:    logger.Named("orchestrator"),
		now:       cfg.now,
	}
}

// Initialize stores the administrator and timeout bounds. It succeeds once.
func (o *Orchestrator) Initialize(ctx context.Context, admin string, timeouts transaction.TimeoutConfig, maxBatchSize int) error {
	if err := validation.ValidateAddress(admin); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := validation.ValidateTimeoutConfig(timeouts); err != nil {
		return err
	}
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	if _, err := o.store.GetSettings(ctx); err == nil {
		return transaction.ErrAlreadyInitialized
	} else if !errors.Is(err, transaction.ErrNotInitialized) {
		return err
	}

	settings := &transaction.Settings{
		Admin:         admin,
		Timeouts:      timeouts.Clone(),
		MaxBatchSize:  maxBatchSize,
		InitializedAt: o.now(),
	}
	if err := o.store.SetSettings(ctx, settings); err != nil {
		return err
	}
	o.publisher.ConfigurationChanged(ctx, "initialize", admin)
	o.logger.Info("orchestrator initialized",
		zap.String("admin", admin),
		zap.Uint64("default_timeout", timeouts.DefaultTimeout),
		zap.Uint64("max_timeout", timeouts.MaxTimeout),
	)
	return nil
}

// Settings returns the stored settings or ErrNotInitialized.
func (o *Orchestrator) Settings(ctx context.Context) (*transaction.Settings, error) {
	return o.store.GetSettings(ctx)
}

// BeginTransaction validates and records a new transaction in Initiated and
// registers claims on its resources. A zero timeout picks the configured one.
// Admission is refused with ErrDeadlockDetected when the resources it wants
// would close a wait cycle.
func (o *Orchestrator) BeginTransaction(ctx context.Context, initiator string, ops []transaction.TransactionOperation, timeoutSeconds uint64, metadata []string) (*transaction.TransactionLog, error) {
	settings, err := o.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	timeout := settings.Timeouts.TimeoutFor(timeoutSeconds, ops)
	if err := validation.ValidateTransactionMetadata(initiator, len(ops), timeout, metadata); err != nil {
		return nil, err
	}
	if timeout > settings.Timeouts.MaxTimeout {
		return nil, fmt.Errorf("%w: timeout %ds exceeds configured maximum %ds",
			transaction.ErrInvalidInput, timeout, settings.Timeouts.MaxTimeout)
	}
	if err := o.txm.ValidateTransaction(ops); err != nil {
		return nil, err
	}

	o.admission.Lock()
	defer o.admission.Unlock()

	id, err := o.store.NextTransactionID(ctx)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateDeadlockDetection(id, ops); err != nil {
		return nil, err
	}
	if o.detector.WouldCauseDeadlock(id, ops) {
		o.publisher.AuditTrail(ctx, id, "admission_rejected", initiator)
		return nil, fmt.Errorf("%w: admitting transaction %d", transaction.ErrDeadlockDetected, id)
	}

	now := o.now()
	log := &transaction.TransactionLog{
		TransactionID:  id,
		Initiator:      initiator,
		Phase:          transaction.PhaseInitiated,
		Operations:     make([]transaction.TransactionOperation, len(ops)),
		Metadata:       append([]string(nil), metadata...),
		CreatedAt:      now,
		UpdatedAt:      now,
		TimeoutSeconds: timeout,
	}
	for i, op := range ops {
		op = op.Clone()
		op.Prepared, op.Committed, op.Error = false, false, ""
		log.Operations[i] = op
	}
	if err := o.store.SetTransactionLog(ctx, log); err != nil {
		return nil, err
	}
	o.locks.Claim(id, log.Resources())

	o.publisher.TransactionStarted(ctx, log)
	o.publisher.AuditTrail(ctx, id, "begin", initiator)
	o.logger.Info("transaction started",
		zap.Uint64("txn_id", id),
		zap.String("initiator", initiator),
		zap.Int("operations", len(ops)),
		zap.Uint64("timeout_seconds", timeout),
	)
	return log.Clone(), nil
}

// Prepare runs the prepare phase. It refuses expired transactions and those
// whose resources would deadlock. On failure the log keeps its partial
// progress; callers either retry or roll back.
func (o *Orchestrator) Prepare(ctx context.Context, txID uint64) (*transaction.TransactionLog, error) {
	unlock := o.lockTx(txID)
	defer unlock()

	log, err := o.store.GetTransactionLog(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !log.Phase.IsTerminal() && log.IsExpired(o.now()) {
		return log, fmt.Errorf("%w: transaction %d passed its deadline %s",
			transaction.ErrTransactionExpired, txID, log.Deadline().Format(time.RFC3339))
	}
	o.admission.Lock()
	wouldDeadlock := o.detector.WouldCauseDeadlock(txID, log.Operations)
	o.admission.Unlock()
	if wouldDeadlock {
		return log, fmt.Errorf("%w: preparing transaction %d", transaction.ErrDeadlockDetected, txID)
	}

	err = o.txm.PreparePhase(ctx, log)
	return log, err
}

// Commit runs the commit phase and, once every operation is committed, moves
// the transaction to Committed and releases its resources.
func (o *Orchestrator) Commit(ctx context.Context, txID uint64) (*transaction.TransactionLog, error) {
	unlock := o.lockTx(txID)
	defer unlock()

	log, err := o.store.GetTransactionLog(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !log.Phase.IsTerminal() && log.IsExpired(o.now()) {
		return log, fmt.Errorf("%w: transaction %d", transaction.ErrTransactionExpired, txID)
	}
	if err := o.txm.CommitPhase(ctx, log); err != nil {
		return log, err
	}
	if err := log.Transition(transaction.PhaseCommitted, o.now()); err != nil {
		return log, err
	}
	if err := o.store.SetTransactionLog(ctx, log); err != nil {
		return log, err
	}
	o.txm.ReleaseResources(ctx, txID)
	o.publisher.PhaseTransition(ctx, txID, transaction.PhasePrepared, transaction.PhaseCommitted)
	o.publisher.TransactionCommitted(ctx, txID)
	o.finished(ctx, log, "committed")
	return log, nil
}

// Run prepares and commits txID. Any failure after prepare started is
// followed by a rollback; the returned error is the original failure, joined
// with the rollback error if the unwind failed too.
func (o *Orchestrator) Run(ctx context.Context, txID uint64) (*transaction.TransactionLog, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(attribute.Int64("txn_id", int64(txID))))
	defer span.End()

	log, err := o.Prepare(ctx, txID)
	if err == nil {
		log, err = o.Commit(ctx, txID)
	}
	if err == nil {
		return log, nil
	}
	span.RecordError(err)
	if log == nil || log.Phase == transaction.PhaseInitiated || log.Phase.IsTerminal() {
		return log, err
	}

	phase := transaction.PhaseRolledBack
	if errors.Is(err, transaction.ErrTransactionExpired) {
		phase = transaction.PhaseTimedOut
	}
	o.publisher.ErrorRecovery(ctx, txID, "rollback", err)
	rolledBack, rbErr := o.unwind(ctx, txID, phase, err.Error())
	if rolledBack != nil {
		log = rolledBack
	}
	return log, multierr.Append(err, rbErr)
}

// Rollback compensates every prepared, uncommitted operation and moves the
// transaction to RolledBack. Only the initiator or the administrator may do
// so. If a compensation fails the phase is left unchanged so the call can be
// repeated.
func (o *Orchestrator) Rollback(ctx context.Context, caller string, txID uint64, reason string) (*transaction.TransactionLog, error) {
	if err := o.authorize(ctx, caller, txID, "rollback"); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by " + caller
	}
	log, err := o.unwind(ctx, txID, transaction.PhaseRolledBack, reason)
	if err == nil {
		o.publisher.AuditTrail(ctx, txID, "rollback", caller)
	}
	return log, err
}

// PartialRollback compensates the named operations only. The phase and
// resource holds are unchanged.
func (o *Orchestrator) PartialRollback(ctx context.Context, caller string, txID uint64, operationIDs []uint64) ([]transaction.RollbackInfo, error) {
	if err := o.authorize(ctx, caller, txID, "partial_rollback"); err != nil {
		return nil, err
	}
	unlock := o.lockTx(txID)
	defer unlock()

	infos, err := o.rollbacks.PartialRollback(ctx, txID, operationIDs)
	if err == nil {
		o.publisher.AuditTrail(ctx, txID, "partial_rollback", caller)
	}
	return infos, err
}

// CheckTimeout handles an expired transaction. Preparing and Prepared ones
// are compensated and moved to TimedOut. Initiated ones hold nothing, so only
// their claims are dropped. It reports whether the transaction had expired.
func (o *Orchestrator) CheckTimeout(ctx context.Context, txID uint64) (bool, error) {
	log, err := o.store.GetTransactionLog(ctx, txID)
	if err != nil {
		return false, err
	}
	if log.Phase.IsTerminal() || expiryHandled(log) ||
		!validation.IsTransactionExpired(log.CreatedAt, log.TimeoutSeconds, o.now()) {
		return false, nil
	}
	if log.Phase == transaction.PhaseInitiated {
		return o.expireInitiated(ctx, txID)
	}
	_, err = o.unwind(ctx, txID, transaction.PhaseTimedOut, "timed out")
	return true, err
}

// expireInitiated drops the claims of a transaction that expired before
// prepare and marks its log so later sweeps skip it. The phase stays
// Initiated: the whitelist has no way out of it except Preparing.
func (o *Orchestrator) expireInitiated(ctx context.Context, txID uint64) (bool, error) {
	unlock := o.lockTx(txID)
	defer unlock()

	log, err := o.store.GetTransactionLog(ctx, txID)
	if err != nil {
		return false, err
	}
	if log.Phase != transaction.PhaseInitiated || expiryHandled(log) {
		return false, nil
	}
	log.Error = ExpiredBeforePrepare
	log.UpdatedAt = o.now()
	if err := o.store.SetTransactionLog(ctx, log); err != nil {
		return false, err
	}
	o.txm.ReleaseResources(ctx, txID)
	o.publisher.TransactionTimedOut(ctx, txID)
	o.logger.Info("initiated transaction expired", zap.Uint64("txn_id", txID))
	return true, nil
}

// expiryHandled reports whether CheckTimeout already expired an Initiated log.
func expiryHandled(log *transaction.TransactionLog) bool {
	return log.Phase == transaction.PhaseInitiated && log.Error == ExpiredBeforePrepare
}

// CheckTimeouts runs CheckTimeout over every non-terminal transaction and
// returns the ids that had expired.
func (o *Orchestrator) CheckTimeouts(ctx context.Context) ([]uint64, error) {
	logs, err := o.store.ListTransactionLogs(ctx)
	if err != nil {
		return nil, err
	}
	var expired []uint64
	var errs error
	for _, log := range logs {
		if log.Phase.IsTerminal() {
			continue
		}
		ok, err := o.CheckTimeout(ctx, log.TransactionID)
		if ok {
			expired = append(expired, log.TransactionID)
		}
		errs = multierr.Append(errs, err)
	}
	return expired, errs
}

// DetectDeadlocks reports the current wait cycles without acting on them.
func (o *Orchestrator) DetectDeadlocks(ctx context.Context) []transaction.DeadlockInfo {
	return o.detector.DetectAndResolve(ctx)
}

// VictimError reports a deadlock victim whose rollback failed.
type VictimError struct {
	TransactionID uint64
	Err           error
}

func (e *VictimError) Error() string {
	return fmt.Sprintf("victim %d: %v", e.TransactionID, e.Err)
}

func (e *VictimError) Unwrap() error { return e.Err }

// ResolveDeadlocks detects wait cycles and rolls back each victim. Victims
// that could not be rolled back are reported as *VictimError values combined
// with multierr.
func (o *Orchestrator) ResolveDeadlocks(ctx context.Context) ([]transaction.DeadlockInfo, error) {
	infos := o.detector.DetectAndResolve(ctx)
	done := make(map[uint64]bool)
	var errs error
	for _, info := range infos {
		if done[info.TransactionID] {
			continue
		}
		done[info.TransactionID] = true
		o.publisher.ErrorRecovery(ctx, info.TransactionID, "deadlock_victim", transaction.ErrDeadlockDetected)
		if _, err := o.unwind(ctx, info.TransactionID, transaction.PhaseRolledBack, "deadlock victim"); err != nil {
			errs = multierr.Append(errs, &VictimError{TransactionID: info.TransactionID, Err: err})
		}
	}
	return infos, errs
}

// UpdateTimeoutConfig replaces the timeout bounds. Only the administrator may
// call it.
func (o *Orchestrator) UpdateTimeoutConfig(ctx context.Context, caller string, cfg transaction.TimeoutConfig) error {
	settings, err := o.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if err := validation.ValidateConfigUpdate(caller, settings.Admin, cfg); err != nil {
		if errors.Is(err, transaction.ErrUnauthorized) {
			o.publisher.Security(ctx, 0, "unauthorized_config_update", caller, err.Error())
		}
		return err
	}
	settings.Timeouts = cfg.Clone()
	if err := o.store.SetSettings(ctx, settings); err != nil {
		return err
	}
	o.publisher.TimeoutConfigUpdated(ctx, caller, cfg)
	o.publisher.ConfigurationChanged(ctx, "timeouts", caller)
	o.logger.Info("timeout configuration updated",
		zap.String("by", caller),
		zap.Uint64("default_timeout", cfg.DefaultTimeout),
		zap.Uint64("max_timeout", cfg.MaxTimeout),
	)
	return nil
}

// GetTransaction returns the stored log.
func (o *Orchestrator) GetTransaction(ctx context.Context, txID uint64) (*transaction.TransactionLog, error) {
	return o.store.GetTransactionLog(ctx, txID)
}

func (o *Orchestrator) ListTransactions(ctx context.Context) ([]*transaction.TransactionLog, error) {
	return o.store.ListTransactionLogs(ctx)
}

func (o *Orchestrator) OperationStatus(ctx context.Context, txID, opID uint64) (coordinator.OperationStatus, error) {
	return o.txm.OperationStatus(ctx, txID, opID)
}

func (o *Orchestrator) FailedOperations(ctx context.Context, txID uint64) ([]transaction.TransactionOperation, error) {
	return o.txm.FailedOperations(ctx, txID)
}

func (o *Orchestrator) RollbackStatus(ctx context.Context, txID uint64) ([]transaction.RollbackInfo, error) {
	return o.rollbacks.RollbackStatus(ctx, txID)
}

func (o *Orchestrator) RollbackStatistics() rollback.Statistics {
	return o.rollbacks.Statistics()
}

// PreventionSuggestions returns advisory hints for ops.
func (o *Orchestrator) PreventionSuggestions(ops []transaction.TransactionOperation) []string {
	return deadlock.PreventionSuggestions(ops)
}

// Locks exposes the lock table for inspection.
func (o *Orchestrator) Locks() locktable.Snapshot {
	return o.locks.Snapshot()
}

// unwind compensates txID and moves it to phase. On compensation failure the
// log keeps its phase and records the error.
func (o *Orchestrator) unwind(ctx context.Context, txID uint64, phase transaction.Phase, reason string) (*transaction.TransactionLog, error) {
	unlock := o.lockTx(txID)
	defer unlock()

	log, err := o.store.GetTransactionLog(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := transaction.ValidateTransition(log.Phase, phase); err != nil {
		return log, err
	}

	infos, err := o.rollbacks.RollbackTransaction(ctx, log)
	if err != nil {
		log.Error = err.Error()
		log.UpdatedAt = o.now()
		if perr := o.store.SetTransactionLog(ctx, log); perr != nil {
			err = multierr.Append(err, perr)
		}
		return log, err
	}

	from := log.Phase
	if err := log.Transition(phase, o.now()); err != nil {
		return log, err
	}
	log.Error = reason
	if err := o.store.SetTransactionLog(ctx, log); err != nil {
		return log, err
	}
	o.txm.ReleaseResources(ctx, txID)
	o.publisher.PhaseTransition(ctx, txID, from, phase)
	if phase == transaction.PhaseTimedOut {
		o.publisher.TransactionTimedOut(ctx, txID)
		o.finished(ctx, log, "timed_out")
	} else {
		o.publisher.TransactionRolledBack(ctx, txID, reason, infos)
		o.finished(ctx, log, "rolled_back")
	}
	return log, nil
}

// authorize admits the transaction's initiator and the administrator.
func (o *Orchestrator) authorize(ctx context.Context, caller string, txID uint64, action string) error {
	log, err := o.store.GetTransactionLog(ctx, txID)
	if err != nil {
		return err
	}
	if caller != "" && caller == log.Initiator {
		return nil
	}
	settings, err := o.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if validation.ValidateAdmin(caller, settings.Admin) == nil {
		return nil
	}
	o.publisher.Security(ctx, txID, "unauthorized_"+action, caller, "caller is neither initiator nor administrator")
	return fmt.Errorf("%w: %q may not %s transaction %d", transaction.ErrUnauthorized, caller, action, txID)
}

func (o *Orchestrator) finished(ctx context.Context, log *transaction.TransactionLog, outcome string) {
	// Terminal logs never change again, so the per-transaction mutex can go.
	// A caller still holding it only reads the log and gets ErrInvalidPhase.
	o.txLocks.Delete(log.TransactionID)
	o.metrics.TransactionsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	o.logger.Info("transaction finished",
		zap.Uint64("txn_id", log.TransactionID),
		zap.String("outcome", outcome),
		zap.Duration("age", log.UpdatedAt.Sub(log.CreatedAt)),
	)
}

// lockTx serializes work on one transaction and returns the unlock func.
func (o *Orchestrator) lockTx(txID uint64) func() {
	v, _ := o.txLocks.LoadOrStore(txID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
