// Package events carries the orchestrator's fire-and-forget notifications.
// A Publisher stamps each event and hands it synchronously to every Sink, so
// events about one transaction reach a sink in call order.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction"
	logging "github.com/sushant-115/gojotxn/pkg/logger"
)

// Kind names an event type.
type Kind string

const (
	KindTransactionStarted    Kind = "transaction_started"
	KindTransactionPrepared   Kind = "transaction_prepared"
	KindTransactionCommitted  Kind = "transaction_committed"
	KindTransactionRolledBack Kind = "transaction_rolled_back"
	KindTransactionTimedOut   Kind = "transaction_timed_out"
	KindOperationPrepared     Kind = "operation_prepared"
	KindOperationCommitted    Kind = "operation_committed"
	KindOperationFailed       Kind = "operation_failed"
	KindOperationRolledBack   Kind = "operation_rolled_back"
	KindRollbackFailed        Kind = "rollback_failed"
	KindDeadlockDetected      Kind = "deadlock_detected"
	KindResourceLocked        Kind = "resource_locked"
	KindResourceUnlocked      Kind = "resource_unlocked"
	KindTimeoutConfigUpdated  Kind = "timeout_config_updated"
	KindPhaseTransition       Kind = "phase_transition"
	KindBatchStarted          Kind = "batch_started"
	KindBatchCompleted        Kind = "batch_completed"
	KindPerformanceMetrics    Kind = "performance_metrics"
	KindErrorRecovery         Kind = "error_recovery"
	KindHealthCheck           Kind = "health_check"
	KindConfigurationChanged  Kind = "configuration_changed"
	KindAuditTrail            Kind = "audit_trail"
	KindSecurity              Kind = "security"
	KindMonitoring            Kind = "monitoring"
)

// Event is one notification. Payload carries the relevant snapshot
// (an operation, a DeadlockInfo, a RollbackInfo, ...).
type Event struct {
	ID            string            `json:"id"`
	Kind          Kind              `json:"kind"`
	TransactionID uint64            `json:"transaction_id,omitempty"`
	OperationID   uint64            `json:"operation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Payload       any               `json:"payload,omitempty"`
}

func (e Event) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// Sink receives published events. Publish must not block for long; sinks that
// talk to the network queue internally.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// Publisher fans events out to its sinks. A nil *Publisher drops everything.
type Publisher struct {
	mu     sync.RWMutex
	sinks  []Sink
	now    func() time.Time
	logger *zap.Logger
}

// NewPublisher creates a publisher over the given sinks.
func NewPublisher(logger *zap.Logger, sinks ...Sink) *Publisher {
	logger = logging.OrNop(logger)
	return &Publisher{
		sinks:  sinks,
		now:    time.Now,
		logger: logger.Named("events"),
	}
}

// SetClock overrides the timestamp source.
func (p *Publisher) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// AddSink registers another sink.
func (p *Publisher) AddSink(s Sink) {
	p.mu.Lock()
	p.sinks = append(p.sinks, s)
	p.mu.Unlock()
}

// Publish stamps ev with an id and timestamp (unless already set) and delivers
// it to every sink. A panicking sink is logged and skipped.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if p == nil {
		return
	}
	p.mu.RLock()
	sinks := p.sinks
	now := p.now
	p.mu.RUnlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now()
	}
	for _, s := range sinks {
		p.deliver(ctx, s, ev)
	}
}

func (p *Publisher) deliver(ctx context.Context, s Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event sink panicked", zap.String("kind", string(ev.Kind)), zap.Any("panic", r))
		}
	}()
	s.Publish(ctx, ev)
}

func (p *Publisher) TransactionStarted(ctx context.Context, log *transaction.TransactionLog) {
	p.Publish(ctx, Event{
		Kind:          KindTransactionStarted,
		TransactionID: log.TransactionID,
		Attributes:    map[string]string{"initiator": log.Initiator},
		Payload:       log.Clone(),
	})
}

func (p *Publisher) TransactionPrepared(ctx context.Context, txID uint64) {
	p.Publish(ctx, Event{Kind: KindTransactionPrepared, TransactionID: txID})
}

func (p *Publisher) TransactionCommitted(ctx context.Context, txID uint64) {
	p.Publish(ctx, Event{Kind: KindTransactionCommitted, TransactionID: txID})
}

func (p *Publisher) TransactionRolledBack(ctx context.Context, txID uint64, reason string, infos []transaction.RollbackInfo) {
	p.Publish(ctx, Event{
		Kind:          KindTransactionRolledBack,
		TransactionID: txID,
		Attributes:    map[string]string{"reason": reason},
		Payload:       infos,
	})
}

func (p *Publisher) TransactionTimedOut(ctx context.Context, txID uint64) {
	p.Publish(ctx, Event{Kind: KindTransactionTimedOut, TransactionID: txID})
}

func (p *Publisher) OperationPrepared(ctx context.Context, txID uint64, op transaction.TransactionOperation) {
	p.Publish(ctx, Event{Kind: KindOperationPrepared, TransactionID: txID, OperationID: op.OperationID, Payload: op.Clone()})
}

func (p *Publisher) OperationCommitted(ctx context.Context, txID uint64, op transaction.TransactionOperation) {
	p.Publish(ctx, Event{Kind: KindOperationCommitted, TransactionID: txID, OperationID: op.OperationID, Payload: op.Clone()})
}

func (p *Publisher) OperationFailed(ctx context.Context, txID uint64, op transaction.TransactionOperation, err error) {
	p.Publish(ctx, Event{
		Kind:          KindOperationFailed,
		TransactionID: txID,
		OperationID:   op.OperationID,
		Attributes:    map[string]string{"error": errString(err)},
		Payload:       op.Clone(),
	})
}

func (p *Publisher) OperationRolledBack(ctx context.Context, info transaction.RollbackInfo) {
	p.Publish(ctx, Event{Kind: KindOperationRolledBack, TransactionID: info.TransactionID, OperationID: info.OperationID, Payload: info})
}

func (p *Publisher) RollbackFailed(ctx context.Context, info transaction.RollbackInfo) {
	p.Publish(ctx, Event{
		Kind:          KindRollbackFailed,
		TransactionID: info.TransactionID,
		OperationID:   info.OperationID,
		Attributes:    map[string]string{"error": info.RollbackError},
		Payload:       info,
	})
}

func (p *Publisher) DeadlockDetected(ctx context.Context, info transaction.DeadlockInfo) {
	p.Publish(ctx, Event{Kind: KindDeadlockDetected, TransactionID: info.TransactionID, Payload: info})
}

func (p *Publisher) ResourceLocked(ctx context.Context, txID uint64, resource string) {
	p.Publish(ctx, Event{Kind: KindResourceLocked, TransactionID: txID, Attributes: map[string]string{"resource": resource}})
}

func (p *Publisher) ResourceUnlocked(ctx context.Context, txID uint64, resource string) {
	p.Publish(ctx, Event{Kind: KindResourceUnlocked, TransactionID: txID, Attributes: map[string]string{"resource": resource}})
}

func (p *Publisher) TimeoutConfigUpdated(ctx context.Context, updatedBy string, cfg transaction.TimeoutConfig) {
	p.Publish(ctx, Event{
		Kind:       KindTimeoutConfigUpdated,
		Attributes: map[string]string{"updated_by": updatedBy},
		Payload:    cfg.Clone(),
	})
}

func (p *Publisher) PhaseTransition(ctx context.Context, txID uint64, from, to transaction.Phase) {
	p.Publish(ctx, Event{
		Kind:          KindPhaseTransition,
		TransactionID: txID,
		Attributes:    map[string]string{"from": from.String(), "to": to.String()},
	})
}

func (p *Publisher) BatchStarted(ctx context.Context, batchID string, txIDs []uint64) {
	p.Publish(ctx, Event{
		Kind:       KindBatchStarted,
		Attributes: map[string]string{"batch_id": batchID},
		Payload:    append([]uint64(nil), txIDs...),
	})
}

// BatchResult summarizes a finished batch.
type BatchResult struct {
	Succeeded []uint64          `json:"succeeded"`
	Failed    map[uint64]string `json:"failed,omitempty"`
}

func (p *Publisher) BatchCompleted(ctx context.Context, batchID string, result BatchResult) {
	p.Publish(ctx, Event{
		Kind:       KindBatchCompleted,
		Attributes: map[string]string{"batch_id": batchID},
		Payload:    result,
	})
}

func (p *Publisher) PerformanceMetrics(ctx context.Context, txID uint64, stage string, took time.Duration) {
	p.Publish(ctx, Event{
		Kind:          KindPerformanceMetrics,
		TransactionID: txID,
		Attributes:    map[string]string{"stage": stage, "duration": took.String()},
	})
}

func (p *Publisher) ErrorRecovery(ctx context.Context, txID uint64, strategy string, cause error) {
	p.Publish(ctx, Event{
		Kind:          KindErrorRecovery,
		TransactionID: txID,
		Attributes:    map[string]string{"strategy": strategy, "error": errString(cause)},
	})
}

func (p *Publisher) HealthCheck(ctx context.Context, component string, healthy bool, detail string) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	p.Publish(ctx, Event{
		Kind:       KindHealthCheck,
		Attributes: map[string]string{"component": component, "status": status, "detail": detail},
	})
}

func (p *Publisher) ConfigurationChanged(ctx context.Context, key, changedBy string) {
	p.Publish(ctx, Event{Kind: KindConfigurationChanged, Attributes: map[string]string{"key": key, "changed_by": changedBy}})
}

func (p *Publisher) AuditTrail(ctx context.Context, txID uint64, action, actor string) {
	p.Publish(ctx, Event{Kind: KindAuditTrail, TransactionID: txID, Attributes: map[string]string{"action": action, "actor": actor}})
}

func (p *Publisher) Security(ctx context.Context, txID uint64, kind, actor, detail string) {
	p.Publish(ctx, Event{
		Kind:          KindSecurity,
		TransactionID: txID,
		Attributes:    map[string]string{"type": kind, "actor": actor, "detail": detail},
	})
}

func (p *Publisher) Monitoring(ctx context.Context, name string, value float64) {
	p.Publish(ctx, Event{Kind: KindMonitoring, Attributes: map[string]string{"metric": name}, Payload: value})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
