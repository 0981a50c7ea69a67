package events

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	logging "github.com/sushant-115/gojotxn/pkg/logger"
)

// LogSink writes every event as a structured log entry. Failure kinds are
// logged at warn level.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	logger = logging.OrNop(logger)
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, ev Event) {
	level := zapcore.InfoLevel
	switch ev.Kind {
	case KindOperationFailed, KindRollbackFailed, KindDeadlockDetected, KindTransactionTimedOut, KindSecurity:
		level = zapcore.WarnLevel
	case KindResourceLocked, KindResourceUnlocked, KindPhaseTransition, KindPerformanceMetrics, KindMonitoring:
		level = zapcore.DebugLevel
	}
	ce := s.logger.Check(level, "event")
	if ce == nil {
		return
	}
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.Time("timestamp", ev.Timestamp),
	}
	if ev.TransactionID != 0 {
		fields = append(fields, zap.Uint64("txn_id", ev.TransactionID))
	}
	if ev.OperationID != 0 {
		fields = append(fields, zap.Uint64("op_id", ev.OperationID))
	}
	for k, v := range ev.Attributes {
		fields = append(fields, zap.String(k, v))
	}
	ce.Write(fields...)
}

// Recorder keeps events in memory. Used by tests and the HTTP API's recent
// events view.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder keeps at most limit events (oldest dropped first); limit <= 0
// keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append([]Event(nil), r.events[len(r.events)-r.limit:]...)
	}
}

// Events returns a copy of the recorded events in publish order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in publish order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

// ByKind returns the recorded events of one kind.
func (r *Recorder) ByKind(kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// ForTransaction returns the recorded events about one transaction.
func (r *Recorder) ForTransaction(txID uint64) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.TransactionID == txID {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// MetricsSink counts published events by kind.
type MetricsSink struct {
	metrics *internaltelemetry.OrchestratorMetrics
}

func NewMetricsSink(metrics *internaltelemetry.OrchestratorMetrics) *MetricsSink {
	if metrics == nil {
		metrics = internaltelemetry.NewNoopOrchestratorMetrics()
	}
	return &MetricsSink{metrics: metrics}
}

func (s *MetricsSink) Publish(ctx context.Context, ev Event) {
	s.metrics.EventsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(ev.Kind))))
}
