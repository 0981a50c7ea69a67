package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// HealthReport is a point-in-time view of the orchestrator.
type HealthReport struct {
	Healthy            bool       `json:"healthy"`
	Initialized        bool       `json:"initialized"`
	ActiveTransactions int        `json:"active_transactions"`
	ExpiredActive      []uint64   `json:"expired_active,omitempty"`
	HeldResources      int        `json:"held_resources"`
	Deadlocked         [][]uint64 `json:"deadlocked,omitempty"`
	Detail             string     `json:"detail,omitempty"`
}

// Health inspects storage and the lock table. Wait cycles and unhandled
// expired transactions are reported but do not make the service unhealthy.
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	report := HealthReport{Healthy: true, HeldResources: o.locks.Len()}

	if _, err := o.store.GetSettings(ctx); err == nil {
		report.Initialized = true
	} else if !errors.Is(err, transaction.ErrNotInitialized) {
		report.Healthy = false
		report.Detail = err.Error()
	}

	logs, err := o.store.ListTransactionLogs(ctx)
	if err != nil {
		report.Healthy = false
		report.Detail = err.Error()
	}
	now := o.now()
	for _, log := range logs {
		if log.Phase.IsTerminal() {
			continue
		}
		report.ActiveTransactions++
		if log.IsExpired(now) && !expiryHandled(log) {
			report.ExpiredActive = append(report.ExpiredActive, log.TransactionID)
		}
	}
	report.Deadlocked = o.detector.Graph().Cycles()

	o.publisher.HealthCheck(ctx, "orchestrator", report.Healthy, report.Detail)
	o.publisher.Monitoring(ctx, "active_transactions", float64(report.ActiveTransactions))
	return report
}

// Recover rebuilds the lock table from stored logs after a restart. Prepared
// operations take back their holds; everything else is claimed. It returns
// the number of non-terminal transactions restored.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	logs, err := o.store.ListTransactionLogs(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}

	o.admission.Lock()
	defer o.admission.Unlock()
	previous := o.locks.Len()
	o.locks.Reset()

	restored, held := 0, 0
	for _, log := range logs {
		// Expired Initiated logs gave their claims back already.
		if log.Phase.IsTerminal() || expiryHandled(log) {
			continue
		}
		restored++
		for _, op := range log.Operations {
			if !op.Prepared {
				o.locks.Claim(log.TransactionID, op.LockedResources)
				continue
			}
			for _, r := range op.LockedResources {
				if err := o.locks.Acquire(log.TransactionID, r); err != nil {
					o.logger.Warn("conflicting hold during recovery",
						zap.Uint64("txn_id", log.TransactionID),
						zap.String("resource", r),
						zap.Error(err),
					)
					continue
				}
				held++
			}
		}
		o.publisher.AuditTrail(ctx, log.TransactionID, "recovered", "system")
	}
	o.metrics.HeldResourcesUpDownCounter.Add(ctx, int64(held-previous))
	o.logger.Info("lock table recovered", zap.Int("transactions", restored), zap.Int("held_resources", held))
	return restored, nil
}
