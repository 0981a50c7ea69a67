// Package deadlock detects wait cycles over the resource lock table. It never
// cancels anything itself: DetectAndResolve picks a victim per cycle and
// reports it, leaving rollback to the caller.
package deadlock

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/events"
	"github.com/sushant-115/gojotxn/core/locktable"
	"github.com/sushant-115/gojotxn/core/transaction"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	logging "github.com/sushant-115/gojotxn/pkg/logger"
)

// Detector builds wait-for graphs from a lock table snapshot.
type Detector struct {
	locks        locktable.View
	publisher    *events.Publisher
	metrics      *internaltelemetry.OrchestratorMetrics
	logger       *zap.Logger
	conservative bool
	now          func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithConservativeSharing additionally links every pair of transactions that
// co-hold a resource, in both directions. This over-approximates: two holders
// that are not waiting on each other are still reported as deadlocked.
func WithConservativeSharing() Option {
	return func(d *Detector) { d.conservative = true }
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func WithMetrics(m *internaltelemetry.OrchestratorMetrics) Option {
	return func(d *Detector) { d.metrics = m }
}

func NewDetector(locks locktable.View, publisher *events.Publisher, logger *zap.Logger, opts ...Option) *Detector {
	logger = logging.OrNop(logger)
	d := &Detector{
		locks:     locks,
		publisher: publisher,
		logger:    logger.Named("deadlock"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = internaltelemetry.NewNoopOrchestratorMetrics()
	}
	return d
}

// Conservative reports whether the shared-holder rule is enabled.
func (d *Detector) Conservative() bool { return d.conservative }

// Graph builds the wait-for graph of the current lock table.
func (d *Detector) Graph() *Graph {
	return d.graphFor(d.locks.Snapshot())
}

func (d *Detector) graphFor(snap locktable.Snapshot) *Graph {
	g := NewGraph()
	for _, r := range sortedKeys(snap.Claims) {
		for _, waiter := range snap.Claims[r] {
			for _, holder := range snap.Holds[r] {
				g.AddDependency(waiter, holder, r)
			}
		}
	}
	if d.conservative {
		for _, r := range sortedKeys(snap.Holds) {
			holders := snap.Holds[r]
			for i := 0; i < len(holders); i++ {
				for j := i + 1; j < len(holders); j++ {
					g.AddDependency(holders[i], holders[j], r)
					g.AddDependency(holders[j], holders[i], r)
				}
			}
		}
	}
	return g
}

// WouldCauseDeadlock reports whether admitting txID with ops closes a cycle:
// txID is linked to every other holder of a resource it declares, on top of
// the existing wait-for edges.
func (d *Detector) WouldCauseDeadlock(txID uint64, ops []transaction.TransactionOperation) bool {
	snap := d.locks.Snapshot()
	g := d.graphFor(snap)
	for _, r := range transaction.CollectResources(ops) {
		for _, holder := range snap.Holds[r] {
			g.AddDependency(txID, holder, r)
		}
	}
	if g.HasCycle() {
		d.logger.Info("admission would deadlock", zap.Uint64("txn_id", txID))
		return true
	}
	return false
}

// DetectAndResolve enumerates every cycle in the current lock table and
// returns one DeadlockInfo per cycle, naming the lowest transaction id as the
// victim. A deadlock event is published for each. The result is never nil.
func (d *Detector) DetectAndResolve(ctx context.Context) []transaction.DeadlockInfo {
	snap := d.locks.Snapshot()
	cycles := d.graphFor(snap).Cycles()
	detectedAt := d.now()
	infos := make([]transaction.DeadlockInfo, 0, len(cycles))
	for _, cycle := range cycles {
		info := transaction.DeadlockInfo{
			TransactionID:           victim(cycle),
			ConflictingTransactions: cycle,
			ConflictingResources:    heldByAny(snap, cycle),
			DetectedAt:              detectedAt,
		}
		infos = append(infos, info)

		d.logger.Warn("deadlock detected",
			zap.Uint64("victim", info.TransactionID),
			zap.Uint64s("cycle", info.ConflictingTransactions),
			zap.Strings("resources", info.ConflictingResources),
		)
		d.metrics.DeadlocksCounter.Add(ctx, 1)
		d.publisher.DeadlockDetected(ctx, info)
	}
	return infos
}

// PreventionSuggestions returns advisory hints for an operation set. It never
// blocks execution.
func PreventionSuggestions(ops []transaction.TransactionOperation) []string {
	suggestions := []string{
		"Consider acquiring resources in a consistent order across all transactions",
		"Configure appropriate timeouts to prevent indefinite waiting",
	}
	if len(ops) > 5 {
		suggestions = append(suggestions, "Consider breaking down large transactions into smaller batches")
	}
	for _, op := range ops {
		if len(op.LockedResources) > 3 {
			suggestions = append(suggestions, "Consider using more granular resource locking")
			break
		}
	}
	return suggestions
}

// victim picks the lowest id in the cycle.
func victim(cycle []uint64) uint64 {
	v := cycle[0]
	for _, id := range cycle[1:] {
		if id < v {
			v = id
		}
	}
	return v
}

func heldByAny(snap locktable.Snapshot, members []uint64) []string {
	in := make(map[uint64]bool, len(members))
	for _, m := range members {
		in[m] = true
	}
	var out []string
	for r, holders := range snap.Holds {
		for _, h := range holders {
			if in[h] {
				out = append(out, r)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string][]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
