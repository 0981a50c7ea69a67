package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojotxn/core/events"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/validation"
)

// batchConcurrency bounds how many transactions of one batch run at once.
const batchConcurrency = 4

// ProcessBatch runs every transaction in txIDs to completion with Run. A
// failing transaction does not stop the others; the result lists each
// outcome. Only validation errors are returned.
func (o *Orchestrator) ProcessBatch(ctx context.Context, txIDs []uint64) (string, events.BatchResult, error) {
	settings, err := o.store.GetSettings(ctx)
	if err != nil {
		return "", events.BatchResult{}, err
	}
	if err := validation.ValidateBatchOperation(txIDs, settings.MaxBatchSize); err != nil {
		return "", events.BatchResult{}, err
	}
	seen := make(map[uint64]bool, len(txIDs))
	for _, id := range txIDs {
		if seen[id] {
			return "", events.BatchResult{}, fmt.Errorf("%w: transaction %d appears twice in batch", transaction.ErrInvalidInput, id)
		}
		seen[id] = true
	}

	batchID := uuid.NewString()
	ctx, span := o.tracer.Start(ctx, "orchestrator.batch", trace.WithAttributes(
		attribute.String("batch_id", batchID),
		attribute.Int("transactions", len(txIDs)),
	))
	defer span.End()
	o.publisher.BatchStarted(ctx, batchID, txIDs)

	var (
		mu     sync.Mutex
		result = events.BatchResult{Failed: make(map[uint64]string)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for _, id := range txIDs {
		g.Go(func() error {
			_, err := o.Run(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[id] = err.Error()
				return nil
			}
			result.Succeeded = append(result.Succeeded, id)
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(result.Succeeded)
	o.publisher.BatchCompleted(ctx, batchID, result)
	o.logger.Info("batch completed",
		zap.String("batch_id", batchID),
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)),
	)
	return batchID, result, nil
}
