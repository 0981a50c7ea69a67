package participant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction"
	logging "github.com/sushant-115/gojotxn/pkg/logger"
)

type registration struct {
	participant Participant
	category    transaction.ContractType
}

// Registry resolves participant addresses to implementations and is the
// orchestrator's Invoker.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]registration
	callTimeout time.Duration
	logger      *zap.Logger
}

// NewRegistry creates an empty registry. A positive callTimeout bounds every
// Invoke.
func NewRegistry(callTimeout time.Duration, logger *zap.Logger) *Registry {
	logger = logging.OrNop(logger)
	return &Registry{
		entries:     make(map[string]registration),
		callTimeout: callTimeout,
		logger:      logger.Named("participants"),
	}
}

// Register binds address to p. Re-registering an address replaces it.
func (r *Registry) Register(address string, category transaction.ContractType, p Participant) error {
	if address == "" || p == nil {
		return fmt.Errorf("%w: participant address and implementation are required", transaction.ErrInvalidInput)
	}
	r.mu.Lock()
	r.entries[address] = registration{participant: p, category: category}
	r.mu.Unlock()
	r.logger.Info("participant registered", zap.String("address", address), zap.String("category", string(category)))
	return nil
}

func (r *Registry) Unregister(address string) {
	r.mu.Lock()
	delete(r.entries, address)
	r.mu.Unlock()
}

func (r *Registry) Resolve(address string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[address]
	return reg.participant, ok
}

// Resolvable reports whether address has a registered participant.
func (r *Registry) Resolvable(address string) bool {
	_, ok := r.Resolve(address)
	return ok
}

// Category returns the contract type address was registered with.
func (r *Registry) Category(address string) (transaction.ContractType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[address]
	return reg.category, ok
}

// Addresses returns every registered address, sorted.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for a := range r.entries {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Invoke calls entryPoint on the participant at address. Every failure is a
// *CallError.
func (r *Registry) Invoke(ctx context.Context, address, entryPoint string, params []string) error {
	p, ok := r.Resolve(address)
	if !ok {
		return &CallError{Address: address, EntryPoint: entryPoint, Err: ErrParticipantNotFound}
	}
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}
	if err := p.Call(ctx, entryPoint, params); err != nil {
		r.logger.Debug("participant call failed",
			zap.String("address", address),
			zap.String("entry_point", entryPoint),
			zap.Error(err),
		)
		return &CallError{Address: address, EntryPoint: entryPoint, Err: err}
	}
	return nil
}
