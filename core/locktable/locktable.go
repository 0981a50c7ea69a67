// Package locktable tracks which transaction holds which resource, and which
// resources a transaction has declared but not yet acquired (claims). The
// deadlock detector reads both to build its wait-for graph.
package locktable

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// Snapshot is a point-in-time copy of the table. Slices are sorted.
type Snapshot struct {
	Holds  map[string][]uint64 // resource -> holders
	Claims map[string][]uint64 // resource -> waiting claimants
}

// HeldBy returns the resources held by txID, sorted.
func (s Snapshot) HeldBy(txID uint64) []string {
	var out []string
	for r, holders := range s.Holds {
		for _, h := range holders {
			if h == txID {
				out = append(out, r)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// View is the read side of a lock table.
type View interface {
	Snapshot() Snapshot
}

// Table is an in-memory resource lock table. In exclusive mode (the default)
// a resource has at most one holder.
type Table struct {
	mu     sync.RWMutex
	shared bool
	holds  map[string]map[uint64]struct{}
	claims map[string]map[uint64]struct{}
}

// Option configures a Table.
type Option func(*Table)

// WithSharedLocks lets several transactions hold one resource at once. The
// conservative deadlock rule exists for tables in this mode.
func WithSharedLocks() Option {
	return func(t *Table) { t.shared = true }
}

func New(opts ...Option) *Table {
	t := &Table{
		holds:  make(map[string]map[uint64]struct{}),
		claims: make(map[string]map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Shared reports whether the table admits multiple holders per resource.
func (t *Table) Shared() bool { return t.shared }

// Claim records that txID intends to acquire resources. Resources txID
// already holds are ignored.
func (t *Table) Claim(txID uint64, resources []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range resources {
		if _, held := t.holds[r][txID]; held {
			continue
		}
		add(t.claims, r, txID)
	}
}

// Acquire makes txID a holder of resource. In exclusive mode it fails with
// ErrResourceLocked when another transaction holds it; the attempt stays
// recorded as a claim. Re-acquiring a held resource is a no-op.
func (t *Table) Acquire(txID uint64, resource string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acquireLocked(txID, resource)
}

// AcquireAll acquires resources in order, stopping at the first conflict.
// Resources acquired before the conflict stay held; it returns them.
func (t *Table) AcquireAll(txID uint64, resources []string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var acquired []string
	for _, r := range resources {
		if _, held := t.holds[r][txID]; held {
			continue
		}
		if err := t.acquireLocked(txID, r); err != nil {
			return acquired, err
		}
		acquired = append(acquired, r)
	}
	return acquired, nil
}

func (t *Table) acquireLocked(txID uint64, resource string) error {
	holders := t.holds[resource]
	if _, held := holders[txID]; held {
		return nil
	}
	if !t.shared {
		for h := range holders {
			add(t.claims, resource, txID)
			return fmt.Errorf("%w: %q held by transaction %d", transaction.ErrResourceLocked, resource, h)
		}
	}
	remove(t.claims, resource, txID)
	add(t.holds, resource, txID)
	return nil
}

// Release drops every hold and claim of txID and returns the resources it
// held, sorted.
func (t *Table) Release(txID uint64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var released []string
	for r, holders := range t.holds {
		if _, ok := holders[txID]; ok {
			released = append(released, r)
		}
	}
	for _, r := range released {
		remove(t.holds, r, txID)
	}
	for r := range t.claims {
		remove(t.claims, r, txID)
	}
	sort.Strings(released)
	return released
}

// Holders returns the transactions holding resource, sorted.
func (t *Table) Holders(resource string) []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedIDs(t.holds[resource])
}

// HeldBy returns the resources held by txID, sorted.
func (t *Table) HeldBy(txID uint64) []string {
	return t.Snapshot().HeldBy(txID)
}

// Len returns the number of (resource, holder) pairs.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, holders := range t.holds {
		n += len(holders)
	}
	return n
}

func (t *Table) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := Snapshot{
		Holds:  make(map[string][]uint64, len(t.holds)),
		Claims: make(map[string][]uint64, len(t.claims)),
	}
	for r, holders := range t.holds {
		snap.Holds[r] = sortedIDs(holders)
	}
	for r, claimants := range t.claims {
		snap.Claims[r] = sortedIDs(claimants)
	}
	return snap
}

// Reset empties the table. Recovery rebuilds it from persisted logs.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.holds = make(map[string]map[uint64]struct{})
	t.claims = make(map[string]map[uint64]struct{})
}

func add(m map[string]map[uint64]struct{}, r string, txID uint64) {
	set, ok := m[r]
	if !ok {
		set = make(map[uint64]struct{})
		m[r] = set
	}
	set[txID] = struct{}{}
}

func remove(m map[string]map[uint64]struct{}, r string, txID uint64) {
	set, ok := m[r]
	if !ok {
		return
	}
	delete(set, txID)
	if len(set) == 0 {
		delete(m, r)
	}
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
