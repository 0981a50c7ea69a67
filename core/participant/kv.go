package participant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sushant-115/gojotxn/core/transaction"
)

var (
	ErrKeyStaged     = errors.New("key already has a staged write")
	ErrNothingStaged = errors.New("no staged write for key")
	ErrUnknownEntry  = errors.New("unknown entry point")
)

// Call is one recorded entry point invocation.
type Call struct {
	EntryPoint string
	Params     []string
}

type stagedWrite struct {
	value  string
	delete bool
}

// KVParticipant is an in-memory key/value participant. It supports the
// functions "set" (key, value) and "delete" (key): prepare stages the write
// and fails if the key is already staged, commit applies it, rollback
// discards it.
type KVParticipant struct {
	mu     sync.Mutex
	data   map[string]string
	staged map[string]stagedWrite
	calls  []Call
	failOn map[string]error
}

func NewKVParticipant() *KVParticipant {
	return &KVParticipant{
		data:   make(map[string]string),
		staged: make(map[string]stagedWrite),
		failOn: make(map[string]error),
	}
}

// FailOn makes every call to entryPoint return err. A nil err clears it.
func (kv *KVParticipant) FailOn(entryPoint string, err error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if err == nil {
		delete(kv.failOn, entryPoint)
		return
	}
	kv.failOn[entryPoint] = err
}

func (kv *KVParticipant) Call(ctx context.Context, entryPoint string, params []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.calls = append(kv.calls, Call{EntryPoint: entryPoint, Params: append([]string(nil), params...)})
	if err := kv.failOn[entryPoint]; err != nil {
		return err
	}

	phase, fn, ok := strings.Cut(entryPoint, "_")
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, entryPoint)
	}
	if len(params) == 0 {
		return fmt.Errorf("%s: key parameter required", entryPoint)
	}
	key := params[0]

	switch transaction.EntryPrefix(phase) {
	case transaction.PreparePrefix:
		var w stagedWrite
		switch fn {
		case "set":
			if len(params) < 2 {
				return fmt.Errorf("%s: value parameter required", entryPoint)
			}
			w.value = params[1]
		case "delete":
			w.delete = true
		default:
			return fmt.Errorf("%w: %s", ErrUnknownEntry, entryPoint)
		}
		if _, busy := kv.staged[key]; busy {
			return fmt.Errorf("%w: %s", ErrKeyStaged, key)
		}
		kv.staged[key] = w
	case transaction.CommitPrefix:
		w, ok := kv.staged[key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNothingStaged, key)
		}
		if w.delete {
			delete(kv.data, key)
		} else {
			kv.data[key] = w.value
		}
		delete(kv.staged, key)
	case transaction.RollbackPrefix:
		delete(kv.staged, key)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEntry, entryPoint)
	}
	return nil
}

func (kv *KVParticipant) Get(key string) (string, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.data[key]
	return v, ok
}

// Staged returns the keys with pending writes, sorted.
func (kv *KVParticipant) Staged() []string {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	keys := make([]string, 0, len(kv.staged))
	for k := range kv.staged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Calls returns the recorded invocations in call order.
func (kv *KVParticipant) Calls() []Call {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return append([]Call(nil), kv.calls...)
}

// EntryPoints returns the names of the recorded invocations in call order.
func (kv *KVParticipant) EntryPoints() []string {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	out := make([]string, len(kv.calls))
	for i, c := range kv.calls {
		out[i] = c.EntryPoint
	}
	return out
}
