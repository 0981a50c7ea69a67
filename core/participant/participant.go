// Package participant is the call boundary between the orchestrator and the
// services it coordinates. A participant exposes prepare_*, commit_* and
// rollback_* entry points taking ordered string parameters.
package participant

import (
	"context"
	"errors"
	"fmt"
)

var ErrParticipantNotFound = errors.New("participant not registered")

// Participant is one independently owned service.
type Participant interface {
	Call(ctx context.Context, entryPoint string, params []string) error
}

// Func adapts a function to the Participant interface.
type Func func(ctx context.Context, entryPoint string, params []string) error

func (f Func) Call(ctx context.Context, entryPoint string, params []string) error {
	return f(ctx, entryPoint, params)
}

// Invoker dispatches an entry point call to the participant at address.
type Invoker interface {
	Invoke(ctx context.Context, address, entryPoint string, params []string) error
}

// CallError reports a failed participant call.
type CallError struct {
	Address    string
	EntryPoint string
	Err        error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("participant %s: %s: %v", e.Address, e.EntryPoint, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }
