// Package storage persists transaction logs and the orchestrator settings.
// Stores hand out copies: mutating a returned log never changes stored state.
package storage

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/sushant-115/gojotxn/core/transaction"
)

var ErrStoreClosed = errors.New("store closed")

// Store is the persistence boundary of the orchestrator.
type Store interface {
	// GetTransactionLog returns ErrTransactionNotFound when id is unknown.
	GetTransactionLog(ctx context.Context, id uint64) (*transaction.TransactionLog, error)
	SetTransactionLog(ctx context.Context, log *transaction.TransactionLog) error
	RemoveTransactionLog(ctx context.Context, id uint64) error
	// ListTransactionLogs returns every log ordered by id.
	ListTransactionLogs(ctx context.Context) ([]*transaction.TransactionLog, error)
	// NextTransactionID returns a fresh id, starting at 1.
	NextTransactionID(ctx context.Context) (uint64, error)
	// GetSettings returns ErrNotInitialized until SetSettings has been called.
	GetSettings(ctx context.Context) (*transaction.Settings, error)
	SetSettings(ctx context.Context, settings *transaction.Settings) error
	Close() error
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func cloneSettings(s *transaction.Settings) *transaction.Settings {
	if s == nil {
		return nil
	}
	c := *s
	c.Timeouts = s.Timeouts.Clone()
	return &c
}
