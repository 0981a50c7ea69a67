package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/sushant-115/gojotxn/core/orchestrator"
	"github.com/sushant-115/gojotxn/core/transaction"
)

func TestRolledBackVictims(t *testing.T) {
	infos := []transaction.DeadlockInfo{
		{TransactionID: 1, ConflictingTransactions: []uint64{1, 2}},
		{TransactionID: 3, ConflictingTransactions: []uint64{3, 4}},
		{TransactionID: 1, ConflictingTransactions: []uint64{1, 5}},
		{TransactionID: 6, ConflictingTransactions: []uint64{6, 7}},
	}
	require.Equal(t, []uint64{1, 3, 6}, rolledBackVictims(infos, nil))

	err := multierr.Combine(
		&orchestrator.VictimError{TransactionID: 3, Err: transaction.ErrRollbackFailed},
		errors.New("unrelated"),
	)
	require.Equal(t, []uint64{1, 6}, rolledBackVictims(infos, err))

	err = multierr.Append(err, &orchestrator.VictimError{TransactionID: 1, Err: transaction.ErrInvalidPhase})
	err = multierr.Append(err, &orchestrator.VictimError{TransactionID: 6, Err: transaction.ErrInvalidPhase})
	require.Empty(t, rolledBackVictims(infos, err))
	require.Empty(t, rolledBackVictims(nil, nil))
}
