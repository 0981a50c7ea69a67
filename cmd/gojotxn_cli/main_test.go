package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotxn/core/transaction"
)

func TestParseOperation(t *testing.T) {
	op, err := parseOperation(2, "kv@kv-a:set:k1,v1:k1")
	require.NoError(t, err)
	require.Equal(t, transaction.TransactionOperation{
		OperationID:     2,
		ContractType:    "kv",
		ContractAddress: "kv-a",
		FunctionName:    "set",
		Parameters:      []string{"k1", "v1"},
		LockedResources: []string{"k1"},
	}, op)

	op, err = parseOperation(1, "kv@kv-a:delete")
	require.NoError(t, err)
	require.Nil(t, op.Parameters)
	require.Nil(t, op.LockedResources)

	for _, bad := range []string{"kv-a:set", "@kv-a:set", "kv@kv-a", "kv@:set", "kv@a:b:c:d:e"} {
		_, err := parseOperation(1, bad)
		require.Error(t, err, bad)
	}
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"3", "1"})
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 1}, ids)

	_, err = parseIDs([]string{"x"})
	require.Error(t, err)
}
