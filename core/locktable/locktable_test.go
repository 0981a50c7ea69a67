package locktable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotxn/core/transaction"
)

func TestExclusiveAcquireRecordsClaimOnConflict(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Acquire(1, "R1"))
	require.NoError(t, tbl.Acquire(1, "R1"))

	err := tbl.Acquire(2, "R1")
	require.ErrorIs(t, err, transaction.ErrResourceLocked)

	snap := tbl.Snapshot()
	require.Equal(t, []uint64{1}, snap.Holds["R1"])
	require.Equal(t, []uint64{2}, snap.Claims["R1"])

	require.Equal(t, []string{"R1"}, tbl.Release(1))
	require.NoError(t, tbl.Acquire(2, "R1"))

	snap = tbl.Snapshot()
	require.Equal(t, []uint64{2}, snap.Holds["R1"])
	require.Empty(t, snap.Claims)
}

func TestAcquireAllStopsAtFirstConflict(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Acquire(9, "B"))

	acquired, err := tbl.AcquireAll(1, []string{"A", "B", "C"})
	require.ErrorIs(t, err, transaction.ErrResourceLocked)
	require.Equal(t, []string{"A"}, acquired)
	require.Equal(t, []string{"A"}, tbl.HeldBy(1))
	require.Empty(t, tbl.Holders("C"))
}

func TestSharedLocks(t *testing.T) {
	tbl := New(WithSharedLocks())
	require.True(t, tbl.Shared())
	require.NoError(t, tbl.Acquire(2, "R"))
	require.NoError(t, tbl.Acquire(1, "R"))
	require.Equal(t, []uint64{1, 2}, tbl.Holders("R"))
	require.Equal(t, 2, tbl.Len())
}

func TestClaimSkipsHeldResources(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.Acquire(1, "A"))
	tbl.Claim(1, []string{"A", "B"})

	snap := tbl.Snapshot()
	require.NotContains(t, snap.Claims, "A")
	require.Equal(t, []uint64{1}, snap.Claims["B"])

	require.NoError(t, tbl.Acquire(1, "B"))
	require.Empty(t, tbl.Snapshot().Claims)
}

func TestReleaseDropsClaimsAndReset(t *testing.T) {
	tbl := New()
	tbl.Claim(3, []string{"X"})
	require.NoError(t, tbl.Acquire(3, "Y"))
	require.Equal(t, []string{"Y"}, tbl.Release(3))
	snap := tbl.Snapshot()
	require.Empty(t, snap.Holds)
	require.Empty(t, snap.Claims)

	require.NoError(t, tbl.Acquire(4, "Z"))
	tbl.Reset()
	require.Equal(t, 0, tbl.Len())
}
