package transaction

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var allPhases = []Phase{PhaseInitiated, PhasePreparing, PhasePrepared, PhaseCommitted, PhaseRolledBack, PhaseTimedOut}

// TestPhaseTransitions_Exhaustive walks every (from, to) pair and checks that
// exactly the whitelisted ones are accepted.
func TestPhaseTransitionsExhaustive(t *testing.T) {
	allowed := map[[2]Phase]bool{
		{PhaseInitiated, PhasePreparing}:  true,
		{PhasePreparing, PhasePrepared}:   true,
		{PhasePrepared, PhaseCommitted}:   true,
		{PhasePreparing, PhaseRolledBack}: true,
		{PhasePrepared, PhaseRolledBack}:  true,
		{PhasePreparing, PhaseTimedOut}:   true,
		{PhasePrepared, PhaseTimedOut}:    true,
	}

	for _, from := range allPhases {
		for _, to := range allPhases {
			err := ValidateTransition(from, to)
			if allowed[[2]Phase{from, to}] {
				require.NoError(t, err, "%s -> %s should be allowed", from, to)
				continue
			}
			require.Error(t, err, "%s -> %s should be rejected", from, to)
			require.True(t, errors.Is(err, ErrInvalidPhase))
		}
	}
}

func TestPhaseTerminalHasNoExits(t *testing.T) {
	for _, from := range []Phase{PhaseCommitted, PhaseRolledBack, PhaseTimedOut} {
		require.True(t, from.IsTerminal())
		for _, to := range allPhases {
			require.False(t, CanTransition(from, to))
		}
	}
	require.ErrorIs(t, ValidateTransition(PhaseCommitted, PhasePreparing), ErrInvalidPhase)
}

func TestTransactionLogTransition(t *testing.T) {
	now := time.Unix(1700000000, 0)
	log := &TransactionLog{TransactionID: 1, Phase: PhaseInitiated}

	require.NoError(t, log.Transition(PhasePreparing, now))
	require.Equal(t, PhasePreparing, log.Phase)
	require.Equal(t, now, log.UpdatedAt)

	err := log.Transition(PhaseCommitted, now.Add(time.Second))
	require.ErrorIs(t, err, ErrInvalidPhase)
	require.Equal(t, PhasePreparing, log.Phase, "a rejected transition must not mutate the log")
	require.Equal(t, now, log.UpdatedAt)
}

func TestEntryPointDerivation(t *testing.T) {
	require.Equal(t, "prepare_add_guardian", EntryPoint(PreparePrefix, "add_guardian"))
	require.Equal(t, "prepare_add_guardian", EntryPoint(PreparePrefix, "prepare_add_guardian"))
	require.Equal(t, "commit_add_guardian", EntryPoint(CommitPrefix, "add_guardian"))
	require.Equal(t, "rollback_add_guardian", EntryPoint(RollbackPrefix, "add_guardian"))

	// Idempotent: applying the same prefix twice is a no-op.
	once := EntryPoint(CommitPrefix, "grant_access")
	require.Equal(t, once, EntryPoint(CommitPrefix, once))

	// Reversible.
	require.Equal(t, "grant_access", BaseFunction(CommitPrefix, once))
}

func TestTransactionLogExpiry(t *testing.T) {
	created := time.Unix(1700000000, 0)
	log := &TransactionLog{CreatedAt: created, TimeoutSeconds: 30}

	require.False(t, log.IsExpired(created.Add(30*time.Second)), "deadline itself is not expired")
	require.True(t, log.IsExpired(created.Add(31*time.Second)))
}

func TestTransactionLogCloneIsDeep(t *testing.T) {
	log := &TransactionLog{
		TransactionID: 7,
		Operations: []TransactionOperation{
			{OperationID: 1, Parameters: []string{"a"}, LockedResources: []string{"r1"}},
		},
		Metadata: []string{"m"},
	}
	c := log.Clone()
	c.Operations[0].Parameters[0] = "changed"
	c.Operations[0].Prepared = true
	c.Metadata[0] = "changed"

	require.Equal(t, "a", log.Operations[0].Parameters[0])
	require.False(t, log.Operations[0].Prepared)
	require.Equal(t, "m", log.Metadata[0])
}

func TestPhaseJSONUsesNames(t *testing.T) {
	log := TransactionLog{TransactionID: 3, Phase: PhaseRolledBack}
	b, err := json.Marshal(log)
	require.NoError(t, err)
	require.Contains(t, string(b), `"phase":"rolled_back"`)

	var decoded TransactionLog
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, PhaseRolledBack, decoded.Phase)
}

func TestTimeoutConfigTimeoutFor(t *testing.T) {
	cfg := TimeoutConfig{
		DefaultTimeout:   300,
		MaxTimeout:       3600,
		ContractTimeouts: map[ContractType]uint64{"identity": 600, "zk_verifier": 900},
	}
	ops := []TransactionOperation{{ContractType: "identity"}, {ContractType: "zk_verifier"}}

	require.Equal(t, uint64(120), cfg.TimeoutFor(120, ops))
	require.Equal(t, uint64(900), cfg.TimeoutFor(0, ops))
	require.Equal(t, uint64(300), cfg.TimeoutFor(0, []TransactionOperation{{ContractType: "other"}}))
}

func TestCollectResourcesDedupes(t *testing.T) {
	ops := []TransactionOperation{
		{LockedResources: []string{"r1", "r2"}},
		{LockedResources: []string{"r2", "r3"}},
	}
	require.Equal(t, []string{"r1", "r2", "r3"}, CollectResources(ops))
}
