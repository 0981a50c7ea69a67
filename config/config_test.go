package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/sushant-115/gojotxn/core/transaction"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gojotxn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
http:
  listen_addr: ":9090"
orchestrator:
  admin: ops
  default_timeout_seconds: 120
  max_timeout_seconds: 600
  contract_timeouts:
    zk_verifier: 300
  call_timeout: 2s
  conservative_sharing: true
storage:
  backend: bolt
  path: /var/lib/gojotxn/txn.db
  cache_entries: 1024
participants:
  - address: identity
    category: identity
    kind: grpc
    target: dns:///identity:7001
    rate_limit: 50
    burst: 10
  - address: scratch
    category: kv
    kind: kv
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.HTTP.ListenAddr)
	require.Equal(t, "ops", cfg.Orchestrator.Admin)
	require.Equal(t, 2*time.Second, cfg.Orchestrator.CallTimeout)
	require.True(t, cfg.Orchestrator.ConservativeSharing)
	require.Equal(t, 10, cfg.Orchestrator.MaxBatchSize)
	require.Equal(t, transaction.TimeoutConfig{
		DefaultTimeout:   120,
		MaxTimeout:       600,
		ContractTimeouts: map[transaction.ContractType]uint64{"zk_verifier": 300},
	}, cfg.Orchestrator.Timeouts())
	require.Equal(t, BackendBolt, cfg.Storage.Backend)
	require.EqualValues(t, 1024, cfg.Storage.CacheEntries)
	require.Len(t, cfg.Participants, 2)
	require.Equal(t, "dns:///identity:7001", cfg.Participants[0].Target)
	require.Equal(t, "info", cfg.Logger.Level)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Orchestrator.Admin = ""
	cfg.Orchestrator.DefaultTimeoutSeconds = 5
	cfg.Storage.Backend = "etcd"
	cfg.Participants = []ParticipantConfig{
		{Address: "a", Kind: ParticipantGRPC},
		{Address: "a", Kind: ParticipantKV},
		{Address: "b", Kind: "soap"},
	}
	cfg.Events.StreamEnabled = true

	err := cfg.Validate()
	require.Error(t, err)
	require.Len(t, multierr.Errors(err), 8)
	require.ErrorContains(t, err, "storage.backend")
	require.ErrorContains(t, err, "duplicate address")
	require.ErrorIs(t, err, transaction.ErrInvalidInput)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "orchestrator: [unterminated"))
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateEncryptionKey(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = BackendBolt
	cfg.Storage.Path = filepath.Join(t.TempDir(), "txn.db")
	cfg.Storage.EncryptionKey = "not-hex"
	require.ErrorContains(t, cfg.Validate(), "storage.encryption_key")

	cfg.Storage.EncryptionKey = "000102030405060708090a0b0c0d0e0f"
	require.NoError(t, cfg.Validate())
}
