// Package config loads the YAML configuration shared by the gojotxn binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojotxn/core/events"
	"github.com/sushant-115/gojotxn/core/security/encryption"
	"github.com/sushant-115/gojotxn/core/storage/raftstore"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/validation"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRaft   = "raft"
)

// Participant kinds.
const (
	ParticipantGRPC = "grpc"
	ParticipantKV   = "kv" // in-process reference participant
)

type Config struct {
	Logger       logger.Config       `yaml:"logger"`
	Telemetry    telemetry.Config    `yaml:"telemetry"`
	HTTP         HTTPConfig          `yaml:"http"`
	Orchestrator OrchestratorConfig  `yaml:"orchestrator"`
	Storage      StorageConfig       `yaml:"storage"`
	Participants []ParticipantConfig `yaml:"participants"`
	Events       EventsConfig        `yaml:"events"`
	TLS          TLSConfig           `yaml:"tls"`
}

type HTTPConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type OrchestratorConfig struct {
	// Admin may update timeouts and roll back any transaction.
	Admin                 string            `yaml:"admin"`
	DefaultTimeoutSeconds uint64            `yaml:"default_timeout_seconds"`
	MaxTimeoutSeconds     uint64            `yaml:"max_timeout_seconds"`
	ContractTimeouts      map[string]uint64 `yaml:"contract_timeouts"`
	MaxBatchSize          int               `yaml:"max_batch_size"`
	CallTimeout           time.Duration     `yaml:"call_timeout"`
	// Zero disables the background sweeps.
	DeadlockSweepInterval time.Duration `yaml:"deadlock_sweep_interval"`
	TimeoutSweepInterval  time.Duration `yaml:"timeout_sweep_interval"`
	// ResolveDeadlocks rolls back sweep victims instead of only reporting them.
	ResolveDeadlocks    bool `yaml:"resolve_deadlocks"`
	ConservativeSharing bool `yaml:"conservative_sharing"`
	SharedLocks         bool `yaml:"shared_locks"`
}

// Timeouts converts the configured bounds.
func (c OrchestratorConfig) Timeouts() transaction.TimeoutConfig {
	cfg := transaction.TimeoutConfig{
		DefaultTimeout: c.DefaultTimeoutSeconds,
		MaxTimeout:     c.MaxTimeoutSeconds,
	}
	if len(c.ContractTimeouts) > 0 {
		cfg.ContractTimeouts = make(map[transaction.ContractType]uint64, len(c.ContractTimeouts))
		for k, v := range c.ContractTimeouts {
			cfg.ContractTimeouts[transaction.ContractType(k)] = v
		}
	}
	return cfg
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	// Path is the BoltDB file for the bolt backend.
	Path string `yaml:"path"`
	// CacheEntries > 0 puts a read cache in front of the backend.
	CacheEntries int64 `yaml:"cache_entries"`
	// EncryptionKey is a hex AES key sealing bolt records at rest.
	EncryptionKey string           `yaml:"encryption_key"`
	Raft          raftstore.Config `yaml:"raft"`
}

type ParticipantConfig struct {
	Address  string `yaml:"address"`
	Category string `yaml:"category"`
	Kind     string `yaml:"kind"`
	// Target is the gRPC dial target for kind grpc.
	Target    string  `yaml:"target"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

type EventsConfig struct {
	Log           bool                `yaml:"log"`
	RecorderLimit int                 `yaml:"recorder_limit"`
	StreamEnabled bool                `yaml:"stream_enabled"`
	Stream        events.StreamConfig `yaml:"stream"`
	// CollectorAddr, when set, serves an HTTP/3 event collector.
	CollectorAddr string `yaml:"collector_addr"`
	CollectorPath string `yaml:"collector_path"`
}

type TLSConfig struct {
	CertDir string `yaml:"cert_dir"`
	// Generate writes development certificates to CertDir when none exist.
	Generate bool `yaml:"generate"`
}

// Default returns a configuration for a single in-memory node.
func Default() Config {
	return Config{
		Logger: logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{
			ServiceName:      "gojotxn",
			TraceSampleRatio: 1.0,
		},
		HTTP: HTTPConfig{ListenAddr: ":8080", ShutdownTimeout: 10 * time.Second},
		Orchestrator: OrchestratorConfig{
			Admin:                 "admin",
			DefaultTimeoutSeconds: 300,
			MaxTimeoutSeconds:     3600,
			MaxBatchSize:          10,
			CallTimeout:           5 * time.Second,
			DeadlockSweepInterval: 5 * time.Second,
			TimeoutSweepInterval:  10 * time.Second,
			ResolveDeadlocks:      true,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Raft:    raftstore.Config{ApplyTimeout: 5 * time.Second},
		},
		Events: EventsConfig{Log: true, RecorderLimit: 1000, CollectorPath: "/events"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs error
	if c.HTTP.ListenAddr == "" {
		errs = multierr.Append(errs, fmt.Errorf("http.listen_addr is required"))
	}
	if err := validation.ValidateAddress(c.Orchestrator.Admin); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("orchestrator.admin: %w", err))
	}
	if err := validation.ValidateTimeoutConfig(c.Orchestrator.Timeouts()); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("orchestrator timeouts: %w", err))
	}
	if c.Orchestrator.MaxBatchSize < 0 {
		errs = multierr.Append(errs, fmt.Errorf("orchestrator.max_batch_size must not be negative"))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Storage.Path == "" {
			errs = multierr.Append(errs, fmt.Errorf("storage.path is required for the bolt backend"))
		}
		if c.Storage.EncryptionKey != "" {
			if _, err := encryption.NewSealerFromHex(c.Storage.EncryptionKey); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("storage.encryption_key: %w", err))
			}
		}
	case BackendRaft:
		r := c.Storage.Raft
		if r.NodeID == "" || r.BindAddr == "" || r.DataDir == "" {
			errs = multierr.Append(errs, fmt.Errorf("storage.raft needs node_id, bind_addr and data_dir"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("storage.backend %q is not one of memory, bolt, raft", c.Storage.Backend))
	}

	seen := make(map[string]bool, len(c.Participants))
	for i, p := range c.Participants {
		if err := validation.ValidateAddress(p.Address); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("participants[%d].address: %w", i, err))
			continue
		}
		if seen[p.Address] {
			errs = multierr.Append(errs, fmt.Errorf("participants[%d]: duplicate address %q", i, p.Address))
		}
		seen[p.Address] = true
		switch p.Kind {
		case ParticipantKV:
		case ParticipantGRPC:
			if p.Target == "" {
				errs = multierr.Append(errs, fmt.Errorf("participants[%d]: grpc participant %q needs a target", i, p.Address))
			}
		default:
			errs = multierr.Append(errs, fmt.Errorf("participants[%d]: unknown kind %q", i, p.Kind))
		}
		if p.RateLimit < 0 {
			errs = multierr.Append(errs, fmt.Errorf("participants[%d]: rate_limit must not be negative", i))
		}
	}

	if c.Events.StreamEnabled && c.Events.Stream.Addr == "" {
		errs = multierr.Append(errs, fmt.Errorf("events.stream.addr is required when streaming is enabled"))
	}
	if (c.Events.StreamEnabled || c.Events.CollectorAddr != "") && c.TLS.CertDir == "" {
		errs = multierr.Append(errs, fmt.Errorf("tls.cert_dir is required for the event stream and collector"))
	}
	return errs
}
