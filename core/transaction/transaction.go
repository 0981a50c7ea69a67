package transaction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Phase represents the coordinator-side state of an orchestrated transaction.
type Phase int

const (
	PhaseInitiated  Phase = iota // Admitted, no participant has been called yet
	PhasePreparing               // Prepare calls are in flight
	PhasePrepared                // Every participant voted yes
	PhaseCommitted               // Every participant committed (terminal)
	PhaseRolledBack              // Compensated after a failure or cancellation (terminal)
	PhaseTimedOut                // Deadline passed before commit (terminal)
)

var phaseNames = map[Phase]string{
	PhaseInitiated:  "initiated",
	PhasePreparing:  "preparing",
	PhasePrepared:   "prepared",
	PhaseCommitted:  "committed",
	PhaseRolledBack: "rolled_back",
	PhaseTimedOut:   "timed_out",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// IsTerminal reports whether no transition leaves this phase.
func (p Phase) IsTerminal() bool {
	return p == PhaseCommitted || p == PhaseRolledBack || p == PhaseTimedOut
}

// MarshalText encodes the phase by name so persisted logs stay readable.
func (p Phase) MarshalText() ([]byte, error) {
	name, ok := phaseNames[p]
	if !ok {
		return nil, fmt.Errorf("%w: unknown phase %d", ErrInvalidInput, int(p))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for phase, n := range phaseNames {
		if n == name {
			*p = phase
			return nil
		}
	}
	return fmt.Errorf("%w: unknown phase %q", ErrInvalidInput, string(text))
}

// ContractType tags the category of participant an operation targets
// (e.g. "identity", "vision_records", "zk_verifier").
type ContractType string

// TransactionOperation is one unit of work against one participant.
type TransactionOperation struct {
	OperationID     uint64       `json:"operation_id"`
	ContractType    ContractType `json:"contract_type"`
	ContractAddress string       `json:"contract_address"`
	FunctionName    string       `json:"function_name"`
	Parameters      []string     `json:"parameters"`
	LockedResources []string     `json:"locked_resources"`
	Prepared        bool         `json:"prepared"`
	Committed       bool         `json:"committed"`
	Error           string       `json:"error,omitempty"`
}

// Clone returns a deep copy of the operation.
func (op TransactionOperation) Clone() TransactionOperation {
	c := op
	c.Parameters = append([]string(nil), op.Parameters...)
	c.LockedResources = append([]string(nil), op.LockedResources...)
	return c
}

// TransactionLog is the durable record of one orchestrated transaction. It is
// never deleted by the coordinator; it doubles as the audit trail.
type TransactionLog struct {
	TransactionID  uint64                 `json:"transaction_id"`
	Initiator      string                 `json:"initiator"`
	Phase          Phase                  `json:"phase"`
	Operations     []TransactionOperation `json:"operations"`
	Metadata       []string               `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	TimeoutSeconds uint64                 `json:"timeout_seconds"`
	Error          string                 `json:"error,omitempty"`
}

// Clone returns a deep copy of the log.
func (l *TransactionLog) Clone() *TransactionLog {
	if l == nil {
		return nil
	}
	c := *l
	c.Operations = make([]TransactionOperation, len(l.Operations))
	for i, op := range l.Operations {
		c.Operations[i] = op.Clone()
	}
	c.Metadata = append([]string(nil), l.Metadata...)
	return &c
}

// Operation returns a pointer into the log's operation list.
func (l *TransactionLog) Operation(operationID uint64) (*TransactionOperation, bool) {
	for i := range l.Operations {
		if l.Operations[i].OperationID == operationID {
			return &l.Operations[i], true
		}
	}
	return nil, false
}

// Deadline is the instant after which the transaction counts as expired.
func (l *TransactionLog) Deadline() time.Time {
	return l.CreatedAt.Add(time.Duration(l.TimeoutSeconds) * time.Second)
}

// IsExpired reports now > created_at + timeout_seconds.
func (l *TransactionLog) IsExpired(now time.Time) bool {
	return now.After(l.Deadline())
}

// Resources returns every resource declared by the log's operations, in
// operation order, without duplicates.
func (l *TransactionLog) Resources() []string {
	return CollectResources(l.Operations)
}

// CollectResources flattens the locked resources of ops, first occurrence wins.
func CollectResources(ops []TransactionOperation) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, op := range ops {
		for _, r := range op.LockedResources {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

func (l TransactionLog) String() string {
	b, err := json.Marshal(l)
	if err != nil {
		return fmt.Sprintf("TransactionLog{%d}", l.TransactionID)
	}
	return string(b)
}

// DeadlockInfo describes one detected wait cycle and the victim chosen to break it.
type DeadlockInfo struct {
	TransactionID           uint64    `json:"transaction_id"`
	ConflictingTransactions []uint64  `json:"conflicting_transactions"`
	ConflictingResources    []string  `json:"conflicting_resources"`
	DetectedAt              time.Time `json:"detected_at"`
}

// RollbackInfo records the outcome of compensating one operation.
type RollbackInfo struct {
	TransactionID      uint64   `json:"transaction_id"`
	OperationID        uint64   `json:"operation_id"`
	ContractAddress    string   `json:"contract_address"`
	RollbackFunction   string   `json:"rollback_function"`
	RollbackParameters []string `json:"rollback_parameters"`
	RollbackSuccessful bool     `json:"rollback_successful"`
	RollbackError      string   `json:"rollback_error,omitempty"`
}

// TimeoutConfig bounds transaction lifetimes. All values are seconds.
type TimeoutConfig struct {
	DefaultTimeout   uint64                  `json:"default_timeout" yaml:"default_timeout_seconds"`
	MaxTimeout       uint64                  `json:"max_timeout" yaml:"max_timeout_seconds"`
	ContractTimeouts map[ContractType]uint64 `json:"contract_timeouts,omitempty" yaml:"contract_timeouts"`
}

// Clone returns a deep copy of the configuration.
func (c TimeoutConfig) Clone() TimeoutConfig {
	out := c
	if c.ContractTimeouts != nil {
		out.ContractTimeouts = make(map[ContractType]uint64, len(c.ContractTimeouts))
		for k, v := range c.ContractTimeouts {
			out.ContractTimeouts[k] = v
		}
	}
	return out
}

// TimeoutFor picks the timeout for a set of operations: the requested value if
// non-zero, otherwise the largest per-category override among the operations,
// otherwise the default.
func (c TimeoutConfig) TimeoutFor(requested uint64, ops []TransactionOperation) uint64 {
	if requested != 0 {
		return requested
	}
	var best uint64
	for _, op := range ops {
		if t, ok := c.ContractTimeouts[op.ContractType]; ok && t > best {
			best = t
		}
	}
	if best != 0 {
		return best
	}
	return c.DefaultTimeout
}

// Settings is the process-wide context of an orchestrator: who administers it
// and how long transactions may live. It is written once by Initialize and
// afterwards only through validated configuration updates.
type Settings struct {
	Admin         string        `json:"admin"`
	Timeouts      TimeoutConfig `json:"timeouts"`
	MaxBatchSize  int           `json:"max_batch_size"`
	InitializedAt time.Time     `json:"initialized_at"`
}
