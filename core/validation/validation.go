// Package validation holds the stateless checks run before any transaction
// state is mutated. Every failure maps to ErrInvalidInput, ErrInvalidPhase or
// ErrUnauthorized from the transaction package.
package validation

import (
	"fmt"
	"time"

	"github.com/sushant-115/gojotxn/core/transaction"
)

const (
	MinTimeoutSeconds           uint64 = 30
	MaxTimeoutSeconds           uint64 = 86400 * 7
	MaxOperationsPerTransaction        = 50
	MaxMetadataItems                   = 20
	MaxParametersPerOperation          = 10
	MaxFunctionNameLength              = 64
	MaxResourceIDLength                = 128
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", transaction.ErrInvalidInput, fmt.Sprintf(format, args...))
}

// ValidateTimeout checks 30s <= timeout <= 7d.
func ValidateTimeout(timeoutSeconds uint64) error {
	if timeoutSeconds < MinTimeoutSeconds || timeoutSeconds > MaxTimeoutSeconds {
		return invalid("timeout %ds outside [%d, %d]", timeoutSeconds, MinTimeoutSeconds, MaxTimeoutSeconds)
	}
	return nil
}

// ValidateAddress checks that a participant or caller identity is present.
func ValidateAddress(address string) error {
	if address == "" {
		return invalid("empty address")
	}
	return nil
}

func ValidateOperationCount(count int) error {
	if count == 0 || count > MaxOperationsPerTransaction {
		return invalid("operation count %d outside [1, %d]", count, MaxOperationsPerTransaction)
	}
	return nil
}

func ValidateMetadata(metadata []string) error {
	if len(metadata) > MaxMetadataItems {
		return invalid("%d metadata items exceeds %d", len(metadata), MaxMetadataItems)
	}
	return nil
}

func ValidateOperationParameters(parameters []string) error {
	if len(parameters) > MaxParametersPerOperation {
		return invalid("%d parameters exceeds %d", len(parameters), MaxParametersPerOperation)
	}
	return nil
}

func ValidateFunctionName(name string) error {
	if len(name) == 0 || len(name) > MaxFunctionNameLength {
		return invalid("function name length %d outside [1, %d]", len(name), MaxFunctionNameLength)
	}
	return nil
}

func ValidateResourceID(resourceID string) error {
	if len(resourceID) == 0 || len(resourceID) > MaxResourceIDLength {
		return invalid("resource id length %d outside [1, %d]", len(resourceID), MaxResourceIDLength)
	}
	return nil
}

// ValidateTransactionMetadata checks the envelope of a new transaction.
func ValidateTransactionMetadata(initiator string, operationsCount int, timeoutSeconds uint64, metadata []string) error {
	if err := ValidateAddress(initiator); err != nil {
		return err
	}
	if err := ValidateOperationCount(operationsCount); err != nil {
		return err
	}
	if err := ValidateTimeout(timeoutSeconds); err != nil {
		return err
	}
	return ValidateMetadata(metadata)
}

// ValidateTransactionOperation checks the fields of a single operation.
func ValidateTransactionOperation(op transaction.TransactionOperation) error {
	if op.OperationID == 0 {
		return invalid("operation id must be non-zero")
	}
	if err := ValidateAddress(op.ContractAddress); err != nil {
		return fmt.Errorf("operation %d: %w", op.OperationID, err)
	}
	if err := ValidateFunctionName(op.FunctionName); err != nil {
		return fmt.Errorf("operation %d: %w", op.OperationID, err)
	}
	if err := ValidateOperationParameters(op.Parameters); err != nil {
		return fmt.Errorf("operation %d: %w", op.OperationID, err)
	}
	for _, r := range op.LockedResources {
		if err := ValidateResourceID(r); err != nil {
			return fmt.Errorf("operation %d: %w", op.OperationID, err)
		}
	}
	return nil
}

// ValidateOperations rejects empty or oversized lists, duplicate operation ids,
// and any operation failing per-field validation.
func ValidateOperations(ops []transaction.TransactionOperation) error {
	if err := ValidateOperationCount(len(ops)); err != nil {
		return err
	}
	seen := make(map[uint64]struct{}, len(ops))
	for _, op := range ops {
		if _, dup := seen[op.OperationID]; dup {
			return invalid("duplicate operation id %d", op.OperationID)
		}
		seen[op.OperationID] = struct{}{}
	}
	for _, op := range ops {
		if err := ValidateTransactionOperation(op); err != nil {
			return err
		}
	}
	return nil
}

func ValidatePhaseTransition(from, to transaction.Phase) error {
	return transaction.ValidateTransition(from, to)
}

// ValidateRollbackOperation allows compensation only for prepared, uncommitted work.
func ValidateRollbackOperation(prepared, committed bool) error {
	if !prepared || committed {
		return fmt.Errorf("%w: rollback requires prepared=true committed=false (got prepared=%t committed=%t)",
			transaction.ErrInvalidPhase, prepared, committed)
	}
	return nil
}

func ValidateDeadlockDetection(transactionID uint64, ops []transaction.TransactionOperation) error {
	if transactionID == 0 {
		return invalid("transaction id must be non-zero")
	}
	if len(ops) == 0 {
		return invalid("no operations to check")
	}
	for _, op := range ops {
		for _, r := range op.LockedResources {
			if err := ValidateResourceID(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateTimeoutConfig checks the default and every per-category override,
// and that max >= default.
func ValidateTimeoutConfig(cfg transaction.TimeoutConfig) error {
	if err := ValidateTimeout(cfg.DefaultTimeout); err != nil {
		return fmt.Errorf("default timeout: %w", err)
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		return invalid("max timeout %d below default %d", cfg.MaxTimeout, cfg.DefaultTimeout)
	}
	for contractType, timeout := range cfg.ContractTimeouts {
		if err := ValidateTimeout(timeout); err != nil {
			return fmt.Errorf("timeout for %q: %w", contractType, err)
		}
	}
	return nil
}

// IsTransactionExpired reports now > createdAt + timeout.
func IsTransactionExpired(createdAt time.Time, timeoutSeconds uint64, now time.Time) bool {
	return now.After(createdAt.Add(time.Duration(timeoutSeconds) * time.Second))
}

func ValidateBatchOperation(transactionIDs []uint64, maxBatchSize int) error {
	if len(transactionIDs) == 0 {
		return invalid("empty batch")
	}
	if len(transactionIDs) > maxBatchSize {
		return invalid("batch of %d exceeds %d", len(transactionIDs), maxBatchSize)
	}
	for _, id := range transactionIDs {
		if id == 0 {
			return invalid("transaction id must be non-zero")
		}
	}
	return nil
}

// ValidateAdmin returns ErrUnauthorized unless caller is the administrator.
func ValidateAdmin(caller, admin string) error {
	if caller == "" || caller != admin {
		return fmt.Errorf("%w: %q is not the administrator", transaction.ErrUnauthorized, caller)
	}
	return nil
}

// ValidateConfigUpdate checks authority first, then the new configuration.
func ValidateConfigUpdate(caller, admin string, cfg transaction.TimeoutConfig) error {
	if err := ValidateAdmin(caller, admin); err != nil {
		return err
	}
	return ValidateTimeoutConfig(cfg)
}
