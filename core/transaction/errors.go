package transaction

import "errors"

// --- Error Definitions ---

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidPhase        = errors.New("operation not allowed in the current transaction phase")
	ErrUnauthorized        = errors.New("caller is not authorized")
	ErrContractCallFailed  = errors.New("participant call failed")
	ErrRollbackFailed      = errors.New("rollback failed")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrOperationNotFound   = errors.New("operation not found")
	// --- Orchestrator lifecycle errors ---
	ErrAlreadyInitialized = errors.New("orchestrator already initialized")
	ErrNotInitialized     = errors.New("orchestrator not initialized")
	ErrDeadlockDetected   = errors.New("transaction would cause a deadlock")
	ErrTransactionExpired = errors.New("transaction timed out")
	ErrResourceLocked     = errors.New("resource is currently locked by another transaction")
)
