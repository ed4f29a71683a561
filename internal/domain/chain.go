package domain

import "fmt"

// ChainErrorType is the fixed failure taxonomy for remote contract calls.
type ChainErrorType string

const (
	// ChainErrTransient covers network- and timeout-shaped failures; the
	// gateway retries these within its attempt budget.
	ChainErrTransient ChainErrorType = "TRANSIENT"
	// ChainErrValidation covers malformed inputs rejected by the contract or
	// by the gateway's own scaling checks. Never retried.
	ChainErrValidation ChainErrorType = "VALIDATION"
	// ChainErrInsufficientFunds covers balance/funds rejections. Never retried.
	ChainErrInsufficientFunds ChainErrorType = "INSUFFICIENT_FUNDS"
	// ChainErrContract covers contract-logic rejections ("already resolved",
	// reverts). Never retried.
	ChainErrContract ChainErrorType = "CONTRACT_ERROR"
	// ChainErrTimeout is raised when the gateway's wall-clock budget elapses
	// mid-retry. The in-flight remote transaction may still land; detecting
	// that is the reconciliation process's job, not the gateway's.
	ChainErrTimeout ChainErrorType = "TIMEOUT"
	// ChainErrUnknown is everything unclassified. Never retried.
	ChainErrUnknown ChainErrorType = "UNKNOWN"
)

// ChainError is the typed outcome of a failed remote contract call. It is
// never persisted; callers inspect Retryable to decide whether a retry hint
// should surface to the client.
type ChainError struct {
	Type      ChainErrorType
	Message   string
	Retryable bool
	// TxHash is set when the failure happened after a transaction was
	// broadcast, so reconciliation can look it up.
	TxHash string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %s: %s", e.Type, e.Message)
}

// NewChainError builds a ChainError with the retryable flag implied by the
// type: only TRANSIENT and TIMEOUT are retryable.
func NewChainError(t ChainErrorType, message string) *ChainError {
	return &ChainError{
		Type:      t,
		Message:   message,
		Retryable: t == ChainErrTransient || t == ChainErrTimeout,
	}
}
