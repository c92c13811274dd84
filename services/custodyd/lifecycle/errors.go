package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"custodyfleet/services/custodyd/chain"
	"custodyfleet/services/custodyd/guard"
	"custodyfleet/services/custodyd/retry"
)

var (
	// ErrWalletNotRegistered means the onboarding step was skipped for the address.
	ErrWalletNotRegistered = errors.New("lifecycle: wallet not registered")
	// ErrWalletBusy means another mutating operation holds the wallet.
	ErrWalletBusy = guard.ErrBusy
	// ErrRemoteCallExhausted reports a chain call that failed after bounded retries.
	ErrRemoteCallExhausted = retry.ErrExhausted
	// ErrApprovalDenied means the wallet has not granted the custodian an allowance.
	ErrApprovalDenied = errors.New("lifecycle: approval denied")
	// ErrConfirmationTimeout means the outcome of a submitted transaction is unknown.
	ErrConfirmationTimeout = chain.ErrConfirmationTimeout
	// ErrInsufficientBalance means there is nothing to move.
	ErrInsufficientBalance = errors.New("lifecycle: insufficient balance")
	// ErrReverted means the chain rejected the transaction.
	ErrReverted = chain.ErrReverted
	// ErrRefillFailed matches every *RefillError.
	ErrRefillFailed = errors.New("lifecycle: refill failed")
	// ErrInvalidAddress reports a malformed wallet address.
	ErrInvalidAddress = chain.ErrInvalidAddress
)

// Kind is the stable name of an error category. It is used in notifications,
// metric labels and HTTP responses.
type Kind string

const (
	KindWalletNotRegistered Kind = "WalletNotRegistered"
	KindWalletBusy          Kind = "WalletBusy"
	KindRemoteCallExhausted Kind = "RemoteCallExhausted"
	KindApprovalDenied      Kind = "ApprovalDenied"
	KindConfirmationTimeout Kind = "ConfirmationTimeout"
	KindInsufficientBalance Kind = "InsufficientBalance"
	KindReverted            Kind = "Reverted"
	KindRefillFailed        Kind = "RefillFailed"
	KindInvalidAddress      Kind = "InvalidAddress"
	KindCancelled           Kind = "Cancelled"
	KindInternal            Kind = "Internal"
)

// KindOf classifies err. A confirmation timeout is checked before retry
// exhaustion so the ambiguous outcome is never reported as a plain failure.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrWalletNotRegistered):
		return KindWalletNotRegistered
	case errors.Is(err, ErrWalletBusy):
		return KindWalletBusy
	case errors.Is(err, ErrInvalidAddress):
		return KindInvalidAddress
	case errors.Is(err, ErrApprovalDenied):
		return KindApprovalDenied
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrConfirmationTimeout):
		return KindConfirmationTimeout
	case errors.Is(err, ErrReverted):
		return KindReverted
	case errors.Is(err, ErrRemoteCallExhausted):
		return KindRemoteCallExhausted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrRefillFailed):
		return KindRefillFailed
	default:
		return KindInternal
	}
}

// OperationError is the failure outcome of a pull, withdraw or removal.
type OperationError struct {
	Op     string
	Wallet string
	Kind   Kind
	Cause  error
}

func newOperationError(op, wallet string, cause error) *OperationError {
	return &OperationError{Op: op, Wallet: wallet, Kind: KindOf(cause), Cause: cause}
}

func (e *OperationError) Error() string {
	if e.Wallet == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Wallet, e.Kind, e.Cause)
}

func (e *OperationError) Unwrap() error { return e.Cause }

// RefillError reports a failed gas refill. The wallet record is unchanged.
type RefillError struct {
	Wallet string
	Cause  error
}

func (e *RefillError) Error() string {
	return fmt.Sprintf("refill %s: %v", e.Wallet, e.Cause)
}

// Unwrap exposes ErrRefillFailed and the underlying cause.
func (e *RefillError) Unwrap() []error {
	return []error{ErrRefillFailed, e.Cause}
}
