package gridcredit

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrQuotaExceeded           = errors.New("gridcredit: free quota exceeded")
	ErrPaymentRequired         = errors.New("gridcredit: payment required")
	ErrPaymentInvalid          = errors.New("gridcredit: payment invalid")
	ErrOrderExpired            = errors.New("gridcredit: order expired")
	ErrIPDeviceLimit           = errors.New("gridcredit: too many devices for this ip")
	ErrRateLimited             = errors.New("gridcredit: rate limited")
	ErrCredentialPoolExhausted = errors.New("gridcredit: credential pool exhausted")
	ErrSynthesisFailed         = errors.New("gridcredit: synthesis failed")
	ErrInvalidRequest          = errors.New("gridcredit: invalid request")

	// ErrNotFound is returned by Store implementations for missing or expired keys.
	ErrNotFound = errors.New("gridcredit: not found")
)

// CreditError explains why the ledger refused a credit operation.
type CreditError struct {
	Err     error
	Message string
}

func (e *CreditError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Message)
}

func (e *CreditError) Unwrap() error {
	return e.Err
}

func deny(err error, message string) error {
	return &CreditError{Err: err, Message: message}
}

// GatewayError wraps a failed synthesis call with routing context.
// It unwraps to both the terminal sentinel (ErrSynthesisFailed or ErrRateLimited)
// and the provider error that caused it.
type GatewayError struct {
	Err      error
	Cause    error
	Provider string
	Model    string
	Attempts int
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gridcredit: provider=%s model=%s attempts=%d: %v: %v",
		e.Provider, e.Model, e.Attempts, e.Err, e.Cause)
}

func (e *GatewayError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Code returns the machine-readable code reported to callers for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "INVALID_REQUEST"
	case errors.Is(err, ErrQuotaExceeded):
		return "QUOTA_EXCEEDED"
	case errors.Is(err, ErrOrderExpired):
		return "ORDER_EXPIRED"
	case errors.Is(err, ErrPaymentInvalid):
		return "PAYMENT_INVALID"
	case errors.Is(err, ErrPaymentRequired):
		return "PAYMENT_REQUIRED"
	case errors.Is(err, ErrIPDeviceLimit):
		return "IP_DEVICE_LIMIT"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrSynthesisFailed):
		return "SYNTHESIS_FAILED"
	case errors.Is(err, ErrCredentialPoolExhausted):
		return "CREDENTIAL_POOL_EXHAUSTED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	default:
		return "INTERNAL_ERROR"
	}
}

// Message returns the human-readable part of err, preferring a CreditError message.
func Message(err error) string {
	var ce *CreditError
	if errors.As(err, &ce) {
		return ce.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsLedgerDenial reports whether err is a terminal refusal from the ledger, abuse guard
// or rate limiter. Such errors are never retried.
func IsLedgerDenial(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrPaymentRequired) ||
		errors.Is(err, ErrPaymentInvalid) ||
		errors.Is(err, ErrOrderExpired) ||
		errors.Is(err, ErrIPDeviceLimit)
}
