package agentpay

import (
	"errors"
	"fmt"
)

// SettlementError is the error type returned by every engine operation.
// Code identifies the failure class; Err carries the underlying cause
// when the failure originated outside the engine (token layer, store).
type SettlementError struct {
	Code    string
	Message string
	Err     error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// Error codes. All failures are terminal for the call: the engine never
// retries, and a caller retrying a settlement must mint a fresh
// paymentId and a fresh authorization nonce.
const (
	// ErrCodeReplay means the paymentId was already consumed. Permanent.
	ErrCodeReplay = "replay_detected"
	// ErrCodeInactiveSku means the SKU is inactive or unknown. Permanent.
	ErrCodeInactiveSku = "inactive_sku"
	// ErrCodeSkuMismatch means the SKU belongs to a different agent. Permanent.
	ErrCodeSkuMismatch = "sku_mismatch"
	// ErrCodeWrongToken means the SKU is not priced in the settlement token. Permanent.
	ErrCodeWrongToken = "wrong_token"
	// ErrCodeAmountMismatch means the receipt amount differs from the SKU price. Permanent.
	ErrCodeAmountMismatch = "amount_mismatch"
	// ErrCodeInvalidPayer means the receipt payer is the zero address. Permanent.
	ErrCodeInvalidPayer = "invalid_payer"
	// ErrCodeFundsPull wraps a token-layer rejection (window, nonce,
	// signature, balance). The paymentId stays burned.
	ErrCodeFundsPull = "funds_pull_failed"
	// ErrCodeNoCredits means consumeCall found zero call credits
	ErrCodeNoCredits = "no_credits"
	// ErrCodeInsufficientBalance means a withdrawal exceeds the caller's balance
	ErrCodeInsufficientBalance = "insufficient_balance"
	// ErrCodeTransferFailed means the outbound withdrawal transfer was rejected
	ErrCodeTransferFailed = "transfer_failed"
	// ErrCodeFeeTooHigh means setFeeBasisPoints exceeded the hard cap
	ErrCodeFeeTooHigh = "fee_too_high"
	// ErrCodeUnauthorized means the caller lacks the required capability
	ErrCodeUnauthorized = "unauthorized"
	// ErrCodeUnknownAgent means the identity registry has no owner for the agent
	ErrCodeUnknownAgent = "unknown_agent"
	// ErrCodeUnknownSku means the SKU registry has no entry for the id
	ErrCodeUnknownSku = "unknown_sku"
)

// NewSettlementError creates a settlement error with a formatted message
func NewSettlementError(code, format string, args ...interface{}) *SettlementError {
	return &SettlementError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapSettlementError creates a settlement error wrapping an underlying cause
func WrapSettlementError(code string, err error, format string, args ...interface{}) *SettlementError {
	return &SettlementError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// ErrorCode extracts the settlement error code from err, or "" when err
// is not a SettlementError.
func ErrorCode(err error) string {
	var se *SettlementError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err is a SettlementError with the given code
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
