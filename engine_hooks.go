package agentpay

import (
	"context"
	"time"
)

// ============================================================================
// Settle Hook Context Types
// ============================================================================

// SettleContext contains information passed to settle hooks
type SettleContext struct {
	Ctx       context.Context
	Caller    string
	Receipt   PaymentReceipt
	Auth      Authorization
	Timestamp time.Time
}

// SettleResultContext contains a settle operation result and context
type SettleResultContext struct {
	SettleContext
	Result   *SettleResult
	Duration time.Duration
}

// SettleFailureContext contains a settle operation failure and context
type SettleFailureContext struct {
	SettleContext
	Error    error
	Duration time.Duration
}

// ============================================================================
// Settle Hook Result Types
// ============================================================================

// BeforeSettleHookResult represents the result of a "before settle" hook.
// If Abort is true, the settlement is aborted with the given Reason
// before the paymentId is burned.
type BeforeSettleHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Settle Hook Function Types
// ============================================================================

// BeforeSettleHook is called before a settlement begins, ahead of the
// paymentId burn. Returning an error or an aborting result stops the
// settlement with no state change.
type BeforeSettleHook func(hookCtx SettleContext) (*BeforeSettleHookResult, error)

// AfterSettleHook is called after a settlement completes. Errors are
// logged by the caller but never fail the settlement.
type AfterSettleHook func(hookCtx SettleResultContext) error

// OnSettleFailureHook is called when a settlement fails. Hooks observe
// the failure; they cannot recover it — every failure is terminal for
// the call and retry policy belongs to the facilitator.
type OnSettleFailureHook func(hookCtx SettleFailureContext) error
