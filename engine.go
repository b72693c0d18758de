package agentpay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Engine settles pay-per-use payments for agent services. One settlement
// burns the receipt's paymentId, validates the receipt against the SKU
// registry, pulls funds through the token authorization primitive,
// grants an entitlement, and splits revenue between the agent identity
// owner and the treasury.
//
// The engine itself never retries: every failure is terminal for the
// call and retry policy belongs to the facilitator, which must mint a
// fresh paymentId and authorization nonce per attempt.
type Engine struct {
	store    LedgerStore
	skus     SKURegistry
	agents   OwnershipRegistry
	token    TokenAuthorizer
	caps     Capabilities
	receiver common.Address
	events   EventSink
	now      func() time.Time

	mu                   sync.RWMutex
	beforeSettleHooks    []BeforeSettleHook
	afterSettleHooks     []AfterSettleHook
	onSettleFailureHooks []OnSettleFailureHook
}

// denyAll is the default capability policy when none is injected.
type denyAll struct{}

func (denyAll) CanSettle(common.Address) bool     { return false }
func (denyAll) CanAdminister(common.Address) bool { return false }

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithCapabilities injects the permission policy checked at each
// restricted entry point. Without it every restricted call is rejected.
func WithCapabilities(caps Capabilities) EngineOption {
	return func(e *Engine) { e.caps = caps }
}

// WithEventSink injects the sink receiving observable completion events
func WithEventSink(sink EventSink) EngineOption {
	return func(e *Engine) { e.events = sink }
}

// WithClock overrides the engine's time source
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a settlement engine. receiver is the engine's own
// funds address: settlements pull into it and withdrawals pay out of it.
func NewEngine(
	store LedgerStore,
	skus SKURegistry,
	agents OwnershipRegistry,
	token TokenAuthorizer,
	receiver common.Address,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		store:    store,
		skus:     skus,
		agents:   agents,
		token:    token,
		caps:     denyAll{},
		receiver: receiver,
		events:   NopSink{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Receiver returns the engine's funds address
func (e *Engine) Receiver() common.Address {
	return e.receiver
}

// SettlementToken returns the address of the token settlements are
// denominated in.
func (e *Engine) SettlementToken() common.Address {
	return e.token.Address()
}

// ============================================================================
// Hook Registration
// ============================================================================

// OnBeforeSettle registers a hook invoked before the paymentId burn
func (e *Engine) OnBeforeSettle(hook BeforeSettleHook) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beforeSettleHooks = append(e.beforeSettleHooks, hook)
	return e
}

// OnAfterSettle registers a hook invoked after a completed settlement
func (e *Engine) OnAfterSettle(hook AfterSettleHook) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.afterSettleHooks = append(e.afterSettleHooks, hook)
	return e
}

// OnSettleFailure registers a hook invoked when a settlement fails
func (e *Engine) OnSettleFailure(hook OnSettleFailureHook) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSettleFailureHooks = append(e.onSettleFailureHooks, hook)
	return e
}

// ============================================================================
// Settlement
// ============================================================================

// Settle executes one settlement. Restricted to the facilitator role.
//
// Ordering is deliberate: the paymentId is burned before the funds pull,
// so two concurrent attempts with the same id cannot both pass the
// replay check. The burn is irreversible — a settlement that fails after
// it (SKU validation, funds pull) still leaves the paymentId consumed,
// and the facilitator must mint a new one to retry.
func (e *Engine) Settle(ctx context.Context, caller common.Address, receipt PaymentReceipt, auth Authorization) (*SettleResult, error) {
	started := time.Now()
	hookCtx := SettleContext{
		Ctx:       ctx,
		Caller:    caller.Hex(),
		Receipt:   receipt,
		Auth:      auth,
		Timestamp: e.now(),
	}

	e.mu.RLock()
	beforeHooks := e.beforeSettleHooks
	afterHooks := e.afterSettleHooks
	failureHooks := e.onSettleFailureHooks
	e.mu.RUnlock()

	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Abort {
			return nil, fmt.Errorf("settlement aborted: %s", result.Reason)
		}
	}

	result, err := e.settle(ctx, caller, receipt, auth)
	if err != nil {
		failureCtx := SettleFailureContext{
			SettleContext: hookCtx,
			Error:         err,
			Duration:      time.Since(started),
		}
		for _, hook := range failureHooks {
			_ = hook(failureCtx)
		}
		return nil, err
	}

	resultCtx := SettleResultContext{
		SettleContext: hookCtx,
		Result:        result,
		Duration:      time.Since(started),
	}
	for _, hook := range afterHooks {
		_ = hook(resultCtx)
	}

	return result, nil
}

func (e *Engine) settle(ctx context.Context, caller common.Address, receipt PaymentReceipt, auth Authorization) (*SettleResult, error) {
	if !e.caps.CanSettle(caller) {
		return nil, NewSettlementError(ErrCodeUnauthorized, "caller %s is not the facilitator", caller.Hex())
	}

	// Burn before any external interaction. Everything below may fail
	// and the id stays consumed regardless.
	if err := e.store.BurnPaymentID(ctx, receipt.PaymentID); err != nil {
		return nil, err
	}

	sku, err := e.skus.GetSku(ctx, receipt.SkuID)
	if err != nil {
		// Unknown SKU is treated as inactive.
		return nil, WrapSettlementError(ErrCodeInactiveSku, err, "sku %d is not active", receipt.SkuID)
	}
	if !sku.Active {
		return nil, NewSettlementError(ErrCodeInactiveSku, "sku %d is not active", receipt.SkuID)
	}
	if sku.AgentID != receipt.AgentID {
		return nil, NewSettlementError(ErrCodeSkuMismatch, "sku %d belongs to agent %d, receipt names agent %d", receipt.SkuID, sku.AgentID, receipt.AgentID)
	}
	if sku.PricingToken != e.token.Address() {
		return nil, NewSettlementError(ErrCodeWrongToken, "sku %d is priced in %s, settlement token is %s", receipt.SkuID, sku.PricingToken.Hex(), e.token.Address().Hex())
	}
	if receipt.Amount == nil || sku.Price.Cmp(receipt.Amount) != 0 {
		return nil, NewSettlementError(ErrCodeAmountMismatch, "sku %d price is %s, receipt amount is %s", receipt.SkuID, sku.Price, receipt.Amount)
	}
	if receipt.Payer == (common.Address{}) {
		return nil, NewSettlementError(ErrCodeInvalidPayer, "receipt payer is the zero address")
	}

	// Funds pull. The token layer independently enforces the validity
	// window, the payer-scoped nonce, the signature, and the balance.
	if err := e.token.TransferWithAuthorization(ctx, receipt.Payer, e.receiver, receipt.Amount, auth); err != nil {
		return nil, WrapSettlementError(ErrCodeFundsPull, err, "funds pull for payment %s rejected", receipt.PaymentID.Hex())
	}

	now := e.now().Unix()
	var ent EntitlementRecord
	switch sku.License {
	case LicensePerCall:
		ent, err = e.store.AddCallCredit(ctx, receipt.AgentID, receipt.Payer)
	case LicensePerPeriod:
		ent, err = e.store.ExtendValidity(ctx, receipt.AgentID, receipt.Payer, sku.PeriodSeconds, now)
	default:
		err = fmt.Errorf("sku %d has unsupported license type %q", receipt.SkuID, sku.License)
	}
	if err != nil {
		return nil, err
	}

	cfg, err := e.store.FeeConfig(ctx)
	if err != nil {
		return nil, err
	}
	fee, net := cfg.SplitAmount(receipt.Amount)

	// Resolved at settlement time, never cached: an ownership transfer
	// between two settlements redirects only subsequent net revenue.
	owner, err := e.agents.OwnerOf(ctx, receipt.AgentID)
	if err != nil {
		return nil, WrapSettlementError(ErrCodeUnknownAgent, err, "no owner for agent %d", receipt.AgentID)
	}

	if err := e.store.CreditRevenue(ctx, owner, net); err != nil {
		return nil, err
	}
	if err := e.store.CreditRevenue(ctx, cfg.Treasury, fee); err != nil {
		return nil, err
	}

	result := &SettleResult{
		PaymentID:   receipt.PaymentID,
		SkuID:       receipt.SkuID,
		AgentID:     receipt.AgentID,
		Payer:       receipt.Payer,
		Owner:       owner,
		License:     sku.License,
		Amount:      new(big.Int).Set(receipt.Amount),
		Fee:         fee,
		Net:         net,
		Entitlement: ent,
	}

	paymentID := receipt.PaymentID
	payer := receipt.Payer
	e.publish(ctx, Event{
		Type:      EventReceiptAnchored,
		PaymentID: &paymentID,
		SkuID:     receipt.SkuID,
		AgentID:   receipt.AgentID,
		Payer:     &payer,
		Amount:    new(big.Int).Set(receipt.Amount),
	})
	entCopy := ent
	e.publish(ctx, Event{
		Type:        EventEntitlementGranted,
		AgentID:     receipt.AgentID,
		Payer:       &payer,
		Entitlement: &entCopy,
	})
	ownerAddr := owner
	e.publish(ctx, Event{
		Type:        EventRevenueAccrued,
		AgentID:     receipt.AgentID,
		Beneficiary: &ownerAddr,
		Amount:      new(big.Int).Set(net),
	})
	treasury := cfg.Treasury
	e.publish(ctx, Event{
		Type:        EventRevenueAccrued,
		AgentID:     receipt.AgentID,
		Beneficiary: &treasury,
		Amount:      new(big.Int).Set(fee),
	})

	return result, nil
}

// ============================================================================
// Access Query / Metering
// ============================================================================

// HasAccess reports whether the payer currently holds an entitlement for
// the agent: call credits remaining or an unexpired validity window.
// Read-only and safe to call concurrently with settlements.
func (e *Engine) HasAccess(ctx context.Context, agentID uint64, payer common.Address) (bool, error) {
	ent, err := e.store.Entitlement(ctx, agentID, payer)
	if err != nil {
		return false, err
	}
	return ent.CallCredits > 0 || ent.ValidUntil >= e.now().Unix(), nil
}

// Entitlement returns the raw entitlement record for (agentID, payer)
func (e *Engine) Entitlement(ctx context.Context, agentID uint64, payer common.Address) (EntitlementRecord, error) {
	return e.store.Entitlement(ctx, agentID, payer)
}

// ConsumeCall decrements one call credit for (agentID, payer).
// Restricted to the facilitator role. Not idempotent: the caller is
// responsible for invoking it exactly once per verified usage.
func (e *Engine) ConsumeCall(ctx context.Context, caller common.Address, agentID uint64, payer common.Address) error {
	if !e.caps.CanSettle(caller) {
		return NewSettlementError(ErrCodeUnauthorized, "caller %s is not the facilitator", caller.Hex())
	}
	return e.store.ConsumeCallCredit(ctx, agentID, payer)
}

// ============================================================================
// Withdrawal
// ============================================================================

// Withdraw debits the caller's own revenue balance and pays out to `to`.
// The balance checked and debited is always the caller's; `to` is only
// the destination of the transferred funds. A rejected outbound transfer
// fails the whole operation and restores the balance.
func (e *Engine) Withdraw(ctx context.Context, caller, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return NewSettlementError(ErrCodeInsufficientBalance, "withdrawal amount must be positive")
	}
	if err := e.store.DebitRevenue(ctx, caller, amount); err != nil {
		return err
	}
	if err := e.token.Transfer(ctx, e.receiver, to, amount); err != nil {
		if rerr := e.store.CreditRevenue(ctx, caller, amount); rerr != nil {
			return WrapSettlementError(ErrCodeTransferFailed, errors.Join(err, rerr), "payout to %s failed and balance restore failed", to.Hex())
		}
		return WrapSettlementError(ErrCodeTransferFailed, err, "payout to %s failed", to.Hex())
	}

	beneficiary := caller
	e.publish(ctx, Event{
		Type:        EventRevenueWithdrawn,
		Beneficiary: &beneficiary,
		Amount:      new(big.Int).Set(amount),
	})
	return nil
}

// RevenueBalance returns the beneficiary's withdrawable balance
func (e *Engine) RevenueBalance(ctx context.Context, beneficiary common.Address) (*big.Int, error) {
	return e.store.RevenueBalance(ctx, beneficiary)
}

// ============================================================================
// Administration
// ============================================================================

// SetFeeBasisPoints updates the protocol fee. Restricted to the admin
// role; values above MaxFeeBasisPoints are rejected. Takes effect for
// subsequent settlements only.
func (e *Engine) SetFeeBasisPoints(ctx context.Context, caller common.Address, bps uint32) error {
	if !e.caps.CanAdminister(caller) {
		return NewSettlementError(ErrCodeUnauthorized, "caller %s is not the admin", caller.Hex())
	}
	if bps > MaxFeeBasisPoints {
		return NewSettlementError(ErrCodeFeeTooHigh, "fee %d exceeds cap of %d basis points", bps, MaxFeeBasisPoints)
	}
	cfg, err := e.store.FeeConfig(ctx)
	if err != nil {
		return err
	}
	cfg.FeeBasisPoints = bps
	if err := e.store.SetFeeConfig(ctx, cfg); err != nil {
		return err
	}
	cfgCopy := cfg
	e.publish(ctx, Event{Type: EventFeeConfigChanged, FeeConfig: &cfgCopy})
	return nil
}

// SetTreasury updates the treasury address receiving the fee share.
// Restricted to the admin role; past accruals are untouched.
func (e *Engine) SetTreasury(ctx context.Context, caller, treasury common.Address) error {
	if !e.caps.CanAdminister(caller) {
		return NewSettlementError(ErrCodeUnauthorized, "caller %s is not the admin", caller.Hex())
	}
	cfg, err := e.store.FeeConfig(ctx)
	if err != nil {
		return err
	}
	cfg.Treasury = treasury
	if err := e.store.SetFeeConfig(ctx, cfg); err != nil {
		return err
	}
	cfgCopy := cfg
	e.publish(ctx, Event{Type: EventFeeConfigChanged, FeeConfig: &cfgCopy})
	return nil
}

// FeeConfig returns the current fee configuration
func (e *Engine) FeeConfig(ctx context.Context) (FeeConfig, error) {
	return e.store.FeeConfig(ctx)
}

// IsPaymentConsumed reports whether a paymentId was already burned
func (e *Engine) IsPaymentConsumed(ctx context.Context, id PaymentID) (bool, error) {
	return e.store.IsPaymentIDConsumed(ctx, id)
}

func (e *Engine) publish(ctx context.Context, evt Event) {
	evt.ID = uuid.NewString()
	evt.At = e.now()
	e.events.Publish(ctx, evt)
}
