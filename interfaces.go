package agentpay

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OwnershipRegistry resolves the current owner of an agent identity
// token. The engine queries it at settlement time, never caching the
// result, so ownership transfers redirect subsequent net revenue.
type OwnershipRegistry interface {
	// OwnerOf returns the current owner of the agent identity token.
	// Fails when the agent id is unknown.
	OwnerOf(ctx context.Context, agentID uint64) (common.Address, error)
}

// SKURegistry resolves SKU definitions. Read-only from the engine's
// perspective; an unknown SKU id is treated as inactive.
type SKURegistry interface {
	GetSku(ctx context.Context, skuID uint64) (SKU, error)
}

// TokenAuthorizer is the token authorization primitive. It owns the
// authorization's validity window, per-payer nonce replay guard, and
// signature check; the engine treats a pull as a single atomic
// precondition that either fully succeeds or fully fails.
type TokenAuthorizer interface {
	// TransferWithAuthorization pulls value from `from` to `to` under
	// the signed authorization. Rejections (not-yet-valid, expired,
	// reused nonce, bad signature, insufficient balance) return an error
	// and move no funds.
	TransferWithAuthorization(ctx context.Context, from, to common.Address, value *big.Int, auth Authorization) error

	// Transfer moves value without an authorization proof, used for
	// outbound withdrawal payouts from the engine's own holdings.
	Transfer(ctx context.Context, from, to common.Address, value *big.Int) error

	// IsAuthorizationUsed reports whether the payer-scoped nonce was
	// already consumed by the token layer.
	IsAuthorizationUsed(ctx context.Context, from common.Address, nonce Nonce) (bool, error)

	// Address returns the token contract address, matched against each
	// SKU's pricing token.
	Address() common.Address
}

// Capabilities is the injected permission policy checked at each
// restricted entry point.
type Capabilities interface {
	// CanSettle reports whether the caller holds the facilitator role
	// (required for settle and consumeCall).
	CanSettle(caller common.Address) bool
	// CanAdminister reports whether the caller holds the admin role
	// (required for fee and treasury changes).
	CanAdminister(caller common.Address) bool
}

// StaticRoles is a fixed-address Capabilities policy.
type StaticRoles struct {
	Facilitator common.Address
	Admin       common.Address
}

func (r StaticRoles) CanSettle(caller common.Address) bool {
	return caller == r.Facilitator
}

func (r StaticRoles) CanAdminister(caller common.Address) bool {
	return caller == r.Admin
}

// LedgerStore persists the engine's state surface: the consumed
// paymentId set, the entitlement table, the revenue balances, and the
// fee configuration. Implementations must make every mutation
// read-modify-write atomic and must be safe for concurrent use.
type LedgerStore interface {
	// BurnPaymentID atomically records the paymentId as consumed.
	// Returns a replay_detected error when the id was already burned.
	// The burn is never undone, even when the settlement later fails.
	BurnPaymentID(ctx context.Context, id PaymentID) error

	// IsPaymentIDConsumed reports whether the paymentId was burned
	IsPaymentIDConsumed(ctx context.Context, id PaymentID) (bool, error)

	// Entitlement returns the record for (agentID, payer), zero-valued
	// when no settlement ever touched the pair.
	Entitlement(ctx context.Context, agentID uint64, payer common.Address) (EntitlementRecord, error)

	// AddCallCredit increments the pair's call credits by one
	AddCallCredit(ctx context.Context, agentID uint64, payer common.Address) (EntitlementRecord, error)

	// ExtendValidity sets validUntil = max(validUntil, now) + periodSeconds.
	// Windows stack without shrinking and without double-counting lapsed time.
	ExtendValidity(ctx context.Context, agentID uint64, payer common.Address, periodSeconds, now int64) (EntitlementRecord, error)

	// ConsumeCallCredit decrements the pair's call credits by exactly
	// one. Returns a no_credits error at zero, mutating nothing.
	ConsumeCallCredit(ctx context.Context, agentID uint64, payer common.Address) error

	// CreditRevenue adds amount to the beneficiary's withdrawable balance
	CreditRevenue(ctx context.Context, beneficiary common.Address, amount *big.Int) error

	// DebitRevenue subtracts amount from the beneficiary's balance.
	// Returns an insufficient_balance error when amount exceeds the
	// balance, mutating nothing.
	DebitRevenue(ctx context.Context, beneficiary common.Address, amount *big.Int) error

	// RevenueBalance returns the beneficiary's withdrawable balance
	RevenueBalance(ctx context.Context, beneficiary common.Address) (*big.Int, error)

	// FeeConfig returns the current fee configuration
	FeeConfig(ctx context.Context) (FeeConfig, error)

	// SetFeeConfig replaces the fee configuration
	SetFeeConfig(ctx context.Context, cfg FeeConfig) error
}
