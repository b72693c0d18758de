// Package ledger provides implementations of the engine's persisted
// state surface: the consumed paymentId set, the entitlement table, the
// revenue balances, and the fee configuration.
package ledger

import (
	"context"
	"math/big"
	"sync"

	agentpay "github.com/agentpay/agentpay"
	"github.com/ethereum/go-ethereum/common"
)

type entitlementKey struct {
	agentID uint64
	payer   common.Address
}

// MemoryStore is an in-memory LedgerStore.
//
// Suitable for tests and single-instance ephemeral deployments where
// state doesn't need to survive restarts. For durable deployments use
// SQLiteStore.
type MemoryStore struct {
	mu           sync.RWMutex
	consumed     map[agentpay.PaymentID]struct{}
	entitlements map[entitlementKey]agentpay.EntitlementRecord
	balances     map[common.Address]*big.Int
	fee          agentpay.FeeConfig
}

// NewMemoryStore creates an empty in-memory store with the given initial
// fee configuration.
func NewMemoryStore(fee agentpay.FeeConfig) *MemoryStore {
	return &MemoryStore{
		consumed:     make(map[agentpay.PaymentID]struct{}),
		entitlements: make(map[entitlementKey]agentpay.EntitlementRecord),
		balances:     make(map[common.Address]*big.Int),
		fee:          fee,
	}
}

// BurnPaymentID atomically records the paymentId as consumed
func (s *MemoryStore) BurnPaymentID(ctx context.Context, id agentpay.PaymentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.consumed[id]; exists {
		return agentpay.NewSettlementError(agentpay.ErrCodeReplay, "payment %s already settled", id.Hex())
	}
	s.consumed[id] = struct{}{}
	return nil
}

// IsPaymentIDConsumed reports whether the paymentId was burned
func (s *MemoryStore) IsPaymentIDConsumed(ctx context.Context, id agentpay.PaymentID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.consumed[id]
	return exists, nil
}

// Entitlement returns the record for (agentID, payer)
func (s *MemoryStore) Entitlement(ctx context.Context, agentID uint64, payer common.Address) (agentpay.EntitlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.entitlements[entitlementKey{agentID, payer}], nil
}

// AddCallCredit increments the pair's call credits by one
func (s *MemoryStore) AddCallCredit(ctx context.Context, agentID uint64, payer common.Address) (agentpay.EntitlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entitlementKey{agentID, payer}
	ent := s.entitlements[key]
	ent.CallCredits++
	s.entitlements[key] = ent
	return ent, nil
}

// ExtendValidity stacks a new period onto the pair's validity window
func (s *MemoryStore) ExtendValidity(ctx context.Context, agentID uint64, payer common.Address, periodSeconds, now int64) (agentpay.EntitlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entitlementKey{agentID, payer}
	ent := s.entitlements[key]
	base := ent.ValidUntil
	if now > base {
		base = now
	}
	ent.ValidUntil = base + periodSeconds
	s.entitlements[key] = ent
	return ent, nil
}

// ConsumeCallCredit decrements the pair's call credits by exactly one
func (s *MemoryStore) ConsumeCallCredit(ctx context.Context, agentID uint64, payer common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entitlementKey{agentID, payer}
	ent := s.entitlements[key]
	if ent.CallCredits == 0 {
		return agentpay.NewSettlementError(agentpay.ErrCodeNoCredits, "no call credits for agent %d payer %s", agentID, payer.Hex())
	}
	ent.CallCredits--
	s.entitlements[key] = ent
	return nil
}

// CreditRevenue adds amount to the beneficiary's withdrawable balance
func (s *MemoryStore) CreditRevenue(ctx context.Context, beneficiary common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[beneficiary]
	if !ok {
		bal = new(big.Int)
		s.balances[beneficiary] = bal
	}
	bal.Add(bal, amount)
	return nil
}

// DebitRevenue subtracts amount from the beneficiary's balance
func (s *MemoryStore) DebitRevenue(ctx context.Context, beneficiary common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[beneficiary]
	if !ok || bal.Cmp(amount) < 0 {
		return agentpay.NewSettlementError(agentpay.ErrCodeInsufficientBalance, "balance of %s is below %s", beneficiary.Hex(), amount)
	}
	bal.Sub(bal, amount)
	return nil
}

// RevenueBalance returns the beneficiary's withdrawable balance
func (s *MemoryStore) RevenueBalance(ctx context.Context, beneficiary common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bal, ok := s.balances[beneficiary]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(bal), nil
}

// FeeConfig returns the current fee configuration
func (s *MemoryStore) FeeConfig(ctx context.Context) (agentpay.FeeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.fee, nil
}

// SetFeeConfig replaces the fee configuration
func (s *MemoryStore) SetFeeConfig(ctx context.Context, cfg agentpay.FeeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fee = cfg
	return nil
}

// Ensure MemoryStore implements LedgerStore
var _ agentpay.LedgerStore = (*MemoryStore)(nil)
