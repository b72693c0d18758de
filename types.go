package agentpay

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// LicenseType determines how a settlement translates into an entitlement
type LicenseType string

const (
	// LicensePerCall grants one call credit per settlement
	LicensePerCall LicenseType = "PER_CALL"
	// LicensePerPeriod extends a validity window per settlement
	LicensePerPeriod LicenseType = "PER_PERIOD"
)

// Valid reports whether the license type is one of the known values
func (t LicenseType) Valid() bool {
	return t == LicensePerCall || t == LicensePerPeriod
}

// Fee configuration bounds
const (
	// MaxFeeBasisPoints is the hard cap on the protocol fee (20%)
	MaxFeeBasisPoints = 2000
	// BasisPointsDenominator is the divisor for basis point math
	BasisPointsDenominator = 10000
)

// PaymentID is the caller-chosen 32-byte identifier for one settlement
// attempt. Each PaymentID is consumed exactly once by the engine; reuse
// is rejected regardless of the other receipt fields.
type PaymentID [32]byte

// Hex returns the 0x-prefixed hex encoding of the payment id
func (id PaymentID) Hex() string {
	return hexutil.Encode(id[:])
}

func (id PaymentID) String() string {
	return id.Hex()
}

// IsZero reports whether the payment id is all zero bytes
func (id PaymentID) IsZero() bool {
	return id == PaymentID{}
}

// PaymentIDFromHex parses a 0x-prefixed 32-byte hex string into a PaymentID
func PaymentIDFromHex(s string) (PaymentID, error) {
	var id PaymentID
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("invalid payment id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid payment id: expected 32 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// NewPaymentID generates a random payment id. Facilitators mint a fresh
// id per settlement attempt; a burned id is never reusable.
func NewPaymentID() PaymentID {
	var id PaymentID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("payment id entropy unavailable: %v", err))
	}
	return id
}

// Nonce is the token-layer authorization nonce, scoped to the payer.
// It is orthogonal to PaymentID: the token primitive enforces its own
// replay protection over (payer, nonce).
type Nonce [32]byte

// Hex returns the 0x-prefixed hex encoding of the nonce
func (n Nonce) Hex() string {
	return hexutil.Encode(n[:])
}

// NonceFromHex parses a 0x-prefixed 32-byte hex string into a Nonce
func NonceFromHex(s string) (Nonce, error) {
	var n Nonce
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return n, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(b) != len(n) {
		return n, fmt.Errorf("invalid nonce: expected 32 bytes, got %d", len(b))
	}
	copy(n[:], b)
	return n, nil
}

// NewNonce generates a random authorization nonce
func NewNonce() Nonce {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		panic(fmt.Sprintf("nonce entropy unavailable: %v", err))
	}
	return n
}

// PaymentReceipt describes one settlement attempt. It is created by the
// facilitator, is immutable, and is consumed exactly once by the engine.
type PaymentReceipt struct {
	PaymentID PaymentID      // unique per attempt, burned on first use
	SkuID     uint64         // SKU being purchased
	AgentID   uint64         // agent the SKU must belong to
	Payer     common.Address // funds source, must be non-zero
	Amount    *big.Int       // token smallest unit, must equal the SKU price exactly
}

// Authorization carries the EIP-3009 transferWithAuthorization proof.
// The engine forwards it unmodified to the token primitive, which
// enforces the validity window, the per-payer nonce, and the signature.
type Authorization struct {
	ValidAfter  int64 // unix seconds, authorization invalid at or before this time
	ValidBefore int64 // unix seconds, authorization invalid at or after this time
	Nonce       Nonce
	Signature   []byte // 65-byte ECDSA signature over the EIP-712 digest
}

// SKU is a priced, typed access offer tied to one agent. Read-only from
// the engine's perspective; owned by the SKU registry.
type SKU struct {
	AgentID       uint64
	License       LicenseType
	PricingToken  common.Address
	Price         *big.Int
	PeriodSeconds int64 // meaningful only for PER_PERIOD
	Active        bool
}

// EntitlementRecord is the per-(agent, payer) entitlement state.
// CallCredits and ValidUntil accumulate independently: a payer may hold
// both call credits and an open time window.
type EntitlementRecord struct {
	CallCredits uint64
	ValidUntil  int64 // unix seconds, zero when no window was ever granted
}

// FeeConfig is the protocol fee applied at settlement time.
type FeeConfig struct {
	FeeBasisPoints uint32
	Treasury       common.Address
}

// SplitAmount computes the treasury fee and owner net for a settlement
// amount. fee + net always reconstructs amount exactly.
func (c FeeConfig) SplitAmount(amount *big.Int) (fee, net *big.Int) {
	fee = new(big.Int).Mul(amount, big.NewInt(int64(c.FeeBasisPoints)))
	fee.Div(fee, big.NewInt(BasisPointsDenominator))
	net = new(big.Int).Sub(amount, fee)
	return fee, net
}

// SettleResult reports a completed settlement.
type SettleResult struct {
	PaymentID   PaymentID
	SkuID       uint64
	AgentID     uint64
	Payer       common.Address
	Owner       common.Address // agent owner credited with the net, resolved at settlement time
	License     LicenseType
	Amount      *big.Int
	Fee         *big.Int
	Net         *big.Int
	Entitlement EntitlementRecord // post-grant state
}
