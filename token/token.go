package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	agentpay "github.com/agentpay/agentpay"
	"github.com/ethereum/go-ethereum/common"
)

// Rejection causes surfaced by the token layer. The engine wraps them
// all as funds_pull_failed; callers inspecting the cause use errors.Is.
var (
	ErrNotYetValid       = errors.New("authorization not yet valid")
	ErrExpired           = errors.New("authorization expired")
	ErrNonceReused       = errors.New("authorization nonce already used")
	ErrInvalidSignature  = errors.New("invalid authorization signature")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

type authKey struct {
	from  common.Address
	nonce agentpay.Nonce
}

// Token is an in-process EIP-3009 ledger token with USDC semantics:
// balances in a 6-decimal smallest unit, transferWithAuthorization with
// a per-payer nonce replay guard and validity window, and plain
// transfers for outbound payouts.
type Token struct {
	domain Domain
	now    func() time.Time

	mu       sync.RWMutex
	balances map[common.Address]*big.Int
	used     map[authKey]struct{}
}

// Option configures a Token
type Option func(*Token)

// WithClock overrides the token's time source
func WithClock(now func() time.Time) Option {
	return func(t *Token) { t.now = now }
}

// New creates a token with the given EIP-712 domain. The domain's
// verifying contract doubles as the token's address.
func New(domain Domain, opts ...Option) *Token {
	t := &Token{
		domain:   domain,
		now:      time.Now,
		balances: make(map[common.Address]*big.Int),
		used:     make(map[authKey]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Address returns the token contract address
func (t *Token) Address() common.Address {
	return t.domain.VerifyingContract
}

// Domain returns the token's EIP-712 domain, used by clients to sign
// authorizations that this token will accept.
func (t *Token) Domain() Domain {
	return t.domain
}

// Mint credits newly issued tokens to an account
func (t *Token) Mint(to common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.credit(to, amount)
}

// BalanceOf returns the account's balance
func (t *Token) BalanceOf(account common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	bal, ok := t.balances[account]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(bal)
}

// TransferWithAuthorization pulls value from `from` to `to` under a
// signed EIP-3009 authorization. The validity window, the payer-scoped
// nonce, the signature, and the balance are all checked before any
// funds move; a rejection leaves every account untouched.
func (t *Token) TransferWithAuthorization(ctx context.Context, from, to common.Address, value *big.Int, auth agentpay.Authorization) error {
	now := t.now().Unix()
	if now <= auth.ValidAfter {
		return fmt.Errorf("%w: valid after %d, now %d", ErrNotYetValid, auth.ValidAfter, now)
	}
	if now >= auth.ValidBefore {
		return fmt.Errorf("%w: valid before %d, now %d", ErrExpired, auth.ValidBefore, now)
	}

	digest, err := HashTransferAuthorization(t.domain, from, to, value, auth.ValidAfter, auth.ValidBefore, auth.Nonce)
	if err != nil {
		return fmt.Errorf("hash authorization: %w", err)
	}
	signer, err := RecoverAuthorizer(digest, auth.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if signer != from {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrInvalidSignature, signer.Hex(), from.Hex())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := authKey{from: from, nonce: auth.Nonce}
	if _, reused := t.used[key]; reused {
		return fmt.Errorf("%w: nonce %s for %s", ErrNonceReused, auth.Nonce.Hex(), from.Hex())
	}

	if err := t.move(from, to, value); err != nil {
		return err
	}
	t.used[key] = struct{}{}
	return nil
}

// Transfer moves value without an authorization proof
func (t *Token) Transfer(ctx context.Context, from, to common.Address, value *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.move(from, to, value)
}

// IsAuthorizationUsed reports whether the payer-scoped nonce was consumed
func (t *Token) IsAuthorizationUsed(ctx context.Context, from common.Address, nonce agentpay.Nonce) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, used := t.used[authKey{from: from, nonce: nonce}]
	return used, nil
}

// move transfers value between accounts. Must be called with lock held.
func (t *Token) move(from, to common.Address, value *big.Int) error {
	if value == nil || value.Sign() < 0 {
		return fmt.Errorf("transfer value must be non-negative")
	}
	bal, ok := t.balances[from]
	if !ok || bal.Cmp(value) < 0 {
		return fmt.Errorf("%w: %s holds less than %s", ErrInsufficientFunds, from.Hex(), value)
	}
	bal.Sub(bal, value)
	t.credit(to, value)
	return nil
}

// credit adds value to an account. Must be called with lock held.
func (t *Token) credit(to common.Address, value *big.Int) {
	bal, ok := t.balances[to]
	if !ok {
		bal = new(big.Int)
		t.balances[to] = bal
	}
	bal.Add(bal, value)
}

// Ensure Token implements the engine's funds-pull primitive
var _ agentpay.TokenAuthorizer = (*Token)(nil)
