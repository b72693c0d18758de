package stdlib

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	agentpay "github.com/agentpay/agentpay"
	"github.com/agentpay/agentpay/ledger"
	"github.com/agentpay/agentpay/registry"
	"github.com/agentpay/agentpay/token"
	"github.com/ethereum/go-ethereum/common"
)

var (
	meterAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	payerAddr = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
)

func newGateFixture(t *testing.T) (*agentpay.Engine, *ledger.MemoryStore) {
	t.Helper()

	store := ledger.NewMemoryStore(agentpay.FeeConfig{FeeBasisPoints: 250})
	asset := token.New(token.Domain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           big.NewInt(8453),
		VerifyingContract: common.HexToAddress("0x5555555555555555555555555555555555555555"),
	})
	engine := agentpay.NewEngine(
		store, registry.NewSKURegistry(), registry.NewAgentRegistry(), asset,
		common.HexToAddress("0x4444444444444444444444444444444444444444"),
		agentpay.WithCapabilities(agentpay.StaticRoles{Facilitator: meterAddr}),
	)
	return engine, store
}

func get(t *testing.T, handler http.Handler, payer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	if payer != "" {
		req.Header.Set(DefaultPayerHeader, payer)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAccessGate(t *testing.T) {
	engine, store := newGateFixture(t)
	ctx := context.Background()

	gated := AccessGate(engine, 1, meterAddr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	if rec := get(t, gated, payerAddr.Hex()); rec.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402 without entitlement, got %d", rec.Code)
	}

	if _, err := store.AddCallCredit(ctx, 1, payerAddr); err != nil {
		t.Fatalf("add credit: %v", err)
	}

	if rec := get(t, gated, payerAddr.Hex()); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with credit, got %d", rec.Code)
	}
	ent, _ := store.Entitlement(ctx, 1, payerAddr)
	if ent.CallCredits != 0 {
		t.Errorf("expected credit consumed, got %d left", ent.CallCredits)
	}

	if rec := get(t, gated, payerAddr.Hex()); rec.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402 after credits exhausted, got %d", rec.Code)
	}
}

func TestAccessGateDoesNotMeterFailedResponses(t *testing.T) {
	engine, store := newGateFixture(t)
	ctx := context.Background()

	if _, err := store.AddCallCredit(ctx, 1, payerAddr); err != nil {
		t.Fatalf("add credit: %v", err)
	}

	gated := AccessGate(engine, 1, meterAddr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	if rec := get(t, gated, payerAddr.Hex()); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected handler failure status, got %d", rec.Code)
	}

	ent, _ := store.Entitlement(ctx, 1, payerAddr)
	if ent.CallCredits != 1 {
		t.Errorf("failed response must not consume a credit, got %d left", ent.CallCredits)
	}
}
