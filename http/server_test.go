package http

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	agentpay "github.com/agentpay/agentpay"
	"github.com/agentpay/agentpay/ledger"
	"github.com/agentpay/agentpay/registry"
	"github.com/agentpay/agentpay/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSecret      = []byte("test-secret")
	facilitatorAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	adminAddr       = common.HexToAddress("0x2222222222222222222222222222222222222222")
	treasuryAddr    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	receiverAddr    = common.HexToAddress("0x4444444444444444444444444444444444444444")
	tokenAddr       = common.HexToAddress("0x5555555555555555555555555555555555555555")
	ownerAddr       = common.HexToAddress("0x6666666666666666666666666666666666666666")
)

func init() {
	gin.SetMode(gin.TestMode)
}

type serverFixture struct {
	router *gin.Engine
	engine *agentpay.Engine
	agents *registry.AgentRegistry
	skus   *registry.SKURegistry
	asset  *token.Token

	payerKey *ecdsa.PrivateKey
	payer    common.Address
	agentID  uint64
	skuID    uint64
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &serverFixture{
		payerKey: key,
		payer:    crypto.PubkeyToAddress(key.PublicKey),
		agents:   registry.NewAgentRegistry(),
		skus:     registry.NewSKURegistry(),
	}

	f.asset = token.New(token.Domain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           big.NewInt(8453),
		VerifyingContract: tokenAddr,
	})
	f.asset.Mint(f.payer, big.NewInt(1_000_000_000))

	store := ledger.NewMemoryStore(agentpay.FeeConfig{
		FeeBasisPoints: 250,
		Treasury:       treasuryAddr,
	})

	f.agentID, err = f.agents.Register(ownerAddr)
	require.NoError(t, err)
	f.skuID, err = f.skus.Create(agentpay.SKU{
		AgentID:      f.agentID,
		License:      agentpay.LicensePerCall,
		PricingToken: tokenAddr,
		Price:        big.NewInt(1_000_000),
		Active:       true,
	})
	require.NoError(t, err)

	f.engine = agentpay.NewEngine(store, f.skus, f.agents, f.asset, receiverAddr,
		agentpay.WithCapabilities(agentpay.StaticRoles{
			Facilitator: facilitatorAddr,
			Admin:       adminAddr,
		}),
	)

	server := NewServer(f.engine, testSecret, WithRegistries(f.agents, f.skus))
	f.router = server.Router()
	return f
}

func bearer(t *testing.T, addr common.Address, roles ...string) string {
	t.Helper()
	tok, err := SignCallerToken(testSecret, addr, roles, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (f *serverFixture) do(t *testing.T, method, path, auth string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// settleBody builds a wire settle request with a freshly signed
// authorization for the fixture's SKU price.
func (f *serverFixture) settleBody(t *testing.T, amount int64) SettleRequest {
	t.Helper()

	nonce := agentpay.NewNonce()
	now := time.Now().Unix()
	sig, err := token.SignTransferAuthorization(
		f.payerKey, f.asset.Domain(), receiverAddr,
		big.NewInt(amount), now-60, now+3600, nonce,
	)
	require.NoError(t, err)

	return SettleRequest{
		Receipt: ReceiptRequest{
			PaymentID: agentpay.NewPaymentID().Hex(),
			SkuID:     f.skuID,
			AgentID:   f.agentID,
			Payer:     f.payer.Hex(),
			Amount:    fmt.Sprintf("%d", amount),
		},
		Authorization: AuthorizationRequest{
			ValidAfter:  fmt.Sprintf("%d", now-60),
			ValidBefore: fmt.Sprintf("%d", now+3600),
			Nonce:       nonce.Hex(),
			Signature:   hexutil.Encode(sig),
		},
	}
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSettleEndToEnd(t *testing.T) {
	f := newServerFixture(t)
	auth := bearer(t, facilitatorAddr, RoleFacilitator)

	body := f.settleBody(t, 1_000_000)
	rec := f.do(t, http.MethodPost, "/settle", auth, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SettleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, body.Receipt.PaymentID, resp.PaymentID)
	assert.Equal(t, ownerAddr.Hex(), resp.Owner)
	assert.Equal(t, "25000", resp.Fee)
	assert.Equal(t, "975000", resp.Net)
	require.NotNil(t, resp.Entitlement)
	assert.Equal(t, uint64(1), resp.Entitlement.CallCredits)

	// Resubmitting the same paymentId is a replay.
	rec = f.do(t, http.MethodPost, "/settle", auth, body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSettleAuthorizationRequired(t *testing.T) {
	f := newServerFixture(t)
	body := f.settleBody(t, 1_000_000)

	rec := f.do(t, http.MethodPost, "/settle", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/settle", "Bearer not-a-token", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A valid token without the facilitator role is rejected before the
	// engine sees the request.
	rec = f.do(t, http.MethodPost, "/settle", bearer(t, f.payer), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A facilitator-role token for the wrong address passes routing but
	// fails the engine's capability check.
	rec = f.do(t, http.MethodPost, "/settle", bearer(t, adminAddr, RoleFacilitator), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSettleRejectsMalformedBody(t *testing.T) {
	f := newServerFixture(t)
	auth := bearer(t, facilitatorAddr, RoleFacilitator)

	req := httptest.NewRequest(http.MethodPost, "/settle", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", auth)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Schema violation: amount as a JSON number instead of a string.
	req = httptest.NewRequest(http.MethodPost, "/settle", bytes.NewBufferString(
		`{"receipt":{"paymentId":"0x0000000000000000000000000000000000000000000000000000000000000001","skuId":1,"agentId":1,"payer":"0x1111111111111111111111111111111111111111","amount":1000000},"authorization":{"validAfter":"0","validBefore":"1","nonce":"0x0000000000000000000000000000000000000000000000000000000000000001","signature":"0x00"}}`,
	))
	req.Header.Set("Authorization", auth)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettleValidationErrorStatuses(t *testing.T) {
	f := newServerFixture(t)
	auth := bearer(t, facilitatorAddr, RoleFacilitator)

	// Amount mismatch maps to 422.
	body := f.settleBody(t, 999_999)
	rec := f.do(t, http.MethodPost, "/settle", auth, body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Unknown SKU is treated as inactive, also 422.
	body = f.settleBody(t, 1_000_000)
	body.Receipt.SkuID = 9999
	rec = f.do(t, http.MethodPost, "/settle", auth, body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Bad signature fails the funds pull, 402.
	body = f.settleBody(t, 1_000_000)
	body.Authorization.Signature = "0x" + string(bytes.Repeat([]byte("ab"), 65))
	rec = f.do(t, http.MethodPost, "/settle", auth, body)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestAccessEndpoint(t *testing.T) {
	f := newServerFixture(t)
	facAuth := bearer(t, facilitatorAddr, RoleFacilitator)

	url := fmt.Sprintf("/access?agentId=%d&payer=%s", f.agentID, f.payer.Hex())

	rec := f.do(t, http.MethodGet, url, bearer(t, f.payer), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var before struct {
		HasAccess   bool   `json:"hasAccess"`
		CallCredits uint64 `json:"callCredits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &before))
	assert.False(t, before.HasAccess)

	rec = f.do(t, http.MethodPost, "/settle", facAuth, f.settleBody(t, 1_000_000))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, url, bearer(t, f.payer), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var after struct {
		HasAccess   bool   `json:"hasAccess"`
		CallCredits uint64 `json:"callCredits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &after))
	assert.True(t, after.HasAccess)
	assert.Equal(t, uint64(1), after.CallCredits)

	rec = f.do(t, http.MethodGet, "/access?agentId=nope&payer="+f.payer.Hex(), bearer(t, f.payer), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsumeEndpoint(t *testing.T) {
	f := newServerFixture(t)
	facAuth := bearer(t, facilitatorAddr, RoleFacilitator)

	rec := f.do(t, http.MethodPost, "/settle", facAuth, f.settleBody(t, 1_000_000))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	consume := map[string]interface{}{"agentId": f.agentID, "payer": f.payer.Hex()}
	rec = f.do(t, http.MethodPost, "/consume", facAuth, consume)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Credits exhausted.
	rec = f.do(t, http.MethodPost, "/consume", facAuth, consume)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestBalanceAndWithdraw(t *testing.T) {
	f := newServerFixture(t)
	facAuth := bearer(t, facilitatorAddr, RoleFacilitator)
	ownerAuth := bearer(t, ownerAddr)

	rec := f.do(t, http.MethodPost, "/settle", facAuth, f.settleBody(t, 1_000_000))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/balance", ownerAuth, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal struct {
		Balance string `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, "975000", bal.Balance)

	dest := common.HexToAddress("0xabababababababababababababababababababab")
	rec = f.do(t, http.MethodPost, "/withdraw", ownerAuth, map[string]string{
		"to":     dest.Hex(),
		"amount": "500000",
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, f.asset.BalanceOf(dest).Cmp(big.NewInt(500_000)))

	// Over-withdrawing the remaining balance.
	rec = f.do(t, http.MethodPost, "/withdraw", ownerAuth, map[string]string{
		"to":     dest.Hex(),
		"amount": "600000",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// The balance debited is the token caller's, not the destination's:
	// a stranger with no revenue cannot withdraw.
	rec = f.do(t, http.MethodPost, "/withdraw", bearer(t, f.payer), map[string]string{
		"to":     dest.Hex(),
		"amount": "1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	f := newServerFixture(t)
	adminAuth := bearer(t, adminAddr, RoleAdmin)

	// Role gate.
	rec := f.do(t, http.MethodPost, "/admin/fee", bearer(t, f.payer), map[string]uint32{"feeBasisPoints": 100})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/fee", adminAuth, map[string]uint32{"feeBasisPoints": 1000})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/admin/fee", adminAuth, map[string]uint32{"feeBasisPoints": 2001})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/treasury", adminAuth, map[string]string{
		"treasury": "0xcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcd",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// The new fee applies to the next settlement.
	rec = f.do(t, http.MethodPost, "/settle", bearer(t, facilitatorAddr, RoleFacilitator), f.settleBody(t, 1_000_000))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp SettleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "100000", resp.Fee)
}

func TestRegistryAdminEndpoints(t *testing.T) {
	f := newServerFixture(t)
	adminAuth := bearer(t, adminAddr, RoleAdmin)

	rec := f.do(t, http.MethodPost, "/admin/agents", adminAuth, map[string]string{
		"owner": ownerAddr.Hex(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var agentResp struct {
		AgentID uint64 `json:"agentId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agentResp))
	require.NotZero(t, agentResp.AgentID)

	rec = f.do(t, http.MethodPost, "/admin/skus", adminAuth, map[string]interface{}{
		"agentId":       agentResp.AgentID,
		"license":       "PER_PERIOD",
		"price":         "5000000",
		"periodSeconds": 3600,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var skuResp struct {
		SkuID uint64 `json:"skuId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &skuResp))

	sku, err := f.skus.GetSku(context.Background(), skuResp.SkuID)
	require.NoError(t, err)
	assert.Equal(t, agentpay.LicensePerPeriod, sku.License)
	assert.Equal(t, tokenAddr, sku.PricingToken)

	rec = f.do(t, http.MethodPost, "/admin/skus/active", adminAuth, map[string]interface{}{
		"skuId":  skuResp.SkuID,
		"active": false,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	newOwner := common.HexToAddress("0x8888888888888888888888888888888888888888")
	rec = f.do(t, http.MethodPost, "/admin/agents/transfer", adminAuth, map[string]interface{}{
		"agentId": agentResp.AgentID,
		"to":      newOwner.Hex(),
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := f.agents.OwnerOf(context.Background(), agentResp.AgentID)
	require.NoError(t, err)
	assert.Equal(t, newOwner, got)

	// Registry management requires the admin role.
	rec = f.do(t, http.MethodPost, "/admin/agents", bearer(t, f.payer), map[string]string{
		"owner": ownerAddr.Hex(),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
