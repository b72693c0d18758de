package http

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	agentpay "github.com/agentpay/agentpay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/xeipuuv/gojsonschema"
)

// settleRequestSchema validates the shape of a settle request before it
// is decoded: hex formats, required fields, string-encoded integers.
const settleRequestSchema = `{
	"type": "object",
	"required": ["receipt", "authorization"],
	"properties": {
		"receipt": {
			"type": "object",
			"required": ["paymentId", "skuId", "agentId", "payer", "amount"],
			"properties": {
				"paymentId": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"},
				"skuId": {"type": "integer", "minimum": 1},
				"agentId": {"type": "integer", "minimum": 1},
				"payer": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"amount": {"type": "string", "pattern": "^[0-9]+$"}
			}
		},
		"authorization": {
			"type": "object",
			"required": ["validAfter", "validBefore", "nonce", "signature"],
			"properties": {
				"validAfter": {"type": "string", "pattern": "^[0-9]+$"},
				"validBefore": {"type": "string", "pattern": "^[0-9]+$"},
				"nonce": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"},
				"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"}
			}
		}
	}
}`

var settleSchemaLoader = gojsonschema.NewStringLoader(settleRequestSchema)

// ReceiptRequest is the wire form of a payment receipt. Amounts and
// timestamps travel as strings so precision never depends on JSON
// number handling.
type ReceiptRequest struct {
	PaymentID string `json:"paymentId"`
	SkuID     uint64 `json:"skuId"`
	AgentID   uint64 `json:"agentId"`
	Payer     string `json:"payer"`
	Amount    string `json:"amount"`
}

// AuthorizationRequest is the wire form of an EIP-3009 authorization proof
type AuthorizationRequest struct {
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
}

// SettleRequest is the facilitator's settlement submission
type SettleRequest struct {
	Receipt       ReceiptRequest       `json:"receipt"`
	Authorization AuthorizationRequest `json:"authorization"`
}

// ValidateAndDecodeSettleRequest checks the request body against the
// settle schema, then decodes it into core types.
func ValidateAndDecodeSettleRequest(body []byte) (agentpay.PaymentReceipt, agentpay.Authorization, error) {
	var receipt agentpay.PaymentReceipt
	var auth agentpay.Authorization

	result, err := gojsonschema.Validate(settleSchemaLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return receipt, auth, fmt.Errorf("invalid settle request: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return receipt, auth, fmt.Errorf("invalid settle request: %s", strings.Join(msgs, "; "))
	}

	var req SettleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return receipt, auth, fmt.Errorf("invalid settle request: %w", err)
	}
	receipt, err = req.Receipt.Decode()
	if err != nil {
		return receipt, auth, err
	}
	auth, err = req.Authorization.Decode()
	return receipt, auth, err
}

// Decode converts the wire receipt into core types
func (r ReceiptRequest) Decode() (agentpay.PaymentReceipt, error) {
	var out agentpay.PaymentReceipt

	paymentID, err := agentpay.PaymentIDFromHex(r.PaymentID)
	if err != nil {
		return out, err
	}
	payer, err := parseAddress(r.Payer)
	if err != nil {
		return out, fmt.Errorf("invalid payer: %w", err)
	}
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return out, err
	}

	out = agentpay.PaymentReceipt{
		PaymentID: paymentID,
		SkuID:     r.SkuID,
		AgentID:   r.AgentID,
		Payer:     payer,
		Amount:    amount,
	}
	return out, nil
}

// Decode converts the wire authorization into core types
func (a AuthorizationRequest) Decode() (agentpay.Authorization, error) {
	var out agentpay.Authorization

	validAfter, err := strconv.ParseInt(a.ValidAfter, 10, 64)
	if err != nil {
		return out, fmt.Errorf("invalid validAfter: %w", err)
	}
	validBefore, err := strconv.ParseInt(a.ValidBefore, 10, 64)
	if err != nil {
		return out, fmt.Errorf("invalid validBefore: %w", err)
	}
	nonce, err := agentpay.NonceFromHex(a.Nonce)
	if err != nil {
		return out, err
	}
	signature, err := hexutil.Decode(a.Signature)
	if err != nil {
		return out, fmt.Errorf("invalid signature: %w", err)
	}

	out = agentpay.Authorization{
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
		Signature:   signature,
	}
	return out, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not a hex address", s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return amount, nil
}
