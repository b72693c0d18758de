// Package token provides the token authorization primitive the
// settlement engine pulls funds through: EIP-712 hashing and signing for
// EIP-3009 TransferWithAuthorization, plus an in-process USDC-style
// ledger token enforcing the authorization's validity window, per-payer
// nonce replay guard, and signature.
package token

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	agentpay "github.com/agentpay/agentpay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain is the EIP-712 domain separator identifying the token contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// HashTransferAuthorization computes the EIP-712 digest a payer signs to
// authorize one transferWithAuthorization pull:
// keccak256("\x19\x01" + domainSeparator + structHash).
func HashTransferAuthorization(
	domain Domain,
	from, to common.Address,
	value *big.Int,
	validAfter, validBefore int64,
	nonce agentpay.Nonce,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        from.Hex(),
			"to":          to.Hex(),
			"value":       value.String(),
			"validAfter":  big.NewInt(validAfter).String(),
			"validBefore": big.NewInt(validBefore).String(),
			"nonce":       hexutil.Encode(nonce[:]),
		},
	}

	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	// EIP-712 digest: 0x19 0x01 <domainSeparator> <structHash>
	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, structHash...)
	return crypto.Keccak256(rawData), nil
}

// SignTransferAuthorization signs a transferWithAuthorization digest
// with the payer's private key. The returned 65-byte signature uses the
// Ethereum v convention (27/28). Facilitator clients and tests use this
// to build agentpay.Authorization proofs.
func SignTransferAuthorization(
	key *ecdsa.PrivateKey,
	domain Domain,
	to common.Address,
	value *big.Int,
	validAfter, validBefore int64,
	nonce agentpay.Nonce,
) ([]byte, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	digest, err := HashTransferAuthorization(domain, from, to, value, validAfter, validBefore, nonce)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27
	return signature, nil
}

// RecoverAuthorizer recovers the address that signed the digest.
// Accepts both 0/1 and 27/28 v values.
func RecoverAuthorizer(digest, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length %d, expected 65", len(signature))
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
