package agentpay

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType identifies the observable completion events each operation
// publishes. Events are a side channel for auditing and downstream
// consumers, decoupled from the ledger mutations themselves.
type EventType string

const (
	// EventReceiptAnchored records that a paymentId was burned and the
	// settlement completed
	EventReceiptAnchored EventType = "receipt_anchored"
	// EventEntitlementGranted records a credit or window grant
	EventEntitlementGranted EventType = "entitlement_granted"
	// EventRevenueAccrued records a revenue split credit
	EventRevenueAccrued EventType = "revenue_accrued"
	// EventRevenueWithdrawn records a completed withdrawal payout
	EventRevenueWithdrawn EventType = "revenue_withdrawn"
	// EventFeeConfigChanged records an admin fee or treasury update
	EventFeeConfigChanged EventType = "fee_config_changed"
)

// Event is one observable engine occurrence. Fields beyond ID, Type and
// At are populated per event type.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	PaymentID   *PaymentID         `json:"paymentId,omitempty"`
	SkuID       uint64             `json:"skuId,omitempty"`
	AgentID     uint64             `json:"agentId,omitempty"`
	Payer       *common.Address    `json:"payer,omitempty"`
	Beneficiary *common.Address    `json:"beneficiary,omitempty"`
	Amount      *big.Int           `json:"amount,omitempty"`
	Entitlement *EntitlementRecord `json:"entitlement,omitempty"`
	FeeConfig   *FeeConfig         `json:"feeConfig,omitempty"`
}

// EventSink receives engine events. Publish must not block the calling
// operation and must never fail it; sinks drop or buffer as they see fit.
type EventSink interface {
	Publish(ctx context.Context, evt Event)
}

// NopSink discards all events. Used when no sink is configured.
type NopSink struct{}

func (NopSink) Publish(ctx context.Context, evt Event) {}
