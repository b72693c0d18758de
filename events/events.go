// Package events provides sinks for the engine's observable completion
// events (receipt anchored, entitlement granted, revenue accrued).
package events

import (
	"context"
	"log/slog"
	"sync"

	agentpay "github.com/agentpay/agentpay"
)

// SlogSink logs every event through a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink logging to the given logger
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

// Publish logs the event. Never blocks the publishing operation.
func (s *SlogSink) Publish(ctx context.Context, evt agentpay.Event) {
	attrs := []slog.Attr{
		slog.String("event_id", evt.ID),
		slog.Time("at", evt.At),
	}
	if evt.PaymentID != nil {
		attrs = append(attrs, slog.String("payment_id", evt.PaymentID.Hex()))
	}
	if evt.AgentID != 0 {
		attrs = append(attrs, slog.Uint64("agent_id", evt.AgentID))
	}
	if evt.SkuID != 0 {
		attrs = append(attrs, slog.Uint64("sku_id", evt.SkuID))
	}
	if evt.Payer != nil {
		attrs = append(attrs, slog.String("payer", evt.Payer.Hex()))
	}
	if evt.Beneficiary != nil {
		attrs = append(attrs, slog.String("beneficiary", evt.Beneficiary.Hex()))
	}
	if evt.Amount != nil {
		attrs = append(attrs, slog.String("amount", evt.Amount.String()))
	}
	if evt.Entitlement != nil {
		attrs = append(attrs,
			slog.Uint64("call_credits", evt.Entitlement.CallCredits),
			slog.Int64("valid_until", evt.Entitlement.ValidUntil))
	}
	if evt.FeeConfig != nil {
		attrs = append(attrs,
			slog.Int("fee_basis_points", int(evt.FeeConfig.FeeBasisPoints)),
			slog.String("treasury", evt.FeeConfig.Treasury.Hex()))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, string(evt.Type), attrs...)
}

// MemorySink buffers events in memory for inspection, mainly in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []agentpay.Event
}

// NewMemorySink creates an empty memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish appends the event to the buffer
func (s *MemorySink) Publish(ctx context.Context, evt agentpay.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

// Events returns a snapshot of everything published so far
func (s *MemorySink) Events() []agentpay.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agentpay.Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfType returns published events matching the given type
func (s *MemorySink) OfType(t agentpay.EventType) []agentpay.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []agentpay.Event
	for _, evt := range s.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

// Ensure both sinks implement EventSink
var (
	_ agentpay.EventSink = (*SlogSink)(nil)
	_ agentpay.EventSink = (*MemorySink)(nil)
)
