// Package registry provides in-process implementations of the engine's
// external collaborators: the agent identity registry and the SKU
// registry. Deployments that settle against on-chain registries can
// swap these for RPC-backed implementations of the same interfaces.
package registry

import (
	"context"
	"fmt"
	"sync"

	agentpay "github.com/agentpay/agentpay"
	"github.com/ethereum/go-ethereum/common"
)

// AgentRegistry tracks ownership of agent identity tokens. The owner of
// an agent receives the net revenue share of every settlement against
// that agent's SKUs.
type AgentRegistry struct {
	mu     sync.RWMutex
	owners map[uint64]common.Address
	nextID uint64
}

// NewAgentRegistry creates an empty agent registry
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		owners: make(map[uint64]common.Address),
		nextID: 1,
	}
}

// Register mints a new agent identity owned by `owner` and returns its id
func (r *AgentRegistry) Register(owner common.Address) (uint64, error) {
	if owner == (common.Address{}) {
		return 0, fmt.Errorf("agent owner must be non-zero")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.owners[id] = owner
	return id, nil
}

// Transfer moves the agent identity to a new owner. Subsequent
// settlements route their net revenue to the new owner; past accruals
// stay where they were credited.
func (r *AgentRegistry) Transfer(agentID uint64, to common.Address) error {
	if to == (common.Address{}) {
		return fmt.Errorf("agent owner must be non-zero")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owners[agentID]; !ok {
		return agentpay.NewSettlementError(agentpay.ErrCodeUnknownAgent, "agent %d does not exist", agentID)
	}
	r.owners[agentID] = to
	return nil
}

// OwnerOf returns the current owner of the agent identity token
func (r *AgentRegistry) OwnerOf(ctx context.Context, agentID uint64) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.owners[agentID]
	if !ok {
		return common.Address{}, agentpay.NewSettlementError(agentpay.ErrCodeUnknownAgent, "agent %d does not exist", agentID)
	}
	return owner, nil
}

// SKURegistry tracks the priced access offers agents sell.
type SKURegistry struct {
	mu     sync.RWMutex
	skus   map[uint64]agentpay.SKU
	nextID uint64
}

// NewSKURegistry creates an empty SKU registry
func NewSKURegistry() *SKURegistry {
	return &SKURegistry{
		skus:   make(map[uint64]agentpay.SKU),
		nextID: 1,
	}
}

// Create registers a new SKU and returns its id. The SKU must carry a
// known license type, a positive price, and for PER_PERIOD a positive
// period.
func (r *SKURegistry) Create(sku agentpay.SKU) (uint64, error) {
	if !sku.License.Valid() {
		return 0, fmt.Errorf("unknown license type %q", sku.License)
	}
	if sku.Price == nil || sku.Price.Sign() <= 0 {
		return 0, fmt.Errorf("sku price must be positive")
	}
	if sku.License == agentpay.LicensePerPeriod && sku.PeriodSeconds <= 0 {
		return 0, fmt.Errorf("per-period sku needs a positive period")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.skus[id] = sku
	return id, nil
}

// SetActive toggles whether a SKU can be settled against
func (r *SKURegistry) SetActive(skuID uint64, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sku, ok := r.skus[skuID]
	if !ok {
		return agentpay.NewSettlementError(agentpay.ErrCodeUnknownSku, "sku %d does not exist", skuID)
	}
	sku.Active = active
	r.skus[skuID] = sku
	return nil
}

// GetSku returns the SKU definition for the id
func (r *SKURegistry) GetSku(ctx context.Context, skuID uint64) (agentpay.SKU, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sku, ok := r.skus[skuID]
	if !ok {
		return agentpay.SKU{}, agentpay.NewSettlementError(agentpay.ErrCodeUnknownSku, "sku %d does not exist", skuID)
	}
	return sku, nil
}

// Ensure the registries implement the engine's collaborator interfaces
var (
	_ agentpay.OwnershipRegistry = (*AgentRegistry)(nil)
	_ agentpay.SKURegistry       = (*SKURegistry)(nil)
)
