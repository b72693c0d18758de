package http

import (
	"net/http"

	agentpay "github.com/agentpay/agentpay"
	"github.com/agentpay/agentpay/registry"
	"github.com/gin-gonic/gin"
)

// WithRegistries enables the registry management endpoints for
// deployments running the in-process agent and SKU registries.
// Deployments settling against external registries leave this unset.
func WithRegistries(agents *registry.AgentRegistry, skus *registry.SKURegistry) ServerOption {
	return func(s *Server) {
		s.agents = agents
		s.skus = skus
	}
}

func (s *Server) registerRegistryRoutes(admin *gin.RouterGroup) {
	admin.POST("/agents", s.handleRegisterAgent)
	admin.POST("/agents/transfer", s.handleTransferAgent)
	admin.POST("/skus", s.handleCreateSku)
	admin.POST("/skus/active", s.handleSetSkuActive)
}

type registerAgentRequest struct {
	Owner string `json:"owner"`
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent request"})
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agentID, err := s.agents.Register(owner)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentId": agentID})
}

type transferAgentRequest struct {
	AgentID uint64 `json:"agentId"`
	To      string `json:"to"`
}

func (s *Server) handleTransferAgent(c *gin.Context) {
	var req transferAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transfer request"})
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.agents.Transfer(req.AgentID, to); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type createSkuRequest struct {
	AgentID       uint64 `json:"agentId"`
	License       string `json:"license"`
	Price         string `json:"price"`
	PeriodSeconds int64  `json:"periodSeconds"`
}

func (s *Server) handleCreateSku(c *gin.Context) {
	var req createSkuRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sku request"})
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	skuID, err := s.skus.Create(agentpay.SKU{
		AgentID:       req.AgentID,
		License:       agentpay.LicenseType(req.License),
		PricingToken:  s.engine.SettlementToken(),
		Price:         price,
		PeriodSeconds: req.PeriodSeconds,
		Active:        true,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"skuId": skuID})
}

type setSkuActiveRequest struct {
	SkuID  uint64 `json:"skuId"`
	Active bool   `json:"active"`
}

func (s *Server) handleSetSkuActive(c *gin.Context) {
	var req setSkuActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sku request"})
		return
	}
	if err := s.skus.SetActive(req.SkuID, req.Active); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
