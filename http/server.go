// Package http exposes the settlement engine to facilitators and
// resource servers over a JSON API.
package http

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	agentpay "github.com/agentpay/agentpay"
	"github.com/agentpay/agentpay/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// Server wires the settlement engine into a gin router.
type Server struct {
	engine *agentpay.Engine
	secret []byte
	logger *slog.Logger

	agents *registry.AgentRegistry
	skus   *registry.SKURegistry
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithLogger overrides the server's logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a server for the engine. jwtSecret verifies caller
// tokens issued with SignCallerToken.
func NewServer(engine *agentpay.Engine, jwtSecret []byte, opts ...ServerOption) *Server {
	s := &Server{
		engine: engine,
		secret: jwtSecret,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP routes
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)

	authed := r.Group("/", s.authenticate())
	authed.GET("/access", s.handleAccess)
	authed.GET("/balance", s.handleBalance)
	authed.POST("/withdraw", s.handleWithdraw)

	facilitator := authed.Group("/", requireRole(RoleFacilitator))
	facilitator.POST("/settle", s.handleSettle)
	facilitator.POST("/consume", s.handleConsume)

	admin := authed.Group("/admin", requireRole(RoleAdmin))
	admin.POST("/fee", s.handleSetFee)
	admin.POST("/treasury", s.handleSetTreasury)
	if s.agents != nil && s.skus != nil {
		s.registerRegistryRoutes(admin)
	}

	return r
}

// SettleResponse reports a settlement outcome to the facilitator
type SettleResponse struct {
	Success     bool              `json:"success"`
	ErrorReason string            `json:"errorReason,omitempty"`
	PaymentID   string            `json:"paymentId,omitempty"`
	Payer       string            `json:"payer,omitempty"`
	Owner       string            `json:"owner,omitempty"`
	Amount      string            `json:"amount,omitempty"`
	Fee         string            `json:"fee,omitempty"`
	Net         string            `json:"net,omitempty"`
	Entitlement *EntitlementState `json:"entitlement,omitempty"`
}

// EntitlementState is the wire form of an entitlement record
type EntitlementState struct {
	CallCredits uint64 `json:"callCredits"`
	ValidUntil  int64  `json:"validUntil"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSettle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, SettleResponse{Success: false, ErrorReason: "unreadable body"})
		return
	}

	receipt, auth, err := ValidateAndDecodeSettleRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, SettleResponse{Success: false, ErrorReason: err.Error()})
		return
	}

	result, err := s.engine.Settle(c.Request.Context(), callerAddress(c), receipt, auth)
	if err != nil {
		s.logger.Warn("settlement failed",
			slog.String("payment_id", receipt.PaymentID.Hex()),
			slog.String("error", err.Error()))
		c.JSON(statusForError(err), SettleResponse{Success: false, ErrorReason: err.Error()})
		return
	}

	c.JSON(http.StatusOK, SettleResponse{
		Success:   true,
		PaymentID: result.PaymentID.Hex(),
		Payer:     result.Payer.Hex(),
		Owner:     result.Owner.Hex(),
		Amount:    result.Amount.String(),
		Fee:       result.Fee.String(),
		Net:       result.Net.String(),
		Entitlement: &EntitlementState{
			CallCredits: result.Entitlement.CallCredits,
			ValidUntil:  result.Entitlement.ValidUntil,
		},
	})
}

func (s *Server) handleAccess(c *gin.Context) {
	agentID, ok := parseUintQuery(c, "agentId")
	if !ok {
		return
	}
	payer, ok := parseAddressQuery(c, "payer")
	if !ok {
		return
	}

	hasAccess, err := s.engine.HasAccess(c.Request.Context(), agentID, payer)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	ent, err := s.engine.Entitlement(c.Request.Context(), agentID, payer)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"hasAccess":   hasAccess,
		"callCredits": ent.CallCredits,
		"validUntil":  ent.ValidUntil,
	})
}

type consumeRequest struct {
	AgentID uint64 `json:"agentId"`
	Payer   string `json:"payer"`
}

func (s *Server) handleConsume(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid consume request"})
		return
	}
	payer, err := parseAddress(req.Payer)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.engine.ConsumeCall(c.Request.Context(), callerAddress(c), req.AgentID, payer); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleBalance(c *gin.Context) {
	balance, err := s.engine.RevenueBalance(c.Request.Context(), callerAddress(c))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance.String()})
}

type withdrawRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid withdraw request"})
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.engine.Withdraw(c.Request.Context(), callerAddress(c), to, amount); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type setFeeRequest struct {
	FeeBasisPoints uint32 `json:"feeBasisPoints"`
}

func (s *Server) handleSetFee(c *gin.Context) {
	var req setFeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fee request"})
		return
	}
	if err := s.engine.SetFeeBasisPoints(c.Request.Context(), callerAddress(c), req.FeeBasisPoints); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type setTreasuryRequest struct {
	Treasury string `json:"treasury"`
}

func (s *Server) handleSetTreasury(c *gin.Context) {
	var req setTreasuryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid treasury request"})
		return
	}
	treasury, err := parseAddress(req.Treasury)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.SetTreasury(c.Request.Context(), callerAddress(c), treasury); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func parseUintQuery(c *gin.Context, name string) (uint64, bool) {
	raw := c.Query(name)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return v, true
}

func parseAddressQuery(c *gin.Context, name string) (common.Address, bool) {
	addr, err := parseAddress(c.Query(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a hex address"})
		return common.Address{}, false
	}
	return addr, true
}

// statusForError maps settlement error codes to HTTP statuses
func statusForError(err error) int {
	switch agentpay.ErrorCode(err) {
	case agentpay.ErrCodeReplay:
		return http.StatusConflict
	case agentpay.ErrCodeInactiveSku,
		agentpay.ErrCodeSkuMismatch,
		agentpay.ErrCodeWrongToken,
		agentpay.ErrCodeAmountMismatch,
		agentpay.ErrCodeInvalidPayer,
		agentpay.ErrCodeFeeTooHigh,
		agentpay.ErrCodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case agentpay.ErrCodeFundsPull, agentpay.ErrCodeNoCredits:
		return http.StatusPaymentRequired
	case agentpay.ErrCodeUnauthorized:
		return http.StatusForbidden
	case agentpay.ErrCodeUnknownAgent, agentpay.ErrCodeUnknownSku:
		return http.StatusNotFound
	case agentpay.ErrCodeTransferFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
