// Package gin provides a resource-server middleware that gates routes
// on a payer's entitlement and meters call credits after serving.
package gin

import (
	"net/http"
	"time"

	agentpay "github.com/agentpay/agentpay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// DefaultPayerHeader carries the payer address the resource server
// authenticated for the request.
const DefaultPayerHeader = "X-Agentpay-Payer"

// AccessGateOptions configure the access gate middleware.
type AccessGateOptions struct {
	PayerHeader string
}

// Option mutates AccessGateOptions
type Option func(*AccessGateOptions)

// WithPayerHeader overrides the header the payer address is read from
func WithPayerHeader(header string) Option {
	return func(o *AccessGateOptions) {
		o.PayerHeader = header
	}
}

// AccessGate returns a middleware that rejects requests from payers
// without an entitlement for agentID, and consumes one call credit
// after a successful response when access was granted by credits rather
// than an open validity window.
//
// meterCaller is the facilitator identity the resource server meters
// under; it must hold the engine's facilitator capability. Metering is
// invoked exactly once per served request.
func AccessGate(engine *agentpay.Engine, agentID uint64, meterCaller common.Address, opts ...Option) gin.HandlerFunc {
	options := AccessGateOptions{PayerHeader: DefaultPayerHeader}
	for _, opt := range opts {
		opt(&options)
	}

	return func(c *gin.Context) {
		raw := c.GetHeader(options.PayerHeader)
		if !common.IsHexAddress(raw) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   "payment required",
				"agentId": agentID,
			})
			return
		}
		payer := common.HexToAddress(raw)

		ctx := c.Request.Context()
		ent, err := engine.Entitlement(ctx, agentID, payer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "entitlement lookup failed"})
			return
		}
		windowActive := ent.ValidUntil >= time.Now().Unix()
		if !windowActive && ent.CallCredits == 0 {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   "payment required",
				"agentId": agentID,
			})
			return
		}

		c.Next()

		// Meter only credit-based access: an open window is not
		// decremented per call.
		if !windowActive && c.Writer.Status() < http.StatusBadRequest {
			_ = engine.ConsumeCall(ctx, meterCaller, agentID, payer)
		}
	}
}
