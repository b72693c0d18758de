// Package echo provides the entitlement access gate for echo-based
// resource servers.
package echo

import (
	"net/http"
	"time"

	agentpay "github.com/agentpay/agentpay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"
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
func AccessGate(engine *agentpay.Engine, agentID uint64, meterCaller common.Address, opts ...Option) echo.MiddlewareFunc {
	options := AccessGateOptions{PayerHeader: DefaultPayerHeader}
	for _, opt := range opts {
		opt(&options)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get(options.PayerHeader)
			if !common.IsHexAddress(raw) {
				return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
					"error":   "payment required",
					"agentId": agentID,
				})
			}
			payer := common.HexToAddress(raw)

			ctx := c.Request().Context()
			ent, err := engine.Entitlement(ctx, agentID, payer)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]interface{}{
					"error": "entitlement lookup failed",
				})
			}
			windowActive := ent.ValidUntil >= time.Now().Unix()
			if !windowActive && ent.CallCredits == 0 {
				return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
					"error":   "payment required",
					"agentId": agentID,
				})
			}

			err = next(c)

			// Meter only credit-based access: an open window is not
			// decremented per call.
			if err == nil && !windowActive && c.Response().Status < http.StatusBadRequest {
				_ = engine.ConsumeCall(ctx, meterCaller, agentID, payer)
			}
			return err
		}
	}
}
