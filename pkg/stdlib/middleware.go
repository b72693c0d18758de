// Package stdlib provides the entitlement access gate for plain
// net/http resource servers.
package stdlib

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	agentpay "github.com/agentpay/agentpay"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultPayerHeader carries the payer address the resource server
// authenticated for the request.
const DefaultPayerHeader = "X-Agentpay-Payer"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// AccessGate wraps handler so requests from payers without an
// entitlement for agentID get 402, and a call credit is consumed after
// a successful response when access was granted by credits rather than
// an open validity window.
func AccessGate(engine *agentpay.Engine, agentID uint64, meterCaller common.Address, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(DefaultPayerHeader)
		if !common.IsHexAddress(raw) {
			paymentRequired(w, agentID)
			return
		}
		payer := common.HexToAddress(raw)

		ent, err := engine.Entitlement(r.Context(), agentID, payer)
		if err != nil {
			http.Error(w, "entitlement lookup failed", http.StatusInternalServerError)
			return
		}
		windowActive := ent.ValidUntil >= time.Now().Unix()
		if !windowActive && ent.CallCredits == 0 {
			paymentRequired(w, agentID)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(rec, r)

		if !windowActive && rec.status < http.StatusBadRequest {
			_ = engine.ConsumeCall(r.Context(), meterCaller, agentID, payer)
		}
	})
}

func paymentRequired(w http.ResponseWriter, agentID uint64) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   "payment required",
		"agentId": fmt.Sprintf("%d", agentID),
	})
}
