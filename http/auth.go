package http

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Role names carried in caller tokens
const (
	RoleFacilitator = "facilitator"
	RoleAdmin       = "admin"
)

const callerContextKey = "agentpay.caller"

// CallerClaims are the JWT claims identifying an API caller: its
// on-chain address plus the roles the deployment granted it. The engine
// still enforces its own capability policy on the address; the roles
// here only allow rejecting misrouted requests early.
type CallerClaims struct {
	Address string   `json:"addr"`
	Roles   []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry the named role
func (c *CallerClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SignCallerToken issues an HS256 caller token. Used by deployments to
// provision facilitator and admin credentials, and by tests.
func SignCallerToken(secret []byte, address common.Address, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := CallerClaims{
		Address: address.Hex(),
		Roles:   roles,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// authenticate parses the Bearer token and stores the caller claims in
// the request context. Requests without a valid token get 401.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims := &CallerClaims{}
		_, err := jwt.ParseWithClaims(
			strings.TrimPrefix(header, "Bearer "),
			claims,
			func(t *jwt.Token) (interface{}, error) {
				if t.Method != jwt.SigningMethodHS256 {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return s.secret, nil
			},
		)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if !common.IsHexAddress(claims.Address) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token carries no caller address"})
			return
		}

		c.Set(callerContextKey, claims)
		c.Next()
	}
}

// requireRole rejects requests whose token lacks the named role
func requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := callerFromContext(c)
		if claims == nil || !claims.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("%s role required", role)})
			return
		}
		c.Next()
	}
}

func callerFromContext(c *gin.Context) *CallerClaims {
	v, ok := c.Get(callerContextKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*CallerClaims)
	return claims
}

func callerAddress(c *gin.Context) common.Address {
	claims := callerFromContext(c)
	if claims == nil {
		return common.Address{}
	}
	return common.HexToAddress(claims.Address)
}
