// Package middleware provides the gin middleware shared by the HTTP API.
package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/aimd54/loyalty-ledger/internal/models"
	"github.com/aimd54/loyalty-ledger/internal/service/ledger"
)

// Context keys set by JWTAuth.
const (
	ContextUserID = "user_id"
	ContextRole   = "role"
)

// Claims are the JWT claims accepted by the API.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for subject with the given role.
func IssueToken(secret, issuer, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// JWTAuth validates a Bearer token and stores the subject and role in the
// gin context. An empty issuer skips the issuer check.
func JWTAuth(secret, issuer string) gin.HandlerFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			abort(c, http.StatusUnauthorized, "missing bearer token")
			return
		}

		var claims Claims
		_, err := parser.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), &claims, func(*jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			abort(c, http.StatusUnauthorized, msg)
			return
		}
		if claims.Subject == "" {
			abort(c, http.StatusUnauthorized, "token has no subject")
			return
		}

		c.Set(ContextUserID, claims.Subject)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

// RequireRole rejects callers whose token role is not role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextRole) != role {
			abort(c, http.StatusForbidden, "insufficient role")
			return
		}
		c.Next()
	}
}

// ActorFrom returns the ledger actor of an authenticated request.
func ActorFrom(c *gin.Context) ledger.Actor {
	return ledger.Actor{
		ID:      c.GetString(ContextUserID),
		IsAdmin: c.GetString(ContextRole) == models.RoleAdmin,
	}
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}
