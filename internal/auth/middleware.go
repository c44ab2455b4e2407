package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/petnest/paycore/internal/logging"
)

const (
	// ContextKeyClaims is the key for storing verified claims in gin context
	ContextKeyClaims = "authClaims"
	// ContextKeyAdmin marks requests that presented the admin secret
	ContextKeyAdmin = "authAdmin"

	// AdminHeader carries the operator secret.
	AdminHeader = "X-Admin-Secret"
)

// Middleware verifies a bearer token when one is present and stores its
// claims. It never rejects; RequireAuth does.
func Middleware(tokens *Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
			if claims, err := tokens.Verify(token); err == nil {
				c.Set(ContextKeyClaims, claims)
			} else {
				logging.L(c.Request.Context()).Debug("bearer token rejected", "error", err)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid bearer token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := ClaimsFrom(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin accepts the admin secret header. With no secret configured
// the admin API is disabled.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !CheckAdmin(c, secret) {
			if secret == "" {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Admin API is disabled",
				})
				return
			}
			logging.Security(c.Request.Context(), logging.EventAdminAuthFailed).Warn("admin authentication failed",
				"path", c.FullPath(), "ip", c.ClientIP(), "header_present", c.GetHeader(AdminHeader) != "")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Valid X-Admin-Secret header required",
			})
			return
		}
		c.Next()
	}
}

// CheckAdmin reports whether the request carries the admin secret and marks
// the context when it does.
func CheckAdmin(c *gin.Context, secret string) bool {
	if secret == "" {
		return false
	}
	got := c.GetHeader(AdminHeader)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		return false
	}
	c.Set(ContextKeyAdmin, true)
	return true
}

// ClaimsFrom returns the verified claims, if any.
func ClaimsFrom(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ContextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// UserID returns the authenticated payer identity, or "".
func UserID(c *gin.Context) string {
	if claims, ok := ClaimsFrom(c); ok {
		return claims.Subject
	}
	return ""
}

// IsAdmin reports whether the request presented the admin secret or an
// admin-role token.
func IsAdmin(c *gin.Context) bool {
	if c.GetBool(ContextKeyAdmin) {
		return true
	}
	claims, ok := ClaimsFrom(c)
	return ok && claims.Role == RoleAdmin
}
