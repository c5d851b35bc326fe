package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKey is used for context keys to avoid collisions
type ContextKey string

// ResultKey is the context key for the auth result
const ResultKey ContextKey = "auth_result"

// Middleware guards gin routes. A nil service disables authentication.
type Middleware struct {
	svc *Service
}

func NewMiddleware(svc *Service) *Middleware {
	return &Middleware{svc: svc}
}

// GinAuth authenticates the request and stores the result in the context.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.svc == nil {
			c.Next()
			return
		}
		result, err := m.authenticate(c.Request)
		if err != nil || !result.Success {
			c.Header("WWW-Authenticate", `Basic realm="onair", charset="UTF-8"`)
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			c.Abort()
			return
		}
		c.Set(string(ResultKey), result)
		c.Next()
	}
}

// GinRequirePermission rejects requests whose roles do not grant action.
func (m *Middleware) GinRequirePermission(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.svc == nil {
			c.Next()
			return
		}
		v, exists := c.Get(string(ResultKey))
		result, ok := v.(*Result)
		if !exists || !ok || !result.Success {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "Authentication required",
			})
			c.Abort()
			return
		}
		if !m.svc.HasPermission(result.Roles, action) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "Insufficient permissions",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// authenticate tries a bearer token first, then basic credentials.
func (m *Middleware) authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return m.svc.Authenticate(r.Context(), LoginRequest{Method: MethodJWT, Token: parts[1]})
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		return m.svc.Authenticate(r.Context(), LoginRequest{Method: MethodBasic, Username: username, Password: password})
	}
	return &Result{Success: false}, ErrInvalidCredentials
}
