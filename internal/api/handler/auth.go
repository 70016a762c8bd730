package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/evident-proof/evident/internal/agreement"
	"github.com/evident-proof/evident/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Credential headers carried by every agreement-scoped call.
const (
	HeaderAPIKey      = "X-Api-Key"
	HeaderAgreementID = "X-Service-Agreement-Id"
)

const ctxAgreement = "evident_agreement"

// authenticator is satisfied by *agreement.Service.
type authenticator interface {
	Authenticate(ctx context.Context, agreementID uuid.UUID, apiKey string) (*model.ServiceAgreement, error)
}

// callRecorder is satisfied by every store.Store.
type callRecorder interface {
	RecordAPICall(ctx context.Context, call model.APICall) error
}

// RequireAgreement returns a Gin middleware that authenticates the service
// agreement headers and injects the agreement into the context.
func RequireAgreement(auth authenticator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authenticate(c, auth, logger) {
			return
		}
		c.Next()
	}
}

// authenticate verifies the credential headers. On failure it has already
// written the response.
func authenticate(c *gin.Context, auth authenticator, logger *zap.Logger) bool {
	id, err := uuid.Parse(strings.TrimSpace(c.GetHeader(HeaderAgreementID)))
	if err != nil {
		respondError(c, logger, agreement.ErrUnauthorized)
		return false
	}
	a, err := auth.Authenticate(c.Request.Context(), id, c.GetHeader(HeaderAPIKey))
	if err != nil {
		respondError(c, logger, err)
		return false
	}
	c.Set(ctxAgreement, a)
	return true
}

// AgreementFromCtx retrieves the agreement injected by RequireAgreement.
func AgreementFromCtx(c *gin.Context) *model.ServiceAgreement {
	v, _ := c.Get(ctxAgreement)
	a, _ := v.(*model.ServiceAgreement)
	return a
}

// RecordCall counts an authenticated call towards the agreement's statistics.
// A recording failure is logged and never fails the call.
func RecordCall(rec callRecorder, op string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		a := AgreementFromCtx(c)
		if a == nil {
			return
		}
		call := model.APICall{ServiceAgreementID: a.ID, Operation: op, At: time.Now().UTC()}
		if err := rec.RecordAPICall(context.WithoutCancel(c.Request.Context()), call); err != nil {
			logger.Warn("record api call", zap.String("operation", op), zap.Error(err))
		}
	}
}

// RequireAdmin returns a Gin middleware that enforces the operator bearer
// secret. An empty secret disables the admin routes.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				errorBody("admin_disabled", "admin API is not configured", false))
			return
		}
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				errorBody("unauthorized", "admin Bearer token required", false))
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden,
				errorBody("forbidden", "invalid admin token", false))
			return
		}
		c.Next()
	}
}
