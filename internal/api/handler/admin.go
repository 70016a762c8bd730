package handler

import (
	"context"
	"net/http"

	"github.com/evident-proof/evident/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// agreementAdmin is satisfied by *agreement.Service.
type agreementAdmin interface {
	Create(ctx context.Context, name string, overdraftLimit, initialGrant model.Tokens) (*model.ServiceAgreement, string, error)
	Get(ctx context.Context, id uuid.UUID) (*model.ServiceAgreement, error)
	Grant(ctx context.Context, agreementID uuid.UUID, amount model.Tokens, memo string) (*model.LedgerEntry, error)
}

// requeuer is satisfied by *anchoring.Worker.
type requeuer interface {
	Requeue(ctx context.Context, agreementID *uuid.UUID) (int, error)
}

// AdminHandler serves operator endpoints behind RequireAdmin.
type AdminHandler struct {
	agreements agreementAdmin
	ledger     ledgerSvc
	anchoring  requeuer
	logger     *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(agreements agreementAdmin, ledger ledgerSvc, anchoring requeuer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{agreements: agreements, ledger: ledger, anchoring: anchoring, logger: logger}
}

// Register mounts the admin routes.
func (h *AdminHandler) Register(rg *gin.RouterGroup, secret string) {
	admin := rg.Group("/admin", RequireAdmin(secret))
	{
		admin.POST("/agreements", h.CreateAgreement)
		admin.GET("/agreements/:id", h.GetAgreement)
		admin.POST("/agreements/:id/grants", h.Grant)
		admin.GET("/agreements/:id/ledger/verify", h.VerifyLedger)
		admin.POST("/anchoring/requeue", h.Requeue)
	}
}

type createAgreementRequest struct {
	Name           string       `json:"name"`
	OverdraftLimit model.Tokens `json:"overdraftLimit"`
	InitialGrant   model.Tokens `json:"initialGrant"`
}

// CreateAgreement handles POST /admin/agreements. The API key is returned
// only in this response.
func (h *AdminHandler) CreateAgreement(c *gin.Context) {
	var req createAgreementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, model.Invalid("body", "%v", err))
		return
	}
	a, key, err := h.agreements.Create(c.Request.Context(), req.Name, req.OverdraftLimit, req.InitialGrant)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"agreement": a,
		"apiKey":    key,
	})
}

// GetAgreement handles GET /admin/agreements/:id.
func (h *AdminHandler) GetAgreement(c *gin.Context) {
	id, ok := h.agreementParam(c)
	if !ok {
		return
	}
	a, err := h.agreements.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type grantRequest struct {
	Amount model.Tokens `json:"amount"`
	Memo   string       `json:"memo"`
}

// Grant handles POST /admin/agreements/:id/grants: an Adjustment credit.
func (h *AdminHandler) Grant(c *gin.Context) {
	id, ok := h.agreementParam(c)
	if !ok {
		return
	}
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, model.Invalid("body", "%v", err))
		return
	}
	e, err := h.agreements.Grant(c.Request.Context(), id, req.Amount, req.Memo)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// VerifyLedger handles GET /admin/agreements/:id/ledger/verify.
func (h *AdminHandler) VerifyLedger(c *gin.Context) {
	id, ok := h.agreementParam(c)
	if !ok {
		return
	}
	verifyChain(c, h.ledger, id, h.logger)
}

type requeueRequest struct {
	ServiceAgreementID *uuid.UUID `json:"serviceAgreementId"`
}

// Requeue handles POST /admin/anchoring/requeue: returns failed seals to
// the anchoring queue, for one agreement or all.
func (h *AdminHandler) Requeue(c *gin.Context) {
	var req requeueRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, h.logger, model.Invalid("body", "%v", err))
			return
		}
	}
	n, err := h.anchoring.Requeue(c.Request.Context(), req.ServiceAgreementID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.logger.Info("anchoring requeued by operator", zap.Int("seals", n))
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}

func (h *AdminHandler) agreementParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, model.Invalid("id", "must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}
