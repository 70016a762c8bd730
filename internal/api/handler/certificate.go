package handler

import (
	"context"
	"net/http"

	"github.com/evident-proof/evident/internal/certificate"
	"github.com/evident-proof/evident/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// certificateSvc is satisfied by *certificate.Engine.
type certificateSvc interface {
	RequestCertificate(ctx context.Context, req *certificate.Request) (*model.ProofCertificateResponse, error)
	Revise(ctx context.Context, certID uuid.UUID, req *certificate.Request) (*model.ProofCertificateResponse, error)
	Get(ctx context.Context, agreementID, certID uuid.UUID) (*model.ProofCertificateResponse, error)
	GetByToken(ctx context.Context, certID uuid.UUID, token string) (*model.ProofCertificateResponse, error)
}

// CertificateHandler serves proof certificates.
type CertificateHandler struct {
	svc    certificateSvc
	logger *zap.Logger
}

// NewCertificateHandler creates a CertificateHandler.
func NewCertificateHandler(svc certificateSvc, logger *zap.Logger) *CertificateHandler {
	return &CertificateHandler{svc: svc, logger: logger}
}

// Register mounts the authenticated certificate routes.
func (h *CertificateHandler) Register(rg *gin.RouterGroup, rec callRecorder) {
	rg.POST("/certificates", RecordCall(rec, model.OpRequestCertificate, h.logger), h.Request)
	rg.PUT("/certificates/:id", RecordCall(rec, model.OpRequestCertificate, h.logger), h.Revise)
}

// RegisterPublic mounts GET /certificates/:id. It accepts either the
// agreement credentials or the ?token= of a certificate URL.
func (h *CertificateHandler) RegisterPublic(rg *gin.RouterGroup, auth authenticator) {
	rg.GET("/certificates/:id", func(c *gin.Context) {
		if c.Query("token") != "" {
			h.GetByToken(c)
			return
		}
		if authenticate(c, auth, h.logger) {
			h.Get(c)
		}
	})
}

// certificateRequest is the body of POST and PUT /certificates.
type certificateRequest struct {
	RequesterName  string                  `json:"requesterName"`
	Receipts       []model.RequestReceipt  `json:"receipts"`
	AdditionalData *model.AdditionalData   `json:"additionalData"`
	Status         model.CertificateStatus `json:"status"`
	IdempotencyKey string                  `json:"idempotencyKey"`
}

func (h *CertificateHandler) bind(c *gin.Context) (*certificate.Request, bool) {
	var body certificateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.logger, model.Invalid("body", "%v", err))
		return nil, false
	}
	clientKey := body.IdempotencyKey
	if k := c.GetHeader("Idempotency-Key"); k != "" {
		clientKey = k
	}
	return &certificate.Request{
		ServiceAgreementID: AgreementFromCtx(c).ID,
		RequesterName:      body.RequesterName,
		Receipts:           body.Receipts,
		AdditionalData:     body.AdditionalData,
		Status:             body.Status,
		ClientKey:          clientKey,
	}, true
}

func certificateStatusCode(resp *model.ProofCertificateResponse) int {
	if resp.Status == model.CertificateFinal {
		return http.StatusCreated
	}
	return http.StatusOK
}

// Request handles POST /certificates.
func (h *CertificateHandler) Request(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	resp, err := h.svc.RequestCertificate(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(certificateStatusCode(resp), resp)
}

// Revise handles PUT /certificates/:id: replaces a draft's evidence set.
func (h *CertificateHandler) Revise(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, model.Invalid("id", "must be a UUID"))
		return
	}
	req, ok := h.bind(c)
	if !ok {
		return
	}
	resp, err := h.svc.Revise(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(certificateStatusCode(resp), resp)
}

// Get handles GET /certificates/:id for an authenticated agreement.
func (h *CertificateHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, model.Invalid("id", "must be a UUID"))
		return
	}
	resp, err := h.svc.Get(c.Request.Context(), AgreementFromCtx(c).ID, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetByToken handles GET /certificates/:id?token=…: the permanent URL of a
// final certificate.
func (h *CertificateHandler) GetByToken(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, model.Invalid("id", "must be a UUID"))
		return
	}
	resp, err := h.svc.GetByToken(c.Request.Context(), id, c.Query("token"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
