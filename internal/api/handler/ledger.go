package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/evident-proof/evident/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ledgerSvc is satisfied by *ledger.Ledger.
type ledgerSvc interface {
	Balance(ctx context.Context, agreementID uuid.UUID) (model.Tokens, error)
	PendingBalance(ctx context.Context, agreementID uuid.UUID) (model.Tokens, error)
	Entries(ctx context.Context, agreementID uuid.UUID, limit, offset int) ([]*model.LedgerEntry, error)
	Verify(ctx context.Context, agreementID uuid.UUID) error
	Root(ctx context.Context, agreementID uuid.UUID) (string, int, error)
}

// LedgerHandler exposes read-only HTTP endpoints for an agreement's ledger.
type LedgerHandler struct {
	ledger ledgerSvc
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(ledger ledgerSvc, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

// Register mounts the ledger routes on an authenticated group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/entries", h.ListEntries)
		l.GET("/verify", h.Verify)
	}
}

// Overview handles GET /ledger: balances, chain length and root hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()
	id := AgreementFromCtx(c).ID

	balance, err := h.ledger.Balance(ctx, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	pending, err := h.ledger.PendingBalance(ctx, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	root, count, err := h.ledger.Root(ctx, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"serviceAgreementId": id,
		"balance":            balance,
		"pendingBalance":     pending,
		"entries":            count,
		"root":               root,
	})
}

// ListEntries handles GET /ledger/entries?limit=&offset=: newest first.
func (h *LedgerHandler) ListEntries(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		respondError(c, h.logger, model.Invalid("limit", "must be an integer"))
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		respondError(c, h.logger, model.Invalid("offset", "must be a non-negative integer"))
		return
	}

	entries, err := h.ledger.Entries(c.Request.Context(), AgreementFromCtx(c).ID, limit, offset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Verify handles GET /ledger/verify: walks the chain and reports integrity.
func (h *LedgerHandler) Verify(c *gin.Context) {
	verifyChain(c, h.ledger, AgreementFromCtx(c).ID, h.logger)
}

func verifyChain(c *gin.Context, l ledgerSvc, id uuid.UUID, logger *zap.Logger) {
	if err := l.Verify(c.Request.Context(), id); err != nil {
		logger.Warn("ledger integrity check failed",
			zap.String("agreement", id.String()),
			zap.Error(err),
		)
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}
