package handler

import (
	"context"
	"net/http"

	"github.com/evident-proof/evident/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// snapshotter is satisfied by *stats.Aggregator.
type snapshotter interface {
	Snapshot(ctx context.Context, agreementID uuid.UUID) (*model.StatisticsSnapshot, error)
}

// StatisticsHandler serves usage statistics.
type StatisticsHandler struct {
	stats  snapshotter
	logger *zap.Logger
}

// NewStatisticsHandler creates a StatisticsHandler.
func NewStatisticsHandler(stats snapshotter, logger *zap.Logger) *StatisticsHandler {
	return &StatisticsHandler{stats: stats, logger: logger}
}

// Register mounts GET /statistics on an authenticated group.
func (h *StatisticsHandler) Register(rg *gin.RouterGroup, rec callRecorder) {
	rg.GET("/statistics", RecordCall(rec, model.OpGetStatistics, h.logger), h.Get)
}

// Get handles GET /statistics.
func (h *StatisticsHandler) Get(c *gin.Context) {
	snap, err := h.stats.Snapshot(c.Request.Context(), AgreementFromCtx(c).ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
