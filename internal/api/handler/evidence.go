package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/evident-proof/evident/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sealer is satisfied by *sealing.Engine.
type sealer interface {
	SealItems(ctx context.Context, agreementID uuid.UUID, header model.ReceiptHeader, items []model.EvidenceItem) (*model.Receipt, error)
}

// receiptReader is satisfied by every store.Store.
type receiptReader interface {
	GetReceipt(ctx context.Context, agreementID, id uuid.UUID) (*model.Receipt, error)
}

// EvidenceHandler serves evidence submission and receipt lookup.
type EvidenceHandler struct {
	engine   sealer
	receipts receiptReader
	logger   *zap.Logger
}

// NewEvidenceHandler creates an EvidenceHandler.
func NewEvidenceHandler(engine sealer, receipts receiptReader, logger *zap.Logger) *EvidenceHandler {
	return &EvidenceHandler{engine: engine, receipts: receipts, logger: logger}
}

// Register mounts the routes on an authenticated group. rec counts calls.
func (h *EvidenceHandler) Register(rg *gin.RouterGroup, rec callRecorder) {
	rg.POST("/evidence", RecordCall(rec, model.OpSubmitEvidence, h.logger), h.Submit)
	rg.GET("/receipts/:id", h.GetReceipt)
}

// submitRequest is the body of POST /evidence. Evidence is either an object
// of key/value pairs or an array of {key, value}.
type submitRequest struct {
	DispatchReference             string          `json:"dispatchReference"`
	SourceSystemDispatchReference string          `json:"sourceSystemDispatchReference"`
	Where                         string          `json:"where"`
	When                          time.Time       `json:"when"`
	Evidence                      json.RawMessage `json:"evidence"`
}

func (r *submitRequest) items() ([]model.EvidenceItem, error) {
	raw := bytes.TrimSpace(r.Evidence)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, model.Invalid("evidence", "is required")
	}
	if raw[0] == '[' {
		var items []model.EvidenceItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, model.Invalid("evidence", "invalid list: %v", err)
		}
		return items, nil
	}
	return objectItems(raw)
}

// objectItems reads an evidence object in document order, keeping repeated
// keys so the engine can reject them.
func objectItems(raw []byte) ([]model.EvidenceItem, error) {
	bad := model.Invalid("evidence", "must be an object of strings or a list of {key, value}")
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, bad
	}
	var items []model.EvidenceItem
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, bad
		}
		key, _ := tok.(string)
		var value string
		if err := dec.Decode(&value); err != nil {
			return nil, bad
		}
		items = append(items, model.EvidenceItem{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, bad
	}
	if dec.More() {
		return nil, bad
	}
	return items, nil
}

// Submit handles POST /evidence: seals evidence and returns the receipt.
func (h *EvidenceHandler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, model.Invalid("body", "%v", err))
		return
	}
	items, err := req.items()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	dispatch := req.DispatchReference
	if dispatch == "" {
		dispatch = req.SourceSystemDispatchReference
	}

	a := AgreementFromCtx(c)
	receipt, err := h.engine.SealItems(c.Request.Context(), a.ID, model.ReceiptHeader{
		SourceSystemDispatchReference: dispatch,
		When:                          req.When,
		Where:                         req.Where,
	}, items)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

// GetReceipt handles GET /receipts/:id.
func (h *EvidenceHandler) GetReceipt(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, model.Invalid("id", "must be a UUID"))
		return
	}
	r, err := h.receipts.GetReceipt(c.Request.Context(), AgreementFromCtx(c).ID, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, r)
}
