package ledgersim

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tledger/tpay-go/internal/pagination"
)

// Handler exposes the simulator over HTTP with the ledger's wire shapes.
type Handler struct {
	svc    *Service
	feed   *Feed
	logger *slog.Logger
}

// NewHandler creates an HTTP handler over svc. feed may be nil.
func NewHandler(svc *Service, feed *Feed, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, feed: feed, logger: logger}
}

// RegisterRoutes mounts the simulator's API under r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreatePayment)
	r.GET("/payments", h.ListPayments)
	r.GET("/payments/:id", h.GetPayment)
	r.POST("/payments/:id/resolution", h.ResolveChallenge)
	r.GET("/balances/agent/:id", h.GetBalance)
	r.GET("/balances/agent/:id/:network/:asset", h.GetBalance)
	r.POST("/agent_profiles", h.CreateAgent)
	r.POST("/radar/traces", h.IngestTrace)
	r.GET("/radar/traces", h.ListTraces)
	if h.feed != nil {
		r.GET("/payments/feed", h.feed.Handle)
	}
}

// CreatePayment handles POST /payments. A replayed request_id returns the
// original record with 200 instead of 201.
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	p, created, err := h.svc.CreatePayment(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, p)
}

// GetPayment handles GET /payments/:id.
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.svc.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ResolveChallenge handles POST /payments/:id/resolution.
func (h *Handler) ResolveChallenge(c *gin.Context) {
	var req ResolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	p, err := h.svc.ResolveChallenge(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ListPayments handles GET /payments.
func (h *Handler) ListPayments(c *gin.Context) {
	filter := ListFilter{
		AgentID: c.Query("agent_id"),
		Status:  Status(c.Query("status")),
		Limit:   pagination.ClampLimit(c.Query("limit"), 20, 100),
	}
	if raw := c.Query("cursor"); raw != "" {
		cur, err := pagination.Decode(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "cursor is malformed"})
			return
		}
		filter.Cursor = cur
	}
	items, next, hasMore, err := h.svc.ListPayments(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if items == nil {
		items = []*Payment{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": items, "next_cursor": next, "has_more": hasMore})
}

// GetBalance handles GET /balances/agent/:id and the network/asset variant.
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.svc.GetBalance(c.Request.Context(), c.Param("id"), c.Param("network"), c.Param("asset"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// CreateAgent handles POST /agent_profiles.
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	a, err := h.svc.CreateAgent(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// IngestTrace handles POST /radar/traces. The body is stored as-is.
func (h *Handler) IngestTrace(c *gin.Context) {
	var rec map[string]any
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.svc.IngestTrace(c.Request.Context(), rec); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// ListTraces handles GET /radar/traces.
func (h *Handler) ListTraces(c *gin.Context) {
	recs, err := h.svc.ListTraces(c.Request.Context(), pagination.ClampLimit(c.Query("limit"), 100, 500))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if recs == nil {
		recs = []map[string]any{}
	}
	c.JSON(http.StatusOK, gin.H{"traces": recs})
}

// writeError maps service errors onto the ledger's error envelope.
func (h *Handler) writeError(c *gin.Context, err error) {
	var missing *MissingFieldsError
	switch {
	case errors.As(err, &missing):
		c.JSON(http.StatusConflict, gin.H{
			"error":     "challenge_incomplete",
			"message":   missing.Error(),
			"challenge": missing.Challenge,
		})
	case errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, ErrAgentNotFound),
		errors.Is(err, ErrBalanceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrChallengeExpired):
		c.JSON(http.StatusGone, gin.H{"error": "challenge_expired", "message": err.Error()})
	case errors.Is(err, ErrRequestIDMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "request_id_mismatch", "message": err.Error()})
	case errors.Is(err, ErrNotChallenged),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		h.logger.Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}
