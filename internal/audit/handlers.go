package audit

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexshop/riskgate/internal/pagination"
)

// Handler provides HTTP endpoints for querying the security event log.
type Handler struct {
	store  Store
	logger *slog.Logger
}

// NewHandler creates a new audit handler.
func NewHandler(store Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes sets up event query routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.ListEvents)
	r.GET("/events/summary", h.Summary)
	r.GET("/events/correlation/:id", h.EventsByCorrelation)
	r.GET("/users/:id/events", h.EventsByUser)
}

// ListEvents handles GET /events with optional filters.
func (h *Handler) ListEvents(c *gin.Context) {
	f, ok := h.filterFromQuery(c)
	if !ok {
		return
	}
	h.respondPage(c, f)
}

// EventsByCorrelation handles GET /events/correlation/:id.
func (h *Handler) EventsByCorrelation(c *gin.Context) {
	f, ok := h.filterFromQuery(c)
	if !ok {
		return
	}
	f.CorrelationID = c.Param("id")
	h.respondPage(c, f)
}

// EventsByUser handles GET /users/:id/events.
func (h *Handler) EventsByUser(c *gin.Context) {
	f, ok := h.filterFromQuery(c)
	if !ok {
		return
	}
	f.UserID = c.Param("id")
	h.respondPage(c, f)
}

// Summary handles GET /events/summary.
func (h *Handler) Summary(c *gin.Context) {
	from, to, ok := h.windowFromQuery(c)
	if !ok {
		return
	}

	report, err := h.store.Summary(c.Request.Context(), from, to)
	if err != nil {
		h.logger.Error("event summary failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "summary_error",
			"message": "Failed to summarize events",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) respondPage(c *gin.Context, f Filter) {
	events, next, err := h.store.Query(c.Request.Context(), f)
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed or expired",
		})
		return
	}
	if err != nil {
		h.logger.Error("event query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "query_error",
			"message": "Failed to query events",
		})
		return
	}
	if events == nil {
		events = []*Event{}
	}

	resp := gin.H{"events": events, "has_more": next != ""}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) filterFromQuery(c *gin.Context) (Filter, bool) {
	from, to, ok := h.windowFromQuery(c)
	if !ok {
		return Filter{}, false
	}

	f := Filter{
		RiskLevel:   c.Query("risk_level"),
		EventType:   EventType(c.Query("event_type")),
		ActionTaken: ActionTaken(c.Query("action_taken")),
		Cursor:      c.Query("cursor"),
		From:        from,
		To:          to,
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be a positive integer"})
			return Filter{}, false
		}
		f.Limit = n
	}
	return f, true
}

func (h *Handler) windowFromQuery(c *gin.Context) (from, to time.Time, ok bool) {
	if s := c.Query("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timestamp", "message": "Use RFC3339 format"})
			return from, to, false
		}
		from = t
	}
	if s := c.Query("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timestamp", "message": "Use RFC3339 format"})
			return from, to, false
		}
		to = t
	}
	return from, to, true
}
