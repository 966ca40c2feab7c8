package ledger

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/campex/campex/internal/pagination"
)

// Handler provides HTTP endpoints for account lookups and history.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(lgr *Ledger) *Handler {
	return &Handler{ledger: lgr}
}

// RegisterProtectedRoutes sets up auth-required account routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me", h.GetMe)
	r.GET("/me/history", h.GetHistory)
}

// GetMe handles GET /v1/me
func (h *Handler) GetMe(c *gin.Context) {
	uid := c.GetString("authUID")
	acct, err := h.ledger.Account(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "User not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": acct})
}

// GetHistory handles GET /v1/me/history with cursor pagination. The response
// carries an opaque nextCursor while more pages remain.
func (h *Handler) GetHistory(c *gin.Context) {
	uid := c.GetString("authUID")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid cursor",
		})
		return
	}

	// Fetch one extra row to detect whether another page exists.
	var entries []*Entry
	if cursor != nil {
		entries, err = h.ledger.Store().HistoryBefore(c.Request.Context(), uid, cursor.CreatedAt, cursor.ID, limit+1)
	} else {
		entries, err = h.ledger.History(c.Request.Context(), uid, limit+1)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"entries":    page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}
