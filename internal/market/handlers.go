package market

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides the public market status endpoint.
type Handler struct {
	clock *Clock
}

// NewHandler creates a new market handler.
func NewHandler(clock *Clock) *Handler {
	return &Handler{clock: clock}
}

// RegisterRoutes sets up the public market routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/market", h.GetStatus)
}

// GetStatus handles GET /v1/market
func (h *Handler) GetStatus(c *gin.Context) {
	open, next, windows, err := h.clock.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"open":           open,
		"nextTransition": next,
		"windows":        windows,
	})
}
