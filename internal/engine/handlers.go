package engine

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides the public market-data endpoints backed by the engine.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new engine handler.
func NewHandler(e *Engine) *Handler {
	return &Handler{engine: e}
}

// RegisterRoutes sets up the public depth and price routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/depth", h.GetDepth)
	r.GET("/price", h.GetPrice)
}

// GetDepth handles GET /v1/depth?levels=N
func (h *Handler) GetDepth(c *gin.Context) {
	levels := 5
	if l := c.Query("levels"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 50 {
			levels = parsed
		}
	}
	bids, asks, err := h.engine.Depth(c.Request.Context(), levels)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bids": bids,
		"asks": asks,
	})
}

// GetPrice handles GET /v1/price
func (h *Handler) GetPrice(c *gin.Context) {
	summary, err := h.engine.PriceSummary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	lo, hi, err := h.engine.Band(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"summary": summary,
		"band":    gin.H{"lo": lo, "hi": hi},
	})
}
