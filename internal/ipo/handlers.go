package ipo

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/campex/campex/internal/ledger"
	"github.com/campex/campex/internal/market"
)

// Handler provides HTTP endpoints for IPO operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new IPO handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the public IPO status route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ipo", h.GetStatus)
}

// RegisterProtectedRoutes sets up auth-required IPO routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/ipo/buy", h.Buy)
}

// GetStatus handles GET /v1/ipo
func (h *Handler) GetStatus(c *gin.Context) {
	st, err := h.service.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ipo": st})
}

// BuyRequest is the IPO purchase body.
type BuyRequest struct {
	Qty int64 `json:"qty" binding:"required"`
}

// Buy handles POST /v1/ipo/buy
func (h *Handler) Buy(c *gin.Context) {
	var req BuyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	uid := c.GetString("authUID")
	p, err := h.service.Buy(c.Request.Context(), uid, req.Qty)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "qty must be positive",
			})
		case errors.Is(err, ErrMarketClosed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "market_closed",
				"message": "Market is closed",
			})
		case errors.Is(err, market.ErrInsufficientIPO):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "insufficient_ipo_shares",
				"message": "Not enough shares remain in the pool",
			})
		case errors.Is(err, ledger.ErrInsufficientPoints):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "insufficient_points",
				"message": "Not enough points",
			})
		case errors.Is(err, ledger.ErrUnknownUser):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "User not found",
			})
		case errors.Is(err, ledger.ErrDisabled), errors.Is(err, ledger.ErrFrozen), errors.Is(err, ledger.ErrHasDebt):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "account_blocked",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"purchase": p})
}
