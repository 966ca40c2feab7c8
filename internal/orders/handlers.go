package orders

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/campex/campex/internal/engine"
	"github.com/campex/campex/internal/holdings"
	"github.com/campex/campex/internal/ledger"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public market-data routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trades", h.RecentTrades)
}

// RegisterProtectedRoutes sets up auth-required order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.PlaceOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.DELETE("/orders/:id", h.CancelOrder)
	r.GET("/portfolio", h.GetPortfolio)
	r.GET("/trades/mine", h.MyTrades)
}

// PlaceOrder handles POST /v1/orders
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.UID = c.GetString("authUID")

	res, err := h.service.Place(c.Request.Context(), req)
	if err != nil {
		status, code := placeErrorStatus(err)
		c.JSON(status, gin.H{
			"error":   code,
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order": res.Order,
		"fills": res.Fills,
	})
}

// CancelOrder handles DELETE /v1/orders/:id
func (h *Handler) CancelOrder(c *gin.Context) {
	uid := c.GetString("authUID")
	o, err := h.service.Cancel(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
		case errors.Is(err, ErrNotOrderOwner):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Order belongs to another user",
			})
		case errors.Is(err, ErrNotCancellable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_cancellable",
				"message": "Order is already in a final state",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	uid := c.GetString("authUID")
	o, err := h.service.Order(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrNotOrderOwner) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	uid := c.GetString("authUID")
	list, err := h.service.History(c.Request.Context(), uid, queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": list,
		"count":  len(list),
	})
}

// GetPortfolio handles GET /v1/portfolio
func (h *Handler) GetPortfolio(c *gin.Context) {
	uid := c.GetString("authUID")
	p, err := h.service.Portfolio(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownUser) {
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
	c.JSON(http.StatusOK, gin.H{"portfolio": p})
}

// RecentTrades handles GET /v1/trades
func (h *Handler) RecentTrades(c *gin.Context) {
	list, err := h.service.RecentTrades(c.Request.Context(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trades": list,
		"count":  len(list),
	})
}

// MyTrades handles GET /v1/trades/mine
func (h *Handler) MyTrades(c *gin.Context) {
	uid := c.GetString("authUID")
	list, err := h.service.Trades(c.Request.Context(), uid, queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trades": list,
		"count":  len(list),
	})
}

func placeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidOrder):
		return http.StatusBadRequest, "invalid_order"
	case errors.Is(err, ErrMarketClosed):
		return http.StatusConflict, "market_closed"
	case errors.Is(err, ledger.ErrUnknownUser):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrDisabled), errors.Is(err, ledger.ErrFrozen), errors.Is(err, ledger.ErrHasDebt):
		return http.StatusForbidden, "account_blocked"
	case errors.Is(err, ledger.ErrInsufficientPoints):
		return http.StatusUnprocessableEntity, "insufficient_points"
	case errors.Is(err, holdings.ErrInsufficientShares):
		return http.StatusUnprocessableEntity, "insufficient_shares"
	case errors.Is(err, engine.ErrPriceOutOfBand):
		return http.StatusUnprocessableEntity, "price_out_of_band"
	default:
		return http.StatusUnprocessableEntity, "order_rejected"
	}
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}
