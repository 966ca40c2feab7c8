package transfer

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/campex/campex/internal/ledger"
)

// Handler provides HTTP endpoints for transfers.
type Handler struct {
	service *Service
	ledger  *ledger.Ledger
}

// NewHandler creates a new transfer handler.
func NewHandler(service *Service, lgr *ledger.Ledger) *Handler {
	return &Handler{service: service, ledger: lgr}
}

// RegisterProtectedRoutes sets up auth-required transfer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transfer", h.Send)
	r.GET("/transfer/quote", h.Quote)
}

// SendRequest is the transfer submission body. Exactly one of ToUID and
// ToUsername must identify the recipient.
type SendRequest struct {
	ToUID      string `json:"toUid"`
	ToUsername string `json:"toUsername"`
	Amount     int64  `json:"amount" binding:"required"`
	Note       string `json:"note"`
}

// Send handles POST /v1/transfer
func (h *Handler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	toUID := req.ToUID
	if toUID == "" && req.ToUsername != "" {
		acct, err := h.ledger.Resolve(c.Request.Context(), req.ToUsername)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Recipient not found",
			})
			return
		}
		toUID = acct.UID
	}
	if toUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Recipient is required",
		})
		return
	}

	fromUID := c.GetString("authUID")
	receipt, err := h.service.Send(c.Request.Context(), fromUID, toUID, req.Amount, req.Note)
	if err != nil {
		status, code := sendErrorStatus(err)
		c.JSON(status, gin.H{
			"error":   code,
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transfer": receipt})
}

// Quote handles GET /v1/transfer/quote?amount=N
func (h *Handler) Quote(c *gin.Context) {
	amount, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if err != nil || amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount must be a positive integer",
		})
		return
	}
	fee, err := h.service.Quote(c.Request.Context(), amount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"amount": amount,
		"fee":    fee,
		"total":  amount + fee,
	})
}

func sendErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrSelfTransfer):
		return http.StatusBadRequest, "self_transfer"
	case errors.Is(err, ledger.ErrUnknownUser):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrDisabled), errors.Is(err, ledger.ErrFrozen), errors.Is(err, ledger.ErrHasDebt):
		return http.StatusForbidden, "account_blocked"
	case errors.Is(err, ledger.ErrInsufficientPoints):
		return http.StatusUnprocessableEntity, "insufficient_points"
	default:
		return http.StatusInternalServerError, "transfer_failed"
	}
}
