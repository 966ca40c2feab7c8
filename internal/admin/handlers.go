package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/campex/campex/internal/ledger"
	"github.com/campex/campex/internal/market"
)

// Handler provides the operator HTTP endpoints. The server mounts these
// behind the admin-secret middleware.
type Handler struct {
	service *Service
}

// NewHandler creates a new admin handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the admin routes on an already-protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.CreateUser)
	r.POST("/points/give", h.GivePoints)
	r.POST("/users/:uid/enabled", h.SetEnabled)
	r.POST("/users/:uid/frozen", h.SetFrozen)

	r.POST("/market/open", h.OpenMarket)
	r.POST("/market/close", h.CloseMarket)
	r.POST("/market/resume", h.ResumeSchedule)
	r.POST("/market/auction", h.CallAuction)
	r.PUT("/market/band", h.SetBand)
	r.PUT("/market/windows", h.SetWindows)
	r.PUT("/market/fee", h.SetTransferFee)

	r.POST("/ipo/reset", h.ResetIPO)
	r.PUT("/ipo", h.UpdateIPO)

	r.GET("/audit", h.Scan)
	r.POST("/audit/fix", h.Repair)
	r.POST("/settlement", h.FinalSettlement)
}

// CreateUserRequest is the registration body.
type CreateUserRequest struct {
	Username   string `json:"username" binding:"required"`
	Team       string `json:"team"`
	TelegramID string `json:"telegramId"`
	Grant      int64  `json:"grant"`
}

// CreateUser handles POST /v1/admin/users
func (h *Handler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	acct, err := h.service.CreateUser(c.Request.Context(), req.Username, req.Team, req.TelegramID, req.Grant)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateUser) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_user",
				"message": "Username is taken",
			})
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": acct})
}

// GivePointsRequest credits a user or a whole team.
type GivePointsRequest struct {
	UID    string `json:"uid"`
	Team   string `json:"team"`
	Amount int64  `json:"amount" binding:"required"`
	Note   string `json:"note"`
}

// GivePoints handles POST /v1/admin/points/give
func (h *Handler) GivePoints(c *gin.Context) {
	var req GivePointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	note := req.Note
	if note == "" {
		note = "operator grant"
	}

	switch {
	case req.UID != "":
		after, err := h.service.GivePoints(c.Request.Context(), req.UID, req.Amount, note)
		if err != nil {
			if errors.Is(err, ledger.ErrUnknownUser) {
				notFound(c, "User not found")
				return
			}
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"uid": req.UID, "points": after})
	case req.Team != "":
		n, err := h.service.GiveTeam(c.Request.Context(), req.Team, req.Amount, note)
		if err != nil {
			if errors.Is(err, ErrNoSuchTeam) {
				notFound(c, "No users in team")
				return
			}
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"team": req.Team, "credited": n})
	default:
		badRequest(c)
	}
}

type flagRequest struct {
	Value *bool `json:"value" binding:"required"`
}

// SetEnabled handles POST /v1/admin/users/:uid/enabled
func (h *Handler) SetEnabled(c *gin.Context) {
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if err := h.service.SetEnabled(c.Request.Context(), c.Param("uid"), *req.Value); err != nil {
		if errors.Is(err, ledger.ErrUnknownUser) {
			notFound(c, "User not found")
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uid": c.Param("uid"), "enabled": *req.Value})
}

// SetFrozen handles POST /v1/admin/users/:uid/frozen
func (h *Handler) SetFrozen(c *gin.Context) {
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if err := h.service.SetFrozen(c.Request.Context(), c.Param("uid"), *req.Value); err != nil {
		if errors.Is(err, ledger.ErrUnknownUser) {
			notFound(c, "User not found")
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uid": c.Param("uid"), "frozen": *req.Value})
}

// OpenMarket handles POST /v1/admin/market/open
func (h *Handler) OpenMarket(c *gin.Context) {
	if err := h.service.OpenMarket(c.Request.Context()); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"open": true, "override": true})
}

// CloseMarket handles POST /v1/admin/market/close
func (h *Handler) CloseMarket(c *gin.Context) {
	if err := h.service.CloseMarket(c.Request.Context()); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"open": false, "override": true})
}

// ResumeSchedule handles POST /v1/admin/market/resume
func (h *Handler) ResumeSchedule(c *gin.Context) {
	if err := h.service.ResumeSchedule(c.Request.Context()); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"override": false})
}

// CallAuction handles POST /v1/admin/market/auction
func (h *Handler) CallAuction(c *gin.Context) {
	res, err := h.service.CallAuction(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auction": res})
}

// SetBand handles PUT /v1/admin/market/band
func (h *Handler) SetBand(c *gin.Context) {
	var req struct {
		BandBP int64 `json:"bandBp" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if err := h.service.SetBand(c.Request.Context(), req.BandBP); err != nil {
		configError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bandBp": req.BandBP})
}

// SetWindows handles PUT /v1/admin/market/windows
func (h *Handler) SetWindows(c *gin.Context) {
	var req struct {
		Windows []market.Window `json:"windows" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if err := h.service.SetWindows(c.Request.Context(), req.Windows); err != nil {
		configError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"windows": req.Windows})
}

// SetTransferFee handles PUT /v1/admin/market/fee
func (h *Handler) SetTransferFee(c *gin.Context) {
	var req struct {
		RatePct int64 `json:"ratePct"`
		MinFee  int64 `json:"minFee"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if err := h.service.SetTransferFee(c.Request.Context(), req.RatePct, req.MinFee); err != nil {
		configError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ratePct": req.RatePct, "minFee": req.MinFee})
}

// ResetIPO handles POST /v1/admin/ipo/reset
func (h *Handler) ResetIPO(c *gin.Context) {
	var req struct {
		Price  int64 `json:"price" binding:"required"`
		Shares int64 `json:"shares"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	st, err := h.service.ResetIPO(c.Request.Context(), req.Price, req.Shares)
	if err != nil {
		configError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ipo": st})
}

// UpdateIPO handles PUT /v1/admin/ipo. Omitted fields keep their value.
func (h *Handler) UpdateIPO(c *gin.Context) {
	var req struct {
		Price  *int64 `json:"price"`
		Shares *int64 `json:"shares"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	st, err := h.service.UpdateIPO(c.Request.Context(), req.Price, req.Shares)
	if err != nil {
		configError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ipo": st})
}

// Scan handles GET /v1/admin/audit
func (h *Handler) Scan(c *gin.Context) {
	report, err := h.service.Scan(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Repair handles POST /v1/admin/audit/fix
func (h *Handler) Repair(c *gin.Context) {
	report, err := h.service.Repair(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// FinalSettlement handles POST /v1/admin/settlement
func (h *Handler) FinalSettlement(c *gin.Context) {
	var req struct {
		Price int64 `json:"price" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	report, err := h.service.FinalSettlement(c.Request.Context(), req.Price)
	if err != nil {
		configError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": report})
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": msg,
	})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}

func configError(c *gin.Context, err error) {
	if errors.Is(err, market.ErrInvalidConfig) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_config",
			"message": err.Error(),
		})
		return
	}
	internalError(c, err)
}
