package commission

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/petnest/paycore/internal/auth"
	"github.com/petnest/paycore/internal/logging"
)

// Handler provides affiliate HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a commission handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up affiliate-facing routes. r must require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	aff := r.Group("/affiliates/:affiliateId", h.requireOwner)
	aff.GET("/stats", h.GetStats)
	aff.GET("/entries", h.ListEntries)
	aff.GET("/payouts", h.ListPayouts)
	aff.POST("/payouts", h.RequestPayout)
}

// RegisterAdminRoutes sets up operator routes. r must require admin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/affiliates", h.RegisterAffiliate)
	r.GET("/affiliates/:affiliateId/stats", h.GetStats)
	r.POST("/affiliates/:affiliateId/codes", h.AddCode)
	r.GET("/affiliates/:affiliateId/audit", h.Audit)
}

// requireOwner lets through the affiliate named in the path or an admin.
func (h *Handler) requireOwner(c *gin.Context) {
	if auth.IsAdmin(c) {
		c.Next()
		return
	}
	claims, ok := auth.ClaimsFrom(c)
	if !ok || claims.AffiliateID == "" || claims.AffiliateID != c.Param("affiliateId") {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this affiliate",
		})
		return
	}
	c.Next()
}

// GetStats handles GET /v1/affiliates/:affiliateId/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), c.Param("affiliateId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// ListEntries handles GET /v1/affiliates/:affiliateId/entries
func (h *Handler) ListEntries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.service.Entries(c.Request.Context(), c.Param("affiliateId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// ListPayouts handles GET /v1/affiliates/:affiliateId/payouts
func (h *Handler) ListPayouts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	payouts, err := h.service.Payouts(c.Request.Context(), c.Param("affiliateId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if payouts == nil {
		payouts = []*Payout{}
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "count": len(payouts)})
}

// PayoutRequest asks for part of the available balance.
type PayoutRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// RequestPayout handles POST /v1/affiliates/:affiliateId/payouts
func (h *Handler) RequestPayout(c *gin.Context) {
	var req PayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a decimal string"})
		return
	}

	payout, err := h.service.RequestPayout(c.Request.Context(), c.Param("affiliateId"), amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payout": payout})
}

// RegisterAffiliateRequest creates an affiliate account.
type RegisterAffiliateRequest struct {
	AffiliateID string   `json:"affiliateId" binding:"required,max=64"`
	UserID      string   `json:"userId" binding:"required,max=128"`
	Codes       []string `json:"codes" binding:"max=20"`
}

// RegisterAffiliate handles POST /v1/admin/affiliates
func (h *Handler) RegisterAffiliate(c *gin.Context) {
	var req RegisterAffiliateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	acct, err := h.service.RegisterAffiliate(c.Request.Context(), req.AffiliateID, req.UserID, req.Codes)
	if err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("affiliate registered", "affiliate", acct.AffiliateID, "codes", len(acct.Codes))
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// AddCodeRequest assigns a promo code.
type AddCodeRequest struct {
	Code string `json:"code" binding:"required,max=32"`
}

// AddCode handles POST /v1/admin/affiliates/:affiliateId/codes
func (h *Handler) AddCode(c *gin.Context) {
	var req AddCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.service.AddCode(c.Request.Context(), c.Param("affiliateId"), req.Code); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"code": NormalizeCode(req.Code)})
}

// Audit handles GET /v1/admin/affiliates/:affiliateId/audit
func (h *Handler) Audit(c *gin.Context) {
	report, err := h.service.Audit(c.Request.Context(), c.Param("affiliateId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !report.Consistent {
		logging.L(c.Request.Context()).Warn("affiliate totals drifted from entries",
			"affiliate", report.AffiliateID,
			"stored", report.StoredLifetime.String(),
			"recomputed", report.RecomputedLifetime.String())
	}
	c.JSON(http.StatusOK, gin.H{"audit": report})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Affiliate not found"})
	case errors.Is(err, ErrAccountExists):
		c.JSON(http.StatusConflict, gin.H{"error": "affiliate_exists", "message": "Affiliate already exists"})
	case errors.Is(err, ErrCodeTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "code_taken", "message": "Affiliate code already registered"})
	case errors.Is(err, ErrInvalidCode), errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_balance", "message": "Amount exceeds available balance"})
	default:
		logging.L(c.Request.Context()).Error("commission request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Request failed"})
	}
}
