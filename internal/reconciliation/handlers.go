package reconciliation

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/petnest/paycore/internal/auth"
	"github.com/petnest/paycore/internal/logging"
	"github.com/petnest/paycore/internal/money"
	"github.com/petnest/paycore/internal/pagination"
	"github.com/petnest/paycore/internal/payment"
	"github.com/petnest/paycore/internal/provider"
	"github.com/petnest/paycore/internal/subscription"
	"github.com/petnest/paycore/internal/validation"
)

// Handler provides the payment HTTP endpoints.
type Handler struct {
	engine  *Engine
	sweeper *Sweeper
}

// NewHandler creates a payment handler. sweeper may be nil.
func NewHandler(engine *Engine, sweeper *Sweeper) *Handler {
	return &Handler{engine: engine, sweeper: sweeper}
}

// RegisterRoutes sets up payment routes. r must require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreatePayment)
	r.GET("/payments", h.ListPayments)

	ref := r.Group("/payments/:reference", validation.ReferenceParamMiddleware())
	ref.GET("", h.GetPayment)
	ref.POST("/capture", h.CapturePayment)
}

// RegisterAdminRoutes sets up operator routes. r must require admin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/payments/:reference", validation.ReferenceParamMiddleware(), h.GetPayment)
	r.POST("/sweep", h.RunSweep)
}

// CreatePaymentRequest starts a checkout.
type CreatePaymentRequest struct {
	Provider      string `json:"provider" binding:"required,oneof=card-checkout regional-wallet crypto-invoice"`
	Amount        string `json:"amount" binding:"required,amount"`
	Currency      string `json:"currency" binding:"required,currency"`
	Purpose       string `json:"purpose" binding:"required,oneof=subscription-activation one-time-purchase"`
	PlanID        string `json:"planId" binding:"max=64"`
	AffiliateCode string `json:"affiliateCode" binding:"affcode"`
	Description   string `json:"description" binding:"max=255"`
	ReturnURL     string `json:"returnUrl" binding:"omitempty,url"`
	CancelURL     string `json:"cancelUrl" binding:"omitempty,url"`
}

// CreatePayment handles POST /v1/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"details": validation.Describe(err),
		})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a decimal string"})
		return
	}

	co, err := h.engine.CreateIntent(c.Request.Context(), CreateRequest{
		Provider:      provider.Name(req.Provider),
		Amount:        amount,
		Currency:      req.Currency,
		Payer:         auth.UserID(c),
		Purpose:       payment.Purpose(req.Purpose),
		PlanID:        req.PlanID,
		AffiliateCode: req.AffiliateCode,
		Description:   req.Description,
		ReturnURL:     req.ReturnURL,
		CancelURL:     req.CancelURL,
	})
	if err != nil {
		writeCheckoutError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"reference":             co.Intent.Reference,
		"redirectTarget":        co.RedirectTarget,
		"status":                co.Intent.Status,
		"affiliateCodeAccepted": co.AffiliateCodeAccepted,
		"provider":              co.Intent.Provider,
		"amount":                money.Format(co.Intent.Amount, co.Intent.Currency),
		"currency":              co.Intent.Currency,
	})
}

func writeCheckoutError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, money.ErrInvalidAmount), errors.Is(err, money.ErrUnsupportedCurrency):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, provider.ErrUnknown):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_provider", "message": "Payment provider is not enabled"})
	case errors.Is(err, subscription.ErrUnknownPlan), errors.Is(err, subscription.ErrNoPrice):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": err.Error()})
	case errors.Is(err, ErrPriceMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "price_mismatch", "message": err.Error()})
	case errors.Is(err, money.ErrNoRate):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_currency", "message": "No exchange rate for this currency"})
	case errors.Is(err, provider.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider_unavailable", "message": "Payment provider is unavailable, try again later"})
	case errors.Is(err, provider.ErrRejected):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_rejected", "message": "Payment provider rejected the request"})
	default:
		logging.L(c.Request.Context()).Error("checkout failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to start payment"})
	}
}

// ownedIntent loads the :reference intent and checks the caller may see it.
func (h *Handler) ownedIntent(c *gin.Context) (*payment.Intent, bool) {
	intent, err := h.engine.tx.Stores().Intents.Get(c.Request.Context(), c.Param("reference"))
	if errors.Is(err, payment.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payment not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load payment"})
		return nil, false
	}
	if intent.Payer != auth.UserID(c) && !auth.IsAdmin(c) {
		// Same answer as a missing intent so references cannot be probed.
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payment not found"})
		return nil, false
	}
	return intent, true
}

// GetPayment handles GET /v1/payments/:reference
func (h *Handler) GetPayment(c *gin.Context) {
	intent, ok := h.ownedIntent(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": intent})
}

// CapturePayment handles POST /v1/payments/:reference/capture
func (h *Handler) CapturePayment(c *gin.Context) {
	intent, ok := h.ownedIntent(c)
	if !ok {
		return
	}

	out, err := h.engine.Capture(c.Request.Context(), intent.Reference)
	switch {
	case errors.Is(err, ErrNotCapturable):
		c.JSON(http.StatusConflict, gin.H{"error": "not_capturable", "message": "Payment has not been started at the provider"})
		return
	case errors.Is(err, provider.ErrRejected):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_rejected", "message": "Payment provider rejected the capture"})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("capture failed", "reference", intent.Reference, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to capture payment"})
		return
	}

	status := http.StatusOK
	if out.Result == ResultUnavailable {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"status": out.Status, "result": out.Result, "reason": out.Reason})
}

// ListPayments handles GET /v1/payments
func (h *Handler) ListPayments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	intents, err := h.engine.tx.Stores().Intents.ListByPayer(c.Request.Context(), auth.UserID(c), cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list payments"})
		return
	}
	if intents == nil {
		intents = []*payment.Intent{}
	}
	intents, next, more := pagination.ComputePage(intents, limit, func(i *payment.Intent) (time.Time, string) {
		return i.CreatedAt, i.Reference
	})
	resp := gin.H{"payments": intents, "count": len(intents), "has_more": more}
	if more {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// RunSweep handles POST /v1/admin/sweep
func (h *Handler) RunSweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sweep_disabled", "message": "Sweeper is not configured"})
		return
	}
	report, err := h.sweeper.RunAll(c.Request.Context())
	resp := gin.H{"report": report}
	if err != nil {
		resp["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
