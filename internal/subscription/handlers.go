package subscription

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/petnest/paycore/internal/auth"
	"github.com/petnest/paycore/internal/logging"
)

// Handler provides subscription HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a subscription handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up subscription routes. r must require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/subscriptions/active", h.GetActive)
	r.GET("/subscriptions/history", h.GetHistory)
}

// RegisterAdminRoutes sets up operator routes. r must require admin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/subscription", h.GetUserActive)
}

// GetActive handles GET /v1/subscriptions/active
func (h *Handler) GetActive(c *gin.Context) {
	h.writeActive(c, auth.UserID(c))
}

// GetUserActive handles GET /v1/admin/users/:userId/subscription
func (h *Handler) GetUserActive(c *gin.Context) {
	h.writeActive(c, c.Param("userId"))
}

func (h *Handler) writeActive(c *gin.Context, userID string) {
	sub, err := h.service.GetActiveSubscription(c.Request.Context(), userID)
	if err != nil {
		logging.L(c.Request.Context()).Error("active subscription lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": sub != nil, "subscription": sub})
}

// GetHistory handles GET /v1/subscriptions/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	subs, err := h.service.History(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load history"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}
