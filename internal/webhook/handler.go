package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/petnest/paycore/internal/provider"
	"github.com/petnest/paycore/internal/provider/wallet"
)

// MaxBodyBytes caps a webhook body.
const MaxBodyBytes = 1 << 20

// Handler serves the provider webhook endpoint.
type Handler struct {
	ingestor *Ingestor
	deadline time.Duration
}

// NewHandler creates a webhook handler. deadline bounds the whole ingest,
// including the synchronous reconciliation.
func NewHandler(ingestor *Ingestor, deadline time.Duration) *Handler {
	if deadline <= 0 {
		deadline = 25 * time.Second
	}
	return &Handler{ingestor: ingestor, deadline: deadline}
}

// RegisterRoutes sets up the webhook route. It must not sit behind auth.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/payments/:provider/webhook", h.Receive)
}

// Receive handles POST /payments/:provider/webhook
func (h *Handler) Receive(c *gin.Context) {
	name := provider.Name(c.Param("provider"))

	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "payload_too_large",
				"message": "Webhook body exceeds 1 MiB",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read webhook body",
		})
		return
	}

	headers := c.Request.Header.Clone()
	// Push URLs configured with ?token= carry the wallet shared token there.
	if token := c.Query("token"); token != "" && headers.Get(wallet.TokenHeader) == "" {
		headers.Set(wallet.TokenHeader, token)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.deadline)
	defer cancel()

	receipt, err := h.ingestor.Ingest(ctx, name, raw, headers)
	switch {
	case errors.Is(err, ErrUnknownProvider):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_provider",
			"message": "No such payment provider",
		})
	case errors.Is(err, ErrSignatureInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
	case errors.Is(err, ErrMalformed):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_payload",
			"message": err.Error(),
		})
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "processing_failed",
			"message": "Webhook could not be processed, retry later",
		})
	default:
		resp := gin.H{"status": receipt.Status}
		if receipt.Outcome != nil {
			resp["result"] = receipt.Outcome.Result
		}
		c.JSON(http.StatusOK, resp)
	}
}
