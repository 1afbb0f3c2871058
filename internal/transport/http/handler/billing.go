package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"alphachat/internal/app"
	"alphachat/internal/transport/http/response"
)

const maxWebhookBodyBytes = int64(65536)

type BillingHandler struct {
	billingService *app.BillingService
	logger         *slog.Logger
}

func NewBillingHandler(billingService *app.BillingService, logger *slog.Logger) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{billingService: billingService, logger: logger}
}

func (h *BillingHandler) Checkout(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	result, err := h.billingService.CreateCheckout(c.Request.Context(), userID)
	if err != nil {
		h.logger.Warn("create checkout failed", slog.Uint64("user_id", uint64(userID)), slog.Any("error", err))
		writeError(c, err, "failed to create checkout session")
		return
	}

	response.OK(c, result)
}

func (h *BillingHandler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid payload")
		return
	}

	if err := h.billingService.HandleWebhook(c.Request.Context(), body, c.GetHeader("Stripe-Signature")); err != nil {
		h.logger.Warn("stripe webhook rejected", slog.Any("error", err))
		writeError(c, err, "webhook processing failed")
		return
	}

	response.OK(c, gin.H{"status": "ok"})
}
