package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/joaosutil/pede-ai2/internal/platform/auth"
	"github.com/joaosutil/pede-ai2/internal/platform/httpx"
	"github.com/joaosutil/pede-ai2/internal/platform/observability"
	"github.com/joaosutil/pede-ai2/internal/services"
)

const (
	maxWebhookBodySize = 8 * 1024

	webhookPaymentSource = "webhook"
)

// WebhookHandlers receives signed payment notifications. Signature verification is applied by
// the router on the whole /webhooks group.
type WebhookHandlers struct {
	orders services.OrderService
}

// NewWebhookHandlers constructs the webhook route registrar.
func NewWebhookHandlers(orders services.OrderService) *WebhookHandlers {
	return &WebhookHandlers{orders: orders}
}

// Routes registers webhook endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/confirm", h.confirmPayment)
}

type paymentWebhookRequest struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Status    string `json:"status,omitempty"`
}

type paymentWebhookResponse struct {
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
}

func (h *WebhookHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req paymentWebhookRequest
	if !decodeJSONBody(w, r, maxWebhookBodySize, &req) {
		return
	}
	orderID := strings.TrimSpace(req.OrderID)
	paymentID := strings.TrimSpace(req.PaymentID)
	if orderID == "" || paymentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId and paymentId are required", http.StatusBadRequest))
		return
	}

	cmd := services.ConfirmPaymentCommand{
		OrderID:   orderID,
		PaymentID: paymentID,
		Source:    webhookPaymentSource,
	}
	if strings.TrimSpace(req.Status) != "" {
		status, ok := parseOrderStatus(req.Status)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
			return
		}
		cmd.Status = &status
	}

	order, err := h.orders.ConfirmPayment(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	fields := []zap.Field{zap.String("order_id", order.ID), zap.String("payment_status", string(order.PaymentStatus))}
	if meta, ok := auth.WebhookMetadataFromContext(ctx); ok {
		fields = append(fields, zap.String("webhook_secret", meta.SecretName))
	}
	observability.FromContext(ctx).Info("payment webhook applied", fields...)
	observability.AnnotateOrder(ctx, order.ID, order.RestaurantID)

	writeJSONResponse(w, http.StatusOK, paymentWebhookResponse{
		OrderID:       order.ID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
	})
}
