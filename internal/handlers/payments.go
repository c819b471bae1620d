package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/joaosutil/pede-ai2/internal/payments"
	"github.com/joaosutil/pede-ai2/internal/platform/auth"
	"github.com/joaosutil/pede-ai2/internal/platform/httpx"
	"github.com/joaosutil/pede-ai2/internal/platform/idempotency"
	"github.com/joaosutil/pede-ai2/internal/platform/observability"
	"github.com/joaosutil/pede-ai2/internal/services"
)

const maxChargeBodySize = 4 * 1024

// PaymentHandlers creates gateway charges for online orders. The routes are public because
// checkout supports guests; the order id is the capability.
type PaymentHandlers struct {
	authn       *auth.Authenticator
	payments    services.PaymentService
	idempotency func(http.Handler) http.Handler
}

// PaymentHandlerOption customises PaymentHandlers.
type PaymentHandlerOption func(*PaymentHandlers)

// WithPaymentIdempotency wraps charge creation with the Idempotency-Key middleware.
func WithPaymentIdempotency(mw func(http.Handler) http.Handler) PaymentHandlerOption {
	return func(h *PaymentHandlers) {
		h.idempotency = mw
	}
}

// NewPaymentHandlers constructs the payment route registrar.
func NewPaymentHandlers(authn *auth.Authenticator, svc services.PaymentService, opts ...PaymentHandlerOption) *PaymentHandlers {
	h := &PaymentHandlers{authn: authn, payments: svc}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers payment endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.OptionalFirebaseAuth())
	}
	charges := group
	if h.idempotency != nil {
		charges = charges.With(h.idempotency)
	}
	charges.Post("/pix", h.createPixCharge)
	charges.Post("/card", h.createCardCharge)
	group.Get("/status/{paymentID}", h.getStatus)
}

type createChargeRequest struct {
	OrderID            string `json:"orderId"`
	PaymentMethodToken string `json:"paymentMethodToken,omitempty"`
}

type pixPayload struct {
	QRCode    string `json:"qrCode"`
	ImageURL  string `json:"imageUrl,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

type chargePayload struct {
	Provider     string      `json:"provider"`
	PaymentID    string      `json:"paymentId"`
	Status       string      `json:"status"`
	Amount       string      `json:"amount"`
	Currency     string      `json:"currency"`
	ClientSecret string      `json:"clientSecret,omitempty"`
	Pix          *pixPayload `json:"pix,omitempty"`
}

type chargeResponse struct {
	Order  orderPayload  `json:"order"`
	Charge chargePayload `json:"charge"`
}

type chargeStatusResponse struct {
	Provider  string `json:"provider"`
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency,omitempty"`
}

func (h *PaymentHandlers) createPixCharge(w http.ResponseWriter, r *http.Request) {
	cmd, ok := h.chargeCommand(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	result, err := h.payments.CreatePixCharge(ctx, cmd)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	observability.AnnotateOrder(ctx, result.Order.ID, result.Order.RestaurantID)
	writeJSONResponse(w, http.StatusCreated, buildChargeResponse(result))
}

func (h *PaymentHandlers) createCardCharge(w http.ResponseWriter, r *http.Request) {
	cmd, ok := h.chargeCommand(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if cmd.PaymentMethodToken == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "paymentMethodToken is required", http.StatusBadRequest))
		return
	}
	result, err := h.payments.CreateCardCharge(ctx, cmd)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	observability.AnnotateOrder(ctx, result.Order.ID, result.Order.RestaurantID)
	writeJSONResponse(w, http.StatusCreated, buildChargeResponse(result))
}

func (h *PaymentHandlers) chargeCommand(w http.ResponseWriter, r *http.Request) (services.CreateChargeCommand, bool) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return services.CreateChargeCommand{}, false
	}
	var req createChargeRequest
	if !decodeJSONBody(w, r, maxChargeBodySize, &req) {
		return services.CreateChargeCommand{}, false
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId is required", http.StatusBadRequest))
		return services.CreateChargeCommand{}, false
	}
	cmd := services.CreateChargeCommand{
		OrderID:            orderID,
		PaymentMethodToken: strings.TrimSpace(req.PaymentMethodToken),
	}
	if key, ok := idempotency.KeyFromContext(ctx); ok {
		cmd.IdempotencyKey = key
	}
	return cmd, true
}

func (h *PaymentHandlers) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	paymentID := strings.TrimSpace(chi.URLParam(r, "paymentID"))
	if paymentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment id is required", http.StatusBadRequest))
		return
	}
	status, err := h.payments.GetChargeStatus(ctx, paymentID)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, chargeStatusResponse{
		Provider:  status.Provider,
		PaymentID: status.ExternalID,
		Status:    string(status.Status),
		Amount:    formatMoney(status.Amount),
		Currency:  status.Currency,
	})
}

func buildChargeResponse(result services.ChargeResult) chargeResponse {
	return chargeResponse{
		Order:  buildOrderPayload(result.Order),
		Charge: buildChargePayload(result.Charge),
	}
}

func buildChargePayload(charge payments.Charge) chargePayload {
	payload := chargePayload{
		Provider:     charge.Provider,
		PaymentID:    charge.ExternalID,
		Status:       string(charge.Status),
		Amount:       formatMoney(charge.Amount),
		Currency:     charge.Currency,
		ClientSecret: charge.ClientSecret,
	}
	if charge.Pix != nil {
		payload.Pix = &pixPayload{
			QRCode:    charge.Pix.QRCode,
			ImageURL:  charge.Pix.ImageURL,
			ExpiresAt: formatTime(charge.Pix.ExpiresAt),
		}
	}
	return payload
}
