package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/joaosutil/pede-ai2/internal/platform/auth"
	"github.com/joaosutil/pede-ai2/internal/platform/httpx"
	"github.com/joaosutil/pede-ai2/internal/services"
)

const defaultMaxBodySize = 16 * 1024

// decodeJSONBody reads at most limit bytes into dst. It writes the error response and returns
// false when the body is missing, oversized or malformed.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	ctx := r.Context()
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	var body []byte
	var err error
	if r.Body != nil {
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return false
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body could not be read", http.StatusBadRequest))
		return false
	case len(bytes.TrimSpace(body)) == 0:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// viewerFromContext maps the authenticated Firebase identity onto the service-level viewer.
// Anonymous callers yield the zero viewer.
func viewerFromContext(ctx context.Context) services.Viewer {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return services.Viewer{}
	}
	viewer := services.Viewer{UID: strings.TrimSpace(identity.UID)}
	switch identity.PrimaryRole() {
	case auth.RoleAdmin:
		viewer.Role = services.ViewerAdmin
	case auth.RoleRestaurant:
		viewer.Role = services.ViewerRestaurant
		viewer.RestaurantID = strings.TrimSpace(identity.RestaurantID)
	case auth.RoleCustomer:
		viewer.Role = services.ViewerCustomer
	}
	return viewer
}

// errorMapping turns a service sentinel into an API error. Mappings with a fixed message hide the
// underlying error text from the caller.
type errorMapping struct {
	target  error
	code    string
	status  int
	message string
}

var orderErrors = []errorMapping{
	{services.ErrOrderInvalidTransition, "invalid_transition", http.StatusBadRequest, ""},
	{services.ErrOrderInvalidInput, "invalid_request", http.StatusBadRequest, ""},
	{services.ErrOrderNotFound, "order_not_found", http.StatusNotFound, "order not found"},
	{services.ErrOrderForbidden, "forbidden", http.StatusForbidden, ""},
	{services.ErrOrderConflict, "order_conflict", http.StatusConflict, ""},
	{services.ErrOrderInvalidState, "order_invalid_state", http.StatusConflict, ""},
	{services.ErrPaymentGateway, "payment_gateway_error", http.StatusBadGateway, "payment gateway request failed"},
}

var paymentErrors = append([]errorMapping{
	{services.ErrPaymentInvalidInput, "invalid_request", http.StatusBadRequest, ""},
	{services.ErrPaymentNotApproved, "payment_not_approved", http.StatusPaymentRequired, ""},
	{services.ErrPaymentNotSettled, "payment_not_settled", http.StatusConflict, ""},
}, orderErrors...)

func writeMappedError(ctx context.Context, w http.ResponseWriter, err error, table []errorMapping) {
	if err == nil {
		return
	}
	for _, m := range table {
		if !errors.Is(err, m.target) {
			continue
		}
		message := m.message
		if message == "" {
			message = err.Error()
		}
		httpx.WriteError(ctx, w, httpx.NewError(m.code, message, m.status))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	writeMappedError(ctx, w, err, orderErrors)
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	writeMappedError(ctx, w, err, paymentErrors)
}
