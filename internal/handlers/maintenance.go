package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/joaosutil/pede-ai2/internal/platform/auth"
	"github.com/joaosutil/pede-ai2/internal/platform/httpx"
	"github.com/joaosutil/pede-ai2/internal/platform/observability"
	"github.com/joaosutil/pede-ai2/internal/services"
)

// MaintenanceHandlers exposes orphan order cleanup to admins and to Cloud Scheduler.
type MaintenanceHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewMaintenanceHandlers constructs the maintenance route registrar.
func NewMaintenanceHandlers(authn *auth.Authenticator, orders services.OrderService) *MaintenanceHandlers {
	return &MaintenanceHandlers{authn: authn, orders: orders}
}

// AdminRoutes registers routes under /admin, guarded by the admin role.
func (h *MaintenanceHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	group.Post("/orders:cleanup-orphans", h.adminCleanupOrphans)
}

// InternalRoutes registers routes under /internal. The router applies OIDC verification to the
// group.
func (h *MaintenanceHandlers) InternalRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/maintenance/orphan-orders", h.cleanupOrphans)
}

type cleanupResponse struct {
	Deleted int `json:"deleted"`
}

func (h *MaintenanceHandlers) adminCleanupOrphans(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	h.cleanupOrphans(w, r)
}

func (h *MaintenanceHandlers) cleanupOrphans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	deleted, err := h.orders.CleanupOrphans(ctx)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	fields := []zap.Field{zap.Int("deleted", deleted)}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok {
		fields = append(fields, zap.String("service_account", svc.Email))
	}
	observability.FromContext(ctx).Info("orphan orders cleaned up", fields...)
	writeJSONResponse(w, http.StatusOK, cleanupResponse{Deleted: deleted})
}
