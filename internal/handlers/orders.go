package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	domain "github.com/joaosutil/pede-ai2/internal/domain"
	"github.com/joaosutil/pede-ai2/internal/platform/auth"
	"github.com/joaosutil/pede-ai2/internal/platform/httpx"
	"github.com/joaosutil/pede-ai2/internal/platform/observability"
	"github.com/joaosutil/pede-ai2/internal/platform/pagination"
	"github.com/joaosutil/pede-ai2/internal/services"
)

const (
	maxOrderCreateBodySize = 32 * 1024
	maxOrderUpdateBodySize = 2 * 1024
	maxOrderPayBodySize    = 2 * 1024

	orderListMaxPageSize = 200
)

// OrderHandlers exposes the order lifecycle over HTTP. Checkout, tracking and the customer
// history are public; dashboards and status changes need an admin or restaurant token.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	stats       services.StatsService
	payments    services.PaymentService
	idempotency func(http.Handler) http.Handler
	lookups     *lookupLimiter
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithOrderStats enables GET /orders/stats.
func WithOrderStats(stats services.StatsService) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.stats = stats
	}
}

// WithOrderPayments enables PUT /orders/{orderID}/pay.
func WithOrderPayments(payments services.PaymentService) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.payments = payments
	}
}

// WithOrderIdempotency wraps order creation with the Idempotency-Key middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// WithOrderLookupLimit throttles the public phone and tracking lookups per client address.
func WithOrderLookupLimit(limit int, window time.Duration) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.lookups = newLookupLimiter(limit, window, time.Now)
	}
}

// NewOrderHandlers constructs the order route registrar.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the order endpoints against the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	public := r
	if h.authn != nil {
		public = public.With(h.authn.OptionalFirebaseAuth())
	}
	create := public
	if h.idempotency != nil {
		create = create.With(h.idempotency)
	}
	create.Post("/", h.createOrder)
	lookup := public
	if h.lookups != nil {
		lookup = lookup.With(h.lookups.Middleware)
	}
	lookup.Get("/customer/{phone}", h.findByCustomerPhone)
	lookup.Get("/{orderID}/track", h.trackOrder)
	public.Put("/{orderID}/pay", h.confirmPayment)

	staff := r
	admin := r
	if h.authn != nil {
		staff = staff.With(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleRestaurant))
		admin = admin.With(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	staff.Get("/", h.listOrders)
	staff.Get("/stats", h.getStats)
	staff.Get("/restaurant/{restaurantID}", h.listRestaurantOrders)
	staff.Get("/{orderID}", h.getOrder)
	staff.Patch("/{orderID}", h.updateStatus)
	admin.Delete("/", h.deleteAllOrders)
	admin.Delete("/{orderID}", h.deleteOrder)
}

type createOrderRequest struct {
	RestaurantID  string             `json:"restaurantId"`
	Customer      customerPayload    `json:"customer"`
	Items         []orderItemRequest `json:"items"`
	PaymentMethod string             `json:"paymentMethod"`
	Total         *decimal.Decimal   `json:"total"`
}

type orderItemRequest struct {
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"price"`
	Note      string          `json:"note"`
}

type updateOrderStatusRequest struct {
	Status string `json:"status"`
}

type confirmPaymentRequest struct {
	PaymentID string `json:"paymentId"`
}

type customerPayload struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	CPF     string `json:"cpf,omitempty"`
	Email   string `json:"email,omitempty"`
}

type orderItemPayload struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"price"`
	Subtotal  string `json:"subtotal"`
	Note      string `json:"note,omitempty"`
}

type timelinePayload struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type orderPayload struct {
	ID            string             `json:"id"`
	Number        string             `json:"number,omitempty"`
	RestaurantID  string             `json:"restaurantId"`
	Customer      customerPayload    `json:"customer"`
	Items         []orderItemPayload `json:"items"`
	Total         string             `json:"total"`
	PaymentMethod string             `json:"paymentMethod"`
	PaymentStatus string             `json:"paymentStatus"`
	PaymentID     string             `json:"paymentId,omitempty"`
	Status        string             `json:"status"`
	Timeline      []timelinePayload  `json:"timeline"`
	CreatedAt     string             `json:"createdAt"`
	UpdatedAt     string             `json:"updatedAt,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type restaurantSummaryPayload struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Phone        string `json:"phone,omitempty"`
	DeliveryTime string `json:"deliveryTime,omitempty"`
}

type trackingPayload struct {
	OrderID       string                   `json:"orderId"`
	Number        string                   `json:"number,omitempty"`
	Status        string                   `json:"status"`
	PaymentMethod string                   `json:"paymentMethod"`
	PaymentStatus string                   `json:"paymentStatus"`
	Items         []orderItemPayload       `json:"items"`
	Total         string                   `json:"total"`
	Timeline      []timelinePayload        `json:"timeline"`
	CreatedAt     string                   `json:"createdAt"`
	Restaurant    restaurantSummaryPayload `json:"restaurant"`
}

type trackingListResponse struct {
	Items []trackingPayload `json:"items"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(w, r, maxOrderCreateBodySize, &req) {
		return
	}

	cmd := services.CreateOrderCommand{
		RestaurantID: strings.TrimSpace(req.RestaurantID),
		Customer: services.Customer{
			Name:    req.Customer.Name,
			Phone:   req.Customer.Phone,
			Address: req.Customer.Address,
			CPF:     req.Customer.CPF,
			Email:   req.Customer.Email,
		},
		Items:         make([]services.OrderItem, 0, len(req.Items)),
		PaymentMethod: services.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		Total:         req.Total,
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.OrderItem{
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Note:      item.Note,
		})
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	observability.AnnotateOrder(ctx, order.ID, order.RestaurantID)
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireStaff(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	page, err := pagination.Parse(query, pagination.Options{MaxPageSize: orderListMaxPageSize})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.OrderListFilter{
		RestaurantID: strings.TrimSpace(query.Get("restaurant")),
		Pagination: domain.Pagination{
			PageSize:  page.PageSize,
			PageToken: page.PageToken,
		},
	}
	statuses, ok := parseStatuses(w, r, pagination.List(query, "status"))
	if !ok {
		return
	}
	filter.Statuses = statuses
	for _, raw := range pagination.List(query, "paymentMethod") {
		method := services.PaymentMethod(raw)
		if !method.Valid() {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown payment method "+raw, http.StatusBadRequest))
			return
		}
		filter.PaymentMethods = append(filter.PaymentMethods, method)
	}
	if raw := strings.ToLower(strings.TrimSpace(query.Get("paymentStatus"))); raw != "" {
		status := services.PaymentStatus(raw)
		filter.PaymentStatus = &status
	}

	result, err := h.orders.ListOrders(ctx, viewer, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         buildOrderPayloads(result.Items),
		NextPageToken: result.NextPageToken,
	})
}

func (h *OrderHandlers) listRestaurantOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireStaff(w, r)
	if !ok {
		return
	}

	restaurantID := strings.TrimSpace(chi.URLParam(r, "restaurantID"))
	if restaurantID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "restaurant id is required", http.StatusBadRequest))
		return
	}
	statuses, ok := parseStatuses(w, r, pagination.List(r.URL.Query(), "status"))
	if !ok {
		return
	}

	orders, err := h.orders.ListForRestaurant(ctx, viewer, restaurantID, services.RestaurantOrderFilter{Statuses: statuses})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{Items: buildOrderPayloads(orders)})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireStaff(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, viewer, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	observability.AnnotateOrder(ctx, order.ID, order.RestaurantID)
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireStaff(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req updateOrderStatusRequest
	if !decodeJSONBody(w, r, maxOrderUpdateBodySize, &req) {
		return
	}
	status, ok := parseOrderStatus(req.Status)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
		return
	}

	order, err := h.orders.UpdateStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID: orderID,
		Status:  status,
		Actor:   viewer,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	observability.AnnotateOrder(ctx, order.ID, order.RestaurantID)
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	if !requireAdmin(w, r) {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	if err := h.orders.DeleteOrder(ctx, orderID); err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrderHandlers) deleteAllOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	if !requireAdmin(w, r) {
		return
	}
	deleted, err := h.orders.DeleteAllOrders(ctx)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	observability.FromContext(ctx).Warn("orders.deleted_all", zap.Int("deleted", deleted))
	writeJSONResponse(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *OrderHandlers) findByCustomerPhone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	phone := strings.TrimSpace(chi.URLParam(r, "phone"))

	results, err := h.orders.FindByCustomerPhone(ctx, phone)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	observability.FromContext(ctx).Debug("orders.customer_lookup",
		zap.String("phone", observability.MaskPhone(phone)),
		zap.Int("results", len(results)),
	)

	payload := trackingListResponse{Items: make([]trackingPayload, 0, len(results))}
	for _, tracking := range results {
		payload.Items = append(payload.Items, buildTrackingPayload(tracking))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *OrderHandlers) trackOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	tracking, err := h.orders.TrackOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	observability.AnnotateOrder(ctx, tracking.OrderID, tracking.Restaurant.ID)
	writeJSONResponse(w, http.StatusOK, buildTrackingPayload(tracking))
}

// confirmPayment is the client-poll confirmation: the order is only marked paid after the
// gateway reports the payment as settled. It never changes the fulfilment status.
func (h *OrderHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req confirmPaymentRequest
	if !decodeJSONBody(w, r, maxOrderPayBodySize, &req) {
		return
	}
	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "paymentId is required", http.StatusBadRequest))
		return
	}
	order, err := h.payments.VerifyAndConfirm(ctx, services.ConfirmPaymentCommand{
		OrderID:   orderID,
		PaymentID: paymentID,
		Source:    "client_poll",
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	observability.AnnotateOrder(ctx, order.ID, order.RestaurantID)
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func requireStaff(w http.ResponseWriter, r *http.Request) (services.Viewer, bool) {
	ctx := r.Context()
	if _, ok := auth.IdentityFromContext(ctx); !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Viewer{}, false
	}
	viewer := viewerFromContext(ctx)
	if !viewer.IsAdmin() && !viewer.IsRestaurant() {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "identity does not have required role", http.StatusForbidden))
		return services.Viewer{}, false
	}
	return viewer, true
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	ctx := r.Context()
	if _, ok := auth.IdentityFromContext(ctx); !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return false
	}
	if !viewerFromContext(ctx).IsAdmin() {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "identity does not have required role", http.StatusForbidden))
		return false
	}
	return true
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

func parseOrderStatus(raw string) (services.OrderStatus, bool) {
	status := services.OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	return status, status.Valid()
}

func parseStatuses(w http.ResponseWriter, r *http.Request, raw []string) ([]services.OrderStatus, bool) {
	statuses := make([]services.OrderStatus, 0, len(raw))
	for _, value := range raw {
		status, ok := parseOrderStatus(value)
		if !ok {
			httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "unknown order status "+value, http.StatusBadRequest))
			return nil, false
		}
		statuses = append(statuses, status)
	}
	return statuses, true
}

func formatMoney(value decimal.Decimal) string {
	return value.StringFixed(2)
}

func buildOrderPayloads(orders []services.Order) []orderPayload {
	payloads := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		payloads = append(payloads, buildOrderPayload(order))
	}
	return payloads
}

func buildOrderPayload(order services.Order) orderPayload {
	return orderPayload{
		ID:           order.ID,
		Number:       order.Number,
		RestaurantID: order.RestaurantID,
		Customer: customerPayload{
			Name:    order.Customer.Name,
			Phone:   order.Customer.Phone,
			Address: order.Customer.Address,
			CPF:     order.Customer.CPF,
			Email:   order.Customer.Email,
		},
		Items:         buildItemPayloads(order.Items),
		Total:         formatMoney(order.Total),
		PaymentMethod: string(order.PaymentMethod),
		PaymentStatus: string(order.PaymentStatus),
		PaymentID:     order.PaymentID,
		Status:        string(order.Status),
		Timeline:      buildTimelinePayloads(order.Timeline),
		CreatedAt:     formatTime(order.CreatedAt),
		UpdatedAt:     formatTime(order.UpdatedAt),
	}
}

func buildTrackingPayload(tracking services.OrderTracking) trackingPayload {
	return trackingPayload{
		OrderID:       tracking.OrderID,
		Number:        tracking.Number,
		Status:        string(tracking.Status),
		PaymentMethod: string(tracking.PaymentMethod),
		PaymentStatus: string(tracking.PaymentStatus),
		Items:         buildItemPayloads(tracking.Items),
		Total:         formatMoney(tracking.Total),
		Timeline:      buildTimelinePayloads(tracking.Timeline),
		CreatedAt:     formatTime(tracking.CreatedAt),
		Restaurant: restaurantSummaryPayload{
			ID:           tracking.Restaurant.ID,
			Name:         tracking.Restaurant.Name,
			Phone:        tracking.Restaurant.Phone,
			DeliveryTime: tracking.Restaurant.DeliveryTime,
		},
	}
}

func buildItemPayloads(items []services.OrderItem) []orderItemPayload {
	payloads := make([]orderItemPayload, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, orderItemPayload{
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: formatMoney(item.UnitPrice),
			Subtotal:  formatMoney(item.Subtotal()),
			Note:      item.Note,
		})
	}
	return payloads
}

func buildTimelinePayloads(entries []services.TimelineEntry) []timelinePayload {
	payloads := make([]timelinePayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, timelinePayload{
			Status:    entry.Status,
			Timestamp: formatTime(entry.Timestamp),
		})
	}
	return payloads
}
