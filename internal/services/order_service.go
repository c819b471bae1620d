package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/joaosutil/pede-ai2/internal/domain"
	"github.com/joaosutil/pede-ai2/internal/payments"
	"github.com/joaosutil/pede-ai2/internal/platform/textutil"
	"github.com/joaosutil/pede-ai2/internal/repositories"
)

const (
	orderEventCreated          = "order.created"
	orderEventStatusChanged    = "order.status.changed"
	orderEventPaymentConfirmed = "order.payment.confirmed"
	orderEventRefundIssued     = "order.refund.issued"
	orderEventRefundFailed     = "order.refund.failed"
	orderEventDeleted          = "order.deleted"

	orderIDPrefix     = "ord_"
	orderNumberPrefix = "PA"

	defaultMaxListSize    = 500
	defaultMinPhoneDigits = 8
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order or its restaurant could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates the requested status is not reachable from the current one.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderInvalidState indicates the order cannot accept the operation in its current state.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderConflict indicates a duplicate or a conflicting concurrent write.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderForbidden indicates the viewer may not act on the requested scope.
	ErrOrderForbidden = errors.New("order: forbidden")
)

// Forward moves along the happy path may skip steps. Cancelled is reachable from every
// non-terminal status. Delivered and Cancelled have no outgoing edges.
var orderStateTransitions = map[OrderStatus][]OrderStatus{
	domain.OrderStatusNew:       {domain.OrderStatusPreparing, domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusPreparing: {domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:   {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	OrderNumber    string         `json:"orderNumber,omitempty"`
	RestaurantID   string         `json:"restaurantId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	PaymentStatus  string         `json:"paymentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Restaurants repositories.RestaurantRepository
	Counters    repositories.CounterRepository
	Gateway     PaymentGateway
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
	// MaxListSize caps restaurant and phone listings. Defaults to 500.
	MaxListSize int
	// MinPhoneDigits is the shortest accepted phone search fragment. Defaults to 8.
	MinPhoneDigits int
}

type orderService struct {
	orders         repositories.OrderRepository
	restaurants    repositories.RestaurantRepository
	counters       repositories.CounterRepository
	gateway        PaymentGateway
	unitOfWork     repositories.UnitOfWork
	clock          func() time.Time
	newID          func() string
	events         OrderEventPublisher
	logger         func(context.Context, string, map[string]any)
	maxListSize    int
	minPhoneDigits int
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Restaurants == nil {
		return nil, errors.New("order service: restaurant repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	maxList := deps.MaxListSize
	if maxList <= 0 {
		maxList = defaultMaxListSize
	}
	minDigits := deps.MinPhoneDigits
	if minDigits <= 0 {
		minDigits = defaultMinPhoneDigits
	}

	return &orderService{
		orders:      deps.Orders,
		restaurants: deps.Restaurants,
		counters:    deps.Counters,
		gateway:     deps.Gateway,
		unitOfWork:  unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:          idGen,
		events:         deps.Events,
		logger:         logger,
		maxListSize:    maxList,
		minPhoneDigits: minDigits,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	input, err := normalizeCreateOrder(cmd)
	if err != nil {
		return Order{}, err
	}

	restaurant, err := s.restaurants.FindByID(ctx, input.RestaurantID)
	if err != nil {
		if isRepoNotFound(err) {
			return Order{}, fmt.Errorf("%w: restaurant %s", ErrOrderNotFound, input.RestaurantID)
		}
		return Order{}, s.mapRepositoryError(err)
	}

	total := restaurant.DeliveryFee
	for _, item := range input.Items {
		total = total.Add(item.Subtotal())
	}
	total = total.Round(2)
	if input.Total != nil && !input.Total.Round(2).Equal(total) {
		return Order{}, fmt.Errorf("%w: total %s does not match computed total %s", ErrOrderInvalidInput, input.Total.StringFixed(2), total.StringFixed(2))
	}

	now := s.now()
	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}

	order := Order{
		ID:            s.nextOrderID(),
		Number:        number,
		RestaurantID:  restaurant.ID,
		Customer:      input.Customer,
		Items:         input.Items,
		Total:         total,
		PaymentMethod: input.PaymentMethod,
		PaymentStatus: domain.PaymentStatusPending,
		Status:        domain.OrderStatusNew,
		Timeline:      []TimelineEntry{{Status: string(domain.OrderStatusNew), Timestamp: now}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		return s.mapRepositoryError(s.orders.Insert(txCtx, order))
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.Number,
		RestaurantID:  order.RestaurantID,
		CurrentStatus: string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		OccurredAt:    now,
		Metadata: map[string]any{
			"paymentMethod": string(order.PaymentMethod),
			"total":         order.Total.StringFixed(2),
		},
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, viewer Viewer, orderID string) (Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := authorizeOrderAccess(viewer, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) TrackOrder(ctx context.Context, orderID string) (OrderTracking, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return OrderTracking{}, err
	}
	summaries := map[string]RestaurantSummary{}
	return s.trackingFor(ctx, order, summaries), nil
}

func (s *orderService) ListOrders(ctx context.Context, viewer Viewer, filter OrderListFilter) (domain.CursorPage[Order], error) {
	switch {
	case viewer.IsAdmin():
		if id := strings.TrimSpace(filter.RestaurantID); id != "" {
			orders, err := s.ListForRestaurant(ctx, viewer, id, RestaurantOrderFilter{Statuses: filter.Statuses, Limit: filter.Pagination.PageSize})
			if err != nil {
				return domain.CursorPage[Order]{}, err
			}
			return domain.CursorPage[Order]{Items: orders}, nil
		}
		page, err := s.orders.List(ctx, filter)
		if err != nil {
			return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
		}
		return page, nil
	case viewer.IsRestaurant():
		orders, err := s.ListForRestaurant(ctx, viewer, viewer.RestaurantID, RestaurantOrderFilter{Statuses: filter.Statuses, Limit: filter.Pagination.PageSize})
		if err != nil {
			return domain.CursorPage[Order]{}, err
		}
		return domain.CursorPage[Order]{Items: orders}, nil
	default:
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: listing orders requires admin or restaurant role", ErrOrderForbidden)
	}
}

func (s *orderService) ListForRestaurant(ctx context.Context, viewer Viewer, restaurantID string, filter RestaurantOrderFilter) ([]Order, error) {
	id := strings.TrimSpace(restaurantID)
	if id == "" {
		return nil, fmt.Errorf("%w: restaurant id is required", ErrOrderInvalidInput)
	}
	if err := authorizeRestaurantScope(viewer, id); err != nil {
		return nil, err
	}
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}
	if filter.Limit <= 0 || filter.Limit > s.maxListSize {
		filter.Limit = s.maxListSize
	}

	orders, err := s.orders.ListByRestaurant(ctx, id, filter)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return FilterVisible(orders), nil
}

func (s *orderService) FindByCustomerPhone(ctx context.Context, phone string) ([]OrderTracking, error) {
	digits := textutil.PhoneDigits(phone)
	if len(digits) < s.minPhoneDigits {
		return nil, fmt.Errorf("%w: phone search needs at least %d digits", ErrOrderInvalidInput, s.minPhoneDigits)
	}
	orders, err := s.orders.FindByCustomerPhone(ctx, digits, s.maxListSize)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	summaries := map[string]RestaurantSummary{}
	result := make([]OrderTracking, 0, len(orders))
	for _, order := range orders {
		result = append(result, s.trackingFor(ctx, order, summaries))
	}
	return result, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	target := OrderStatus(strings.TrimSpace(string(cmd.Status)))
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}
	if !cmd.Actor.IsAdmin() && !cmd.Actor.IsRestaurant() {
		return Order{}, fmt.Errorf("%w: status updates require admin or restaurant role", ErrOrderForbidden)
	}

	now := s.now()
	var (
		order   Order
		current OrderStatus
		changed bool
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		changed = false
		loaded, err := s.loadOrder(txCtx, cmd.OrderID)
		if err != nil {
			return err
		}
		if err := authorizeOrderAccess(cmd.Actor, loaded); err != nil {
			return err
		}
		order, current = loaded, loaded.Status
		if current == target {
			return nil
		}
		if !canTransition(current, target) {
			return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, current, target)
		}
		order.Status = target
		appendStatus(&order, string(target), now)
		order.UpdatedAt = now
		changed = true
		return s.mapRepositoryError(s.orders.Update(txCtx, order))
	})
	if err != nil {
		return Order{}, err
	}
	if !changed {
		return order, nil
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.Number,
		RestaurantID:   order.RestaurantID,
		PreviousStatus: string(current),
		CurrentStatus:  string(order.Status),
		PaymentStatus:  string(order.PaymentStatus),
		ActorID:        cmd.Actor.UID,
		OccurredAt:     now,
	})
	if target == domain.OrderStatusCancelled {
		order = s.refundOnCancel(ctx, order, now)
	}
	return order, nil
}

// refundOnCancel is the guarded side effect of a committed Cancelled transition. Only the call
// that moved the order into Cancelled gets here, so each paid order sees at most one refund
// attempt. The outcome never fails the cancellation.
func (s *orderService) refundOnCancel(ctx context.Context, order Order, now time.Time) Order {
	if order.PaymentStatus != domain.PaymentStatusPaid {
		return order
	}
	fields := map[string]any{
		"orderId":       order.ID,
		"paymentMethod": string(order.PaymentMethod),
	}
	if order.PaymentMethod != domain.PaymentMethodPix {
		fields["reason"] = "unsupported_method"
		s.logger(ctx, "order.refund.skipped", fields)
		return order
	}
	paymentID := strings.TrimSpace(order.PaymentID)
	if paymentID == "" {
		fields["reason"] = "missing_payment_id"
		s.logger(ctx, "order.refund.skipped", fields)
		return order
	}
	fields["paymentId"] = paymentID

	event := OrderEvent{
		Type:          orderEventRefundFailed,
		OrderID:       order.ID,
		OrderNumber:   order.Number,
		RestaurantID:  order.RestaurantID,
		CurrentStatus: string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		OccurredAt:    now,
		Metadata:      map[string]any{"paymentId": paymentID},
	}

	if s.gateway == nil {
		fields["error"] = "payment gateway not configured"
		s.logger(ctx, "order.refund.failed", fields)
		s.publishEvent(ctx, event)
		return order
	}

	result, err := s.gateway.Refund(ctx, payments.RefundRequest{
		ExternalID: paymentID,
		Reason:     "requested_by_customer",
		Metadata:   map[string]string{"order_id": order.ID},
	})
	if err != nil {
		fields["error"] = err.Error()
		s.logger(ctx, "order.refund.failed", fields)
		s.publishEvent(ctx, event)
		return order
	}
	fields["refundId"] = result.RefundID
	event.Type = orderEventRefundIssued
	event.PaymentStatus = string(domain.PaymentStatusRefunded)
	event.Metadata["refundId"] = result.RefundID

	var recorded Order
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		latest, err := s.loadOrder(txCtx, order.ID)
		if err != nil {
			return err
		}
		recorded = latest
		if latest.PaymentStatus != domain.PaymentStatusPaid {
			return nil
		}
		recorded.PaymentStatus = domain.PaymentStatusRefunded
		recorded.Timeline = append(recorded.Timeline, TimelineEntry{Status: domain.TimelineRefundIssued, Timestamp: now})
		recorded.UpdatedAt = now
		return s.mapRepositoryError(s.orders.Update(txCtx, recorded))
	})
	if err != nil {
		// refunded at the gateway while storage still reads cancelled and paid
		fields["error"] = err.Error()
		s.logger(ctx, "order.refund.unrecorded", fields)
		event.Metadata["recorded"] = false
		s.publishEvent(ctx, event)
		return order
	}

	s.logger(ctx, "order.refund.issued", fields)
	s.publishEvent(ctx, event)
	return recorded
}

// ConfirmPayment marks an online order paid. A supplied status may only move the order forward
// to a non-terminal status; cancellation and delivery go through UpdateStatus.
func (s *orderService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error) {
	paymentID := strings.TrimSpace(cmd.PaymentID)
	if paymentID == "" {
		return Order{}, fmt.Errorf("%w: payment id is required", ErrOrderInvalidInput)
	}
	target := domain.OrderStatusNew
	if cmd.Status != nil {
		target = OrderStatus(strings.TrimSpace(string(*cmd.Status)))
		if !target.Valid() {
			return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, *cmd.Status)
		}
		if target.IsTerminal() {
			return Order{}, fmt.Errorf("%w: payment confirmation cannot move an order to %s", ErrOrderInvalidInput, target)
		}
	}

	now := s.now()
	var (
		order   Order
		current OrderStatus
		applied bool
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		applied = false
		loaded, err := s.loadOrder(txCtx, cmd.OrderID)
		if err != nil {
			return err
		}
		order, current = loaded, loaded.Status
		fields := map[string]any{
			"orderId":   order.ID,
			"paymentId": paymentID,
			"source":    cmd.Source,
		}

		if !order.PaymentMethod.IsOnline() {
			return fmt.Errorf("%w: %s orders are settled on delivery", ErrOrderInvalidInput, order.PaymentMethod)
		}
		if order.PaymentStatus == domain.PaymentStatusRefunded {
			fields["reason"] = "already_refunded"
			s.logger(ctx, "order.payment.confirm.ignored", fields)
			return nil
		}

		next := target
		switch {
		case current.IsTerminal():
			next = current
			fields["status"] = string(current)
			s.logger(ctx, "order.payment.confirm.terminal", fields)
		case !canTransition(current, target):
			if order.PaymentStatus == domain.PaymentStatusPaid && order.PaymentID == paymentID {
				fields["reason"] = "duplicate"
				s.logger(ctx, "order.payment.confirm.ignored", fields)
				return nil
			}
			return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, current, target)
		}

		order.PaymentStatus = domain.PaymentStatusPaid
		order.PaymentID = paymentID
		order.Timeline = append(order.Timeline, TimelineEntry{Status: domain.TimelinePaymentConfirmed, Timestamp: now})
		if next != current {
			order.Status = next
			appendStatus(&order, string(next), now)
		}
		order.UpdatedAt = now
		applied = true
		return s.mapRepositoryError(s.orders.Update(txCtx, order))
	})
	if err != nil {
		return Order{}, err
	}
	if !applied {
		return order, nil
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventPaymentConfirmed,
		OrderID:        order.ID,
		OrderNumber:    order.Number,
		RestaurantID:   order.RestaurantID,
		PreviousStatus: string(current),
		CurrentStatus:  string(order.Status),
		PaymentStatus:  string(order.PaymentStatus),
		OccurredAt:     now,
		Metadata:       map[string]any{"paymentId": paymentID, "source": cmd.Source},
	})
	return order, nil
}

func (s *orderService) DeleteOrder(ctx context.Context, orderID string) error {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if err := s.orders.Delete(ctx, id); err != nil {
		return s.mapRepositoryError(err)
	}
	s.publishEvent(ctx, OrderEvent{Type: orderEventDeleted, OrderID: id, OccurredAt: s.now()})
	return nil
}

func (s *orderService) DeleteAllOrders(ctx context.Context) (int, error) {
	deleted, err := s.orders.DeleteAll(ctx)
	if err != nil {
		return deleted, s.mapRepositoryError(err)
	}
	s.logger(ctx, "order.purge.completed", map[string]any{"deleted": deleted})
	return deleted, nil
}

func (s *orderService) CleanupOrphans(ctx context.Context) (int, error) {
	ids, err := s.restaurants.ListIDs(ctx)
	if err != nil {
		return 0, s.mapRepositoryError(err)
	}
	deleted, err := s.orders.DeleteWhereRestaurantNotIn(ctx, ids)
	if err != nil {
		return deleted, s.mapRepositoryError(err)
	}
	s.logger(ctx, "order.cleanup.orphans", map[string]any{
		"deleted":     deleted,
		"restaurants": len(ids),
	})
	return deleted, nil
}

func (s *orderService) loadOrder(ctx context.Context, orderID string) (Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) trackingFor(ctx context.Context, order Order, cache map[string]RestaurantSummary) OrderTracking {
	summary, ok := cache[order.RestaurantID]
	if !ok {
		summary = RestaurantSummary{ID: order.RestaurantID}
		restaurant, err := s.restaurants.FindByID(ctx, order.RestaurantID)
		switch {
		case err == nil:
			summary.Name = restaurant.Name
			summary.Phone = restaurant.Phone
			summary.DeliveryTime = restaurant.DeliveryTime
		case !isRepoNotFound(err):
			s.logger(ctx, "order.track.restaurant_lookup_failed", map[string]any{
				"orderId":      order.ID,
				"restaurantId": order.RestaurantID,
				"error":        err.Error(),
			})
		}
		cache[order.RestaurantID] = summary
	}
	return OrderTracking{
		OrderID:       order.ID,
		Number:        order.Number,
		Status:        order.Status,
		PaymentMethod: order.PaymentMethod,
		PaymentStatus: order.PaymentStatus,
		Items:         slices.Clone(order.Items),
		Total:         order.Total,
		Timeline:      slices.Clone(order.Timeline),
		CreatedAt:     order.CreatedAt,
		Restaurant:    summary,
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, fmt.Sprintf("orders-%04d", now.Year()))
	if err != nil {
		return "", fmt.Errorf("order: allocate number: %w", err)
	}
	return fmt.Sprintf("%s-%04d-%06d", orderNumberPrefix, now.Year(), seq), nil
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// appendStatus records a status entry unless the latest entry already carries it.
func appendStatus(order *Order, status string, now time.Time) {
	if order.LastTimelineStatus() == status {
		return
	}
	order.Timeline = append(order.Timeline, TimelineEntry{Status: status, Timestamp: now})
}

func canTransition(current, target OrderStatus) bool {
	if current == target {
		return true
	}
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
