package services

import (
	"context"
	"errors"
	"sync"

	domain "github.com/joaosutil/pede-ai2/internal/domain"
	"github.com/joaosutil/pede-ai2/internal/payments"
	"github.com/joaosutil/pede-ai2/internal/repositories"
)

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return "stub repository error" }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

var errStubNotFound = stubRepoError{notFound: true}

type stubOrderRepo struct {
	insertFn           func(context.Context, domain.Order) error
	findFn             func(context.Context, string) (domain.Order, error)
	updateFn           func(context.Context, domain.Order) error
	listFn             func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
	listByRestaurantFn func(context.Context, string, repositories.RestaurantOrderFilter) ([]domain.Order, error)
	phoneFn            func(context.Context, string, int) ([]domain.Order, error)
	deleteFn           func(context.Context, string) error
	deleteAllFn        func(context.Context) (int, error)
	orphanFn           func(context.Context, map[string]struct{}) (int, error)
	aggregateFn        func(context.Context, domain.StatsScope, func(domain.Order) error) error
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, errStubNotFound
}

func (s *stubOrderRepo) Update(ctx context.Context, order domain.Order) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderRepo) ListByRestaurant(ctx context.Context, restaurantID string, filter repositories.RestaurantOrderFilter) ([]domain.Order, error) {
	if s.listByRestaurantFn != nil {
		return s.listByRestaurantFn(ctx, restaurantID, filter)
	}
	return nil, nil
}

func (s *stubOrderRepo) FindByCustomerPhone(ctx context.Context, digits string, limit int) ([]domain.Order, error) {
	if s.phoneFn != nil {
		return s.phoneFn(ctx, digits, limit)
	}
	return nil, nil
}

func (s *stubOrderRepo) Delete(ctx context.Context, orderID string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, orderID)
	}
	return nil
}

func (s *stubOrderRepo) DeleteAll(ctx context.Context) (int, error) {
	if s.deleteAllFn != nil {
		return s.deleteAllFn(ctx)
	}
	return 0, nil
}

func (s *stubOrderRepo) DeleteWhereRestaurantNotIn(ctx context.Context, ids map[string]struct{}) (int, error) {
	if s.orphanFn != nil {
		return s.orphanFn(ctx, ids)
	}
	return 0, nil
}

func (s *stubOrderRepo) AggregateDelivered(ctx context.Context, scope domain.StatsScope, visit func(domain.Order) error) error {
	if s.aggregateFn != nil {
		return s.aggregateFn(ctx, scope, visit)
	}
	return nil
}

// memoryOrders wires a stubOrderRepo to an in-memory map and counts writes.
type memoryOrders struct {
	mu      sync.Mutex
	orders  map[string]domain.Order
	updates int
}

func newMemoryOrders(seed ...domain.Order) (*memoryOrders, *stubOrderRepo) {
	mem := &memoryOrders{orders: map[string]domain.Order{}}
	for _, order := range seed {
		mem.orders[order.ID] = order
	}
	repo := &stubOrderRepo{
		insertFn: func(_ context.Context, order domain.Order) error {
			mem.mu.Lock()
			defer mem.mu.Unlock()
			if _, ok := mem.orders[order.ID]; ok {
				return stubRepoError{conflict: true}
			}
			mem.orders[order.ID] = order
			return nil
		},
		findFn: func(_ context.Context, id string) (domain.Order, error) {
			mem.mu.Lock()
			defer mem.mu.Unlock()
			order, ok := mem.orders[id]
			if !ok {
				return domain.Order{}, errStubNotFound
			}
			order.Timeline = append([]domain.TimelineEntry(nil), order.Timeline...)
			return order, nil
		},
		updateFn: func(_ context.Context, order domain.Order) error {
			mem.mu.Lock()
			defer mem.mu.Unlock()
			if _, ok := mem.orders[order.ID]; !ok {
				return errStubNotFound
			}
			mem.orders[order.ID] = order
			mem.updates++
			return nil
		},
		listByRestaurantFn: func(_ context.Context, restaurantID string, _ repositories.RestaurantOrderFilter) ([]domain.Order, error) {
			mem.mu.Lock()
			defer mem.mu.Unlock()
			var out []domain.Order
			for _, order := range mem.orders {
				if order.RestaurantID == restaurantID {
					out = append(out, order)
				}
			}
			return out, nil
		},
		aggregateFn: func(_ context.Context, scope domain.StatsScope, visit func(domain.Order) error) error {
			mem.mu.Lock()
			snapshot := make([]domain.Order, 0, len(mem.orders))
			for _, order := range mem.orders {
				if order.Status != domain.OrderStatusDelivered {
					continue
				}
				if !scope.Global() && order.RestaurantID != scope.RestaurantID {
					continue
				}
				snapshot = append(snapshot, order)
			}
			mem.mu.Unlock()
			for _, order := range snapshot {
				if err := visit(order); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return mem, repo
}

func (m *memoryOrders) get(id string) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

type stubRestaurantRepo struct {
	restaurants map[string]domain.Restaurant
	listErr     error
}

func (s *stubRestaurantRepo) FindByID(_ context.Context, id string) (domain.Restaurant, error) {
	restaurant, ok := s.restaurants[id]
	if !ok {
		return domain.Restaurant{}, errStubNotFound
	}
	return restaurant, nil
}

func (s *stubRestaurantRepo) ListIDs(context.Context) (map[string]struct{}, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	ids := make(map[string]struct{}, len(s.restaurants))
	for id := range s.restaurants {
		ids[id] = struct{}{}
	}
	return ids, nil
}

type stubCounterRepo struct {
	nextFn func(context.Context, string) (int64, error)
}

func (s *stubCounterRepo) Next(ctx context.Context, counterID string) (int64, error) {
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID)
	}
	return 1, nil
}

type stubGateway struct {
	chargeFn func(context.Context, payments.ChargeRequest) (payments.Charge, error)
	statusFn func(context.Context, string) (payments.ChargeStatus, error)
	refundFn func(context.Context, payments.RefundRequest) (payments.RefundResult, error)

	refunds []payments.RefundRequest
	charges []payments.ChargeRequest
}

func (s *stubGateway) CreateCharge(ctx context.Context, req payments.ChargeRequest) (payments.Charge, error) {
	s.charges = append(s.charges, req)
	if s.chargeFn != nil {
		return s.chargeFn(ctx, req)
	}
	return payments.Charge{}, errors.New("charge not stubbed")
}

func (s *stubGateway) GetStatus(ctx context.Context, externalID string) (payments.ChargeStatus, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, externalID)
	}
	return payments.ChargeStatus{}, errors.New("status not stubbed")
}

func (s *stubGateway) Refund(ctx context.Context, req payments.RefundRequest) (payments.RefundResult, error) {
	s.refunds = append(s.refunds, req)
	if s.refundFn != nil {
		return s.refundFn(ctx, req)
	}
	return payments.RefundResult{RefundID: "re_test", ExternalID: req.ExternalID, Status: payments.StatusRefunded}, nil
}

type captureOrderEvents struct {
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return nil
}

func (c *captureOrderEvents) types() []string {
	out := make([]string, 0, len(c.events))
	for _, event := range c.events {
		out = append(out, event.Type)
	}
	return out
}

type capturedLog struct {
	event  string
	fields map[string]any
}

type captureLogger struct {
	entries []capturedLog
}

func (c *captureLogger) log(_ context.Context, event string, fields map[string]any) {
	c.entries = append(c.entries, capturedLog{event: event, fields: fields})
}

func (c *captureLogger) has(event string) bool {
	for _, entry := range c.entries {
		if entry.event == event {
			return true
		}
	}
	return false
}

var (
	_ repositories.OrderRepository      = (*stubOrderRepo)(nil)
	_ repositories.RestaurantRepository = (*stubRestaurantRepo)(nil)
	_ repositories.CounterRepository    = (*stubCounterRepo)(nil)
	_ PaymentGateway                    = (*stubGateway)(nil)
)
