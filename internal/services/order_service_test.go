package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"

	domain "github.com/joaosutil/pede-ai2/internal/domain"
	"github.com/joaosutil/pede-ai2/internal/payments"
	"github.com/joaosutil/pede-ai2/internal/repositories"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type orderServiceFixture struct {
	svc         OrderService
	mem         *memoryOrders
	orders      *stubOrderRepo
	restaurants *stubRestaurantRepo
	gateway     *stubGateway
	events      *captureOrderEvents
	logs        *captureLogger
}

func newOrderServiceFixture(t *testing.T, seed ...domain.Order) *orderServiceFixture {
	t.Helper()
	mem, orders := newMemoryOrders(seed...)
	fx := &orderServiceFixture{
		mem:    mem,
		orders: orders,
		restaurants: &stubRestaurantRepo{restaurants: map[string]domain.Restaurant{
			"rest-1": {ID: "rest-1", Name: "Cantina da Praça", Phone: "1133334444", DeliveryTime: "30-40 min", DeliveryFee: decimal.RequireFromString("5.00")},
			"rest-2": {ID: "rest-2", Name: "Sushi Norte", DeliveryFee: decimal.Zero},
		}},
		gateway: &stubGateway{},
		events:  &captureOrderEvents{},
		logs:    &captureLogger{},
	}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:      fx.orders,
		Restaurants: fx.restaurants,
		Counters: &stubCounterRepo{nextFn: func(_ context.Context, id string) (int64, error) {
			if id != "orders-2026" {
				t.Fatalf("unexpected counter id %q", id)
			}
			return 7, nil
		}},
		Gateway:     fx.gateway,
		Clock:       func() time.Time { return testNow },
		IDGenerator: func() string { return "TESTID" },
		Events:      fx.events,
		Logger:      fx.logs.log,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	fx.svc = svc
	return fx
}

func seededOrder(id string, method domain.PaymentMethod, payment domain.PaymentStatus, status domain.OrderStatus) domain.Order {
	created := testNow.Add(-time.Hour)
	order := domain.Order{
		ID:            id,
		Number:        "PA-2026-000001",
		RestaurantID:  "rest-1",
		Customer:      domain.Customer{Name: "Ana", Phone: "11987654321", Address: "Rua A, 10"},
		Items:         []domain.OrderItem{{Name: "X-Burger", Quantity: 2, UnitPrice: decimal.RequireFromString("20.00")}},
		Total:         decimal.RequireFromString("45.00"),
		PaymentMethod: method,
		PaymentStatus: payment,
		Status:        status,
		Timeline:      []domain.TimelineEntry{{Status: string(domain.OrderStatusNew), Timestamp: created}},
		CreatedAt:     created,
		UpdatedAt:     created,
	}
	if status != domain.OrderStatusNew {
		order.Timeline = append(order.Timeline, domain.TimelineEntry{Status: string(status), Timestamp: created})
	}
	return order
}

func timelineStatuses(order domain.Order) []string {
	out := make([]string, 0, len(order.Timeline))
	for _, entry := range order.Timeline {
		out = append(out, entry.Status)
	}
	return out
}

var (
	adminViewer      = Viewer{UID: "admin-1", Role: ViewerAdmin}
	restaurantViewer = Viewer{UID: "owner-1", Role: ViewerRestaurant, RestaurantID: "rest-1"}
	otherRestaurant  = Viewer{UID: "owner-2", Role: ViewerRestaurant, RestaurantID: "rest-2"}
)

func TestOrderServiceCreateOrderComputesTotalAndTimeline(t *testing.T) {
	fx := newOrderServiceFixture(t)
	faker := gofakeit.New(42)
	name := faker.Name()
	address := faker.Street()
	want := decimal.RequireFromString("45.00")

	order, err := fx.svc.CreateOrder(context.Background(), CreateOrderCommand{
		RestaurantID: "rest-1",
		Customer: Customer{
			Name:    "<b>" + name + "</b>",
			Phone:   "(11) 98765-4321",
			Address: address,
			Email:   "Ana@Example.com",
		},
		Items:         []OrderItem{{Name: "X-Burger", Quantity: 2, UnitPrice: decimal.RequireFromString("20")}},
		PaymentMethod: domain.PaymentMethodPix,
		Total:         &want,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if order.ID != "ord_TESTID" {
		t.Fatalf("expected id ord_TESTID, got %q", order.ID)
	}
	if order.Number != "PA-2026-000007" {
		t.Fatalf("expected number PA-2026-000007, got %q", order.Number)
	}
	if !order.Total.Equal(want) {
		t.Fatalf("expected total 45.00, got %s", order.Total)
	}
	if order.Customer.Name != name {
		t.Fatalf("expected markup stripped from name, got %q", order.Customer.Name)
	}
	if order.Customer.Email != "ana@example.com" {
		t.Fatalf("expected lowercased email, got %q", order.Customer.Email)
	}
	if order.Status != domain.OrderStatusNew || order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("unexpected initial state %s/%s", order.Status, order.PaymentStatus)
	}
	if got := timelineStatuses(order); !slices.Equal(got, []string{"new"}) {
		t.Fatalf("expected timeline [new], got %v", got)
	}
	if !order.CreatedAt.Equal(testNow) {
		t.Fatalf("expected createdAt %v, got %v", testNow, order.CreatedAt)
	}
	if stored := fx.mem.get(order.ID); stored.ID == "" {
		t.Fatalf("expected order to be persisted")
	}
	if got := fx.events.types(); !slices.Equal(got, []string{orderEventCreated}) {
		t.Fatalf("expected created event, got %v", got)
	}
}

func TestOrderServiceCreateOrderRejectsTotalMismatch(t *testing.T) {
	fx := newOrderServiceFixture(t)
	inserted := false
	fx.orders.insertFn = func(context.Context, domain.Order) error {
		inserted = true
		return nil
	}
	claimed := decimal.RequireFromString("40.00")

	_, err := fx.svc.CreateOrder(context.Background(), CreateOrderCommand{
		RestaurantID:  "rest-1",
		Customer:      Customer{Name: "Ana", Phone: "11987654321", Address: "Rua A"},
		Items:         []OrderItem{{Name: "X-Burger", Quantity: 2, UnitPrice: decimal.RequireFromString("20")}},
		PaymentMethod: domain.PaymentMethodCash,
		Total:         &claimed,
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if inserted {
		t.Fatalf("expected no insert on mismatch")
	}
}

func TestOrderServiceCreateOrderValidation(t *testing.T) {
	valid := func() CreateOrderCommand {
		return CreateOrderCommand{
			RestaurantID:  "rest-1",
			Customer:      Customer{Name: "Ana", Phone: "11987654321", Address: "Rua A"},
			Items:         []OrderItem{{Name: "Pizza", Quantity: 1, UnitPrice: decimal.RequireFromString("30")}},
			PaymentMethod: domain.PaymentMethodCash,
		}
	}
	cases := []struct {
		name   string
		mutate func(*CreateOrderCommand)
		want   error
	}{
		{"no items", func(c *CreateOrderCommand) { c.Items = nil }, ErrOrderInvalidInput},
		{"zero quantity", func(c *CreateOrderCommand) { c.Items[0].Quantity = 0 }, ErrOrderInvalidInput},
		{"negative price", func(c *CreateOrderCommand) { c.Items[0].UnitPrice = decimal.RequireFromString("-1") }, ErrOrderInvalidInput},
		{"unknown method", func(c *CreateOrderCommand) { c.PaymentMethod = "boleto" }, ErrOrderInvalidInput},
		{"missing name", func(c *CreateOrderCommand) { c.Customer.Name = "<i></i>" }, ErrOrderInvalidInput},
		{"phone without digits", func(c *CreateOrderCommand) { c.Customer.Phone = "n/a" }, ErrOrderInvalidInput},
		{"short cpf", func(c *CreateOrderCommand) { c.Customer.CPF = "123.456" }, ErrOrderInvalidInput},
		{"unknown restaurant", func(c *CreateOrderCommand) { c.RestaurantID = "missing" }, ErrOrderNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newOrderServiceFixture(t)
			cmd := valid()
			tc.mutate(&cmd)
			if _, err := fx.svc.CreateOrder(context.Background(), cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOrderServiceUpdateStatusIsIdempotent(t *testing.T) {
	fx := newOrderServiceFixture(t, seededOrder("ord_1", domain.PaymentMethodCash, domain.PaymentStatusPending, domain.OrderStatusNew))
	ctx := context.Background()
	cmd := UpdateOrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusPreparing, Actor: restaurantViewer}

	first, err := fx.svc.UpdateStatus(ctx, cmd)
	if err != nil {
		t.Fatalf("first UpdateStatus: %v", err)
	}
	second, err := fx.svc.UpdateStatus(ctx, cmd)
	if err != nil {
		t.Fatalf("second UpdateStatus: %v", err)
	}

	if fx.mem.updates != 1 {
		t.Fatalf("expected exactly one write, got %d", fx.mem.updates)
	}
	want := []string{"new", "preparing"}
	if got := timelineStatuses(second); !slices.Equal(got, want) {
		t.Fatalf("expected timeline %v, got %v", want, got)
	}
	if len(first.Timeline) != len(second.Timeline) {
		t.Fatalf("expected resubmission to leave the timeline unchanged")
	}
	if got := fx.events.types(); !slices.Equal(got, []string{orderEventStatusChanged}) {
		t.Fatalf("expected a single status event, got %v", got)
	}
}

func TestOrderServiceUpdateStatusAllowsForwardSkips(t *testing.T) {
	fx := newOrderServiceFixture(t, seededOrder("ord_1", domain.PaymentMethodCash, domain.PaymentStatusPending, domain.OrderStatusNew))

	order, err := fx.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusDelivered, Actor: adminViewer})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if order.Status != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered, got %s", order.Status)
	}
}

func TestOrderServiceUpdateStatusRejectsTransitionsOutOfTerminal(t *testing.T) {
	for _, terminal := range []domain.OrderStatus{domain.OrderStatusDelivered, domain.OrderStatusCancelled} {
		for _, target := range []domain.OrderStatus{domain.OrderStatusNew, domain.OrderStatusPreparing, domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled} {
			if target == terminal {
				continue
			}
			t.Run(string(terminal)+"->"+string(target), func(t *testing.T) {
				fx := newOrderServiceFixture(t, seededOrder("ord_1", domain.PaymentMethodCash, domain.PaymentStatusPending, terminal))
				_, err := fx.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: "ord_1", Status: target, Actor: adminViewer})
				if !errors.Is(err, ErrOrderInvalidTransition) {
					t.Fatalf("expected invalid transition, got %v", err)
				}
				if fx.mem.updates != 0 {
					t.Fatalf("expected no write, got %d", fx.mem.updates)
				}
				if fx.mem.get("ord_1").Status != terminal {
					t.Fatalf("expected status to stay %s", terminal)
				}
			})
		}
	}
}

func TestOrderServiceUpdateStatusAuthorization(t *testing.T) {
	fx := newOrderServiceFixture(t, seededOrder("ord_1", domain.PaymentMethodCash, domain.PaymentStatusPending, domain.OrderStatusNew))
	ctx := context.Background()

	for _, actor := range []Viewer{otherRestaurant, {UID: "cust-1", Role: ViewerCustomer}, {}} {
		_, err := fx.svc.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusPreparing, Actor: actor})
		if !errors.Is(err, ErrOrderForbidden) {
			t.Fatalf("actor %+v: expected forbidden, got %v", actor, err)
		}
	}
	if _, err := fx.svc.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_1", Status: "teleported", Actor: adminViewer}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for unknown status, got %v", err)
	}
	if _, err := fx.svc.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "missing", Status: domain.OrderStatusPreparing, Actor: adminViewer}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderServiceCancelPaidPixRefundsOnce(t *testing.T) {
	seed := seededOrder("ord_1", domain.PaymentMethodPix, domain.PaymentStatusPaid, domain.OrderStatusPreparing)
	seed.PaymentID = "pi_123"
	fx := newOrderServiceFixture(t, seed)
	ctx := context.Background()
	cmd := UpdateOrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusCancelled, Actor: restaurantViewer}

	order, err := fx.svc.UpdateStatus(ctx, cmd)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if _, err := fx.svc.UpdateStatus(ctx, cmd); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}

	if len(fx.gateway.refunds) != 1 {
		t.Fatalf("expected exactly one refund call, got %d", len(fx.gateway.refunds))
	}
	if fx.gateway.refunds[0].ExternalID != "pi_123" {
		t.Fatalf("expected refund for pi_123, got %q", fx.gateway.refunds[0].ExternalID)
	}
	if order.PaymentStatus != domain.PaymentStatusRefunded || order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled/refunded, got %s/%s", order.Status, order.PaymentStatus)
	}
	want := []string{"new", "preparing", "cancelled", domain.TimelineRefundIssued}
	if got := timelineStatuses(order); !slices.Equal(got, want) {
		t.Fatalf("expected timeline %v, got %v", want, got)
	}
	if stored := fx.mem.get("ord_1"); stored.PaymentStatus != domain.PaymentStatusRefunded || !slices.Equal(timelineStatuses(stored), want) {
		t.Fatalf("expected refund recorded in storage, got %s %v", stored.PaymentStatus, timelineStatuses(stored))
	}
	if got := fx.events.types(); !slices.Equal(got, []string{orderEventStatusChanged, orderEventRefundIssued}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestOrderServiceCancelRefundsOnlyAfterCancellationIsStored(t *testing.T) {
	seed := seededOrder("ord_1", domain.PaymentMethodPix, domain.PaymentStatusPaid, domain.OrderStatusNew)
	seed.PaymentID = "pi_123"
	fx := newOrderServiceFixture(t, seed)
	store := fx.orders.updateFn
	failures := 1
	fx.orders.updateFn = func(ctx context.Context, order domain.Order) error {
		if failures > 0 {
			failures--
			return stubRepoError{unavailable: true}
		}
		return store(ctx, order)
	}
	ctx := context.Background()
	cmd := UpdateOrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusCancelled, Actor: adminViewer}

	if _, err := fx.svc.UpdateStatus(ctx, cmd); err == nil {
		t.Fatalf("expected storage failure to surface")
	}
	if len(fx.gateway.refunds) != 0 {
		t.Fatalf("expected no refund before the cancellation is stored, got %d", len(fx.gateway.refunds))
	}
	if stored := fx.mem.get("ord_1"); stored.Status != domain.OrderStatusNew || stored.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected order untouched, got %s/%s", stored.Status, stored.PaymentStatus)
	}

	order, err := fx.svc.UpdateStatus(ctx, cmd)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(fx.gateway.refunds) != 1 {
		t.Fatalf("expected one refund after retry, got %d", len(fx.gateway.refunds))
	}
	if order.Status != domain.OrderStatusCancelled || order.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected cancelled/refunded, got %s/%s", order.Status, order.PaymentStatus)
	}
}

func TestOrderServiceCancelNeverRefundsTwiceWhenRecordingFails(t *testing.T) {
	seed := seededOrder("ord_1", domain.PaymentMethodPix, domain.PaymentStatusPaid, domain.OrderStatusNew)
	seed.PaymentID = "pi_123"
	fx := newOrderServiceFixture(t, seed)
	store := fx.orders.updateFn
	writes := 0
	fx.orders.updateFn = func(ctx context.Context, order domain.Order) error {
		writes++
		if writes == 2 {
			return stubRepoError{unavailable: true}
		}
		return store(ctx, order)
	}
	ctx := context.Background()
	cmd := UpdateOrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusCancelled, Actor: adminViewer}

	order, err := fx.svc.UpdateStatus(ctx, cmd)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled || order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected cancelled/paid, got %s/%s", order.Status, order.PaymentStatus)
	}
	if !fx.logs.has("order.refund.unrecorded") {
		t.Fatalf("expected unrecorded refund to be logged")
	}

	fx.gateway.refundFn = func(context.Context, payments.RefundRequest) (payments.RefundResult, error) {
		return payments.RefundResult{}, errors.New("charge_already_refunded")
	}
	if _, err := fx.svc.UpdateStatus(ctx, cmd); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if len(fx.gateway.refunds) != 1 {
		t.Fatalf("expected exactly one refund call, got %d", len(fx.gateway.refunds))
	}
	if stored := fx.mem.get("ord_1"); stored.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", stored.Status)
	}
	issued := fx.events.events[len(fx.events.events)-1]
	if issued.Type != orderEventRefundIssued || issued.Metadata["recorded"] != false {
		t.Fatalf("expected unrecorded refund event, got %+v", issued)
	}
}

func TestOrderServiceCancelKeepsPaidWhenRefundFails(t *testing.T) {
	seed := seededOrder("ord_1", domain.PaymentMethodPix, domain.PaymentStatusPaid, domain.OrderStatusNew)
	seed.PaymentID = "pi_123"
	fx := newOrderServiceFixture(t, seed)
	fx.gateway.refundFn = func(context.Context, payments.RefundRequest) (payments.RefundResult, error) {
		return payments.RefundResult{}, errors.New("gateway timeout")
	}

	order, err := fx.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusCancelled, Actor: adminViewer})
	if err != nil {
		t.Fatalf("expected cancellation to succeed despite refund failure, got %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", order.Status)
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected payment to stay paid, got %s", order.PaymentStatus)
	}
	for _, entry := range order.Timeline {
		if entry.Status == domain.TimelineRefundIssued {
			t.Fatalf("expected no refund marker after failure")
		}
	}
	if !fx.logs.has("order.refund.failed") {
		t.Fatalf("expected refund failure to be logged")
	}
	if got := fx.events.types(); !slices.Equal(got, []string{orderEventStatusChanged, orderEventRefundFailed}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestOrderServiceCancelWithoutRefundableCharge(t *testing.T) {
	noPaymentID := seededOrder("ord_1", domain.PaymentMethodPix, domain.PaymentStatusPaid, domain.OrderStatusNew)
	pending := seededOrder("ord_2", domain.PaymentMethodPix, domain.PaymentStatusPending, domain.OrderStatusNew)
	pending.PaymentID = "pi_pending"
	card := seededOrder("ord_3", domain.PaymentMethodCardOnline, domain.PaymentStatusPaid, domain.OrderStatusNew)
	card.PaymentID = "pi_card"
	cash := seededOrder("ord_4", domain.PaymentMethodCash, domain.PaymentStatusPending, domain.OrderStatusShipped)

	cases := []struct {
		order       domain.Order
		wantPayment domain.PaymentStatus
		wantLog     string
	}{
		{noPaymentID, domain.PaymentStatusPaid, "order.refund.skipped"},
		{pending, domain.PaymentStatusPending, ""},
		{card, domain.PaymentStatusPaid, "order.refund.skipped"},
		{cash, domain.PaymentStatusPending, ""},
	}
	for _, tc := range cases {
		t.Run(tc.order.ID, func(t *testing.T) {
			fx := newOrderServiceFixture(t, tc.order)
			order, err := fx.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: tc.order.ID, Status: domain.OrderStatusCancelled, Actor: adminViewer})
			if err != nil {
				t.Fatalf("UpdateStatus: %v", err)
			}
			if len(fx.gateway.refunds) != 0 {
				t.Fatalf("expected no refund call, got %d", len(fx.gateway.refunds))
			}
			if order.Status != domain.OrderStatusCancelled || order.PaymentStatus != tc.wantPayment {
				t.Fatalf("unexpected state %s/%s", order.Status, order.PaymentStatus)
			}
			if tc.wantLog != "" && !fx.logs.has(tc.wantLog) {
				t.Fatalf("expected log %s", tc.wantLog)
			}
		})
	}
}

func TestOrderServiceConfirmPaymentMakesOrderVisible(t *testing.T) {
	seed := seededOrder("ord_1", domain.PaymentMethodPix, domain.PaymentStatusAwaitingPayment, domain.OrderStatusNew)
	fx := newOrderServiceFixture(t, seed)
	if VisibleToRestaurant(seed) {
		t.Fatalf("expected unpaid pix order to be hidden")
	}

	order, err := fx.svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{OrderID: "ord_1", PaymentID: "pi_9", Source: "webhook"})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if order.PaymentStatus != domain.PaymentStatusPaid || order.PaymentID != "pi_9" {
		t.Fatalf("expected paid with pi_9, got %s/%s", order.PaymentStatus, order.PaymentID)
	}
	if order.Status != domain.OrderStatusNew {
		t.Fatalf("expected status new, got %s", order.Status)
	}
	if order.LastTimelineStatus() != domain.TimelinePaymentConfirmed {
		t.Fatalf("expected payment marker last, got %v", timelineStatuses(order))
	}
	if !VisibleToRestaurant(order) {
		t.Fatalf("expected paid pix order to be visible")
	}
}

func TestOrderServiceConfirmPaymentEdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("offline method", func(t *testing.T) {
		fx := newOrderServiceFixture(t, seededOrder("ord_1", domain.PaymentMethodCash, domain.PaymentStatusPending, domain.OrderStatusNew))
		if _, err := fx.svc.ConfirmPayment(ctx, ConfirmPaymentCommand{OrderID: "ord_1", PaymentID: "pi_1"}); !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
	})

	t.Run("refunded order is left alone", func(t *testing.T) {
		seed := seededOrder("ord_1", domain.PaymentMethodPix, domain.PaymentStatusRefunded, domain.OrderStatusCancelled)
		fx := newOrderServiceFixture(t, seed)
		order, err := fx.svc.ConfirmPayment(ctx, ConfirmPaymentCommand{OrderID: "ord_1", PaymentID: "pi_1"})
		if err != nil {
			t.Fatalf("ConfirmPayment: %v", err)
		}
		if order.PaymentStatus != domain.PaymentStatusRefunded || fx.mem.updates != 0 {
			t.Fatalf("expected no change, got %s with %d writes", order.PaymentStatus, fx.mem.updates)
		}
	})

	t.Run("cancelled order records payment only", func(t *testing.T) {
		fx := newOrderServiceFixture(t, seededOrder("ord_1", domain.PaymentMethodPix, domain.PaymentStatusAwaitingPayment, domain.OrderStatusCancelled))
		order, err := fx.svc.ConfirmPayment(ctx, ConfirmPaymentCommand{OrderID: "ord_1", PaymentID: "pi_1"})
		if err != nil {
			t.Fatalf("ConfirmPayment: %v", err)
		}
		if order.Status != domain.OrderStatusCancelled || order.PaymentStatus != domain.PaymentStatusPaid {
			t.Fatalf("unexpected state %s/%s", order.Status, order.PaymentStatus)
		}
		want := []string{"new", "cancelled", domain.TimelinePaymentConfirmed}
		if got := timelineStatuses(order); !slices.Equal(got, want) {
			t.Fatalf("expected timeline %v, got %v", want, got)
		}
	})

	t.Run("duplicate confirmation after progress", func(t *testing.T) {
		seed := seededOrder("ord_1", domain.PaymentMethodPix, domain.PaymentStatusPaid, domain.OrderStatusPreparing)
		seed.PaymentID = "pi_1"
		fx := newOrderServiceFixture(t, seed)
		order, err := fx.svc.ConfirmPayment(ctx, ConfirmPaymentCommand{OrderID: "ord_1", PaymentID: "pi_1"})
		if err != nil {
			t.Fatalf("ConfirmPayment: %v", err)
		}
		if order.Status != domain.OrderStatusPreparing || fx.mem.updates != 0 {
			t.Fatalf("expected duplicate to be ignored, got %s with %d writes", order.Status, fx.mem.updates)
		}
	})

	t.Run("backwards status without prior payment", func(t *testing.T) {
		fx := newOrderServiceFixture(t, seededOrder("ord_1", domain.PaymentMethodPix, domain.PaymentStatusAwaitingPayment, domain.OrderStatusShipped))
		if _, err := fx.svc.ConfirmPayment(ctx, ConfirmPaymentCommand{OrderID: "ord_1", PaymentID: "pi_1"}); !errors.Is(err, ErrOrderInvalidTransition) {
			t.Fatalf("expected invalid transition, got %v", err)
		}
	})

	t.Run("explicit target status", func(t *testing.T) {
		fx := newOrderServiceFixture(t, seededOrder("ord_1", domain.PaymentMethodCardOnline, domain.PaymentStatusPending, domain.OrderStatusNew))
		preparing := domain.OrderStatusPreparing
		order, err := fx.svc.ConfirmPayment(ctx, ConfirmPaymentCommand{OrderID: "ord_1", PaymentID: "pi_1", Status: &preparing})
		if err != nil {
			t.Fatalf("ConfirmPayment: %v", err)
		}
		want := []string{"new", domain.TimelinePaymentConfirmed, "preparing"}
		if got := timelineStatuses(order); !slices.Equal(got, want) {
			t.Fatalf("expected timeline %v, got %v", want, got)
		}
	})

	t.Run("terminal target status is rejected", func(t *testing.T) {
		for _, target := range []domain.OrderStatus{domain.OrderStatusCancelled, domain.OrderStatusDelivered} {
			seed := seededOrder("ord_1", domain.PaymentMethodPix, domain.PaymentStatusPaid, domain.OrderStatusNew)
			seed.PaymentID = "pi_1"
			fx := newOrderServiceFixture(t, seed)
			_, err := fx.svc.ConfirmPayment(ctx, ConfirmPaymentCommand{OrderID: "ord_1", PaymentID: "pi_1", Status: &target})
			if !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("%s: expected invalid input, got %v", target, err)
			}
			if fx.mem.updates != 0 || len(fx.gateway.refunds) != 0 {
				t.Fatalf("%s: expected no write and no refund, got %d writes %d refunds", target, fx.mem.updates, len(fx.gateway.refunds))
			}
			if stored := fx.mem.get("ord_1"); stored.Status != domain.OrderStatusNew {
				t.Fatalf("%s: expected status to stay new, got %s", target, stored.Status)
			}
		}
	})

	t.Run("missing payment id", func(t *testing.T) {
		fx := newOrderServiceFixture(t)
		if _, err := fx.svc.ConfirmPayment(ctx, ConfirmPaymentCommand{OrderID: "ord_1", PaymentID: "  "}); !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
	})
}

func TestOrderServiceListForRestaurantAppliesVisibility(t *testing.T) {
	fx := newOrderServiceFixture(t)
	visibleCash := seededOrder("ord_cash", domain.PaymentMethodCash, domain.PaymentStatusPending, domain.OrderStatusNew)
	hiddenPix := seededOrder("ord_pix", domain.PaymentMethodPix, domain.PaymentStatusAwaitingPayment, domain.OrderStatusNew)
	paidPix := seededOrder("ord_paid", domain.PaymentMethodPix, domain.PaymentStatusPaid, domain.OrderStatusNew)
	var gotFilter repositories.RestaurantOrderFilter
	fx.orders.listByRestaurantFn = func(_ context.Context, id string, filter repositories.RestaurantOrderFilter) ([]domain.Order, error) {
		if id != "rest-1" {
			t.Fatalf("unexpected restaurant %q", id)
		}
		gotFilter = filter
		return []domain.Order{visibleCash, hiddenPix, paidPix}, nil
	}

	orders, err := fx.svc.ListForRestaurant(context.Background(), restaurantViewer, "rest-1", RestaurantOrderFilter{Limit: 10_000})
	if err != nil {
		t.Fatalf("ListForRestaurant: %v", err)
	}
	if len(orders) != 2 || orders[0].ID != "ord_cash" || orders[1].ID != "ord_paid" {
		t.Fatalf("unexpected visible orders %+v", orders)
	}
	if gotFilter.Limit != defaultMaxListSize {
		t.Fatalf("expected limit to be capped at %d, got %d", defaultMaxListSize, gotFilter.Limit)
	}

	if _, err := fx.svc.ListForRestaurant(context.Background(), otherRestaurant, "rest-1", RestaurantOrderFilter{}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden for foreign restaurant, got %v", err)
	}
}

func TestOrderServiceListOrdersScopesByRole(t *testing.T) {
	fx := newOrderServiceFixture(t)
	listed := false
	fx.orders.listFn = func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
		listed = true
		return domain.CursorPage[domain.Order]{Items: []domain.Order{seededOrder("ord_1", domain.PaymentMethodPix, domain.PaymentStatusPending, domain.OrderStatusNew)}, NextPageToken: "next"}, nil
	}
	fx.orders.listByRestaurantFn = func(_ context.Context, id string, _ repositories.RestaurantOrderFilter) ([]domain.Order, error) {
		return []domain.Order{seededOrder("ord_"+id, domain.PaymentMethodCash, domain.PaymentStatusPending, domain.OrderStatusNew)}, nil
	}
	ctx := context.Background()

	page, err := fx.svc.ListOrders(ctx, adminViewer, OrderListFilter{})
	if err != nil || !listed || page.NextPageToken != "next" {
		t.Fatalf("expected unscoped admin listing, got %+v err=%v", page, err)
	}

	page, err = fx.svc.ListOrders(ctx, restaurantViewer, OrderListFilter{RestaurantID: "rest-2"})
	if err != nil {
		t.Fatalf("restaurant ListOrders: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "ord_rest-1" {
		t.Fatalf("expected restaurant viewer pinned to own restaurant, got %+v", page.Items)
	}

	if _, err := fx.svc.ListOrders(ctx, Viewer{UID: "c", Role: ViewerCustomer}, OrderListFilter{}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden for customer, got %v", err)
	}
}

func TestOrderServiceFindByCustomerPhone(t *testing.T) {
	fx := newOrderServiceFixture(t)
	fx.orders.phoneFn = func(_ context.Context, digits string, _ int) ([]domain.Order, error) {
		if digits != "11987654321" {
			t.Fatalf("expected normalised digits, got %q", digits)
		}
		first := seededOrder("ord_1", domain.PaymentMethodPix, domain.PaymentStatusPaid, domain.OrderStatusNew)
		second := seededOrder("ord_2", domain.PaymentMethodCash, domain.PaymentStatusPending, domain.OrderStatusNew)
		second.RestaurantID = "gone"
		return []domain.Order{first, second}, nil
	}

	tracking, err := fx.svc.FindByCustomerPhone(context.Background(), "(11) 98765-4321")
	if err != nil {
		t.Fatalf("FindByCustomerPhone: %v", err)
	}
	if len(tracking) != 2 {
		t.Fatalf("expected 2 results, got %d", len(tracking))
	}
	if tracking[0].Restaurant.Name != "Cantina da Praça" || tracking[0].Restaurant.DeliveryTime != "30-40 min" {
		t.Fatalf("expected restaurant summary, got %+v", tracking[0].Restaurant)
	}
	if tracking[1].Restaurant.ID != "gone" || tracking[1].Restaurant.Name != "" {
		t.Fatalf("expected bare summary for missing restaurant, got %+v", tracking[1].Restaurant)
	}

	if _, err := fx.svc.FindByCustomerPhone(context.Background(), "9876"); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected short fragment to be rejected, got %v", err)
	}
}

func TestOrderServiceTrackOrder(t *testing.T) {
	fx := newOrderServiceFixture(t, seededOrder("ord_1", domain.PaymentMethodPix, domain.PaymentStatusPaid, domain.OrderStatusShipped))

	tracking, err := fx.svc.TrackOrder(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("TrackOrder: %v", err)
	}
	if tracking.Status != domain.OrderStatusShipped || tracking.Restaurant.Phone != "1133334444" {
		t.Fatalf("unexpected tracking %+v", tracking)
	}
	if _, err := fx.svc.TrackOrder(context.Background(), "nope"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderServiceGetOrderChecksScope(t *testing.T) {
	fx := newOrderServiceFixture(t, seededOrder("ord_1", domain.PaymentMethodCash, domain.PaymentStatusPending, domain.OrderStatusNew))
	ctx := context.Background()

	if _, err := fx.svc.GetOrder(ctx, restaurantViewer, "ord_1"); err != nil {
		t.Fatalf("owner GetOrder: %v", err)
	}
	if _, err := fx.svc.GetOrder(ctx, otherRestaurant, "ord_1"); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestOrderServiceMaintenance(t *testing.T) {
	fx := newOrderServiceFixture(t)
	var gotIDs map[string]struct{}
	fx.orders.orphanFn = func(_ context.Context, ids map[string]struct{}) (int, error) {
		gotIDs = ids
		return 3, nil
	}
	fx.orders.deleteAllFn = func(context.Context) (int, error) { return 12, nil }
	deleted := ""
	fx.orders.deleteFn = func(_ context.Context, id string) error {
		deleted = id
		return nil
	}
	ctx := context.Background()

	n, err := fx.svc.CleanupOrphans(ctx)
	if err != nil || n != 3 {
		t.Fatalf("CleanupOrphans: n=%d err=%v", n, err)
	}
	if _, ok := gotIDs["rest-1"]; !ok || len(gotIDs) != 2 {
		t.Fatalf("expected live restaurant ids, got %v", gotIDs)
	}

	n, err = fx.svc.DeleteAllOrders(ctx)
	if err != nil || n != 12 {
		t.Fatalf("DeleteAllOrders: n=%d err=%v", n, err)
	}

	if err := fx.svc.DeleteOrder(ctx, " ord_1 "); err != nil || deleted != "ord_1" {
		t.Fatalf("DeleteOrder: deleted=%q err=%v", deleted, err)
	}
	fx.orders.deleteFn = func(context.Context, string) error { return errStubNotFound }
	if err := fx.svc.DeleteOrder(ctx, "ord_2"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	fx.restaurants.listErr = stubRepoError{unavailable: true}
	if _, err := fx.svc.CleanupOrphans(ctx); err == nil || !strings.Contains(err.Error(), "unavailable") {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}
