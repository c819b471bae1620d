package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/joaosutil/pede-ai2/internal/domain"
	"github.com/joaosutil/pede-ai2/internal/payments"
	"github.com/joaosutil/pede-ai2/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderItem          = domain.OrderItem
	Customer           = domain.Customer
	TimelineEntry      = domain.TimelineEntry
	PaymentMethod      = domain.PaymentMethod
	PaymentStatus      = domain.PaymentStatus
	Restaurant         = domain.Restaurant
	OrderStats         = domain.OrderStats
	StatsScope         = domain.StatsScope
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService is the order lifecycle engine: creation, fulfillment transitions, payment
// confirmation and restaurant-facing reads.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, viewer Viewer, orderID string) (Order, error)
	TrackOrder(ctx context.Context, orderID string) (OrderTracking, error)
	ListOrders(ctx context.Context, viewer Viewer, filter OrderListFilter) (domain.CursorPage[Order], error)
	ListForRestaurant(ctx context.Context, viewer Viewer, restaurantID string, filter RestaurantOrderFilter) ([]Order, error)
	FindByCustomerPhone(ctx context.Context, phone string) ([]OrderTracking, error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error)
	DeleteOrder(ctx context.Context, orderID string) error
	DeleteAllOrders(ctx context.Context) (int, error)
	CleanupOrphans(ctx context.Context) (int, error)
}

// StatsService rolls delivered orders up into revenue aggregates scoped by viewer role.
type StatsService interface {
	GetStats(ctx context.Context, viewer Viewer, requestedRestaurantID string) (OrderStats, error)
}

// PaymentService orchestrates gateway charges for online orders.
type PaymentService interface {
	CreatePixCharge(ctx context.Context, cmd CreateChargeCommand) (ChargeResult, error)
	CreateCardCharge(ctx context.Context, cmd CreateChargeCommand) (ChargeResult, error)
	GetChargeStatus(ctx context.Context, paymentID string) (payments.ChargeStatus, error)
	VerifyAndConfirm(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error)
}

// SystemService exposes health reporting.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// PaymentGateway is the subset of the payments manager the services rely on.
type PaymentGateway interface {
	CreateCharge(ctx context.Context, req payments.ChargeRequest) (payments.Charge, error)
	GetStatus(ctx context.Context, externalID string) (payments.ChargeStatus, error)
	Refund(ctx context.Context, req payments.RefundRequest) (payments.RefundResult, error)
}

// ViewerRole is the authorisation class of the caller.
type ViewerRole string

const (
	ViewerAnonymous  ViewerRole = ""
	ViewerCustomer   ViewerRole = "customer"
	ViewerRestaurant ViewerRole = "restaurant"
	ViewerAdmin      ViewerRole = "admin"
)

// Viewer identifies who is asking. RestaurantID is only meaningful for restaurant viewers.
type Viewer struct {
	UID          string
	Role         ViewerRole
	RestaurantID string
}

// IsAdmin reports whether the viewer holds the admin role.
func (v Viewer) IsAdmin() bool { return v.Role == ViewerAdmin }

// IsRestaurant reports whether the viewer acts for a restaurant.
func (v Viewer) IsRestaurant() bool { return v.Role == ViewerRestaurant }

// OrderListFilter drives the admin order listing.
type OrderListFilter = repositories.OrderListFilter

// RestaurantOrderFilter narrows a restaurant dashboard listing.
type RestaurantOrderFilter = repositories.RestaurantOrderFilter

// CreateOrderCommand is the validated checkout submission.
type CreateOrderCommand struct {
	RestaurantID  string
	Customer      Customer
	Items         []OrderItem
	PaymentMethod PaymentMethod
	// Total, when supplied, must equal the server-computed total.
	Total *decimal.Decimal
}

// UpdateOrderStatusCommand requests a fulfillment transition.
type UpdateOrderStatusCommand struct {
	OrderID string
	Status  OrderStatus
	Actor   Viewer
}

// ConfirmPaymentCommand records a settled gateway payment against an order.
type ConfirmPaymentCommand struct {
	OrderID   string
	PaymentID string
	// Status is the fulfillment status to apply. Nil means New.
	Status *OrderStatus
	Source string
}

// CreateChargeCommand asks the gateway to charge an order's total.
type CreateChargeCommand struct {
	OrderID            string
	PaymentMethodToken string
	IdempotencyKey     string
}

// ChargeResult pairs the gateway charge with the order after it was updated.
type ChargeResult struct {
	Order  Order
	Charge payments.Charge
}

// OrderTracking is the public projection used for customer tracking.
type OrderTracking struct {
	OrderID       string
	Number        string
	Status        OrderStatus
	PaymentMethod PaymentMethod
	PaymentStatus PaymentStatus
	Items         []OrderItem
	Total         decimal.Decimal
	Timeline      []TimelineEntry
	CreatedAt     time.Time
	Restaurant    RestaurantSummary
}

// RestaurantSummary is the restaurant contact data shown to customers.
type RestaurantSummary struct {
	ID           string
	Name         string
	Phone        string
	DeliveryTime string
}
