package repositories

import (
	"context"

	domain "github.com/joaosutil/pede-ai2/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository is the source of truth for orders. Callers never cache order state across requests.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// Update replaces the mutable fields (status, payment status, payment id, timeline, updatedAt).
	Update(ctx context.Context, order domain.Order) error
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	ListByRestaurant(ctx context.Context, restaurantID string, filter RestaurantOrderFilter) ([]domain.Order, error)
	// FindByCustomerPhone matches any order whose customer phone contains the given digits, newest first.
	FindByCustomerPhone(ctx context.Context, digits string, limit int) ([]domain.Order, error)
	Delete(ctx context.Context, orderID string) error
	DeleteAll(ctx context.Context) (int, error)
	// DeleteWhereRestaurantNotIn removes orders whose restaurant id is absent from the provided set.
	DeleteWhereRestaurantNotIn(ctx context.Context, restaurantIDs map[string]struct{}) (int, error)
	// AggregateDelivered streams delivered orders matching the scope to visit.
	AggregateDelivered(ctx context.Context, scope domain.StatsScope, visit func(domain.Order) error) error
}

// RestaurantRepository exposes the restaurant data the order workflow reads. Restaurant CRUD lives elsewhere.
type RestaurantRepository interface {
	FindByID(ctx context.Context, restaurantID string) (domain.Restaurant, error)
	ListIDs(ctx context.Context) (map[string]struct{}, error)
}

// CounterRepository provides transaction-safe sequence numbers. Sequences start at 1.
type CounterRepository interface {
	Next(ctx context.Context, counterID string) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter drives the unscoped admin listing.
type OrderListFilter struct {
	RestaurantID   string
	Statuses       []domain.OrderStatus
	PaymentMethods []domain.PaymentMethod
	PaymentStatus  *domain.PaymentStatus
	Pagination     domain.Pagination
}

// RestaurantOrderFilter narrows the orders returned for a single restaurant.
type RestaurantOrderFilter struct {
	Statuses []domain.OrderStatus
	Limit    int
}
