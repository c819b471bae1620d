package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	domain "github.com/joaosutil/pede-ai2/internal/domain"
	"github.com/joaosutil/pede-ai2/internal/repositories"
)

const (
	statsDailyWindow = 7
	statsTopProducts = 5
)

// StatsServiceDeps bundles collaborators required to construct the stats aggregator.
type StatsServiceDeps struct {
	Orders repositories.OrderRepository
	// Location buckets daily stats. Defaults to UTC.
	Location *time.Location
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type statsService struct {
	orders   repositories.OrderRepository
	location *time.Location
	logger   func(context.Context, string, map[string]any)
}

// NewStatsService constructs the delivered-order stats aggregator.
func NewStatsService(deps StatsServiceDeps) (StatsService, error) {
	if deps.Orders == nil {
		return nil, errors.New("stats service: order repository is required")
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &statsService{orders: deps.Orders, location: loc, logger: logger}, nil
}

func (s *statsService) GetStats(ctx context.Context, viewer Viewer, requestedRestaurantID string) (OrderStats, error) {
	scope, err := resolveStatsScope(viewer, requestedRestaurantID)
	if err != nil {
		return OrderStats{}, err
	}

	acc := newStatsAccumulator(s.location)
	if err := s.orders.AggregateDelivered(ctx, scope, acc.add); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
			return OrderStats{}, fmt.Errorf("stats: repository unavailable: %w", err)
		}
		return OrderStats{}, err
	}

	stats := acc.result()
	stats.Scope = scope
	s.logger(ctx, "order.stats.computed", map[string]any{
		"restaurantId": scope.RestaurantID,
		"orders":       stats.Totals.TotalOrders,
	})
	return stats, nil
}

// resolveStatsScope enforces that restaurant viewers only ever see their own restaurant and
// that a conflicting filter is rejected rather than ignored.
func resolveStatsScope(viewer Viewer, requested string) (StatsScope, error) {
	requested = strings.TrimSpace(requested)
	switch {
	case viewer.IsRestaurant():
		own := strings.TrimSpace(viewer.RestaurantID)
		if own == "" {
			return StatsScope{}, fmt.Errorf("%w: restaurant viewer has no restaurant id", ErrOrderForbidden)
		}
		if requested != "" && requested != own {
			return StatsScope{}, fmt.Errorf("%w: stats for restaurant %s are outside the viewer scope", ErrOrderForbidden, requested)
		}
		return StatsScope{RestaurantID: own}, nil
	case viewer.IsAdmin():
		return StatsScope{RestaurantID: requested}, nil
	default:
		return StatsScope{}, fmt.Errorf("%w: stats require admin or restaurant role", ErrOrderForbidden)
	}
}

type statsAccumulator struct {
	location *time.Location
	totals   domain.StatsTotals
	daily    map[string]*domain.DailyStats
	methods  map[PaymentMethod]int
	products map[string]*domain.ProductStats
}

func newStatsAccumulator(loc *time.Location) *statsAccumulator {
	return &statsAccumulator{
		location: loc,
		daily:    map[string]*domain.DailyStats{},
		methods:  map[PaymentMethod]int{},
		products: map[string]*domain.ProductStats{},
	}
}

func (a *statsAccumulator) add(order Order) error {
	a.totals.TotalOrders++
	a.totals.TotalRevenue = a.totals.TotalRevenue.Add(order.Total)
	a.totals.ProductRevenue = a.totals.ProductRevenue.Add(order.ProductsTotal())

	day := order.CreatedAt.In(a.location).Format(time.DateOnly)
	bucket, ok := a.daily[day]
	if !ok {
		bucket = &domain.DailyStats{Date: day}
		a.daily[day] = bucket
	}
	bucket.Revenue = bucket.Revenue.Add(order.Total)
	bucket.Count++

	a.methods[order.PaymentMethod]++

	for _, item := range order.Items {
		product, ok := a.products[item.Name]
		if !ok {
			product = &domain.ProductStats{Name: item.Name}
			a.products[item.Name] = product
		}
		product.Quantity += item.Quantity
		product.Revenue = product.Revenue.Add(item.Subtotal())
	}
	return nil
}

func (a *statsAccumulator) result() OrderStats {
	totals := a.totals
	totals.DeliveryRevenue = totals.TotalRevenue.Sub(totals.ProductRevenue)
	if totals.TotalOrders > 0 {
		totals.AvgTicket = totals.TotalRevenue.Div(decimal.NewFromInt(int64(totals.TotalOrders))).Round(2)
	}

	days := lo.Keys(a.daily)
	slices.Sort(days)
	if len(days) > statsDailyWindow {
		days = days[len(days)-statsDailyWindow:]
	}
	daily := lo.Map(days, func(day string, _ int) domain.DailyStats {
		return *a.daily[day]
	})

	methods := lo.MapToSlice(a.methods, func(method PaymentMethod, count int) domain.PaymentMethodStats {
		return domain.PaymentMethodStats{Method: method, Count: count}
	})
	slices.SortFunc(methods, func(x, y domain.PaymentMethodStats) int {
		if x.Count != y.Count {
			return y.Count - x.Count
		}
		return strings.Compare(string(x.Method), string(y.Method))
	})

	products := lo.MapToSlice(a.products, func(_ string, p *domain.ProductStats) domain.ProductStats {
		return *p
	})
	slices.SortFunc(products, func(x, y domain.ProductStats) int {
		if x.Quantity != y.Quantity {
			return y.Quantity - x.Quantity
		}
		return strings.Compare(x.Name, y.Name)
	})
	if len(products) > statsTopProducts {
		products = products[:statsTopProducts]
	}

	return OrderStats{
		Totals:      totals,
		Daily:       daily,
		Payments:    methods,
		TopProducts: products,
	}
}
