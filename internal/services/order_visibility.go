package services

import (
	"fmt"

	"github.com/samber/lo"

	domain "github.com/joaosutil/pede-ai2/internal/domain"
)

// VisibleToRestaurant reports whether a restaurant dashboard may show the order. Offline
// payments are always visible; online payments only once paid.
func VisibleToRestaurant(order Order) bool {
	switch {
	case order.PaymentMethod.IsOffline():
		return true
	case order.PaymentMethod.IsOnline():
		return order.PaymentStatus == domain.PaymentStatusPaid
	default:
		return false
	}
}

// FilterVisible keeps the orders a restaurant dashboard may show, preserving order.
func FilterVisible(orders []Order) []Order {
	return lo.Filter(orders, func(order Order, _ int) bool {
		return VisibleToRestaurant(order)
	})
}

// authorizeRestaurantScope allows admins any restaurant and restaurant viewers only their own.
func authorizeRestaurantScope(viewer Viewer, restaurantID string) error {
	switch {
	case viewer.IsAdmin():
		return nil
	case viewer.IsRestaurant():
		if viewer.RestaurantID != "" && viewer.RestaurantID == restaurantID {
			return nil
		}
		return fmt.Errorf("%w: restaurant %s is outside the viewer scope", ErrOrderForbidden, restaurantID)
	default:
		return fmt.Errorf("%w: restaurant listings require admin or restaurant role", ErrOrderForbidden)
	}
}

func authorizeOrderAccess(viewer Viewer, order Order) error {
	return authorizeRestaurantScope(viewer, order.RestaurantID)
}
