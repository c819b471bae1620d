package domain

import "github.com/shopspring/decimal"

// StatsScope selects the orders rolled up by the stats aggregator. An empty RestaurantID
// means platform-wide.
type StatsScope struct {
	RestaurantID string
}

// Global reports whether the scope spans every restaurant.
func (s StatsScope) Global() bool {
	return s.RestaurantID == ""
}

// OrderStats is the rollup over delivered orders.
type OrderStats struct {
	Scope       StatsScope
	Totals      StatsTotals
	Daily       []DailyStats
	Payments    []PaymentMethodStats
	TopProducts []ProductStats
}

// StatsTotals holds revenue figures. DeliveryRevenue is TotalRevenue minus ProductRevenue.
type StatsTotals struct {
	TotalRevenue    decimal.Decimal
	ProductRevenue  decimal.Decimal
	DeliveryRevenue decimal.Decimal
	TotalOrders     int
	AvgTicket       decimal.Decimal
}

// DailyStats buckets delivered orders by creation date (YYYY-MM-DD).
type DailyStats struct {
	Date    string
	Revenue decimal.Decimal
	Count   int
}

// PaymentMethodStats counts delivered orders per payment method.
type PaymentMethodStats struct {
	Method PaymentMethod
	Count  int
}

// ProductStats aggregates sold quantity and revenue for an item name.
type ProductStats struct {
	Name     string
	Quantity int
	Revenue  decimal.Decimal
}
