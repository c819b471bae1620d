package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the fulfillment state of an order.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether no further fulfillment transition is allowed from the status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Valid reports whether the status is one of the known fulfillment states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusNew, OrderStatusPreparing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// PaymentMethod is how the customer pays for an order. It never changes after creation.
type PaymentMethod string

const (
	PaymentMethodCash           PaymentMethod = "cash"
	PaymentMethodCardOnDelivery PaymentMethod = "card_on_delivery"
	PaymentMethodCardOnline     PaymentMethod = "card_online"
	PaymentMethodPix            PaymentMethod = "pix"
)

// IsOnline reports whether the method is mediated by the payment gateway.
func (m PaymentMethod) IsOnline() bool {
	return m == PaymentMethodPix || m == PaymentMethodCardOnline
}

// IsOffline reports whether the method is collected at delivery time.
func (m PaymentMethod) IsOffline() bool {
	return m == PaymentMethodCash || m == PaymentMethodCardOnDelivery
}

// Valid reports whether the method is supported.
func (m PaymentMethod) Valid() bool {
	return m.IsOnline() || m.IsOffline()
}

// PaymentStatus tracks the settlement of an order's payment.
type PaymentStatus string

const (
	PaymentStatusPending         PaymentStatus = "pending"
	PaymentStatusAwaitingPayment PaymentStatus = "awaiting_payment"
	PaymentStatusPaid            PaymentStatus = "paid"
	PaymentStatusRefunded        PaymentStatus = "refunded"
)

// Timeline markers recorded alongside status entries. They never drive the state machine.
const (
	TimelinePaymentConfirmed = "payment_confirmed"
	TimelineRefundIssued     = "refund_issued"
)

// Customer is the ordering party captured at checkout. Guest checkout is supported so the
// contact details are embedded rather than referenced.
type Customer struct {
	Name    string
	Phone   string
	Address string
	CPF     string
	Email   string
}

// OrderItem snapshots a menu item at the time the order was placed.
type OrderItem struct {
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	Note      string
}

// Subtotal returns unit price multiplied by quantity.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// TimelineEntry is a single append-only audit record. Status holds either an OrderStatus
// value or one of the timeline markers.
type TimelineEntry struct {
	Status    string
	Timestamp time.Time
}

// Order is a single customer purchase against one restaurant.
type Order struct {
	ID            string
	Number        string
	RestaurantID  string
	Customer      Customer
	Items         []OrderItem
	Total         decimal.Decimal
	PaymentMethod PaymentMethod
	PaymentStatus PaymentStatus
	PaymentID     string
	Status        OrderStatus
	Timeline      []TimelineEntry
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProductsTotal sums the item subtotals, excluding the delivery fee.
func (o Order) ProductsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// LastTimelineStatus returns the status of the most recent timeline entry.
func (o Order) LastTimelineStatus() string {
	if len(o.Timeline) == 0 {
		return ""
	}
	return o.Timeline[len(o.Timeline)-1].Status
}

// Restaurant is the subset of restaurant data the order workflow depends on.
type Restaurant struct {
	ID           string
	Name         string
	Phone        string
	DeliveryTime string
	DeliveryFee  decimal.Decimal
	OwnerID      string
}
