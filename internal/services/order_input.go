package services

import (
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/joaosutil/pede-ai2/internal/platform/textutil"
)

const (
	maxOrderItems      = 100
	maxItemQuantity    = 999
	maxCustomerTextLen = 500
)

var customerTextPolicy = bluemonday.StrictPolicy()

// sanitizeText strips markup from customer-supplied text and trims surrounding space.
func sanitizeText(value string) string {
	cleaned := html.UnescapeString(customerTextPolicy.Sanitize(value))
	cleaned = strings.TrimSpace(cleaned)
	if runes := []rune(cleaned); len(runes) > maxCustomerTextLen {
		cleaned = strings.TrimSpace(string(runes[:maxCustomerTextLen]))
	}
	return cleaned
}

func normalizeCreateOrder(cmd CreateOrderCommand) (CreateOrderCommand, error) {
	out := CreateOrderCommand{
		RestaurantID:  strings.TrimSpace(cmd.RestaurantID),
		PaymentMethod: PaymentMethod(strings.TrimSpace(string(cmd.PaymentMethod))),
		Total:         cmd.Total,
	}
	if out.RestaurantID == "" {
		return CreateOrderCommand{}, fmt.Errorf("%w: restaurant id is required", ErrOrderInvalidInput)
	}
	if !out.PaymentMethod.Valid() {
		return CreateOrderCommand{}, fmt.Errorf("%w: unknown payment method %q", ErrOrderInvalidInput, cmd.PaymentMethod)
	}
	if out.Total != nil && out.Total.IsNegative() {
		return CreateOrderCommand{}, fmt.Errorf("%w: total must not be negative", ErrOrderInvalidInput)
	}

	customer := Customer{
		Name:    sanitizeText(cmd.Customer.Name),
		Phone:   sanitizeText(cmd.Customer.Phone),
		Address: sanitizeText(cmd.Customer.Address),
		CPF:     textutil.PhoneDigits(cmd.Customer.CPF),
		Email:   strings.ToLower(sanitizeText(cmd.Customer.Email)),
	}
	switch {
	case customer.Name == "":
		return CreateOrderCommand{}, fmt.Errorf("%w: customer name is required", ErrOrderInvalidInput)
	case textutil.PhoneDigits(customer.Phone) == "":
		return CreateOrderCommand{}, fmt.Errorf("%w: customer phone is required", ErrOrderInvalidInput)
	case customer.Address == "":
		return CreateOrderCommand{}, fmt.Errorf("%w: customer address is required", ErrOrderInvalidInput)
	case customer.CPF != "" && len(customer.CPF) != 11:
		return CreateOrderCommand{}, fmt.Errorf("%w: cpf must have 11 digits", ErrOrderInvalidInput)
	case customer.Email != "" && !strings.Contains(customer.Email, "@"):
		return CreateOrderCommand{}, fmt.Errorf("%w: customer email is malformed", ErrOrderInvalidInput)
	}
	out.Customer = customer

	if len(cmd.Items) == 0 {
		return CreateOrderCommand{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	if len(cmd.Items) > maxOrderItems {
		return CreateOrderCommand{}, fmt.Errorf("%w: order exceeds %d items", ErrOrderInvalidInput, maxOrderItems)
	}
	out.Items = make([]OrderItem, 0, len(cmd.Items))
	for i, item := range cmd.Items {
		name := sanitizeText(item.Name)
		switch {
		case name == "":
			return CreateOrderCommand{}, fmt.Errorf("%w: items[%d].name is required", ErrOrderInvalidInput, i)
		case item.Quantity <= 0 || item.Quantity > maxItemQuantity:
			return CreateOrderCommand{}, fmt.Errorf("%w: items[%d].quantity must be between 1 and %d", ErrOrderInvalidInput, i, maxItemQuantity)
		case item.UnitPrice.IsNegative():
			return CreateOrderCommand{}, fmt.Errorf("%w: items[%d].unitPrice must not be negative", ErrOrderInvalidInput, i)
		}
		out.Items = append(out.Items, OrderItem{
			Name:      name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.Round(2),
			Note:      sanitizeText(item.Note),
		})
	}
	return out, nil
}
