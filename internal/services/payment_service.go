package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/joaosutil/pede-ai2/internal/domain"
	"github.com/joaosutil/pede-ai2/internal/payments"
	"github.com/joaosutil/pede-ai2/internal/repositories"
)

var (
	// ErrPaymentInvalidInput signals a malformed charge request.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentGateway wraps failures reported by the payment gateway.
	ErrPaymentGateway = errors.New("payment: gateway error")
	// ErrPaymentNotApproved indicates the gateway declined the charge.
	ErrPaymentNotApproved = errors.New("payment: not approved")
	// ErrPaymentNotSettled indicates the gateway has not settled the payment yet.
	ErrPaymentNotSettled = errors.New("payment: not settled")
)

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders    repositories.OrderRepository
	Lifecycle OrderService
	Gateway   PaymentGateway
	Currency  string
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders    repositories.OrderRepository
	lifecycle OrderService
	gateway   PaymentGateway
	currency  string
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewPaymentService constructs the charge orchestration service.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Lifecycle == nil {
		return nil, errors.New("payment service: order service is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: payment gateway is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "BRL"
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentService{
		orders:    deps.Orders,
		lifecycle: deps.Lifecycle,
		gateway:   deps.Gateway,
		currency:  currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreatePixCharge creates a Pix charge and parks the order in awaiting_payment. A gateway
// failure leaves the order untouched.
func (s *paymentService) CreatePixCharge(ctx context.Context, cmd CreateChargeCommand) (ChargeResult, error) {
	order, err := s.chargeableOrder(ctx, cmd.OrderID, domain.PaymentMethodPix)
	if err != nil {
		return ChargeResult{}, err
	}

	charge, err := s.gateway.CreateCharge(ctx, s.chargeRequest(order, payments.MethodPix, cmd))
	if err != nil {
		s.logger(ctx, "payment.charge.failed", map[string]any{"orderId": order.ID, "method": "pix", "error": err.Error()})
		return ChargeResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	order.PaymentID = charge.ExternalID
	order.PaymentStatus = domain.PaymentStatusAwaitingPayment
	order.UpdatedAt = s.clock()
	if err := s.orders.Update(ctx, order); err != nil {
		return ChargeResult{}, mapPaymentRepositoryError(err)
	}

	s.logger(ctx, "payment.charge.created", map[string]any{"orderId": order.ID, "method": "pix", "paymentId": charge.ExternalID})
	return ChargeResult{Order: order, Charge: charge}, nil
}

// CreateCardCharge charges a tokenised card and confirms the order when the gateway approves.
func (s *paymentService) CreateCardCharge(ctx context.Context, cmd CreateChargeCommand) (ChargeResult, error) {
	if strings.TrimSpace(cmd.PaymentMethodToken) == "" {
		return ChargeResult{}, fmt.Errorf("%w: payment method token is required", ErrPaymentInvalidInput)
	}
	order, err := s.chargeableOrder(ctx, cmd.OrderID, domain.PaymentMethodCardOnline)
	if err != nil {
		return ChargeResult{}, err
	}

	charge, err := s.gateway.CreateCharge(ctx, s.chargeRequest(order, payments.MethodCard, cmd))
	if err != nil {
		s.logger(ctx, "payment.charge.failed", map[string]any{"orderId": order.ID, "method": "card", "error": err.Error()})
		return ChargeResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	if charge.Status != payments.StatusSucceeded {
		s.logger(ctx, "payment.charge.declined", map[string]any{"orderId": order.ID, "paymentId": charge.ExternalID, "status": string(charge.Status)})
		return ChargeResult{}, fmt.Errorf("%w: gateway status %s", ErrPaymentNotApproved, charge.Status)
	}

	confirmed, err := s.lifecycle.ConfirmPayment(ctx, ConfirmPaymentCommand{
		OrderID:   order.ID,
		PaymentID: charge.ExternalID,
		Source:    "card_charge",
	})
	if err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{Order: confirmed, Charge: charge}, nil
}

func (s *paymentService) GetChargeStatus(ctx context.Context, paymentID string) (payments.ChargeStatus, error) {
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return payments.ChargeStatus{}, fmt.Errorf("%w: payment id is required", ErrPaymentInvalidInput)
	}
	status, err := s.gateway.GetStatus(ctx, id)
	if err != nil {
		return payments.ChargeStatus{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	return status, nil
}

// VerifyAndConfirm confirms the order only when the payment is the charge stored on the order,
// the gateway ties it to the same order and reports it as settled.
func (s *paymentService) VerifyAndConfirm(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error) {
	id := strings.TrimSpace(cmd.PaymentID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: payment id is required", ErrPaymentInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, strings.TrimSpace(cmd.OrderID))
	if err != nil {
		return Order{}, mapPaymentRepositoryError(err)
	}
	switch order.PaymentID {
	case "":
		return Order{}, fmt.Errorf("%w: order %s has no charge to confirm", ErrOrderInvalidState, order.ID)
	case id:
	default:
		return Order{}, fmt.Errorf("%w: payment %s does not belong to order %s", ErrPaymentInvalidInput, id, order.ID)
	}

	status, err := s.gateway.GetStatus(ctx, id)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	if status.OrderID != order.ID {
		s.logger(ctx, "payment.order.mismatch", map[string]any{
			"orderId":      order.ID,
			"paymentId":    id,
			"chargedOrder": status.OrderID,
		})
		return Order{}, fmt.Errorf("%w: payment %s was not charged for order %s", ErrPaymentInvalidInput, id, order.ID)
	}
	if status.Status != payments.StatusSucceeded {
		return Order{}, fmt.Errorf("%w: gateway status %s", ErrPaymentNotSettled, status.Status)
	}
	if !status.Amount.IsZero() && !status.Amount.Equal(order.Total) {
		s.logger(ctx, "payment.amount.mismatch", map[string]any{
			"orderId":   order.ID,
			"paymentId": id,
			"expected":  order.Total.StringFixed(2),
			"received":  status.Amount.StringFixed(2),
		})
		return Order{}, fmt.Errorf("%w: settled amount %s differs from order total %s", ErrPaymentInvalidInput, status.Amount.StringFixed(2), order.Total.StringFixed(2))
	}

	if cmd.Source == "" {
		cmd.Source = "client_poll"
	}
	// fulfilment status only moves through staff updates or the signed webhook
	cmd.Status = nil
	cmd.PaymentID = id
	return s.lifecycle.ConfirmPayment(ctx, cmd)
}

func (s *paymentService) chargeableOrder(ctx context.Context, orderID string, method PaymentMethod) (Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, mapPaymentRepositoryError(err)
	}
	switch {
	case order.PaymentMethod != method:
		return Order{}, fmt.Errorf("%w: order %s uses %s", ErrPaymentInvalidInput, order.ID, order.PaymentMethod)
	case order.PaymentStatus == domain.PaymentStatusPaid || order.PaymentStatus == domain.PaymentStatusRefunded:
		return Order{}, fmt.Errorf("%w: order %s payment is already %s", ErrOrderInvalidState, order.ID, order.PaymentStatus)
	case order.PaymentStatus == domain.PaymentStatusAwaitingPayment && order.PaymentID != "":
		return Order{}, fmt.Errorf("%w: order %s already has charge %s awaiting payment", ErrOrderInvalidState, order.ID, order.PaymentID)
	case order.Status.IsTerminal():
		return Order{}, fmt.Errorf("%w: order %s is %s", ErrOrderInvalidState, order.ID, order.Status)
	case !order.Total.IsPositive():
		return Order{}, fmt.Errorf("%w: order %s has nothing to charge", ErrPaymentInvalidInput, order.ID)
	}
	return order, nil
}

func (s *paymentService) chargeRequest(order Order, method payments.Method, cmd CreateChargeCommand) payments.ChargeRequest {
	return payments.ChargeRequest{
		OrderID:  order.ID,
		Amount:   order.Total,
		Currency: s.currency,
		Method:   method,
		Payer: payments.Payer{
			Name:  order.Customer.Name,
			Email: order.Customer.Email,
			Phone: order.Customer.Phone,
			CPF:   order.Customer.CPF,
		},
		PaymentMethodToken: strings.TrimSpace(cmd.PaymentMethodToken),
		IdempotencyKey:     strings.TrimSpace(cmd.IdempotencyKey),
		Metadata:           map[string]string{"order_number": order.Number, "restaurant_id": order.RestaurantID},
	}
}

func mapPaymentRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("payment: repository unavailable: %w", err)
		}
	}
	return err
}
