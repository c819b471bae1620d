package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Currency  string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeProvider implements Gateway with Stripe PaymentIntents.
type StripeProvider struct {
	api      stripeClients
	account  string
	currency string
	clock    func() time.Time
	logger   StripeLogger
}

// NewStripeProvider constructs a Stripe gateway using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}

	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "BRL"
	}

	return &StripeProvider{
		api:      clients,
		account:  strings.TrimSpace(cfg.AccountID),
		currency: currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCharge creates and confirms a PaymentIntent for the requested method.
func (p *StripeProvider) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	if p == nil {
		return Charge{}, errors.New("stripe: provider is nil")
	}
	amount := ToMinorUnits(req.Amount)
	if amount <= 0 {
		return Charge{}, fmt.Errorf("stripe: charge amount must be positive, got %s", req.Amount.StringFixed(2))
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = p.currency
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(strings.ToLower(currency)),
		Confirm:  stripe.Bool(true),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	switch req.Method {
	case MethodPix:
		params.PaymentMethodTypes = stripe.StringSlice([]string{"pix"})
		params.PaymentMethodData = &stripe.PaymentIntentPaymentMethodDataParams{
			Type: stripe.String("pix"),
		}
	case MethodCard:
		token := strings.TrimSpace(req.PaymentMethodToken)
		if token == "" {
			return Charge{}, errors.New("stripe: card charge requires a payment method token")
		}
		params.PaymentMethodTypes = stripe.StringSlice([]string{"card"})
		params.PaymentMethod = stripe.String(token)
	default:
		return Charge{}, fmt.Errorf("stripe: unsupported charge method %q", req.Method)
	}

	if email := strings.TrimSpace(req.Payer.Email); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	if orderID := strings.TrimSpace(req.OrderID); orderID != "" {
		params.Description = stripe.String("Pedido " + orderID)
	}
	params.Metadata = chargeMetadata(req)

	intent, err := p.api.intents.New(params)
	if err != nil {
		return Charge{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
		"method":        string(req.Method),
		"orderId":       req.OrderID,
	})

	charge := Charge{
		Provider:     "stripe",
		ExternalID:   intent.ID,
		Status:       stripeIntentStatus(intent),
		Amount:       FromMinorUnits(intent.Amount),
		Currency:     strings.ToUpper(string(intent.Currency)),
		ClientSecret: intent.ClientSecret,
	}
	if req.Method == MethodPix {
		charge.Pix = p.pixInstructions(intent)
	}
	return charge, nil
}

// GetStatus retrieves a PaymentIntent and normalises its state.
func (p *StripeProvider) GetStatus(ctx context.Context, externalID string) (ChargeStatus, error) {
	if p == nil {
		return ChargeStatus{}, errors.New("stripe: provider is nil")
	}
	id := strings.TrimSpace(externalID)
	if id == "" {
		return ChargeStatus{}, errors.New("stripe: payment intent id is required")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(id, params)
	if err != nil {
		return ChargeStatus{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return ChargeStatus{
		Provider:   "stripe",
		ExternalID: intent.ID,
		OrderID:    intent.Metadata["order_id"],
		Status:     stripeIntentStatus(intent),
		Amount:     FromMinorUnits(intent.Amount),
		Currency:   strings.ToUpper(string(intent.Currency)),
	}, nil
}

// Refund issues a full refund against the PaymentIntent.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if p == nil {
		return RefundResult{}, errors.New("stripe: provider is nil")
	}
	id := strings.TrimSpace(req.ExternalID)
	if id == "" {
		return RefundResult{}, errors.New("stripe: payment intent id is required")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(id),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	refund, err := p.api.refunds.New(params)
	if err != nil {
		return RefundResult{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}

	status := StatusPending
	switch refund.Status {
	case stripe.RefundStatusSucceeded:
		status = StatusRefunded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		status = StatusFailed
	}

	p.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"paymentIntent": id,
		"refundId":      refund.ID,
		"status":        refund.Status,
	})

	if status == StatusFailed {
		return RefundResult{}, fmt.Errorf("stripe: refund %s ended with status %s", refund.ID, refund.Status)
	}
	return RefundResult{RefundID: refund.ID, ExternalID: id, Status: status}, nil
}

func (p *StripeProvider) pixInstructions(intent *stripe.PaymentIntent) *PixInstructions {
	if intent == nil || intent.NextAction == nil || intent.NextAction.PixDisplayQRCode == nil {
		return nil
	}
	qr := intent.NextAction.PixDisplayQRCode
	expiresAt := p.clock().Add(30 * time.Minute)
	if qr.ExpiresAt != 0 {
		expiresAt = time.Unix(qr.ExpiresAt, 0).UTC()
	}
	return &PixInstructions{
		QRCode:    qr.Data,
		ImageURL:  qr.ImageURLPNG,
		ExpiresAt: expiresAt,
	}
}

func stripeIntentStatus(intent *stripe.PaymentIntent) Status {
	if intent == nil {
		return StatusPending
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}

	if charge := intent.LatestCharge; charge != nil {
		if charge.Refunded || (charge.Amount > 0 && charge.AmountRefunded >= charge.Amount) {
			status = StatusRefunded
		}
	}
	return status
}

func chargeMetadata(req ChargeRequest) map[string]string {
	meta := make(map[string]string, len(req.Metadata)+3)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.OrderID != "" {
		meta["order_id"] = req.OrderID
	}
	if req.Payer.Name != "" {
		meta["payer_name"] = req.Payer.Name
	}
	if req.Payer.CPF != "" {
		meta["payer_cpf"] = req.Payer.CPF
	}
	return meta
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}

var _ Gateway = (*StripeProvider)(nil)
