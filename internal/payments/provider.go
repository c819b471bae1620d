package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status enumerates the normalised payment states shared across gateways.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or gateway settlement.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway reports the payment as settled.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been fully refunded.
	StatusRefunded Status = "refunded"
)

// Method is the gateway-mediated instrument used for a charge.
type Method string

const (
	MethodPix  Method = "pix"
	MethodCard Method = "card"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a gateway.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// Payer identifies the paying customer to the gateway.
type Payer struct {
	Name  string
	Email string
	Phone string
	CPF   string
}

// ChargeRequest asks the gateway to create a charge for an order.
type ChargeRequest struct {
	OrderID  string
	Amount   decimal.Decimal
	Currency string
	Method   Method
	Payer    Payer
	// PaymentMethodToken is the client-side tokenised card. Required for MethodCard.
	PaymentMethodToken string
	IdempotencyKey     string
	Metadata           map[string]string
}

// PixInstructions holds the copy-paste code and QR image a customer scans to pay.
type PixInstructions struct {
	QRCode    string
	ImageURL  string
	ExpiresAt time.Time
}

// Charge is the gateway's view of a freshly created charge.
type Charge struct {
	Provider     string
	ExternalID   string
	Status       Status
	Amount       decimal.Decimal
	Currency     string
	ClientSecret string
	Pix          *PixInstructions
}

// ChargeStatus is the result of a status lookup. OrderID is the order the charge was created
// for, empty when the gateway holds no such reference.
type ChargeStatus struct {
	Provider   string
	ExternalID string
	OrderID    string
	Status     Status
	Amount     decimal.Decimal
	Currency   string
}

// RefundRequest defines a full refund attempt.
type RefundRequest struct {
	ExternalID     string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundResult reports the outcome of a refund call.
type RefundResult struct {
	RefundID   string
	ExternalID string
	Status     Status
}

// Gateway is the payment processor contract. Every call is network bound and fallible.
type Gateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
	GetStatus(ctx context.Context, externalID string) (ChargeStatus, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// Timeouts bounds each kind of gateway call. Zero disables the bound.
type Timeouts struct {
	Charge time.Duration
	Refund time.Duration
	Status time.Duration
}

// Manager routes calls to registered gateways and applies timeouts and idempotency keys.
type Manager struct {
	providers       map[string]Gateway
	defaultProvider string
	currencyRoutes  map[string]string
	timeouts        Timeouts
	newKey          func() string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default gateway for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to gateway mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// WithTimeouts sets per-call deadlines.
func WithTimeouts(t Timeouts) ManagerOption {
	return func(m *Manager) {
		m.timeouts = t
	}
}

// WithIdempotencyKeyGenerator overrides the uuid-based key source.
func WithIdempotencyKeyGenerator(fn func() string) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.newKey = fn
		}
	}
}

// NewManager constructs a Manager over the supplied gateways.
func NewManager(providers map[string]Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Gateway, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
		newKey:    uuid.NewString,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) resolveProvider(currency string) (string, Gateway, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateCharge delegates to the gateway routed for the currency. A missing idempotency key is
// replaced with a fresh one.
func (m *Manager) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	key, provider, err := m.resolveProvider(req.Currency)
	if err != nil {
		return Charge{}, err
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = m.newKey()
	}
	ctx, cancel := withTimeout(ctx, m.timeouts.Charge)
	defer cancel()

	charge, err := provider.CreateCharge(ctx, req)
	if err != nil {
		return Charge{}, err
	}
	charge.Provider = key
	return charge, nil
}

// GetStatus looks up a charge on the default gateway.
func (m *Manager) GetStatus(ctx context.Context, externalID string) (ChargeStatus, error) {
	key, provider, err := m.resolveProvider("")
	if err != nil {
		return ChargeStatus{}, err
	}
	ctx, cancel := withTimeout(ctx, m.timeouts.Status)
	defer cancel()

	status, err := provider.GetStatus(ctx, externalID)
	if err != nil {
		return ChargeStatus{}, err
	}
	status.Provider = key
	return status, nil
}

// Refund delegates to the default gateway. Every attempt carries a fresh idempotency key.
func (m *Manager) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	_, provider, err := m.resolveProvider("")
	if err != nil {
		return RefundResult{}, err
	}
	req.IdempotencyKey = m.newKey()
	ctx, cancel := withTimeout(ctx, m.timeouts.Refund)
	defer cancel()

	return provider.Refund(ctx, req)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// ToMinorUnits converts a decimal amount to integer cents.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts integer cents to a decimal amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

var _ Gateway = (*Manager)(nil)
