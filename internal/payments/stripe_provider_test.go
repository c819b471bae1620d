package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
)

type fakeIntentAPI struct {
	newParams *stripe.PaymentIntentParams
	intent    *stripe.PaymentIntent
	err       error
	gotID     string
}

func (f *fakeIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.newParams = params
	return f.intent, f.err
}

func (f *fakeIntentAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.gotID = id
	return f.intent, f.err
}

type fakeRefundAPI struct {
	params *stripe.RefundParams
	refund *stripe.Refund
	err    error
}

func (f *fakeRefundAPI) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = params
	return f.refund, f.err
}

func newTestStripeProvider(t *testing.T, intents *fakeIntentAPI, refunds *fakeRefundAPI) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		AccountID: "acct_1",
		Clock:     func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
		Clients:   &stripeClients{intents: intents, refunds: refunds},
	})
	require.NoError(t, err)
	return provider
}

func TestStripeCreatePixCharge(t *testing.T) {
	intents := &fakeIntentAPI{intent: &stripe.PaymentIntent{
		ID:       "pi_pix",
		Amount:   4500,
		Currency: "brl",
		Status:   stripe.PaymentIntentStatusRequiresAction,
		NextAction: &stripe.PaymentIntentNextAction{
			PixDisplayQRCode: &stripe.PaymentIntentNextActionPixDisplayQRCode{
				Data:        "00020126...",
				ImageURLPNG: "https://qr.example/pi_pix.png",
				ExpiresAt:   1767323045,
			},
		},
	}}
	provider := newTestStripeProvider(t, intents, &fakeRefundAPI{})

	charge, err := provider.CreateCharge(context.Background(), ChargeRequest{
		OrderID:        "ord_1",
		Amount:         decimal.RequireFromString("45.00"),
		Method:         MethodPix,
		Payer:          Payer{Name: "Ana", Email: "ana@example.com"},
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)

	params := intents.newParams
	require.NotNil(t, params)
	require.Equal(t, int64(4500), *params.Amount)
	require.Equal(t, "brl", *params.Currency)
	require.True(t, *params.Confirm)
	require.Equal(t, []string{"pix"}, stringValueSlice(params.PaymentMethodTypes))
	require.Equal(t, "pix", *params.PaymentMethodData.Type)
	require.Equal(t, "idem-1", *params.IdempotencyKey)
	require.Equal(t, "acct_1", *params.StripeAccount)
	require.Equal(t, "ord_1", params.Metadata["order_id"])

	require.Equal(t, "pi_pix", charge.ExternalID)
	require.Equal(t, StatusPending, charge.Status)
	require.True(t, charge.Amount.Equal(decimal.RequireFromString("45")))
	require.NotNil(t, charge.Pix)
	require.Equal(t, "00020126...", charge.Pix.QRCode)
	require.Equal(t, time.Unix(1767323045, 0).UTC(), charge.Pix.ExpiresAt)
}

func TestStripeCreateCardChargeRequiresToken(t *testing.T) {
	provider := newTestStripeProvider(t, &fakeIntentAPI{}, &fakeRefundAPI{})
	_, err := provider.CreateCharge(context.Background(), ChargeRequest{
		Amount: decimal.NewFromInt(10),
		Method: MethodCard,
	})
	require.Error(t, err)
}

func TestStripeCreateCardChargeSucceeded(t *testing.T) {
	intents := &fakeIntentAPI{intent: &stripe.PaymentIntent{
		ID:     "pi_card",
		Amount: 1000,
		Status: stripe.PaymentIntentStatusSucceeded,
	}}
	provider := newTestStripeProvider(t, intents, &fakeRefundAPI{})

	charge, err := provider.CreateCharge(context.Background(), ChargeRequest{
		Amount:             decimal.NewFromInt(10),
		Method:             MethodCard,
		PaymentMethodToken: "pm_card_visa",
	})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, charge.Status)
	require.Nil(t, charge.Pix)
	require.Equal(t, "pm_card_visa", *intents.newParams.PaymentMethod)
}

func TestStripeCreateChargeRejectsNonPositiveAmount(t *testing.T) {
	provider := newTestStripeProvider(t, &fakeIntentAPI{}, &fakeRefundAPI{})
	_, err := provider.CreateCharge(context.Background(), ChargeRequest{Amount: decimal.Zero, Method: MethodPix})
	require.Error(t, err)
}

func TestStripeGetStatusDetectsRefund(t *testing.T) {
	intents := &fakeIntentAPI{intent: &stripe.PaymentIntent{
		ID:       "pi_1",
		Amount:   2000,
		Status:   stripe.PaymentIntentStatusSucceeded,
		Metadata: map[string]string{"order_id": "ord_1"},
		LatestCharge: &stripe.Charge{
			Amount:         2000,
			AmountRefunded: 2000,
		},
	}}
	provider := newTestStripeProvider(t, intents, &fakeRefundAPI{})

	status, err := provider.GetStatus(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, "pi_1", intents.gotID)
	require.Equal(t, StatusRefunded, status.Status)
	require.Equal(t, "ord_1", status.OrderID)
}

func TestStripeRefund(t *testing.T) {
	refunds := &fakeRefundAPI{refund: &stripe.Refund{ID: "re_1", Status: stripe.RefundStatusSucceeded}}
	provider := newTestStripeProvider(t, &fakeIntentAPI{}, refunds)

	result, err := provider.Refund(context.Background(), RefundRequest{
		ExternalID:     "pi_1",
		Reason:         "requested_by_customer",
		IdempotencyKey: "refund-key",
	})
	require.NoError(t, err)
	require.Equal(t, "re_1", result.RefundID)
	require.Equal(t, StatusRefunded, result.Status)
	require.Equal(t, "pi_1", *refunds.params.PaymentIntent)
	require.Equal(t, "refund-key", *refunds.params.IdempotencyKey)
	require.Equal(t, "requested_by_customer", *refunds.params.Reason)
}

func TestStripeRefundFailures(t *testing.T) {
	t.Run("api error", func(t *testing.T) {
		provider := newTestStripeProvider(t, &fakeIntentAPI{}, &fakeRefundAPI{err: errors.New("card_declined")})
		_, err := provider.Refund(context.Background(), RefundRequest{ExternalID: "pi_1"})
		require.ErrorContains(t, err, "card_declined")
	})

	t.Run("failed status", func(t *testing.T) {
		provider := newTestStripeProvider(t, &fakeIntentAPI{}, &fakeRefundAPI{refund: &stripe.Refund{ID: "re_2", Status: stripe.RefundStatusFailed}})
		_, err := provider.Refund(context.Background(), RefundRequest{ExternalID: "pi_1"})
		require.Error(t, err)
	})

	t.Run("missing id", func(t *testing.T) {
		provider := newTestStripeProvider(t, &fakeIntentAPI{}, &fakeRefundAPI{})
		_, err := provider.Refund(context.Background(), RefundRequest{})
		require.Error(t, err)
	})
}

// stringValueSlice dereferences a slice of stripe string pointers.
func stringValueSlice(v []*string) []string {
	out := make([]string, len(v))
	for i := range v {
		out[i] = stripe.StringValue(v[i])
	}
	return out
}
