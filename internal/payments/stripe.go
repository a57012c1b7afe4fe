package payments

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// weiPerUnit scales 18-decimal ledger amounts to whole units. With
// PegCentsPerUnit=100 one ledger unit settles as one dollar.
var weiPerUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// StripeSettlement invoices the platform fee of completed orders as a
// manual-capture PaymentIntent. It implements ingest.Settlement.
type StripeSettlement struct {
	Currency        string
	PegCentsPerUnit int64
	Logger          *slog.Logger
}

// NewStripeSettlement initializes the stripe client with the given API key.
func NewStripeSettlement(apiKey string, logger *slog.Logger) *StripeSettlement {
	stripe.Key = apiKey
	return &StripeSettlement{Currency: "usd", PegCentsPerUnit: 100, Logger: logger}
}

// InvoiceFee holds the fee for a completed order. Fees below one minor
// unit are skipped.
func (s *StripeSettlement) InvoiceFee(ctx context.Context, orderID uint64, fee *big.Int) error {
	cents := MinorUnits(fee, s.PegCentsPerUnit)
	if cents <= 0 {
		s.Logger.Debug("fee below one minor unit, skipping invoice", "order_id", orderID)
		return nil
	}
	id, err := s.hold(ctx, cents, fmt.Sprintf("order-%d", orderID))
	if err != nil {
		return fmt.Errorf("invoice fee for order %d: %w", orderID, err)
	}
	s.Logger.Info("fee invoiced", "order_id", orderID, "cents", cents, "payment_intent", id)
	return nil
}

// hold creates a PaymentIntent with capture_method=manual so the fee can
// be captured or released once the dispute window closes.
func (s *StripeSettlement) hold(ctx context.Context, cents int64, idempotencyKey string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(cents),
		Currency: stripe.String(s.Currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.IdempotencyKey = stripe.String(idempotencyKey)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeSettlement) Capture(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Capture(paymentIntentID, nil)
	return err
}

// Release cancels the hold on a PaymentIntent, e.g. after a dispute is
// resolved in the requester's favor.
func (s *StripeSettlement) Release(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}

// MinorUnits converts a ledger amount into card minor units, rounding
// down. Nil or negative amounts yield zero.
func MinorUnits(amount *big.Int, centsPerUnit int64) int64 {
	if amount == nil || amount.Sign() <= 0 || centsPerUnit <= 0 {
		return 0
	}
	cents := new(big.Int).Mul(amount, big.NewInt(centsPerUnit))
	cents.Quo(cents, weiPerUnit)
	if !cents.IsInt64() {
		return 0
	}
	return cents.Int64()
}
