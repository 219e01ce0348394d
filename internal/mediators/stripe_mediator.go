package mediators

import (
	"context"
	"encoding/json"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/refund"
	"go.uber.org/zap"
)

// Stripe caps metadata values at 500 characters.
const stripeMetadataValueLimit = 500

// StripeMediator implements RefundGateway against the Stripe API.
type StripeMediator struct {
	logger *zap.Logger
}

// NewStripeMediator configures the global Stripe client key and returns
// the mediator.
func NewStripeMediator(apiKey string, logger *zap.Logger) *StripeMediator {
	stripe.Key = apiKey
	return &StripeMediator{logger: logger}
}

// CreateRefund issues a refund against a charge. The ERP refund id and
// invoice id travel in metadata so processor-side records link back.
func (s *StripeMediator) CreateRefund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	params := &stripe.RefundParams{
		Charge: stripe.String(req.ChargeID),
		Amount: stripe.Int64(req.AmountMinor),
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.AddMetadata("refund_id", req.RefundID.String())
	params.AddMetadata("invoice_id", req.InvoiceID.String())
	params.AddMetadata("erp_reason", truncate(req.Reason, stripeMetadataValueLimit))

	r, err := refund.New(params)
	if err != nil {
		return nil, err
	}

	s.logger.Info("stripe refund created",
		zap.String("stripe_refund_id", r.ID),
		zap.String("charge_id", req.ChargeID),
		zap.Int64("amount_minor", req.AmountMinor))

	return toRefundResult(r), nil
}

// GetRefund fetches the current state of an already-issued refund. Used
// by the idempotent recovery path when a refund carries an external id
// but its local status is not terminal.
func (s *StripeMediator) GetRefund(ctx context.Context, refundID string) (*RefundResult, error) {
	params := &stripe.RefundParams{}
	params.Context = ctx

	r, err := refund.Get(refundID, params)
	if err != nil {
		return nil, err
	}
	return toRefundResult(r), nil
}

func toRefundResult(r *stripe.Refund) *RefundResult {
	raw, err := json.Marshal(r)
	if err != nil {
		raw = nil
	}
	return &RefundResult{
		ID:     r.ID,
		Status: string(r.Status),
		Raw:    raw,
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
