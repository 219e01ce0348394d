package mediators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v74"
)

// RefundRequest is an instruction to refund part of a charge at the
// payment processor. Amount is in minor units.
type RefundRequest struct {
	RefundID    uuid.UUID
	InvoiceID   uuid.UUID
	ChargeID    string
	AmountMinor int64
	Reason      string
}

// RefundResult is the processor's view of a refund.
type RefundResult struct {
	ID     string
	Status string
	Raw    json.RawMessage
}

// Succeeded reports whether the processor settled the refund.
func (r *RefundResult) Succeeded() bool {
	return r.Status == "succeeded"
}

// RefundGateway issues and verifies refunds at the payment processor.
type RefundGateway interface {
	CreateRefund(ctx context.Context, req *RefundRequest) (*RefundResult, error)
	GetRefund(ctx context.Context, refundID string) (*RefundResult, error)
}

// LedgerDocument types mirror the external bookkeeping system's API
// shapes.

// LedgerContact identifies the counterparty in the external ledger.
type LedgerContact struct {
	ContactID string `json:"ContactID,omitempty"`
	Name      string `json:"Name,omitempty"`
}

// LedgerLineItem is one line of an invoice or credit note document.
type LedgerLineItem struct {
	Description string  `json:"Description"`
	Quantity    float64 `json:"Quantity"`
	UnitAmount  string  `json:"UnitAmount"`
	AccountCode string  `json:"AccountCode,omitempty"`
	TaxType     string  `json:"TaxType,omitempty"`
}

// LedgerInvoiceDocument is the outbound invoice representation.
type LedgerInvoiceDocument struct {
	Type            string           `json:"Type"`
	InvoiceNumber   string           `json:"InvoiceNumber,omitempty"`
	Contact         LedgerContact    `json:"Contact"`
	Date            string           `json:"Date"`
	DueDate         string           `json:"DueDate,omitempty"`
	CurrencyCode    string           `json:"CurrencyCode"`
	LineAmountTypes string           `json:"LineAmountTypes"`
	LineItems       []LedgerLineItem `json:"LineItems"`
	Status          string           `json:"Status"`
	Reference       string           `json:"Reference,omitempty"`
}

// LedgerCreditNoteDocument is the outbound credit note representation.
type LedgerCreditNoteDocument struct {
	Type             string           `json:"Type"`
	CreditNoteNumber string           `json:"CreditNoteNumber,omitempty"`
	Contact          LedgerContact    `json:"Contact"`
	Date             string           `json:"Date"`
	CurrencyCode     string           `json:"CurrencyCode"`
	LineItems        []LedgerLineItem `json:"LineItems"`
	Status           string           `json:"Status"`
}

// LedgerInvoiceRef references an already-synced invoice by its
// external id.
type LedgerInvoiceRef struct {
	InvoiceID string `json:"InvoiceID"`
}

// LedgerAccountRef references the bank account payments post to.
type LedgerAccountRef struct {
	Code string `json:"Code"`
}

// LedgerPaymentDocument is the outbound payment representation.
type LedgerPaymentDocument struct {
	Invoice   LedgerInvoiceRef `json:"Invoice"`
	Account   LedgerAccountRef `json:"Account"`
	Date      string           `json:"Date"`
	Amount    string           `json:"Amount"`
	Reference string           `json:"Reference,omitempty"`
}

// LedgerResponse carries the external id assigned by the ledger and
// the raw response for the sync log.
type LedgerResponse struct {
	ID  string
	Raw json.RawMessage
}

// LedgerClient pushes financial documents to the external bookkeeping
// system.
type LedgerClient interface {
	CreateInvoice(ctx context.Context, doc *LedgerInvoiceDocument) (*LedgerResponse, error)
	CreateCreditNote(ctx context.Context, doc *LedgerCreditNoteDocument) (*LedgerResponse, error)
	CreatePayment(ctx context.Context, doc *LedgerPaymentDocument) (*LedgerResponse, error)
}

// APIError is a non-2xx response from an external integration.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// IsRetryableError classifies integration failures. Timeouts,
// connection errors, rate limiting and 5xx responses are transient;
// everything else fails immediately without consuming retry budget.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Type == stripe.ErrorType("api_connection_error") {
			return true
		}
		return stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= 500
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
