package mediators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	xeroDefaultBaseURL = "https://api.xero.com/api.xro/2.0"
	xeroTokenURL       = "https://identity.xero.com/connect/token"
)

// XeroConfig configures the Xero custom-connection client.
type XeroConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	BaseURL      string
	Timeout      time.Duration
}

// XeroMediator implements LedgerClient against the Xero accounting API
// using the client-credentials (custom connection) grant.
type XeroMediator struct {
	httpClient *http.Client
	baseURL    string
	tenantID   string
	timeout    time.Duration
	logger     *zap.Logger
}

// NewXeroMediator builds a Xero client whose HTTP transport refreshes
// OAuth tokens transparently.
func NewXeroMediator(cfg XeroConfig, logger *zap.Logger) *XeroMediator {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     xeroTokenURL,
		Scopes:       []string{"accounting.transactions", "accounting.contacts"},
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = xeroDefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	httpClient := cc.Client(context.Background())
	httpClient.Timeout = timeout

	return &XeroMediator{
		httpClient: httpClient,
		baseURL:    baseURL,
		tenantID:   cfg.TenantID,
		timeout:    timeout,
		logger:     logger,
	}
}

// CreateInvoice pushes an invoice document and returns the assigned
// InvoiceID.
func (x *XeroMediator) CreateInvoice(ctx context.Context, doc *LedgerInvoiceDocument) (*LedgerResponse, error) {
	body := map[string]interface{}{"Invoices": []*LedgerInvoiceDocument{doc}}

	var out struct {
		Invoices []struct {
			InvoiceID string `json:"InvoiceID"`
		} `json:"Invoices"`
	}
	raw, err := x.post(ctx, "/Invoices", body, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Invoices) == 0 {
		return nil, fmt.Errorf("xero response contained no invoice")
	}
	return &LedgerResponse{ID: out.Invoices[0].InvoiceID, Raw: raw}, nil
}

// CreateCreditNote pushes a credit note document and returns the
// assigned CreditNoteID.
func (x *XeroMediator) CreateCreditNote(ctx context.Context, doc *LedgerCreditNoteDocument) (*LedgerResponse, error) {
	body := map[string]interface{}{"CreditNotes": []*LedgerCreditNoteDocument{doc}}

	var out struct {
		CreditNotes []struct {
			CreditNoteID string `json:"CreditNoteID"`
		} `json:"CreditNotes"`
	}
	raw, err := x.post(ctx, "/CreditNotes", body, &out)
	if err != nil {
		return nil, err
	}
	if len(out.CreditNotes) == 0 {
		return nil, fmt.Errorf("xero response contained no credit note")
	}
	return &LedgerResponse{ID: out.CreditNotes[0].CreditNoteID, Raw: raw}, nil
}

// CreatePayment pushes a payment document and returns the assigned
// PaymentID.
func (x *XeroMediator) CreatePayment(ctx context.Context, doc *LedgerPaymentDocument) (*LedgerResponse, error) {
	body := map[string]interface{}{"Payments": []*LedgerPaymentDocument{doc}}

	var out struct {
		Payments []struct {
			PaymentID string `json:"PaymentID"`
		} `json:"Payments"`
	}
	raw, err := x.post(ctx, "/Payments", body, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Payments) == 0 {
		return nil, fmt.Errorf("xero response contained no payment")
	}
	return &LedgerResponse{ID: out.Payments[0].PaymentID, Raw: raw}, nil
}

func (x *XeroMediator) post(ctx context.Context, path string, body interface{}, out interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal xero request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create xero request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Xero-tenant-id", x.tenantID)

	start := time.Now()
	resp, err := x.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("xero request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read xero response: %w", err)
	}

	x.logger.Debug("xero API call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Provider: "xero", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return nil, fmt.Errorf("failed to decode xero response: %w", err)
	}
	return respBody, nil
}
