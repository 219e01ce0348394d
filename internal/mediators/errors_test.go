package mediators

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stripe/stripe-go/v74"
)

// TestIsRetryableError pins the transient/permanent classification the
// refund and sync retry loops depend on.
func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"stripe connection error", &stripe.Error{Type: stripe.ErrorType("api_connection_error")}, true},
		{"stripe rate limited", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 429}, true},
		{"stripe server error", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 503}, true},
		{"stripe card declined", &stripe.Error{Type: stripe.ErrorTypeCard, HTTPStatusCode: 402}, false},
		{"api 500", &APIError{Provider: "xero", StatusCode: 500, Body: "boom"}, true},
		{"api 429", &APIError{Provider: "xero", StatusCode: 429, Body: "slow down"}, true},
		{"api 400", &APIError{Provider: "xero", StatusCode: 400, Body: "bad request"}, false},
		{"api 401", &APIError{Provider: "xero", StatusCode: 401, Body: "unauthorized"}, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("calling processor: %w", context.DeadlineExceeded), true},
		{"wrapped api 502", fmt.Errorf("sync failed: %w", &APIError{Provider: "xero", StatusCode: 502}), true},
		{"plain error", errors.New("validation failed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryableError(tt.err))
		})
	}
}

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{Provider: "xero", StatusCode: 503, Body: "maintenance"}
	assert.Equal(t, "xero API error: status 503: maintenance", err.Error())
}
