// Package gateway defines the payment gateway boundary: the charge
// submission interface, the decline code vocabulary, and the mapping from
// decline codes to retry categories.
package gateway

import (
	"context"
	"errors"

	"github.com/rebillhq/rebill/id"
	"github.com/rebillhq/rebill/retry"
	"github.com/rebillhq/rebill/types"
)

// Charge is one submission to the gateway. The idempotency key is stable
// across resubmissions of the same logical attempt, so a repeated Submit
// after a timeout cannot double-charge.
type Charge struct {
	PaymentID      id.PaymentID      `json:"payment_id"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	Amount         types.Money       `json:"amount"`
	MethodRef      string            `json:"method_ref"`
	IdempotencyKey string            `json:"idempotency_key"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Result is the gateway's answer to a submission. Code is empty on
// success and one of the decline codes below otherwise; a decline with no
// recognized code classifies as non-retriable.
type Result struct {
	Success     bool   `json:"success"`
	ProviderRef string `json:"provider_ref,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Gateway submits charges to a payment provider. A returned error means
// the outcome is unknown (transport failure); a Result with Success false
// means the provider answered with a decline.
type Gateway interface {
	Submit(ctx context.Context, ch Charge) (Result, error)
}

// MethodChecker verifies a payment method before a charge is attempted.
// The engine consults it pre-flight; a non-nil error blocks the charge.
type MethodChecker interface {
	CheckMethod(ctx context.Context, customerID, methodRef string) error
}

// Decline codes the classifier understands. Providers are adapted to this
// vocabulary; anything else classifies as non-retriable.
const (
	CodeInsufficientFunds    = "insufficient_funds"
	CodeCardDeclined         = "card_declined"
	CodeInvalidCard          = "invalid_card"
	CodeFraudSuspected       = "fraud_suspected"
	CodeCardExpired          = "card_expired"
	CodeGatewayTimeout       = "gateway_timeout"
	CodeNetworkError         = "network_error"
	CodeProcessorUnavailable = "processor_unavailable"
	CodeRateLimited          = "rate_limited"
)

// Classify maps a decline code to its retry category. Unknown codes are
// treated as permanent failures rather than retried blind.
func Classify(code string) retry.Category {
	switch code {
	case CodeInsufficientFunds:
		return retry.CategoryDelayedRetry
	case CodeGatewayTimeout, CodeNetworkError, CodeProcessorUnavailable, CodeRateLimited:
		return retry.CategoryRetriable
	case CodeCardDeclined, CodeInvalidCard, CodeFraudSuspected, CodeCardExpired:
		return retry.CategoryNonRetriable
	default:
		return retry.CategoryNonRetriable
	}
}

// ClassifyResult maps a declined Result to failure details.
func ClassifyResult(res Result) retry.Category {
	return Classify(res.Code)
}

// ClassifyError maps a Submit transport error to a decline code where the
// idempotency key makes a blind retry safe. A deadline expiry means the
// outcome is unknown but resubmission with the same key cannot
// double-charge, so it classifies as a timeout. Other errors return
// ok false and must surface to the caller unclassified.
func ClassifyError(err error) (code string, ok bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeGatewayTimeout, true
	}
	return "", false
}
