package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rebillhq/rebill/id"
	"github.com/rebillhq/rebill/retry"
	"github.com/rebillhq/rebill/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		code string
		want retry.Category
	}{
		{CodeInsufficientFunds, retry.CategoryDelayedRetry},
		{CodeCardDeclined, retry.CategoryNonRetriable},
		{CodeInvalidCard, retry.CategoryNonRetriable},
		{CodeFraudSuspected, retry.CategoryNonRetriable},
		{CodeCardExpired, retry.CategoryNonRetriable},
		{CodeGatewayTimeout, retry.CategoryRetriable},
		{CodeNetworkError, retry.CategoryRetriable},
		{CodeProcessorUnavailable, retry.CategoryRetriable},
		{CodeRateLimited, retry.CategoryRetriable},
		{"something_new", retry.CategoryNonRetriable},
		{"", retry.CategoryNonRetriable},
	}

	for _, tt := range tests {
		if got := Classify(tt.code); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	code, ok := ClassifyError(context.DeadlineExceeded)
	if !ok || code != CodeGatewayTimeout {
		t.Errorf("ClassifyError(DeadlineExceeded) = %q, %v", code, ok)
	}

	wrapped := errors.Join(errors.New("dial tcp"), context.DeadlineExceeded)
	code, ok = ClassifyError(wrapped)
	if !ok || code != CodeGatewayTimeout {
		t.Errorf("ClassifyError(wrapped deadline) = %q, %v", code, ok)
	}

	if _, ok := ClassifyError(errors.New("connection refused")); ok {
		t.Error("ClassifyError classified an unknown transport error")
	}
	if _, ok := ClassifyError(nil); ok {
		t.Error("ClassifyError classified nil")
	}
}

func testCharge(key string) Charge {
	return Charge{
		PaymentID:      id.NewPaymentID(),
		SubscriptionID: id.NewSubscriptionID(),
		Amount:         types.USD(2999),
		MethodRef:      "pm_visa_4242",
		IdempotencyKey: key,
	}
}

func TestSandboxDefaults(t *testing.T) {
	sb := NewSandbox()
	res, err := sb.Submit(context.Background(), testCharge("key-1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Success {
		t.Error("default submission declined")
	}
	if res.ProviderRef == "" {
		t.Error("no provider ref minted")
	}
}

func TestSandboxScript(t *testing.T) {
	sb := NewSandbox()
	sb.QueueDecline(CodeInsufficientFunds, "balance too low")
	sb.Queue(Result{Success: true, StatusCode: 200})

	res, err := sb.Submit(context.Background(), testCharge("key-a"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Success || res.Code != CodeInsufficientFunds {
		t.Errorf("first outcome = %+v, want queued decline", res)
	}

	res, err = sb.Submit(context.Background(), testCharge("key-b"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Success {
		t.Errorf("second outcome = %+v, want queued success", res)
	}

	// Script exhausted: back to default success.
	res, err = sb.Submit(context.Background(), testCharge("key-c"))
	if err != nil || !res.Success {
		t.Errorf("third outcome = %+v, %v, want default success", res, err)
	}
}

func TestSandboxReplaysByIdempotencyKey(t *testing.T) {
	sb := NewSandbox()
	sb.QueueDecline(CodeCardDeclined, "do not honor")

	first, err := sb.Submit(context.Background(), testCharge("key-dup"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Same key replays the decline even though the script is exhausted.
	again, err := sb.Submit(context.Background(), testCharge("key-dup"))
	if err != nil {
		t.Fatalf("Submit replay: %v", err)
	}
	if again != first {
		t.Errorf("replay = %+v, want %+v", again, first)
	}

	// A fresh key is a fresh attempt.
	fresh, err := sb.Submit(context.Background(), testCharge("key-new"))
	if err != nil {
		t.Fatalf("Submit fresh: %v", err)
	}
	if !fresh.Success {
		t.Errorf("fresh key outcome = %+v, want success", fresh)
	}

	if n := sb.Submissions("key-dup"); n != 2 {
		t.Errorf("Submissions(key-dup) = %d, want 2", n)
	}
	if got := len(sb.Calls()); got != 3 {
		t.Errorf("Calls = %d, want 3", got)
	}
}

func TestSandboxErrorLeavesOutcomeUnknown(t *testing.T) {
	sb := NewSandbox()
	sb.QueueError(context.DeadlineExceeded)

	_, err := sb.Submit(context.Background(), testCharge("key-t"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit error = %v, want DeadlineExceeded", err)
	}

	// Resubmission with the same key is a new roll, not a replay.
	res, err := sb.Submit(context.Background(), testCharge("key-t"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !res.Success {
		t.Errorf("resubmit outcome = %+v, want success", res)
	}
}

func TestSandboxHonorsContext(t *testing.T) {
	sb := NewSandbox()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sb.Submit(ctx, testCharge("key-x"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Submit on canceled context: error = %v", err)
	}

	ctx, cancel = context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err = sb.Submit(ctx, testCharge("key-y"))
	if code, ok := ClassifyError(err); !ok || code != CodeGatewayTimeout {
		t.Errorf("expired deadline classified as %q, %v", code, ok)
	}
}
