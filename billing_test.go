package rebill_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rebillhq/rebill"
	"github.com/rebillhq/rebill/cycle"
	"github.com/rebillhq/rebill/discount"
	"github.com/rebillhq/rebill/gateway"
	"github.com/rebillhq/rebill/payment"
	"github.com/rebillhq/rebill/retry"
	"github.com/rebillhq/rebill/store/memory"
	"github.com/rebillhq/rebill/subscription"
	"github.com/rebillhq/rebill/types"
)

// fakeClock is a hand-advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

var testStart = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

func testEngine(t *testing.T, opts ...rebill.Option) (*rebill.Engine, *memory.Store, *gateway.Sandbox, *fakeClock) {
	t.Helper()

	st := memory.New()
	gw := gateway.NewSandbox()
	clk := newClock(testStart)

	base := []rebill.Option{
		rebill.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		rebill.WithClock(clk.Now),
	}
	e := rebill.New(st, gw, append(base, opts...)...)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Stop() })
	return e, st, gw, clk
}

// seedSub stores a subscription directly, bypassing engine validation so
// tests can start from any lifecycle point.
func seedSub(t *testing.T, st *memory.Store, status subscription.Status, at time.Time) *subscription.Subscription {
	t.Helper()

	sub := subscription.New("cust_1", types.USD(2999), cycle.Monthly(), at)
	sub.Status = status
	sub.PaymentMethod = "pm_tok_visa"
	if err := st.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	return sub
}

func latestPayment(t *testing.T, st *memory.Store, sub *subscription.Subscription) *payment.Payment {
	t.Helper()

	pays, err := st.ListPaymentsBySubscription(context.Background(), sub.ID, payment.ListOpts{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(pays) == 0 {
		t.Fatal("no payments recorded")
	}
	return pays[0]
}

func TestActivateTakesFirstCharge(t *testing.T) {
	e, st, gw, clk := testEngine(t)
	ctx := context.Background()

	sub := subscription.New("cust_1", types.USD(2999), cycle.Monthly(), clk.Now())
	sub.PaymentMethod = "pm_tok_visa"
	if err := e.CreateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	clk.Advance(48 * time.Hour) // activation two days after signup
	res, err := e.ActivateSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}

	if res.Outcome != rebill.OutcomeSucceeded {
		t.Fatalf("outcome: got %s, want %s", res.Outcome, rebill.OutcomeSucceeded)
	}
	if res.Subscription.Status != subscription.StatusActive {
		t.Errorf("status: got %s", res.Subscription.Status)
	}
	if !res.Subscription.CurrentPeriod.Start.Equal(clk.Now()) {
		t.Errorf("period not anchored at activation: start %s", res.Subscription.CurrentPeriod.Start)
	}
	if res.Payment.Status != payment.StatusSucceeded {
		t.Errorf("payment status: got %s", res.Payment.Status)
	}
	if res.Payment.AttemptNumber != 1 {
		t.Errorf("attempt: got %d", res.Payment.AttemptNumber)
	}
	if res.Payment.ProviderRef == "" {
		t.Error("provider ref not recorded")
	}
	if got := len(gw.Calls()); got != 1 {
		t.Errorf("gateway calls: got %d", got)
	}

	stored, err := st.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := stored.History[len(stored.History)-1]
	if last.To != subscription.StatusActive || last.Reason != rebill.ReasonPaymentSucceeded {
		t.Errorf("history: %s → %s (%s)", last.From, last.To, last.Reason)
	}
}

func TestActivateStartsTrialWithoutCharge(t *testing.T) {
	e, st, gw, clk := testEngine(t)
	ctx := context.Background()

	sub := subscription.New("cust_1", types.USD(2999), cycle.Monthly(), clk.Now())
	sub.PaymentMethod = "pm_tok_visa"
	trialEnd := clk.Now().AddDate(0, 0, 14)
	sub.TrialEnd = &trialEnd
	if err := e.CreateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	res, err := e.ActivateSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != rebill.OutcomeTrialStarted {
		t.Fatalf("outcome: got %s", res.Outcome)
	}
	if res.Subscription.Status != subscription.StatusTrialing {
		t.Errorf("status: got %s", res.Subscription.Status)
	}
	if len(gw.Calls()) != 0 {
		t.Errorf("trial start must not charge, got %d calls", len(gw.Calls()))
	}

	// Conversion at trial end.
	clk.Set(trialEnd)
	sweep, err := e.ProcessTrialsEnding(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sweep.Processed != 1 {
		t.Fatalf("sweep processed: got %d", sweep.Processed)
	}

	converted, err := st.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if converted.Status != subscription.StatusActive {
		t.Errorf("status after conversion: got %s", converted.Status)
	}
	if !converted.CurrentPeriod.Start.Equal(trialEnd) {
		t.Errorf("paid period not anchored at conversion: start %s", converted.CurrentPeriod.Start)
	}
	last := converted.History[len(converted.History)-1]
	if last.Reason != rebill.ReasonTrialConverted {
		t.Errorf("history reason: got %s", last.Reason)
	}
	if len(gw.Calls()) != 1 {
		t.Errorf("conversion charges once, got %d calls", len(gw.Calls()))
	}
}

func TestTrialConversionDeclineExpires(t *testing.T) {
	e, st, gw, clk := testEngine(t)
	ctx := context.Background()

	sub := seedSub(t, st, subscription.StatusTrialing, clk.Now())
	trialEnd := clk.Now().AddDate(0, 0, 14)
	sub.TrialEnd = &trialEnd
	if err := st.UpdateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	clk.Set(trialEnd.Add(time.Hour))
	gw.QueueDecline(gateway.CodeCardDeclined, "do not honor")

	res, err := e.BillSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != rebill.OutcomeExpired {
		t.Fatalf("outcome: got %s", res.Outcome)
	}
	if res.Subscription.Status != subscription.StatusExpired {
		t.Errorf("status: got %s", res.Subscription.Status)
	}
	if res.Payment.Status != payment.StatusFailed {
		t.Errorf("payment status: got %s", res.Payment.Status)
	}
	if res.Payment.Failure == nil || res.Payment.Failure.Category != retry.CategoryNonRetriable {
		t.Errorf("failure details: %+v", res.Payment.Failure)
	}
}

func TestTimeoutSchedulesRetry(t *testing.T) {
	e, st, gw, clk := testEngine(t)
	ctx := context.Background()

	sub := seedSub(t, st, subscription.StatusActive, clk.Now())
	clk.Set(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))

	gw.QueueError(context.DeadlineExceeded)

	res, err := e.BillSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != rebill.OutcomeRetryScheduled {
		t.Fatalf("outcome: got %s", res.Outcome)
	}
	if res.Subscription.Status != subscription.StatusRetry {
		t.Errorf("status: got %s", res.Subscription.Status)
	}
	if res.Subscription.Retry.Attempts != 1 {
		t.Errorf("attempts: got %d", res.Subscription.Retry.Attempts)
	}
	wantNext := clk.Now().Add(5 * time.Minute)
	if res.Subscription.Retry.NextRetryAt == nil || !res.Subscription.Retry.NextRetryAt.Equal(wantNext) {
		t.Errorf("next retry: got %v, want %s", res.Subscription.Retry.NextRetryAt, wantNext)
	}
	if res.Subscription.Retry.LastFailure != retry.CategoryRetriable {
		t.Errorf("last failure: got %s", res.Subscription.Retry.LastFailure)
	}
	if res.Payment.Status != payment.StatusRetrying {
		t.Errorf("payment status: got %s", res.Payment.Status)
	}
}

func TestRepeatRetryFailureUpdatesBookkeepingOnly(t *testing.T) {
	e, st, gw, clk := testEngine(t)
	ctx := context.Background()

	sub := seedSub(t, st, subscription.StatusActive, clk.Now())
	clk.Set(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))

	gw.QueueError(context.DeadlineExceeded)
	if _, err := e.BillSubscription(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}
	afterFirst, err := st.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(5 * time.Minute)
	gw.QueueError(context.DeadlineExceeded)
	res, err := e.BillSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}

	if res.Outcome != rebill.OutcomeRetryScheduled {
		t.Fatalf("outcome: got %s", res.Outcome)
	}
	if res.Subscription.Retry.Attempts != 2 {
		t.Errorf("attempts: got %d", res.Subscription.Retry.Attempts)
	}
	wantNext := clk.Now().Add(10 * time.Minute) // exponential: 5m, 10m, ...
	if !res.Subscription.Retry.NextRetryAt.Equal(wantNext) {
		t.Errorf("next retry: got %v, want %s", res.Subscription.Retry.NextRetryAt, wantNext)
	}
	if len(res.Subscription.History) != len(afterFirst.History) {
		t.Errorf("repeat failure must not append history: %d → %d entries",
			len(afterFirst.History), len(res.Subscription.History))
	}
}

func TestDeclineEntersPastDueThroughGracePeriod(t *testing.T) {
	e, st, gw, clk := testEngine(t)
	ctx := context.Background()

	sub := seedSub(t, st, subscription.StatusActive, clk.Now())
	clk.Set(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))

	gw.QueueDecline(gateway.CodeCardDeclined, "do not honor")

	res, err := e.BillSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != rebill.OutcomePastDue {
		t.Fatalf("outcome: got %s", res.Outcome)
	}
	if res.Subscription.Status != subscription.StatusPastDue {
		t.Errorf("status: got %s", res.Subscription.Status)
	}

	wantGrace := clk.Now().Add(72 * time.Hour)
	if res.Subscription.GraceEnd == nil || !res.Subscription.GraceEnd.Equal(wantGrace) {
		t.Errorf("grace end: got %v, want %s", res.Subscription.GraceEnd, wantGrace)
	}
	if res.Subscription.Retry.GraceExtensions != 1 {
		t.Errorf("grace extensions: got %d", res.Subscription.Retry.GraceExtensions)
	}

	// Hard declines from active route through grace_period; both hops are
	// on the history.
	n := len(res.Subscription.History)
	if n < 2 {
		t.Fatalf("history entries: got %d", n)
	}
	bridge, landing := res.Subscription.History[n-2], res.Subscription.History[n-1]
	if bridge.From != subscription.StatusActive || bridge.To != subscription.StatusGracePeriod {
		t.Errorf("bridge hop: %s → %s", bridge.From, bridge.To)
	}
	if landing.From != subscription.StatusGracePeriod || landing.To != subscription.StatusPastDue {
		t.Errorf("landing hop: %s → %s", landing.From, landing.To)
	}
	if landing.Reason != rebill.ReasonPaymentFailed+":"+string(retry.CategoryNonRetriable) {
		t.Errorf("landing reason: %s", landing.Reason)
	}
}

func TestRetriesExhaustedLandPastDue(t *testing.T) {
	e, st, gw, clk := testEngine(t)
	ctx := context.Background()

	due := time.Date(2026, time.April, 2, 0, 0, 0, 0, time.UTC)
	sub := seedSub(t, st, subscription.StatusRetry, testStart)
	sub.Retry.Attempts = 5
	sub.Retry.NextRetryAt = &due
	sub.Retry.LastFailure = retry.CategoryRetriable
	if err := st.UpdateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	clk.Set(due)
	gw.QueueDecline(gateway.CodeGatewayTimeout, "upstream timeout")

	res, err := e.BillSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != rebill.OutcomePastDue {
		t.Fatalf("outcome: got %s", res.Outcome)
	}
	if res.Subscription.Status != subscription.StatusPastDue {
		t.Errorf("status: got %s", res.Subscription.Status)
	}
	last := res.Subscription.History[len(res.Subscription.History)-1]
	if last.From != subscription.StatusRetry || last.Reason != rebill.ReasonRetriesExhausted {
		t.Errorf("history: %s → %s (%s)", last.From, last.To, last.Reason)
	}
	if res.Subscription.GraceEnd == nil {
		t.Error("grace window not opened")
	}
}

func TestGraceRecoveryResetsAndAdvancesOnePeriod(t *testing.T) {
	e, st, _, clk := testEngine(t)
	ctx := context.Background()

	graceEnd := time.Date(2026, time.April, 5, 0, 0, 0, 0, time.UTC)
	sub := seedSub(t, st, subscription.StatusPastDue, testStart)
	sub.Retry.Attempts = 5
	sub.Retry.LastFailure = retry.CategoryRetriable
	sub.Retry.GraceExtensions = 1
	sub.GraceEnd = &graceEnd
	if err := st.UpdateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	clk.Set(time.Date(2026, time.April, 3, 0, 0, 0, 0, time.UTC))
	res, err := e.BillSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != rebill.OutcomeSucceeded {
		t.Fatalf("outcome: got %s", res.Outcome)
	}
	got := res.Subscription
	if got.Status != subscription.StatusActive {
		t.Errorf("status: got %s", got.Status)
	}
	if got.Retry.Attempts != 0 || got.Retry.NextRetryAt != nil || got.Retry.LastFailure != "" {
		t.Errorf("retry state not reset: %+v", got.Retry)
	}
	if got.Retry.GraceExtensions != 0 {
		t.Errorf("grace extensions not reset: %d", got.Retry.GraceExtensions)
	}
	if got.GraceEnd != nil {
		t.Error("grace end not cleared")
	}

	// One cadence forward from the unpaid period, never more.
	if got.CurrentPeriod.Number != 2 {
		t.Errorf("period number: got %d", got.CurrentPeriod.Number)
	}
	wantStart := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	if !got.CurrentPeriod.Start.Equal(wantStart) {
		t.Errorf("period start: got %s, want %s", got.CurrentPeriod.Start, wantStart)
	}
}

func TestGatewayOutageLeavesPaymentReusable(t *testing.T) {
	e, st, gw, clk := testEngine(t)
	ctx := context.Background()

	sub := seedSub(t, st, subscription.StatusActive, clk.Now())
	clk.Set(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))

	gw.QueueError(errors.New("connection reset by peer"))

	_, err := e.BillSubscription(ctx, sub.ID)
	if !errors.Is(err, rebill.ErrGatewayUnavailable) {
		t.Fatalf("error: got %v, want ErrGatewayUnavailable", err)
	}

	stuck := latestPayment(t, st, sub)
	if stuck.Status != payment.StatusProcessing {
		t.Fatalf("payment status: got %s", stuck.Status)
	}
	key := stuck.IdempotencyKey

	// Next run resubmits the same record under the same key.
	res, err := e.BillSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != rebill.OutcomeSucceeded {
		t.Fatalf("outcome: got %s", res.Outcome)
	}
	if res.Payment.ID != stuck.ID {
		t.Error("a second payment record was minted for the same charge")
	}
	if res.Payment.IdempotencyKey != key {
		t.Error("idempotency key changed across resubmission")
	}
	if got := gw.Submissions(key); got != 2 {
		t.Errorf("submissions under key: got %d", got)
	}

	pays, err := st.ListPaymentsBySubscription(ctx, sub.ID, payment.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(pays) != 1 {
		t.Errorf("payment records: got %d, want 1", len(pays))
	}
}

func TestRetryRotatesIdempotencyKey(t *testing.T) {
	e, st, gw, clk := testEngine(t)
	ctx := context.Background()

	sub := seedSub(t, st, subscription.StatusActive, clk.Now())
	clk.Set(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))

	gw.QueueDecline(gateway.CodeInsufficientFunds, "insufficient funds")
	if _, err := e.BillSubscription(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}
	first := latestPayment(t, st, sub)
	if first.Status != payment.StatusRetrying {
		t.Fatalf("payment status: got %s", first.Status)
	}
	oldKey := first.IdempotencyKey

	clk.Advance(time.Hour) // delayed_retry waits a fixed hour
	res, err := e.BillSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != rebill.OutcomeSucceeded {
		t.Fatalf("outcome: got %s", res.Outcome)
	}
	if res.Payment.ID != first.ID {
		t.Error("retry minted a new payment record")
	}
	if res.Payment.IdempotencyKey == oldKey {
		t.Error("new attempt reused the declined attempt's key")
	}
	if gw.Submissions(oldKey) != 1 || gw.Submissions(res.Payment.IdempotencyKey) != 1 {
		t.Errorf("submissions: old %d, new %d",
			gw.Submissions(oldKey), gw.Submissions(res.Payment.IdempotencyKey))
	}
}

func TestActivationDeclineStaysPending(t *testing.T) {
	e, st, gw, clk := testEngine(t)
	ctx := context.Background()

	sub := seedSub(t, st, subscription.StatusPending, clk.Now())
	gw.QueueDecline(gateway.CodeInvalidCard, "bad card number")

	res, err := e.ActivateSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != rebill.OutcomeDeclined {
		t.Fatalf("outcome: got %s", res.Outcome)
	}
	if res.Subscription.Status != subscription.StatusPending {
		t.Errorf("status: got %s", res.Subscription.Status)
	}
	if res.Payment.Status != payment.StatusFailed {
		t.Errorf("payment status: got %s", res.Payment.Status)
	}
}

func TestActivationTimeoutRetriesThenActivates(t *testing.T) {
	e, st, gw, clk := testEngine(t)
	ctx := context.Background()

	sub := seedSub(t, st, subscription.StatusPending, clk.Now())
	gw.QueueError(context.DeadlineExceeded)

	res, err := e.ActivateSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != rebill.OutcomeRetryScheduled {
		t.Fatalf("outcome: got %s", res.Outcome)
	}
	if res.Subscription.Status != subscription.StatusRetry {
		t.Errorf("status: got %s", res.Subscription.Status)
	}

	clk.Advance(5 * time.Minute)
	sweep, err := e.ProcessRetries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sweep.Processed != 1 {
		t.Fatalf("sweep processed: got %d (failed %d)", sweep.Processed, sweep.Failed)
	}

	activated, err := st.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if activated.Status != subscription.StatusActive {
		t.Errorf("status: got %s", activated.Status)
	}
	// The first period was never paid before, so it must not advance.
	if activated.CurrentPeriod.Number != 1 {
		t.Errorf("period number: got %d", activated.CurrentPeriod.Number)
	}
}

func TestGraceExpirationSweep(t *testing.T) {
	e, st, _, clk := testEngine(t)
	ctx := context.Background()

	graceEnd := time.Date(2026, time.April, 5, 0, 0, 0, 0, time.UTC)
	sub := seedSub(t, st, subscription.StatusPastDue, testStart)
	sub.GraceEnd = &graceEnd
	if err := st.UpdateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	// Window still open: nothing to expire.
	clk.Set(graceEnd)
	sweep, err := e.ProcessGraceExpirations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sweep.Processed != 0 {
		t.Fatalf("processed before expiry: got %d", sweep.Processed)
	}

	clk.Set(graceEnd.Add(time.Minute))
	sweep, err = e.ProcessGraceExpirations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sweep.Processed != 1 {
		t.Fatalf("processed: got %d (failed %d)", sweep.Processed, sweep.Failed)
	}

	expired, err := st.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if expired.Status != subscription.StatusExpired {
		t.Errorf("status: got %s", expired.Status)
	}
	last := expired.History[len(expired.History)-1]
	if last.Reason != rebill.ReasonGraceExpired {
		t.Errorf("reason: got %s", last.Reason)
	}
}

func TestProcessDueSweepCounts(t *testing.T) {
	e, st, _, clk := testEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedSub(t, st, subscription.StatusActive, clk.Now())
	}
	seedSub(t, st, subscription.StatusPaused, clk.Now())
	fresh := subscription.New("cust_2", types.USD(999), cycle.Monthly(), clk.Now().AddDate(0, 1, 0))
	fresh.Status = subscription.StatusActive
	fresh.PaymentMethod = "pm_tok_visa"
	if err := st.CreateSubscription(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	clk.Set(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))
	sweep, err := e.ProcessDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sweep.Kind != "due" {
		t.Errorf("kind: got %s", sweep.Kind)
	}
	if sweep.Processed != 3 || sweep.Failed != 0 || sweep.Skipped != 0 {
		t.Errorf("counts: processed %d failed %d skipped %d", sweep.Processed, sweep.Failed, sweep.Skipped)
	}

	// Nothing left to do: every due subscription advanced a period.
	sweep, err = e.ProcessDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sweep.Processed != 0 {
		t.Errorf("second sweep processed: got %d", sweep.Processed)
	}
}

func TestBillingNotDueBeforePeriodEnd(t *testing.T) {
	e, st, _, clk := testEngine(t)
	ctx := context.Background()

	sub := seedSub(t, st, subscription.StatusActive, clk.Now())
	clk.Advance(10 * 24 * time.Hour)

	if _, err := e.BillSubscription(ctx, sub.ID); !errors.Is(err, rebill.ErrNotDue) {
		t.Fatalf("error: got %v, want ErrNotDue", err)
	}
}

func TestBillingSkipsCanceled(t *testing.T) {
	e, st, gw, clk := testEngine(t)
	ctx := context.Background()

	sub := seedSub(t, st, subscription.StatusCanceled, clk.Now())
	clk.Set(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))

	res, err := e.BillSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != rebill.OutcomeSkipped {
		t.Errorf("outcome: got %s", res.Outcome)
	}
	if len(gw.Calls()) != 0 {
		t.Errorf("canceled subscription was charged")
	}
}

func TestBillingRequiresPaymentMethod(t *testing.T) {
	e, st, _, clk := testEngine(t)
	ctx := context.Background()

	sub := seedSub(t, st, subscription.StatusActive, clk.Now())
	sub.PaymentMethod = ""
	if err := st.UpdateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	clk.Set(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))

	if _, err := e.BillSubscription(ctx, sub.ID); !errors.Is(err, rebill.ErrNoPaymentMethod) {
		t.Fatalf("error: got %v, want ErrNoPaymentMethod", err)
	}
}

type failingChecker struct{}

func (failingChecker) CheckMethod(_ context.Context, _, _ string) error {
	return errors.New("instrument revoked")
}

func TestMethodCheckerBlocksCharge(t *testing.T) {
	e, st, gw, clk := testEngine(t, rebill.WithMethodChecker(failingChecker{}))
	ctx := context.Background()

	sub := seedSub(t, st, subscription.StatusActive, clk.Now())
	clk.Set(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))

	if _, err := e.BillSubscription(ctx, sub.ID); !errors.Is(err, rebill.ErrNoPaymentMethod) {
		t.Fatalf("error: got %v, want ErrNoPaymentMethod", err)
	}
	if len(gw.Calls()) != 0 {
		t.Error("charge submitted despite failed method check")
	}
}

// blockingGateway holds the submission open until released, to force a
// concurrent run into the lock.
type blockingGateway struct {
	entered chan struct{}
	release chan struct{}
}

func (g *blockingGateway) Submit(ctx context.Context, _ gateway.Charge) (gateway.Result, error) {
	close(g.entered)
	select {
	case <-g.release:
		return gateway.Result{Success: true, ProviderRef: "blk_1"}, nil
	case <-ctx.Done():
		return gateway.Result{}, ctx.Err()
	}
}

func TestConcurrentBillingConflict(t *testing.T) {
	st := memory.New()
	gw := &blockingGateway{entered: make(chan struct{}), release: make(chan struct{})}
	clk := newClock(testStart)
	e := rebill.New(st, gw,
		rebill.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		rebill.WithClock(clk.Now),
	)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Stop() })

	sub := seedSub(t, st, subscription.StatusActive, clk.Now())
	clk.Set(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))

	done := make(chan error, 1)
	go func() {
		_, err := e.BillSubscription(ctx, sub.ID)
		done <- err
	}()

	<-gw.entered
	if _, err := e.BillSubscription(ctx, sub.ID); !errors.Is(err, rebill.ErrIdempotencyConflict) {
		t.Errorf("concurrent run: got %v, want ErrIdempotencyConflict", err)
	}

	close(gw.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestDiscountAppliedAndRedeemed(t *testing.T) {
	e, st, gw, clk := testEngine(t)
	ctx := context.Background()

	d := discountPercent(t, e, "SPRING25", 25)
	sub := seedSub(t, st, subscription.StatusActive, clk.Now())
	sub.DiscountCode = "SPRING25"
	if err := st.UpdateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	clk.Set(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))
	res, err := e.BillSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}

	// 25% of 2999 is 749.75, rounded half away from zero to 750.
	want := types.USD(2249)
	if !res.Payment.Amount.Equal(want) {
		t.Errorf("charged: got %s, want %s", res.Payment.Amount, want)
	}
	if got := gw.Calls()[0].Amount; !got.Equal(want) {
		t.Errorf("submitted: got %s", got)
	}

	stored, err := e.GetDiscount(ctx, d.Code)
	if err != nil {
		t.Fatal(err)
	}
	if stored.TimesRedeemed != 1 {
		t.Errorf("times redeemed: got %d", stored.TimesRedeemed)
	}
}

func TestFullDiscountSkipsGateway(t *testing.T) {
	e, st, gw, clk := testEngine(t)
	ctx := context.Background()

	discountPercent(t, e, "COMPED", 100)
	sub := seedSub(t, st, subscription.StatusActive, clk.Now())
	sub.DiscountCode = "COMPED"
	if err := st.UpdateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	clk.Set(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))
	res, err := e.BillSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != rebill.OutcomeSucceeded {
		t.Fatalf("outcome: got %s", res.Outcome)
	}
	if !res.Payment.Amount.IsZero() {
		t.Errorf("charged: got %s", res.Payment.Amount)
	}
	if len(gw.Calls()) != 0 {
		t.Errorf("fully discounted charge hit the gateway")
	}
	if res.Subscription.CurrentPeriod.Number != 2 {
		t.Errorf("period not advanced: %d", res.Subscription.CurrentPeriod.Number)
	}
}

func TestExpiredDiscountBillsFullAmount(t *testing.T) {
	e, st, _, clk := testEngine(t)
	ctx := context.Background()

	d := discountPercent(t, e, "BYGONE", 50)
	until := clk.Now().AddDate(0, 0, 7)
	d.ValidUntil = &until
	if err := e.UpdateDiscount(ctx, d); err != nil {
		t.Fatal(err)
	}

	sub := seedSub(t, st, subscription.StatusActive, clk.Now())
	sub.DiscountCode = "BYGONE"
	if err := st.UpdateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	clk.Set(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))
	res, err := e.BillSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Payment.Amount.Equal(types.USD(2999)) {
		t.Errorf("charged: got %s, want full amount", res.Payment.Amount)
	}
}

func discountPercent(t *testing.T, e *rebill.Engine, code string, pct int) *discount.Discount {
	t.Helper()

	d := discount.New(code, code, pct, testStart)
	if err := e.CreateDiscount(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	return d
}
