package subscription

import (
	"errors"
	"testing"
	"time"

	"github.com/rebillhq/rebill/cycle"
	"github.com/rebillhq/rebill/retry"
	"github.com/rebillhq/rebill/types"
)

var allStatuses = []Status{
	StatusPending, StatusTrialing, StatusActive, StatusPaused,
	StatusGracePeriod, StatusRetry, StatusPastDue,
	StatusExpired, StatusCanceled, StatusRefunded,
}

func testSub(t *testing.T, status Status) *Subscription {
	t.Helper()
	s := New("cust_42", types.USD(4900), cycle.Monthly(),
		time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))
	s.Status = status
	return s
}

// passingContext builds a context that satisfies the guard for the given
// edge, so table legality can be tested independently of guard logic.
func passingContext(from, to Status) TransitionContext {
	tctx := TransitionContext{At: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
	switch to {
	case StatusActive:
		tctx.PaymentSucceeded = true
		tctx.PaymentResolved = true
	case StatusGracePeriod:
		tctx.PaymentFailed = true
	case StatusRetry:
		tctx.Retriable = true
	case StatusCanceled:
		tctx.Reason = "customer_request"
	case StatusRefunded:
		tctx.RefundApproved = true
	}
	_ = from
	return tctx
}

func TestTransitionTableCrossProduct(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if from == to {
				continue // no-op case tested separately
			}
			t.Run(string(from)+"_to_"+string(to), func(t *testing.T) {
				s := testSub(t, from)
				next, change, err := Transition(s, to, passingContext(from, to))

				if CanTransition(from, to) {
					if err != nil {
						t.Fatalf("legal edge rejected: %v", err)
					}
					if next.Status != to {
						t.Errorf("status: got %s, want %s", next.Status, to)
					}
					if change == nil {
						t.Fatal("accepted transition must produce a change record")
					}
					if got := len(next.History); got != len(s.History)+1 {
						t.Errorf("history: got %d records, want exactly %d", got, len(s.History)+1)
					}
				} else {
					if !errors.Is(err, ErrInvalidTransition) {
						t.Fatalf("illegal edge %s → %s: got %v, want ErrInvalidTransition", from, to, err)
					}
				}
			})
		}
	}
}

func TestTransitionNoOp(t *testing.T) {
	s := testSub(t, StatusActive)
	next, change, err := Transition(s, StatusActive, TransitionContext{})
	if err != nil {
		t.Fatalf("no-op rejected: %v", err)
	}
	if change != nil {
		t.Error("no-op must not produce a change record")
	}
	if len(next.History) != 0 {
		t.Error("no-op must not append history")
	}
	if next == s {
		t.Error("no-op must still return a fresh snapshot")
	}
}

func TestTerminalImmutability(t *testing.T) {
	for _, terminal := range []Status{StatusExpired, StatusRefunded} {
		for _, to := range allStatuses {
			if to == terminal {
				continue
			}
			s := testSub(t, terminal)
			_, _, err := Transition(s, to, passingContext(terminal, to))
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s → %s: got %v, want ErrInvalidTransition", terminal, to, err)
			}
		}
	}
}

func TestGuardActivationRequiresPayment(t *testing.T) {
	s := testSub(t, StatusPending)
	if _, _, err := Transition(s, StatusActive, TransitionContext{}); !errors.Is(err, ErrGuardFailed) {
		t.Errorf("pending → active without payment: got %v, want ErrGuardFailed", err)
	}
	if _, _, err := Transition(s, StatusActive, TransitionContext{PaymentSucceeded: true}); err != nil {
		t.Errorf("pending → active with payment: %v", err)
	}
}

func TestGuardReactivationIsExplicit(t *testing.T) {
	for _, from := range []Status{StatusGracePeriod, StatusRetry, StatusPastDue} {
		s := testSub(t, from)

		// A bare success signal is not enough.
		_, _, err := Transition(s, StatusActive, TransitionContext{PaymentSucceeded: true})
		if !errors.Is(err, ErrGuardFailed) {
			t.Errorf("%s → active without resolution: got %v, want ErrGuardFailed", from, err)
		}

		if _, _, err := Transition(s, StatusActive, TransitionContext{PaymentResolved: true}); err != nil {
			t.Errorf("%s → active with resolution: %v", from, err)
		}
	}
}

func TestGuardUnguardedActivation(t *testing.T) {
	// Trial conversion and resume carry no payment flags.
	for _, from := range []Status{StatusTrialing, StatusPaused} {
		s := testSub(t, from)
		if _, _, err := Transition(s, StatusActive, TransitionContext{}); err != nil {
			t.Errorf("%s → active: %v", from, err)
		}
	}
}

func TestGuardGraceRequiresFailure(t *testing.T) {
	s := testSub(t, StatusActive)
	if _, _, err := Transition(s, StatusGracePeriod, TransitionContext{}); !errors.Is(err, ErrGuardFailed) {
		t.Errorf("active → grace without failure: got %v, want ErrGuardFailed", err)
	}
	if _, _, err := Transition(s, StatusGracePeriod, TransitionContext{PaymentFailed: true}); err != nil {
		t.Errorf("active → grace with failure: %v", err)
	}
}

func TestGuardRetry(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	t.Run("requires retriable", func(t *testing.T) {
		s := testSub(t, StatusActive)
		_, _, err := Transition(s, StatusRetry, TransitionContext{Retriable: false})
		if !errors.Is(err, ErrGuardFailed) {
			t.Errorf("got %v, want ErrGuardFailed", err)
		}
	})

	t.Run("requires attempts below max", func(t *testing.T) {
		s := testSub(t, StatusActive)
		s.Retry.Attempts = s.Retry.MaxRetries
		_, _, err := Transition(s, StatusRetry, TransitionContext{Retriable: true})
		if !errors.Is(err, ErrGuardFailed) {
			t.Errorf("got %v, want ErrGuardFailed", err)
		}
	})

	t.Run("denied decision blocks", func(t *testing.T) {
		s := testSub(t, StatusActive)
		d := retry.Decide(retry.CategoryNonRetriable, 0, now)
		_, _, err := Transition(s, StatusRetry, TransitionContext{Retriable: true, Decision: &d})
		if !errors.Is(err, ErrGuardFailed) {
			t.Errorf("got %v, want ErrGuardFailed", err)
		}
	})

	t.Run("allowed decision passes", func(t *testing.T) {
		s := testSub(t, StatusActive)
		d := retry.Decide(retry.CategoryRetriable, 0, now)
		if _, _, err := Transition(s, StatusRetry, TransitionContext{Retriable: true, Decision: &d}); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestGuardCancellationRequiresReason(t *testing.T) {
	s := testSub(t, StatusActive)
	if _, _, err := Transition(s, StatusCanceled, TransitionContext{}); !errors.Is(err, ErrGuardFailed) {
		t.Errorf("cancel without reason: got %v, want ErrGuardFailed", err)
	}

	next, _, err := Transition(s, StatusCanceled, TransitionContext{Reason: "customer_request"})
	if err != nil {
		t.Fatalf("cancel with reason: %v", err)
	}
	if next.CancelReason != "customer_request" {
		t.Errorf("CancelReason: got %q, want customer_request", next.CancelReason)
	}
	if next.CanceledAt == nil {
		t.Error("CanceledAt not set")
	}
}

func TestGuardRefund(t *testing.T) {
	s := testSub(t, StatusCanceled)
	if _, _, err := Transition(s, StatusRefunded, TransitionContext{}); !errors.Is(err, ErrGuardFailed) {
		t.Errorf("refund without approval: got %v, want ErrGuardFailed", err)
	}
	if _, _, err := Transition(s, StatusRefunded, TransitionContext{RefundApproved: true}); err != nil {
		t.Errorf("refund with approval: %v", err)
	}

	active := testSub(t, StatusActive)
	if _, _, err := Transition(active, StatusRefunded, TransitionContext{RefundApproved: true}); err != nil {
		t.Errorf("refund from active with approval: %v", err)
	}
}

func TestTransitionSnapshotSemantics(t *testing.T) {
	s := testSub(t, StatusActive)
	s.History = []StatusChange{{From: StatusPending, To: StatusActive}}

	at := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	next, change, err := Transition(s, StatusPaused, TransitionContext{Reason: "vacation", Actor: "customer", At: at})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}

	// Input untouched.
	if s.Status != StatusActive {
		t.Errorf("input status mutated to %s", s.Status)
	}
	if len(s.History) != 1 {
		t.Errorf("input history mutated: %d records", len(s.History))
	}

	// Output carries the new state and record.
	if next.Status != StatusPaused {
		t.Errorf("next status: got %s", next.Status)
	}
	if len(next.History) != 2 {
		t.Fatalf("next history: got %d records, want 2", len(next.History))
	}
	got := next.History[1]
	want := StatusChange{From: StatusActive, To: StatusPaused, At: at, Reason: "vacation", Actor: "customer"}
	if got != want {
		t.Errorf("history record: got %+v, want %+v", got, want)
	}
	if change == nil || *change != want {
		t.Errorf("change record: got %+v, want %+v", change, want)
	}
	if !next.UpdatedAt.Equal(at) {
		t.Errorf("UpdatedAt: got %v, want %v", next.UpdatedAt, at)
	}
}

func TestTransitionErrorDetail(t *testing.T) {
	s := testSub(t, StatusExpired)
	_, _, err := Transition(s, StatusActive, TransitionContext{})

	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransitionError, got %T", err)
	}
	if terr.From != StatusExpired || terr.To != StatusActive {
		t.Errorf("edge: got %s → %s", terr.From, terr.To)
	}
}

func TestValidTargets(t *testing.T) {
	tests := []struct {
		from Status
		want []Status
	}{
		{StatusPending, []Status{StatusActive, StatusCanceled, StatusExpired, StatusRetry, StatusTrialing}},
		{StatusTrialing, []Status{StatusActive, StatusCanceled, StatusExpired}},
		{StatusActive, []Status{StatusCanceled, StatusGracePeriod, StatusPaused, StatusRefunded, StatusRetry}},
		{StatusPaused, []Status{StatusActive, StatusCanceled, StatusExpired}},
		{StatusGracePeriod, []Status{StatusActive, StatusCanceled, StatusExpired, StatusPastDue, StatusRetry}},
		{StatusRetry, []Status{StatusActive, StatusCanceled, StatusExpired, StatusGracePeriod, StatusPastDue}},
		{StatusPastDue, []Status{StatusActive, StatusCanceled, StatusExpired, StatusRetry}},
		{StatusCanceled, []Status{StatusRefunded}},
		{StatusExpired, []Status{}},
		{StatusRefunded, []Status{}},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			got := ValidTargets(tt.from)
			if len(got) != len(tt.want) {
				t.Fatalf("targets: got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("targets: got %v, want %v", got, tt.want)
				}
			}
		})
	}
}
