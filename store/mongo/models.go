package mongo

import (
	"time"

	"github.com/rebillhq/rebill/cycle"
	"github.com/rebillhq/rebill/discount"
	"github.com/rebillhq/rebill/id"
	"github.com/rebillhq/rebill/payment"
	"github.com/rebillhq/rebill/retry"
	"github.com/rebillhq/rebill/subscription"
	"github.com/rebillhq/rebill/types"
)

// ==================== Subscription models ====================

type subscriptionModel struct {
	ID                 string                 `bson:"_id"`
	CustomerID         string                 `bson:"customer_id"`
	Status             string                 `bson:"status"`
	AmountCents        int64                  `bson:"amount_cents"`
	AmountCurrency     string                 `bson:"amount_currency"`
	Cadence            string                 `bson:"cadence"`
	IntervalDays       int                    `bson:"interval_days,omitempty"`
	AnchorDay          int                    `bson:"anchor_day,omitempty"`
	PeriodStart        time.Time              `bson:"period_start"`
	PeriodEnd          time.Time              `bson:"period_end"`
	PeriodNumber       int                    `bson:"period_number"`
	RetryAttempts      int                    `bson:"retry_attempts"`
	RetryMax           int                    `bson:"retry_max"`
	NextRetryAt        *time.Time             `bson:"next_retry_at,omitempty"`
	LastFailure        string                 `bson:"last_failure,omitempty"`
	GraceExtensions    int                    `bson:"grace_extensions"`
	MaxGraceExtensions int                    `bson:"max_grace_extensions"`
	PaymentMethod      string                 `bson:"payment_method,omitempty"`
	DiscountCode       string                 `bson:"discount_code,omitempty"`
	TrialEnd           *time.Time             `bson:"trial_end,omitempty"`
	GraceEnd           *time.Time             `bson:"grace_end,omitempty"`
	CanceledAt         *time.Time             `bson:"canceled_at,omitempty"`
	CancelReason       string                 `bson:"cancel_reason,omitempty"`
	History            []subStatusChangeModel `bson:"history,omitempty"`
	Metadata           map[string]string      `bson:"metadata,omitempty"`
	CreatedAt          time.Time              `bson:"created_at"`
	UpdatedAt          time.Time              `bson:"updated_at"`
}

type subStatusChangeModel struct {
	From   string    `bson:"from"`
	To     string    `bson:"to"`
	At     time.Time `bson:"at"`
	Reason string    `bson:"reason,omitempty"`
	Actor  string    `bson:"actor,omitempty"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	history := make([]subStatusChangeModel, len(s.History))
	for i, h := range s.History {
		history[i] = subStatusChangeModel{
			From:   string(h.From),
			To:     string(h.To),
			At:     h.At,
			Reason: h.Reason,
			Actor:  h.Actor,
		}
	}

	return &subscriptionModel{
		ID:                 s.ID.String(),
		CustomerID:         s.CustomerID,
		Status:             string(s.Status),
		AmountCents:        s.Amount.Amount,
		AmountCurrency:     s.Amount.Currency,
		Cadence:            string(s.Cycle.Cadence),
		IntervalDays:       s.Cycle.IntervalDays,
		AnchorDay:          s.Cycle.AnchorDay,
		PeriodStart:        s.CurrentPeriod.Start,
		PeriodEnd:          s.CurrentPeriod.End,
		PeriodNumber:       s.CurrentPeriod.Number,
		RetryAttempts:      s.Retry.Attempts,
		RetryMax:           s.Retry.MaxRetries,
		NextRetryAt:        s.Retry.NextRetryAt,
		LastFailure:        string(s.Retry.LastFailure),
		GraceExtensions:    s.Retry.GraceExtensions,
		MaxGraceExtensions: s.Retry.MaxGraceExtensions,
		PaymentMethod:      s.PaymentMethod,
		DiscountCode:       s.DiscountCode,
		TrialEnd:           s.TrialEnd,
		GraceEnd:           s.GraceEnd,
		CanceledAt:         s.CanceledAt,
		CancelReason:       s.CancelReason,
		History:            history,
		Metadata:           s.Metadata,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}

	var history []subscription.StatusChange
	if len(m.History) > 0 {
		history = make([]subscription.StatusChange, len(m.History))
		for i, h := range m.History {
			history[i] = subscription.StatusChange{
				From:   subscription.Status(h.From),
				To:     subscription.Status(h.To),
				At:     h.At,
				Reason: h.Reason,
				Actor:  h.Actor,
			}
		}
	}

	return &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:         subID,
		CustomerID: m.CustomerID,
		Status:     subscription.Status(m.Status),
		Amount:     types.Money{Amount: m.AmountCents, Currency: m.AmountCurrency},
		Cycle: cycle.Spec{
			Cadence:      cycle.Cadence(m.Cadence),
			IntervalDays: m.IntervalDays,
			AnchorDay:    m.AnchorDay,
		},
		CurrentPeriod: cycle.Period{
			Start:  m.PeriodStart,
			End:    m.PeriodEnd,
			Number: m.PeriodNumber,
		},
		Retry: subscription.RetryState{
			Attempts:           m.RetryAttempts,
			MaxRetries:         m.RetryMax,
			NextRetryAt:        m.NextRetryAt,
			LastFailure:        retry.Category(m.LastFailure),
			GraceExtensions:    m.GraceExtensions,
			MaxGraceExtensions: m.MaxGraceExtensions,
		},
		PaymentMethod: m.PaymentMethod,
		DiscountCode:  m.DiscountCode,
		TrialEnd:      m.TrialEnd,
		GraceEnd:      m.GraceEnd,
		CanceledAt:    m.CanceledAt,
		CancelReason:  m.CancelReason,
		History:       history,
		Metadata:      m.Metadata,
	}, nil
}

// ==================== Payment models ====================

type paymentModel struct {
	ID               string                 `bson:"_id"`
	SubscriptionID   string                 `bson:"subscription_id"`
	Status           string                 `bson:"status"`
	AmountCents      int64                  `bson:"amount_cents"`
	AmountCurrency   string                 `bson:"amount_currency"`
	RefundedCents    int64                  `bson:"refunded_cents"`
	RefundedCurrency string                 `bson:"refunded_currency"`
	IdempotencyKey   string                 `bson:"idempotency_key,omitempty"`
	ProviderRef      string                 `bson:"provider_ref,omitempty"`
	AttemptNumber    int                    `bson:"attempt_number"`
	PeriodStart      time.Time              `bson:"period_start"`
	PeriodEnd        time.Time              `bson:"period_end"`
	ProcessedAt      *time.Time             `bson:"processed_at,omitempty"`
	Failure          *failureModel          `bson:"failure,omitempty"`
	History          []payStatusChangeModel `bson:"history,omitempty"`
	CreatedAt        time.Time              `bson:"created_at"`
	UpdatedAt        time.Time              `bson:"updated_at"`
}

type payStatusChangeModel struct {
	From   string    `bson:"from"`
	To     string    `bson:"to"`
	At     time.Time `bson:"at"`
	Reason string    `bson:"reason,omitempty"`
}

type failureModel struct {
	Category  string    `bson:"category"`
	Retriable bool      `bson:"retriable"`
	Code      string    `bson:"code,omitempty"`
	Message   string    `bson:"message,omitempty"`
	FailedAt  time.Time `bson:"failed_at"`
}

func toPaymentModel(p *payment.Payment) *paymentModel {
	history := make([]payStatusChangeModel, len(p.History))
	for i, h := range p.History {
		history[i] = payStatusChangeModel{
			From:   string(h.From),
			To:     string(h.To),
			At:     h.At,
			Reason: h.Reason,
		}
	}

	var failure *failureModel
	if p.Failure != nil {
		failure = &failureModel{
			Category:  string(p.Failure.Category),
			Retriable: p.Failure.Retriable,
			Code:      p.Failure.Code,
			Message:   p.Failure.Message,
			FailedAt:  p.Failure.FailedAt,
		}
	}

	return &paymentModel{
		ID:               p.ID.String(),
		SubscriptionID:   p.SubscriptionID.String(),
		Status:           string(p.Status),
		AmountCents:      p.Amount.Amount,
		AmountCurrency:   p.Amount.Currency,
		RefundedCents:    p.AmountRefunded.Amount,
		RefundedCurrency: p.AmountRefunded.Currency,
		IdempotencyKey:   p.IdempotencyKey,
		ProviderRef:      p.ProviderRef,
		AttemptNumber:    p.AttemptNumber,
		PeriodStart:      p.PeriodStart,
		PeriodEnd:        p.PeriodEnd,
		ProcessedAt:      p.ProcessedAt,
		Failure:          failure,
		History:          history,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func fromPaymentModel(m *paymentModel) (*payment.Payment, error) {
	payID, err := id.ParsePaymentID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
	}

	var history []payment.StatusChange
	if len(m.History) > 0 {
		history = make([]payment.StatusChange, len(m.History))
		for i, h := range m.History {
			history[i] = payment.StatusChange{
				From:   payment.Status(h.From),
				To:     payment.Status(h.To),
				At:     h.At,
				Reason: h.Reason,
			}
		}
	}

	var failure *payment.FailureDetails
	if m.Failure != nil {
		failure = &payment.FailureDetails{
			Category:  retry.Category(m.Failure.Category),
			Retriable: m.Failure.Retriable,
			Code:      m.Failure.Code,
			Message:   m.Failure.Message,
			FailedAt:  m.Failure.FailedAt,
		}
	}

	return &payment.Payment{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             payID,
		SubscriptionID: subID,
		Status:         payment.Status(m.Status),
		Amount:         types.Money{Amount: m.AmountCents, Currency: m.AmountCurrency},
		AmountRefunded: types.Money{Amount: m.RefundedCents, Currency: m.RefundedCurrency},
		IdempotencyKey: m.IdempotencyKey,
		ProviderRef:    m.ProviderRef,
		AttemptNumber:  m.AttemptNumber,
		PeriodStart:    m.PeriodStart,
		PeriodEnd:      m.PeriodEnd,
		ProcessedAt:    m.ProcessedAt,
		Failure:        failure,
		History:        history,
	}, nil
}

// ==================== Discount models ====================

type discountModel struct {
	ID             string            `bson:"_id"`
	Code           string            `bson:"code"`
	Name           string            `bson:"name"`
	Type           string            `bson:"type"`
	AmountCents    int64             `bson:"amount_cents"`
	AmountCurrency string            `bson:"amount_currency,omitempty"`
	Percentage     int               `bson:"percentage,omitempty"`
	MaxRedemptions int               `bson:"max_redemptions"`
	TimesRedeemed  int               `bson:"times_redeemed"`
	ValidFrom      *time.Time        `bson:"valid_from,omitempty"`
	ValidUntil     *time.Time        `bson:"valid_until,omitempty"`
	Metadata       map[string]string `bson:"metadata,omitempty"`
	CreatedAt      time.Time         `bson:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
}

func toDiscountModel(d *discount.Discount) *discountModel {
	return &discountModel{
		ID:             d.ID.String(),
		Code:           d.Code,
		Name:           d.Name,
		Type:           string(d.Type),
		AmountCents:    d.Amount.Amount,
		AmountCurrency: d.Amount.Currency,
		Percentage:     d.Percentage,
		MaxRedemptions: d.MaxRedemptions,
		TimesRedeemed:  d.TimesRedeemed,
		ValidFrom:      d.ValidFrom,
		ValidUntil:     d.ValidUntil,
		Metadata:       d.Metadata,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func fromDiscountModel(m *discountModel) (*discount.Discount, error) {
	discountID, err := id.ParseDiscountID(m.ID)
	if err != nil {
		return nil, err
	}

	return &discount.Discount{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             discountID,
		Code:           m.Code,
		Name:           m.Name,
		Type:           discount.Type(m.Type),
		Amount:         types.Money{Amount: m.AmountCents, Currency: m.AmountCurrency},
		Percentage:     m.Percentage,
		MaxRedemptions: m.MaxRedemptions,
		TimesRedeemed:  m.TimesRedeemed,
		ValidFrom:      m.ValidFrom,
		ValidUntil:     m.ValidUntil,
		Metadata:       m.Metadata,
	}, nil
}
