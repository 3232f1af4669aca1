package postgres

import (
	"encoding/json"
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
	ID                 string
	CustomerID         string
	Status             string
	AmountCents        int64
	AmountCurrency     string
	Cadence            string
	IntervalDays       int
	AnchorDay          int
	PeriodStart        time.Time
	PeriodEnd          time.Time
	PeriodNumber       int
	RetryAttempts      int
	RetryMax           int
	NextRetryAt        *time.Time
	LastFailure        string
	GraceExtensions    int
	MaxGraceExtensions int
	PaymentMethod      string
	DiscountCode       string
	TrialEnd           *time.Time
	GraceEnd           *time.Time
	CanceledAt         *time.Time
	CancelReason       string
	History            json.RawMessage
	Metadata           json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	history, _ := json.Marshal(s.History)   //nolint:errcheck // best-effort
	metadata, _ := json.Marshal(s.Metadata) //nolint:errcheck // best-effort

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
		Metadata:           metadata,
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
		_ = json.Unmarshal(m.History, &history) //nolint:errcheck // best-effort
	}
	var metadata map[string]string
	if len(m.Metadata) > 0 && string(m.Metadata) != "null" {
		_ = json.Unmarshal(m.Metadata, &metadata) //nolint:errcheck // best-effort
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
		Metadata:      metadata,
	}, nil
}

// ==================== Payment models ====================

type paymentModel struct {
	ID               string
	SubscriptionID   string
	Status           string
	AmountCents      int64
	AmountCurrency   string
	RefundedCents    int64
	RefundedCurrency string
	IdempotencyKey   string
	ProviderRef      string
	AttemptNumber    int
	PeriodStart      time.Time
	PeriodEnd        time.Time
	ProcessedAt      *time.Time
	Failure          json.RawMessage
	History          json.RawMessage
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func toPaymentModel(p *payment.Payment) *paymentModel {
	history, _ := json.Marshal(p.History) //nolint:errcheck // best-effort
	var failure json.RawMessage
	if p.Failure != nil {
		failure, _ = json.Marshal(p.Failure) //nolint:errcheck // best-effort
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
		_ = json.Unmarshal(m.History, &history) //nolint:errcheck // best-effort
	}
	var failure *payment.FailureDetails
	if len(m.Failure) > 0 && string(m.Failure) != "null" {
		failure = new(payment.FailureDetails)
		_ = json.Unmarshal(m.Failure, failure) //nolint:errcheck // best-effort
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
	ID             string
	Code           string
	Name           string
	Type           string
	AmountCents    int64
	AmountCurrency string
	Percentage     int
	MaxRedemptions int
	TimesRedeemed  int
	ValidFrom      *time.Time
	ValidUntil     *time.Time
	Metadata       json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func toDiscountModel(d *discount.Discount) *discountModel {
	metadata, _ := json.Marshal(d.Metadata) //nolint:errcheck // best-effort

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
		Metadata:       metadata,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func fromDiscountModel(m *discountModel) (*discount.Discount, error) {
	discountID, err := id.ParseDiscountID(m.ID)
	if err != nil {
		return nil, err
	}

	var metadata map[string]string
	if len(m.Metadata) > 0 && string(m.Metadata) != "null" {
		_ = json.Unmarshal(m.Metadata, &metadata) //nolint:errcheck // best-effort
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
		Metadata:       metadata,
	}, nil
}
