package cycle

import (
	"fmt"
	"time"

	"github.com/rebillhq/rebill/types"
)

// Period is one billing period. End is the period's last day: consecutive
// periods satisfy period[n].End + 1 day == period[n+1].Start, with no gap
// and no overlap. Number counts periods from 1.
type Period struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Number int       `json:"number"`
}

// PeriodFrom computes the period beginning at start under the given spec.
// The period ends one day before the next billing date.
func (s Spec) PeriodFrom(start time.Time, number int) Period {
	return Period{
		Start:  start,
		End:    s.NextBillingDate(start).AddDate(0, 0, -1),
		Number: number,
	}
}

// NextPeriod returns the period following p under the given spec. Its start
// is the next billing date of p's start, which is p.End + 1 day.
func (s Spec) NextPeriod(p Period) Period {
	return s.PeriodFrom(s.NextBillingDate(p.Start), p.Number+1)
}

// Contains reports whether t falls within the period (End day inclusive).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// Expired reports whether the period has ended as of now.
func (p Period) Expired(now time.Time) bool {
	return now.After(p.End)
}

// ExpiringSoon reports whether the period ends within the given window
// (and has not already ended).
func (p Period) ExpiringSoon(now time.Time, within time.Duration) bool {
	if p.Expired(now) {
		return false
	}
	return p.End.Sub(now) <= within
}

// RemainingDays returns the number of days left in the period as of now,
// counting the end day itself. Zero once the period has expired.
func (p Period) RemainingDays(now time.Time) int {
	if p.Expired(now) {
		return 0
	}
	return daysBetween(now, p.End) + 1
}

// Days returns the period's exact calendar length in days.
func (p Period) Days() int {
	return daysBetween(p.Start, p.End) + 1
}

// Prorate returns the portion of full covering the days between from and to,
// using the period's exact calendar length as the basis. A non-positive day
// span prorates to zero.
func (p Period) Prorate(from, to time.Time, full types.Money) types.Money {
	days := daysBetween(from, to)
	if days <= 0 {
		return types.Zero(full.Currency)
	}
	if total := p.Days(); total > 0 {
		return full.Multiply(float64(days) / float64(total))
	}
	return types.Zero(full.Currency)
}

// Validate checks the period invariants. A daily period starts and ends on
// the same day, so Start == End is legal; Start after End is not.
func (p Period) Validate() error {
	if p.End.Before(p.Start) {
		return fmt.Errorf("%w: period start %v after end %v", ErrInvalidCycle, p.Start, p.End)
	}
	if p.Number < 1 {
		return fmt.Errorf("%w: period number %d < 1", ErrInvalidCycle, p.Number)
	}
	return nil
}

// String returns a compact representation for logs.
func (p Period) String() string {
	return fmt.Sprintf("period %d: %s..%s", p.Number,
		p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"))
}
