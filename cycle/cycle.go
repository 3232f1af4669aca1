// Package cycle implements billing cadence math: next-billing-date
// calculation with anchor-day clamping, billing periods, and proration.
package cycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/rebillhq/rebill/types"
)

// ErrInvalidCycle is returned for malformed cycle specs: unknown cadences,
// out-of-range anchor days, or non-positive custom intervals.
var ErrInvalidCycle = errors.New("rebill: invalid billing cycle")

// Cadence is the unit a billing cycle advances by.
type Cadence string

const (
	CadenceDaily     Cadence = "daily"
	CadenceWeekly    Cadence = "weekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
	CadenceYearly    Cadence = "yearly"
	CadenceCustom    Cadence = "custom"
)

// Spec describes how a subscription's billing cycle advances.
// AnchorDay pins month-based cadences to a day of month; the zero value
// means "no anchor" and the day of the starting date carries forward.
type Spec struct {
	Cadence      Cadence `json:"cadence"`
	IntervalDays int     `json:"interval_days,omitempty"` // custom cadence only
	AnchorDay    int     `json:"anchor_day,omitempty"`    // 1..31, month-based cadences only
}

// Constructors

// Daily returns a spec that bills every day.
func Daily() Spec { return Spec{Cadence: CadenceDaily} }

// Weekly returns a spec that bills every 7 days.
func Weekly() Spec { return Spec{Cadence: CadenceWeekly} }

// Monthly returns a spec that bills every month, keeping the start date's
// day of month (clamped to shorter months).
func Monthly() Spec { return Spec{Cadence: CadenceMonthly} }

// Quarterly returns a spec that bills every 3 months.
func Quarterly() Spec { return Spec{Cadence: CadenceQuarterly} }

// Yearly returns a spec that bills every year.
func Yearly() Spec { return Spec{Cadence: CadenceYearly} }

// MonthlyOn returns a monthly spec anchored to the given day of month.
func MonthlyOn(day int) (Spec, error) {
	return newAnchored(CadenceMonthly, day)
}

// QuarterlyOn returns a quarterly spec anchored to the given day of month.
func QuarterlyOn(day int) (Spec, error) {
	return newAnchored(CadenceQuarterly, day)
}

// YearlyOn returns a yearly spec anchored to the given day of month.
func YearlyOn(day int) (Spec, error) {
	return newAnchored(CadenceYearly, day)
}

func newAnchored(cadence Cadence, day int) (Spec, error) {
	if day < 1 || day > 31 {
		return Spec{}, fmt.Errorf("%w: anchor day %d out of range 1..31", ErrInvalidCycle, day)
	}
	return New(cadence, 0, day)
}

// EveryNDays returns a custom spec that bills every n days.
func EveryNDays(n int) (Spec, error) {
	return New(CadenceCustom, n, 0)
}

// New builds a validated spec. intervalDays applies only to the custom
// cadence; anchorDay applies only to month-based cadences.
func New(cadence Cadence, intervalDays, anchorDay int) (Spec, error) {
	s := Spec{Cadence: cadence, IntervalDays: intervalDays, AnchorDay: anchorDay}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// Validate checks the cycle's field constraints. Stores call this when
// rehydrating persisted cycles.
func (s Spec) Validate() error {
	switch s.Cadence {
	case CadenceDaily, CadenceWeekly:
		if s.AnchorDay != 0 {
			return fmt.Errorf("%w: anchor day not supported for %s cadence", ErrInvalidCycle, s.Cadence)
		}
	case CadenceMonthly, CadenceQuarterly, CadenceYearly:
		if s.AnchorDay < 0 || s.AnchorDay > 31 {
			return fmt.Errorf("%w: anchor day %d out of range 1..31", ErrInvalidCycle, s.AnchorDay)
		}
	case CadenceCustom:
		if s.IntervalDays < 1 {
			return fmt.Errorf("%w: custom cadence requires interval days >= 1, got %d", ErrInvalidCycle, s.IntervalDays)
		}
		if s.AnchorDay != 0 {
			return fmt.Errorf("%w: anchor day not supported for custom cadence", ErrInvalidCycle)
		}
	default:
		return fmt.Errorf("%w: unknown cadence %q", ErrInvalidCycle, s.Cadence)
	}
	if s.Cadence != CadenceCustom && s.IntervalDays != 0 {
		return fmt.Errorf("%w: interval days only valid for custom cadence", ErrInvalidCycle)
	}
	return nil
}

// months returns the month step for month-based cadences, 0 otherwise.
func (s Spec) months() int {
	switch s.Cadence {
	case CadenceMonthly:
		return 1
	case CadenceQuarterly:
		return 3
	case CadenceYearly:
		return 12
	default:
		return 0
	}
}

// NextBillingDate advances from by one cadence unit. Month-based cadences
// clamp the day of month: anchor 31 lands on Feb 28/29, never in March.
// Without an anchor the day of from carries forward, clamped the same way.
func (s Spec) NextBillingDate(from time.Time) time.Time {
	switch s.Cadence {
	case CadenceDaily:
		return from.AddDate(0, 0, 1)
	case CadenceWeekly:
		return from.AddDate(0, 0, 7)
	case CadenceCustom:
		return from.AddDate(0, 0, s.IntervalDays)
	default:
		day := from.Day()
		if s.AnchorDay > 0 {
			day = s.AnchorDay
		}
		return addMonthsClamped(from, s.months(), day)
	}
}

// TotalCycleDays returns the cadence-average day count used for proration
// ratios. This is deliberately an average (30/90/365), not exact date math.
func (s Spec) TotalCycleDays() int {
	switch s.Cadence {
	case CadenceDaily:
		return 1
	case CadenceWeekly:
		return 7
	case CadenceMonthly:
		return 30
	case CadenceQuarterly:
		return 90
	case CadenceYearly:
		return 365
	default:
		return s.IntervalDays
	}
}

// Prorate returns the portion of full covering the days between from and to,
// on the cadence-average basis: round(full × days / TotalCycleDays).
// A non-positive day span prorates to zero, never negative.
func (s Spec) Prorate(from, to time.Time, full types.Money) types.Money {
	days := daysBetween(from, to)
	if days <= 0 {
		return types.Zero(full.Currency)
	}
	return full.Multiply(float64(days) / float64(s.TotalCycleDays()))
}

// addMonthsClamped adds months to t, landing on the given day of the target
// month or the month's last day, whichever is earlier. Building from the
// first of the target month keeps time.Date from normalizing an overflowing
// day into the following month.
func addMonthsClamped(t time.Time, months, day int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(months), 1,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysInMonth(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// daysInMonth returns the number of days in the given month.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// daysBetween returns the whole days from a to b, truncated.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}
