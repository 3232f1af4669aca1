// Package types provides common types used across Rebill.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Money errors.
var (
	// ErrCurrencyMismatch is returned when a binary operation mixes currencies.
	ErrCurrencyMismatch = errors.New("rebill: currency mismatch")

	// ErrDivideByZero is returned when dividing Money by zero.
	ErrDivideByZero = errors.New("rebill: division by zero")

	// ErrInvalidAllocation is returned for empty, negative, or zero-sum
	// allocation ratios, and for non-positive split counts.
	ErrInvalidAllocation = errors.New("rebill: invalid allocation")
)

// Money represents a monetary value in the smallest currency unit.
// All arithmetic is integer-only — no floating point is stored.
//
// Examples:
//   - USD(4900) = $49.00 (4900 cents)
//   - EUR(19900) = €199.00 (19900 cents)
//   - TWD(100000) = NT$1000.00
//
// Money is immutable: every operation returns a new value. Operations that
// combine two values require matching currencies and return
// ErrCurrencyMismatch otherwise; amounts are never coerced across currencies.
type Money struct {
	Amount   int64  `json:"amount"`   // Smallest unit (cents, pence, etc)
	Currency string `json:"currency"` // ISO 4217 lowercase: "usd", "eur", "gbp"
}

// NewMoney creates a Money value from an amount in minor units.
func NewMoney(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToLower(currency)}
}

// FromMajor creates a Money value from major units, rounding half away from
// zero to the nearest minor unit. FromMajor(49.995, "usd") = USD(5000).
func FromMajor(major float64, currency string) Money {
	currency = strings.ToLower(currency)
	factor := math.Pow10(currencyDecimals(currency))
	return Money{Amount: roundToInt64(major * factor), Currency: currency}
}

// Common currency constructors

// USD creates a Money value in US Dollars (cents).
func USD(cents int64) Money { return Money{Amount: cents, Currency: "usd"} }

// EUR creates a Money value in Euros (cents).
func EUR(cents int64) Money { return Money{Amount: cents, Currency: "eur"} }

// GBP creates a Money value in British Pounds (pence).
func GBP(pence int64) Money { return Money{Amount: pence, Currency: "gbp"} }

// JPY creates a Money value in Japanese Yen (no decimal).
func JPY(yen int64) Money { return Money{Amount: yen, Currency: "jpy"} }

// TWD creates a Money value in New Taiwan Dollars (cents).
func TWD(cents int64) Money { return Money{Amount: cents, Currency: "twd"} }

// CAD creates a Money value in Canadian Dollars (cents).
func CAD(cents int64) Money { return Money{Amount: cents, Currency: "cad"} }

// AUD creates a Money value in Australian Dollars (cents).
func AUD(cents int64) Money { return Money{Amount: cents, Currency: "aud"} }

// Zero returns a zero Money value in the specified currency.
func Zero(currency string) Money { return Money{Amount: 0, Currency: strings.ToLower(currency)} }

// SameCurrency reports whether both values carry the same currency code.
func (m Money) SameCurrency(other Money) bool { return m.Currency == other.Currency }

// Arithmetic operations

// Add adds two Money values.
func (m Money) Add(other Money) (Money, error) {
	if err := m.checkCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}, nil
}

// Subtract subtracts another Money value. The result may be negative,
// which is how refund and credit amounts are represented.
func (m Money) Subtract(other Money) (Money, error) {
	if err := m.checkCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}, nil
}

// Multiply multiplies the Money by a scalar factor, rounding half away from
// zero to the nearest minor unit.
func (m Money) Multiply(factor float64) Money {
	return Money{Amount: roundToInt64(float64(m.Amount) * factor), Currency: m.Currency}
}

// Divide divides the Money by a divisor, rounding half away from zero.
func (m Money) Divide(divisor float64) (Money, error) {
	if divisor == 0 {
		return Money{}, ErrDivideByZero
	}
	return Money{Amount: roundToInt64(float64(m.Amount) / divisor), Currency: m.Currency}, nil
}

// Percentage returns the given percentage of the Money value.
// USD(10000).Percentage(8.5) = USD(850).
func (m Money) Percentage(rate float64) Money {
	return m.Multiply(rate / 100)
}

// Tax returns the tax on the Money value at the given percentage rate.
func (m Money) Tax(rate float64) Money {
	return m.Percentage(rate)
}

// ExtractTax splits a tax-inclusive total into its pre-tax amount and the tax
// portion at the given percentage rate. The two parts always sum back to the
// original total.
func (m Money) ExtractTax(rate float64) (pretax, tax Money) {
	pretax = Money{Amount: roundToInt64(float64(m.Amount) / (1 + rate/100)), Currency: m.Currency}
	tax = Money{Amount: m.Amount - pretax.Amount, Currency: m.Currency}
	return pretax, tax
}

// Allocate distributes the Money across shares proportional to the given
// ratios. All shares but the last are computed by proportional rounding; the
// last share absorbs the remainder, so the outputs always sum to the input
// exactly. Ratios must be non-negative and sum to a positive value.
func (m Money) Allocate(ratios ...int64) ([]Money, error) {
	if len(ratios) == 0 {
		return nil, fmt.Errorf("%w: no ratios", ErrInvalidAllocation)
	}
	var total int64
	for _, r := range ratios {
		if r < 0 {
			return nil, fmt.Errorf("%w: negative ratio %d", ErrInvalidAllocation, r)
		}
		total += r
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: ratios sum to zero", ErrInvalidAllocation)
	}

	shares := make([]Money, len(ratios))
	var allocated int64
	for i, r := range ratios[:len(ratios)-1] {
		amt := roundToInt64(float64(m.Amount) * float64(r) / float64(total))
		shares[i] = Money{Amount: amt, Currency: m.Currency}
		allocated += amt
	}
	shares[len(ratios)-1] = Money{Amount: m.Amount - allocated, Currency: m.Currency}
	return shares, nil
}

// Split divides the Money into the given number of equal shares. The last
// share absorbs any rounding remainder, so the outputs always sum to the
// input exactly.
func (m Money) Split(parts int) ([]Money, error) {
	if parts <= 0 {
		return nil, fmt.Errorf("%w: split into %d parts", ErrInvalidAllocation, parts)
	}
	ratios := make([]int64, parts)
	for i := range ratios {
		ratios[i] = 1
	}
	return m.Allocate(ratios...)
}

// Negate returns the negative of the Money value.
func (m Money) Negate() Money {
	return Money{Amount: -m.Amount, Currency: m.Currency}
}

// Abs returns the absolute value.
func (m Money) Abs() Money {
	if m.Amount < 0 {
		return Money{Amount: -m.Amount, Currency: m.Currency}
	}
	return m
}

// Comparison methods

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// IsNegative returns true if the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Equal returns true if both Money values are equal (same amount and currency).
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// Compare returns -1, 0, or 1 as m is less than, equal to, or greater than
// other.
func (m Money) Compare(other Money) (int, error) {
	if err := m.checkCurrency(other); err != nil {
		return 0, err
	}
	switch {
	case m.Amount < other.Amount:
		return -1, nil
	case m.Amount > other.Amount:
		return 1, nil
	default:
		return 0, nil
	}
}

// LessThan returns true if this Money is less than other.
func (m Money) LessThan(other Money) (bool, error) {
	if err := m.checkCurrency(other); err != nil {
		return false, err
	}
	return m.Amount < other.Amount, nil
}

// GreaterThan returns true if this Money is greater than other.
func (m Money) GreaterThan(other Money) (bool, error) {
	if err := m.checkCurrency(other); err != nil {
		return false, err
	}
	return m.Amount > other.Amount, nil
}

// Min returns the smaller of two Money values.
func (m Money) Min(other Money) (Money, error) {
	if err := m.checkCurrency(other); err != nil {
		return Money{}, err
	}
	if m.Amount < other.Amount {
		return m, nil
	}
	return other, nil
}

// Max returns the larger of two Money values.
func (m Money) Max(other Money) (Money, error) {
	if err := m.checkCurrency(other); err != nil {
		return Money{}, err
	}
	if m.Amount > other.Amount {
		return m, nil
	}
	return other, nil
}

// Formatting methods

// FormatMajor returns the major unit string without currency symbol.
// For currencies with 2 decimal places: "49.00" for USD(4900).
// For currencies with 0 decimal places (JPY): "100" for JPY(100).
func (m Money) FormatMajor() string {
	decimals := currencyDecimals(m.Currency)
	if decimals == 0 {
		return fmt.Sprintf("%d", m.Amount)
	}

	divisor := int64(1)
	for i := 0; i < decimals; i++ {
		divisor *= 10
	}

	// Handle sign separately
	isNegative := m.Amount < 0
	absAmount := m.Amount
	if isNegative {
		absAmount = -absAmount
	}

	major := absAmount / divisor
	minor := absAmount % divisor

	format := fmt.Sprintf("%%d.%%0%dd", decimals)
	result := fmt.Sprintf(format, major, minor)

	if isNegative {
		return "-" + result
	}
	return result
}

// String returns a human-readable string with currency symbol.
// Examples: "$49.00", "€199.00", "NT$1000.00", "¥100"
func (m Money) String() string {
	symbol := currencySymbol(m.Currency)
	return symbol + m.FormatMajor()
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

// Helper functions

// checkCurrency returns ErrCurrencyMismatch if currencies don't match.
func (m Money) checkCurrency(other Money) error {
	if m.Currency != other.Currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return nil
}

// roundToInt64 rounds half away from zero to the nearest integer.
func roundToInt64(f float64) int64 {
	return int64(math.Round(f))
}

// currencySymbol returns the symbol for a currency code.
func currencySymbol(currency string) string {
	symbols := map[string]string{
		"usd": "$",
		"eur": "€",
		"gbp": "£",
		"jpy": "¥",
		"twd": "NT$",
		"cad": "C$",
		"aud": "A$",
		"chf": "CHF ",
		"cny": "¥",
		"sek": "kr ",
		"nzd": "NZ$",
	}
	if sym, ok := symbols[strings.ToLower(currency)]; ok {
		return sym
	}
	return strings.ToUpper(currency) + " "
}

// currencyDecimals returns the number of decimal places for a currency.
func currencyDecimals(currency string) int {
	// Currencies with 0 decimal places
	zeroDecimal := map[string]bool{
		"jpy": true, // Japanese Yen
		"krw": true, // Korean Won
		"vnd": true, // Vietnamese Dong
		"clp": true, // Chilean Peso
		"pyg": true, // Paraguayan Guarani
		"idr": true, // Indonesian Rupiah
	}
	if zeroDecimal[strings.ToLower(currency)] {
		return 0
	}
	// Most currencies have 2 decimal places
	return 2
}

// Sum calculates the sum of multiple Money values. All must have the same
// currency. Sum of nothing is zero USD.
func Sum(values ...Money) (Money, error) {
	if len(values) == 0 {
		return Zero("usd"), nil
	}

	result := values[0]
	for _, v := range values[1:] {
		var err error
		result, err = result.Add(v)
		if err != nil {
			return Money{}, err
		}
	}
	return result, nil
}
