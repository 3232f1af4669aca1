package types

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMoneyConstructors(t *testing.T) {
	tests := []struct {
		name     string
		money    Money
		amount   int64
		currency string
		display  string
	}{
		{"USD", USD(4900), 4900, "usd", "$49.00"},
		{"EUR", EUR(19900), 19900, "eur", "€199.00"},
		{"GBP", GBP(9900), 9900, "gbp", "£99.00"},
		{"JPY", JPY(100), 100, "jpy", "¥100"},
		{"TWD", TWD(100000), 100000, "twd", "NT$1000.00"},
		{"CAD", CAD(2500), 2500, "cad", "C$25.00"},
		{"AUD", AUD(7550), 7550, "aud", "A$75.50"},
		{"NewMoney", NewMoney(1500, "USD"), 1500, "usd", "$15.00"},
		{"Zero USD", Zero("USD"), 0, "usd", "$0.00"},
		{"Zero EUR", Zero("EUR"), 0, "eur", "€0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.money.Amount != tt.amount {
				t.Errorf("Amount: got %d, want %d", tt.money.Amount, tt.amount)
			}
			if tt.money.Currency != tt.currency {
				t.Errorf("Currency: got %s, want %s", tt.money.Currency, tt.currency)
			}
			if tt.money.String() != tt.display {
				t.Errorf("Display: got %s, want %s", tt.money.String(), tt.display)
			}
		})
	}
}

func TestFromMajor(t *testing.T) {
	tests := []struct {
		name     string
		major    float64
		currency string
		expected Money
	}{
		{"Whole", 49, "usd", USD(4900)},
		{"Cents", 49.99, "usd", USD(4999)},
		{"Rounds up", 49.995, "usd", USD(5000)},
		{"Rounds down", 49.994, "usd", USD(4999)},
		{"Negative rounds away", -49.995, "usd", USD(-5000)},
		{"Zero decimal currency", 1234, "jpy", JPY(1234)},
		{"Zero decimal rounds", 1234.5, "jpy", JPY(1235)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromMajor(tt.major, tt.currency)
			if !got.Equal(tt.expected) {
				t.Errorf("FromMajor(%v, %s): got %v, want %v", tt.major, tt.currency, got, tt.expected)
			}
		})
	}
}

func TestMoneyArithmetic(t *testing.T) {
	tests := []struct {
		name     string
		op       func() (Money, error)
		expected Money
	}{
		{"Add", func() (Money, error) { return USD(100).Add(USD(200)) }, USD(300)},
		{"Subtract", func() (Money, error) { return USD(500).Subtract(USD(200)) }, USD(300)},
		{"Subtract below zero", func() (Money, error) { return USD(200).Subtract(USD(500)) }, USD(-300)},
		{"Multiply", func() (Money, error) { return USD(100).Multiply(3), nil }, USD(300)},
		{"Multiply fraction", func() (Money, error) { return USD(1000).Multiply(0.5), nil }, USD(500)},
		{"Multiply rounds half away", func() (Money, error) { return USD(101).Multiply(0.5), nil }, USD(51)},
		{"Divide", func() (Money, error) { return USD(900).Divide(3) }, USD(300)},
		{"Divide rounds", func() (Money, error) { return USD(1000).Divide(3) }, USD(333)},
		{"Negate", func() (Money, error) { return USD(100).Negate(), nil }, USD(-100)},
		{"Abs positive", func() (Money, error) { return USD(100).Abs(), nil }, USD(100)},
		{"Abs negative", func() (Money, error) { return USD(-100).Abs(), nil }, USD(100)},
		{"Percentage", func() (Money, error) { return USD(10000).Percentage(8.5), nil }, USD(850)},
		{"Percentage rounds", func() (Money, error) { return USD(999).Percentage(10), nil }, USD(100)},
		{"Tax", func() (Money, error) { return USD(10000).Tax(5), nil }, USD(500)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.op()
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !result.Equal(tt.expected) {
				t.Errorf("Got %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	a, b := USD(100), EUR(100)

	if _, err := a.Add(b); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("Add: got %v, want ErrCurrencyMismatch", err)
	}
	if _, err := a.Subtract(b); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("Subtract: got %v, want ErrCurrencyMismatch", err)
	}
	if _, err := a.LessThan(b); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("LessThan: got %v, want ErrCurrencyMismatch", err)
	}
	if _, err := a.GreaterThan(b); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("GreaterThan: got %v, want ErrCurrencyMismatch", err)
	}
	if _, err := a.Compare(b); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("Compare: got %v, want ErrCurrencyMismatch", err)
	}
	if _, err := a.Min(b); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("Min: got %v, want ErrCurrencyMismatch", err)
	}
	if _, err := a.Max(b); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("Max: got %v, want ErrCurrencyMismatch", err)
	}
	if _, err := Sum(USD(100), EUR(100)); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("Sum: got %v, want ErrCurrencyMismatch", err)
	}

	// Equal never errors across currencies, it just reports false.
	if a.Equal(b) {
		t.Error("Equal across currencies: got true, want false")
	}
}

func TestMoneyDivisionByZero(t *testing.T) {
	if _, err := USD(100).Divide(0); !errors.Is(err, ErrDivideByZero) {
		t.Errorf("Divide by zero: got %v, want ErrDivideByZero", err)
	}
}

func TestMoneyAllocate(t *testing.T) {
	tests := []struct {
		name     string
		money    Money
		ratios   []int64
		expected []Money
	}{
		{"Even thirds", USD(300), []int64{1, 1, 1}, []Money{USD(100), USD(100), USD(100)}},
		{"Uneven remainder to last", USD(100), []int64{1, 1, 1}, []Money{USD(33), USD(33), USD(34)}},
		{"70/30", USD(1000), []int64{7, 3}, []Money{USD(700), USD(300)}},
		{"Rounding remainder", USD(1001), []int64{1, 1}, []Money{USD(501), USD(500)}},
		{"Single share", USD(555), []int64{1}, []Money{USD(555)}},
		{"Zero ratio share", USD(100), []int64{0, 1}, []Money{USD(0), USD(100)}},
		{"Negative amount", USD(-100), []int64{1, 1, 1}, []Money{USD(-33), USD(-33), USD(-34)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shares, err := tt.money.Allocate(tt.ratios...)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(shares) != len(tt.expected) {
				t.Fatalf("Shares: got %d, want %d", len(shares), len(tt.expected))
			}
			var total int64
			for i, s := range shares {
				if !s.Equal(tt.expected[i]) {
					t.Errorf("Share %d: got %v, want %v", i, s, tt.expected[i])
				}
				total += s.Amount
			}
			if total != tt.money.Amount {
				t.Errorf("Conservation: shares sum to %d, want %d", total, tt.money.Amount)
			}
		})
	}
}

func TestMoneyAllocateInvalid(t *testing.T) {
	tests := []struct {
		name   string
		op     func() ([]Money, error)
	}{
		{"No ratios", func() ([]Money, error) { return USD(100).Allocate() }},
		{"Negative ratio", func() ([]Money, error) { return USD(100).Allocate(1, -1) }},
		{"Zero sum", func() ([]Money, error) { return USD(100).Allocate(0, 0) }},
		{"Zero parts", func() ([]Money, error) { return USD(100).Split(0) }},
		{"Negative parts", func() ([]Money, error) { return USD(100).Split(-2) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.op(); !errors.Is(err, ErrInvalidAllocation) {
				t.Errorf("Got %v, want ErrInvalidAllocation", err)
			}
		})
	}
}

func TestMoneySplit(t *testing.T) {
	tests := []struct {
		name     string
		money    Money
		parts    int
		expected []Money
	}{
		{"Even", USD(900), 3, []Money{USD(300), USD(300), USD(300)}},
		{"Remainder to last", USD(1000), 3, []Money{USD(333), USD(333), USD(334)}},
		{"One part", USD(777), 1, []Money{USD(777)}},
		{"Penny split", USD(1), 2, []Money{USD(1), USD(0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shares, err := tt.money.Split(tt.parts)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			var total int64
			for i, s := range shares {
				if !s.Equal(tt.expected[i]) {
					t.Errorf("Share %d: got %v, want %v", i, s, tt.expected[i])
				}
				total += s.Amount
			}
			if total != tt.money.Amount {
				t.Errorf("Conservation: shares sum to %d, want %d", total, tt.money.Amount)
			}
		})
	}
}

func TestMoneyExtractTax(t *testing.T) {
	tests := []struct {
		name   string
		total  Money
		rate   float64
		pretax Money
		tax    Money
	}{
		{"5 percent", USD(10500), 5, USD(10000), USD(500)},
		{"20 percent", USD(12000), 20, USD(10000), USD(2000)},
		{"Uneven", USD(9999), 8.875, USD(9184), USD(815)},
		{"Zero rate", USD(10000), 0, USD(10000), USD(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pretax, tax := tt.total.ExtractTax(tt.rate)
			if !pretax.Equal(tt.pretax) {
				t.Errorf("Pretax: got %v, want %v", pretax, tt.pretax)
			}
			if !tax.Equal(tt.tax) {
				t.Errorf("Tax: got %v, want %v", tax, tt.tax)
			}
			if pretax.Amount+tax.Amount != tt.total.Amount {
				t.Errorf("Conservation: %d + %d != %d", pretax.Amount, tax.Amount, tt.total.Amount)
			}
		})
	}
}

func TestMoneyComparison(t *testing.T) {
	tests := []struct {
		name    string
		a, b    Money
		less    bool
		greater bool
		equal   bool
	}{
		{"Equal", USD(100), USD(100), false, false, true},
		{"Less", USD(50), USD(100), true, false, false},
		{"Greater", USD(200), USD(100), false, true, false},
		{"Zero equal", USD(0), Zero("usd"), false, false, true},
		{"Negative less", USD(-100), USD(100), true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, err := tt.a.LessThan(tt.b); err != nil || got != tt.less {
				t.Errorf("LessThan: got %v (err %v), want %v", got, err, tt.less)
			}
			if got, err := tt.a.GreaterThan(tt.b); err != nil || got != tt.greater {
				t.Errorf("GreaterThan: got %v (err %v), want %v", got, err, tt.greater)
			}
			if got := tt.a.Equal(tt.b); got != tt.equal {
				t.Errorf("Equal: got %v, want %v", got, tt.equal)
			}
		})
	}
}

func TestMoneyMinMax(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Money
		min, max Money
	}{
		{"First smaller", USD(50), USD(100), USD(50), USD(100)},
		{"Second smaller", USD(100), USD(50), USD(50), USD(100)},
		{"Equal", USD(100), USD(100), USD(100), USD(100)},
		{"Negative", USD(-50), USD(50), USD(-50), USD(50)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if minVal, err := tt.a.Min(tt.b); err != nil || !minVal.Equal(tt.min) {
				t.Errorf("Min: got %v (err %v), want %v", minVal, err, tt.min)
			}
			if maxVal, err := tt.a.Max(tt.b); err != nil || !maxVal.Equal(tt.max) {
				t.Errorf("Max: got %v (err %v), want %v", maxVal, err, tt.max)
			}
		})
	}
}

func TestMoneyPredicates(t *testing.T) {
	tests := []struct {
		name       string
		money      Money
		isZero     bool
		isPositive bool
		isNegative bool
	}{
		{"Zero", USD(0), true, false, false},
		{"Positive", USD(100), false, true, false},
		{"Negative", USD(-100), false, false, true},
		{"Large positive", USD(999999999), false, true, false},
		{"Large negative", USD(-999999999), false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.money.IsZero(); got != tt.isZero {
				t.Errorf("IsZero: got %v, want %v", got, tt.isZero)
			}
			if got := tt.money.IsPositive(); got != tt.isPositive {
				t.Errorf("IsPositive: got %v, want %v", got, tt.isPositive)
			}
			if got := tt.money.IsNegative(); got != tt.isNegative {
				t.Errorf("IsNegative: got %v, want %v", got, tt.isNegative)
			}
		})
	}
}

func TestMoneyFormatMajor(t *testing.T) {
	tests := []struct {
		money    Money
		expected string
	}{
		{USD(4900), "49.00"},
		{USD(100), "1.00"},
		{USD(1), "0.01"},
		{USD(0), "0.00"},
		{USD(-4900), "-49.00"},
		{USD(-1), "-0.01"},
		{EUR(9999), "99.99"},
		{JPY(100), "100"},     // No decimals
		{JPY(12345), "12345"}, // No decimals
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.money.FormatMajor(); got != tt.expected {
				t.Errorf("FormatMajor: got %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestMoneyJSON(t *testing.T) {
	m := USD(4900)

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	// Check JSON structure
	expected := `{"amount":4900,"currency":"usd","display":"$49.00"}`
	if string(data) != expected {
		t.Errorf("JSON: got %s, want %s", string(data), expected)
	}

	// Unmarshal and verify
	var result struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if result.Amount != 4900 || result.Currency != "usd" || result.Display != "$49.00" {
		t.Errorf("Unmarshaled data incorrect: %+v", result)
	}
}

func TestSum(t *testing.T) {
	tests := []struct {
		name     string
		values   []Money
		expected Money
	}{
		{"Empty", []Money{}, Zero("usd")},
		{"Single", []Money{USD(100)}, USD(100)},
		{"Multiple", []Money{USD(100), USD(200), USD(300)}, USD(600)},
		{"With negatives", []Money{USD(100), USD(-50), USD(200)}, USD(250)},
		{"All zero", []Money{USD(0), USD(0), USD(0)}, USD(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Sum(tt.values...)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !result.Equal(tt.expected) {
				t.Errorf("Sum: got %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestCurrencySymbols(t *testing.T) {
	tests := []struct {
		currency string
		symbol   string
	}{
		{"usd", "$"},
		{"eur", "€"},
		{"gbp", "£"},
		{"jpy", "¥"},
		{"twd", "NT$"},
		{"cad", "C$"},
		{"aud", "A$"},
		{"unknown", "UNKNOWN "},
	}

	for _, tt := range tests {
		t.Run(tt.currency, func(t *testing.T) {
			got := currencySymbol(tt.currency)
			if got != tt.symbol {
				t.Errorf("Symbol for %s: got %s, want %s", tt.currency, got, tt.symbol)
			}
		})
	}
}

func BenchmarkMoneyAdd(b *testing.B) {
	m1 := USD(100)
	m2 := USD(200)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m1.Add(m2)
	}
}

func BenchmarkMoneyAllocate(b *testing.B) {
	m := USD(10000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.Allocate(3, 3, 4)
	}
}

func BenchmarkMoneyString(b *testing.B) {
	m := USD(4900)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.String()
	}
}

func BenchmarkMoneyJSON(b *testing.B) {
	m := USD(4900)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = json.Marshal(m)
	}
}
