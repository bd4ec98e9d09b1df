// Package money formats and combines budget amounts for display.
package money

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

const (
	// DefaultCurrency is the suffix appended to every formatted amount.
	DefaultCurrency = "DZD"
	// Places is the number of fraction digits shown for amounts.
	Places = 2
)

var hundred = decimal.NewFromInt(100)

// Formatter renders amounts with locale-aware grouping and a fixed currency suffix.
type Formatter struct {
	group    string
	decimal  string
	currency string
}

var defaultFormatter = NewFormatter(language.French, DefaultCurrency)

// NewFormatter builds a formatter for the given locale and currency code.
func NewFormatter(tag language.Tag, currency string) Formatter {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	group, decimalSep := localeSeparators(message.NewPrinter(tag))
	return Formatter{
		group:    group,
		decimal:  decimalSep,
		currency: currency,
	}
}

// localeSeparators reads the grouping and decimal separators off a sample
// rendered by printer. Locales whose sample does not use ASCII digits fall
// back to "," and ".".
func localeSeparators(printer *message.Printer) (string, string) {
	sample := printer.Sprint(number.Decimal(1234567.5, number.Scale(1)))
	rest, ok := strings.CutPrefix(sample, "1")
	if !ok {
		return ",", "."
	}
	group, rest, ok := strings.Cut(rest, "234")
	if !ok {
		return ",", "."
	}
	rest, ok = strings.CutPrefix(rest, group+"567")
	if !ok {
		return ",", "."
	}
	decimalSep, ok := strings.CutSuffix(rest, "5")
	if !ok || decimalSep == "" {
		return ",", "."
	}
	return group, decimalSep
}

// Format renders amount; nil is rendered as zero.
func (f Formatter) Format(amount *decimal.Decimal) string {
	value := decimal.Zero
	if amount != nil {
		value = *amount
	}
	return f.formatDecimal(value)
}

// FormatFloat renders amount; NaN and infinities are rendered as zero.
func (f Formatter) FormatFloat(amount float64) string {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		amount = 0
	}
	return f.formatDecimal(decimal.NewFromFloat(amount))
}

// FormatPercent renders a percentage with two fraction digits.
func (f Formatter) FormatPercent(pct decimal.Decimal) string {
	return f.number(pct) + " %"
}

// Currency returns the suffix used by f.
func (f Formatter) Currency() string {
	if f.currency == "" {
		return DefaultCurrency
	}
	return f.currency
}

func (f Formatter) formatDecimal(value decimal.Decimal) string {
	return f.number(value) + " " + f.Currency()
}

// number renders value from its exact decimal digits; it never goes through
// float64.
func (f Formatter) number(value decimal.Decimal) string {
	group, decimalSep := f.group, f.decimal
	if decimalSep == "" {
		group, decimalSep = defaultFormatter.group, defaultFormatter.decimal
	}

	rounded := value.Round(Places)
	fixed := rounded.Abs().StringFixed(Places)
	integer, fraction, _ := strings.Cut(fixed, ".")

	var builder strings.Builder
	if rounded.IsNegative() {
		builder.WriteString("-")
	}
	for i, digit := range integer {
		if i > 0 && (len(integer)-i)%3 == 0 {
			builder.WriteString(group)
		}
		builder.WriteRune(digit)
	}
	builder.WriteString(decimalSep)
	builder.WriteString(fraction)
	return builder.String()
}

// FormatCurrency renders amount with the default French/DZD formatter.
func FormatCurrency(amount *decimal.Decimal) string {
	return defaultFormatter.Format(amount)
}

// FormatFloat renders a float amount with the default formatter.
func FormatFloat(amount float64) string {
	return defaultFormatter.FormatFloat(amount)
}

// FormatPercent renders a percentage with the default formatter.
func FormatPercent(pct decimal.Decimal) string {
	return defaultFormatter.FormatPercent(pct)
}

// Percentage returns part/whole*100 rounded to two places, or zero when whole is zero.
func Percentage(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(Places)
}
