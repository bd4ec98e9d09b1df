package money

import (
	"math"
	"strings"
	"testing"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

// digitsAndDecimal drops grouping separators so assertions do not depend on
// which space character the locale data uses.
func digitsAndDecimal(formatted string) string {
	var builder strings.Builder
	for _, r := range formatted {
		if unicode.IsDigit(r) || r == ',' || r == '.' || r == '-' {
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

func TestFormatCurrencyTreatsNilAsZero(t *testing.T) {
	got := FormatCurrency(nil)
	assert.Equal(t, FormatCurrency(&decimal.Zero), got)
	assert.True(t, strings.HasSuffix(got, " DZD"), "missing currency suffix: %q", got)
	assert.Equal(t, "0,00", digitsAndDecimal(got))
}

func TestFormatFloatTreatsNaNAndInfAsZero(t *testing.T) {
	zero := FormatFloat(0)
	for _, value := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.Equal(t, zero, FormatFloat(value))
	}
}

func TestFormatCurrencyGroupsThousandsWithFrenchDecimalComma(t *testing.T) {
	value := decimal.RequireFromString("1234567.5")
	got := FormatCurrency(&value)

	assert.True(t, strings.HasSuffix(got, " DZD"), "missing currency suffix: %q", got)
	assert.Equal(t, "1234567,50", digitsAndDecimal(got))

	number := strings.TrimSuffix(got, " DZD")
	separators := 0
	for _, r := range number {
		if unicode.IsSpace(r) {
			separators++
		}
	}
	assert.Equal(t, 2, separators, "expected two grouping separators in %q", got)
}

func TestFormatterHonoursLocaleAndCurrency(t *testing.T) {
	formatter := NewFormatter(language.English, "eur")
	value := decimal.RequireFromString("25000")

	got := formatter.Format(&value)
	assert.Equal(t, "25,000.00 EUR", got)
	assert.Equal(t, "EUR", formatter.Currency())
}

func TestNewFormatterFromLocaleFallsBackToFrench(t *testing.T) {
	value := decimal.RequireFromString("10.5")
	fallback := NewFormatterFromLocale("not a locale!!", "")

	assert.Equal(t, FormatCurrency(&value), fallback.Format(&value))
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		name  string
		part  string
		whole string
		want  string
	}{
		{name: "zero whole", part: "10", whole: "0", want: "0"},
		{name: "half", part: "500", whole: "1000", want: "50"},
		{name: "rounded", part: "1", whole: "3", want: "33.33"},
		{name: "over one hundred", part: "3", whole: "2", want: "150"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Percentage(decimal.RequireFromString(tt.part), decimal.RequireFromString(tt.whole))
			require.True(t, got.Equal(decimal.RequireFromString(tt.want)), "Percentage = %s, want %s", got, tt.want)
		})
	}
}

func TestFormatPercent(t *testing.T) {
	got := FormatPercent(decimal.RequireFromString("33.333"))
	assert.True(t, strings.HasSuffix(got, " %"))
	assert.Equal(t, "33,33", digitsAndDecimal(got))
}

func TestFormatCurrencyKeepsEveryDigitOfLargeAmounts(t *testing.T) {
	tests := []struct {
		amount string
		want   string
	}{
		{amount: "90071992547409.93", want: "90071992547409,93"},
		{amount: "123456789012345678.91", want: "123456789012345678,91"},
		{amount: "-1234.565", want: "-1234,57"},
		{amount: "999.999", want: "1000,00"},
	}

	for _, tt := range tests {
		value := decimal.RequireFromString(tt.amount)
		assert.Equal(t, tt.want, digitsAndDecimal(FormatCurrency(&value)), "amount %s", tt.amount)
	}
}

func TestFormatterGroupsLargeAmountsForEnglish(t *testing.T) {
	formatter := NewFormatter(language.English, "usd")
	value := decimal.RequireFromString("123456789012345678.91")

	assert.Equal(t, "123,456,789,012,345,678.91 USD", formatter.Format(&value))
}

func TestZeroFormatterUsesFrenchSeparators(t *testing.T) {
	value := decimal.RequireFromString("1234.5")
	var formatter Formatter

	assert.Equal(t, FormatCurrency(&value), formatter.Format(&value))
}
