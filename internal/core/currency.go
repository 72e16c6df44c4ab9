package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnitDigits maps ISO 4217 codes to their minor-unit precision. Most
// currencies carry two decimal digits; the zero- and three-digit sets are the
// usual exceptions.
var minorUnitDigits = map[string]int32{
	"USD": 2, "EUR": 2, "GBP": 2, "INR": 2, "AUD": 2, "CAD": 2, "CHF": 2,
	"CNY": 2, "SEK": 2, "NOK": 2, "DKK": 2, "SGD": 2, "HKD": 2, "NZD": 2,
	"MXN": 2, "BRL": 2, "ZAR": 2, "AED": 2, "SAR": 2, "TRY": 2, "PLN": 2,
	"THB": 2, "MYR": 2, "IDR": 2, "PHP": 2, "ILS": 2, "CZK": 2, "RUB": 2,

	"JPY": 0, "KRW": 0, "VND": 0, "CLP": 0, "ISK": 0, "XOF": 0, "XAF": 0,

	"KWD": 3, "BHD": 3, "OMR": 3, "JOD": 3, "TND": 3, "LYD": 3, "IQD": 3,
}

// currencyDigits resolves the precision for a code, case-insensitively.
func currencyDigits(code string) (int32, error) {
	digits, ok := minorUnitDigits[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return 0, &CurrencyError{Code: code, Reason: "unrecognized currency code"}
	}
	return digits, nil
}

// MinorUnitFactor returns 10^precision for the currency, e.g. 100 for USD,
// 1 for JPY, 1000 for KWD.
func MinorUnitFactor(code string) (int64, error) {
	digits, err := currencyDigits(code)
	if err != nil {
		return 0, err
	}
	factor := int64(1)
	for i := int32(0); i < digits; i++ {
		factor *= 10
	}
	return factor, nil
}

// ToMinorUnits converts a major-unit decimal amount to integer minor units,
// rounding half-up to the nearest integer. Negative amounts are rejected.
func ToMinorUnits(amount decimal.Decimal, code string) (int64, error) {
	factor, err := MinorUnitFactor(code)
	if err != nil {
		return 0, err
	}
	if amount.IsNegative() {
		return 0, &CurrencyError{Code: code, Reason: "amount cannot be negative"}
	}
	// Round is half-away-from-zero, which equals half-up for non-negative input.
	return amount.Mul(decimal.NewFromInt(factor)).Round(0).IntPart(), nil
}

// ToMajorUnits converts integer minor units back to a decimal quantized to the
// currency's precision. ToMajorUnits(ToMinorUnits(x, c), c) == x for any x
// representable at c's precision.
func ToMajorUnits(minor int64, code string) (decimal.Decimal, error) {
	digits, err := currencyDigits(code)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(minor, -digits), nil
}
