// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatPrice formats a price with thousands separators. Prices below 1
// keep up to 8 decimals so sub-cent assets stay readable.
func FormatPrice(price float64) string {
	d := decimal.NewFromFloat(price)
	places := int32(2)
	if d.Abs().LessThan(decimal.NewFromInt(1)) && !d.IsZero() {
		places = 8
	}
	s := d.StringFixed(places)
	if places == 8 {
		s = strings.TrimRight(s, "0")
		if decimals := len(s) - strings.IndexByte(s, '.') - 1; decimals < 2 {
			s += strings.Repeat("0", 2-decimals)
		}
	}
	return "$" + groupThousands(s)
}

// FormatSignedChange formats a price delta with an explicit sign.
func FormatSignedChange(change float64) string {
	d := decimal.NewFromFloat(change).Round(2)
	switch d.Sign() {
	case 1:
		return "+" + FormatPrice(change)
	case -1:
		return "-" + FormatPrice(-change)
	default:
		return FormatPrice(0)
	}
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// PercentChange returns change relative to base in percent. base must be non-zero.
func PercentChange(change, base float64) float64 {
	if base == 0 {
		return 0
	}
	return decimal.NewFromFloat(change).
		Div(decimal.NewFromFloat(base)).
		Mul(decimal.NewFromInt(100)).
		InexactFloat64()
}

// FormatVolume formats a traded volume without trailing zeros.
func FormatVolume(volume float64) string {
	return groupThousands(decimal.NewFromFloat(volume).String())
}

// Truncate cuts s to max runes, appending an ellipsis when shortened.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func groupThousands(s string) string {
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	n := len(intPart)
	if n <= 3 {
		return sign + intPart + frac
	}
	var b strings.Builder
	first := n % 3
	if first > 0 {
		b.WriteString(intPart[:first])
	}
	for i := first; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(intPart[i : i+3])
	}
	return sign + b.String() + frac
}
