// Package report renders performance results for terminals and CSV exports.
package report

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const missing = "-"

// Money renders v with two decimals, rounding half away from zero.
func Money(v float64) string {
	if !finite(v) {
		return missing
	}
	return decimal.NewFromFloat(v).StringFixed(2)
}

func Percent(v float64) string {
	if !finite(v) {
		return missing
	}
	return decimal.NewFromFloat(v).StringFixed(2) + "%"
}

// Quantity trims trailing zeros and keeps at most eight decimals.
func Quantity(v float64) string {
	if !finite(v) {
		return missing
	}
	return decimal.NewFromFloat(v).Round(8).String()
}

func Ratio(v float64) string {
	if !finite(v) {
		return missing
	}
	return decimal.NewFromFloat(v).StringFixed(4)
}

func RankChange(change int) string {
	switch {
	case change > 0:
		return "+" + decimal.NewFromInt(int64(change)).String()
	case change < 0:
		return decimal.NewFromInt(int64(change)).String()
	default:
		return "="
	}
}

func Timestamp(t time.Time) string {
	if t.IsZero() {
		return missing
	}
	return t.UTC().Format(time.RFC3339)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
