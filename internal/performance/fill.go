// Package performance reconstructs agent positions, completed trades, equity
// timelines and rankings from executed fills and market prices.
//
// Every function in this package is a pure transform over caller-supplied
// slices and maps. Nothing here performs I/O or keeps state between calls.
package performance

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Side returns the position side a fill in this direction opens.
func (d Direction) Side() Side {
	if d == Buy {
		return Long
	}
	return Short
}

// RawFill is a fill as it arrives from storage or an HTTP payload, before any
// numeric or timestamp parsing.
type RawFill struct {
	ID        string `json:"id"`
	Asset     string `json:"asset"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Timestamp string `json:"timestamp"`
}

type Fill struct {
	ID        string    `json:"id"`
	Asset     string    `json:"asset"`
	Direction Direction `json:"direction"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

func (f Fill) Notional() float64 {
	return math.Abs(f.Price * f.Quantity)
}

type PriceSample struct {
	Asset      string    `json:"asset"`
	Timestamp  time.Time `json:"timestamp"`
	ClosePrice float64   `json:"close_price"`
}

// LivePrices maps a normalized asset symbol to its current price.
type LivePrices map[string]float64

func (p LivePrices) Price(asset string) (float64, bool) {
	if p == nil {
		return 0, false
	}
	price, ok := p[asset]
	if !ok || !isUsablePrice(price) {
		return 0, false
	}
	return price, true
}

// Sanitize converts raw fills into canonical fills. Records with a
// non-positive or non-finite price or quantity, or with an unknown side, are
// dropped. A missing or unparseable timestamp is replaced by defaultTS.
func Sanitize(raw []RawFill, defaultTS time.Time) []Fill {
	out := make([]Fill, 0, len(raw))
	for idx, item := range raw {
		direction, ok := ParseDirection(item.Side)
		if !ok {
			continue
		}
		price := parseNumber(item.Price)
		quantity := parseNumber(item.Quantity)
		if price <= 0 || quantity <= 0 {
			continue
		}
		ts, ok := ParseTimestamp(item.Timestamp)
		if !ok {
			ts = defaultTS
		}
		id := strings.TrimSpace(item.ID)
		if id == "" {
			id = "fill-" + strconv.Itoa(idx)
		}
		out = append(out, Fill{
			ID:        id,
			Asset:     NormalizeAsset(item.Asset),
			Direction: direction,
			Price:     price,
			Quantity:  quantity,
			Timestamp: ts.UTC(),
		})
	}
	return out
}

func ParseDirection(raw string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "bid", "long", "b":
		return Buy, true
	case "sell", "ask", "short", "s":
		return Sell, true
	default:
		return "", false
	}
}

// NormalizeAsset upper-cases a symbol and strips separators, so "btc-usdt"
// and "BTC/USDT" both become "BTCUSDT".
func NormalizeAsset(raw string) string {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	var out strings.Builder
	out.Grow(len(trimmed))
	for _, r := range trimmed {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out.WriteRune(r)
		}
	}
	return out.String()
}

// ParseTimestamp accepts RFC3339, unix seconds or unix milliseconds.
func ParseTimestamp(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false
	}
	if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		return parsed.UTC(), true
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || value <= 0 {
		return time.Time{}, false
	}
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), true
	}
	return time.Unix(value, 0).UTC(), true
}

// SortFills returns a copy of fills ordered by timestamp. Fills sharing a
// timestamp keep their relative order.
func SortFills(fills []Fill) []Fill {
	out := append([]Fill(nil), fills...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func TotalVolume(fills []Fill) float64 {
	total := 0.0
	for _, fill := range fills {
		total += fill.Notional()
	}
	return total
}

func parseNumber(raw string) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}

func isUsablePrice(price float64) bool {
	return price > 0 && !math.IsNaN(price) && !math.IsInf(price, 0)
}
