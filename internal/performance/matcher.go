package performance

import (
	"fmt"
	"math"
	"time"
)

// CompletedTrade pairs an entry fill with an opposing exit fill.
type CompletedTrade struct {
	EntryFillID     string        `json:"entry_fill_id"`
	ExitFillID      string        `json:"exit_fill_id"`
	Asset           string        `json:"asset"`
	Direction       Side          `json:"direction"`
	EntryPrice      float64       `json:"entry_price"`
	ExitPrice       float64       `json:"exit_price"`
	ClosedQuantity  float64       `json:"closed_quantity"`
	PnL             float64       `json:"pnl"`
	HoldingDuration time.Duration `json:"holding_duration"`
	EntryTimestamp  time.Time     `json:"entry_timestamp"`
	ExitTimestamp   time.Time     `json:"exit_timestamp"`
	NotionalFrom    float64       `json:"notional_from"`
	NotionalTo      float64       `json:"notional_to"`
}

func (t CompletedTrade) IsWin() bool {
	return t.PnL > 0
}

// tradePointer is the most recent unmatched entry for one asset. It tracks a
// single fill rather than an averaged position.
type tradePointer struct {
	fill     Fill
	quantity float64
}

// tradeMatcher holds one open entry pointer per asset.
type tradeMatcher struct {
	pointers map[string]*tradePointer
}

func newTradeMatcher() *tradeMatcher {
	return &tradeMatcher{pointers: make(map[string]*tradePointer)}
}

func (m *tradeMatcher) apply(fill Fill) (CompletedTrade, bool) {
	pointer := m.pointers[fill.Asset]
	if pointer == nil || pointer.fill.Direction == fill.Direction {
		m.pointers[fill.Asset] = &tradePointer{fill: fill, quantity: fill.Quantity}
		return CompletedTrade{}, false
	}

	closed := math.Min(pointer.quantity, fill.Quantity)
	entry := pointer.fill
	side := entry.Direction.Side()
	pnl := (fill.Price - entry.Price) * closed
	if side == Short {
		pnl = -pnl
	}
	trade := CompletedTrade{
		EntryFillID:     entry.ID,
		ExitFillID:      fill.ID,
		Asset:           fill.Asset,
		Direction:       side,
		EntryPrice:      entry.Price,
		ExitPrice:       fill.Price,
		ClosedQuantity:  closed,
		PnL:             pnl,
		HoldingDuration: fill.Timestamp.Sub(entry.Timestamp),
		EntryTimestamp:  entry.Timestamp,
		ExitTimestamp:   fill.Timestamp,
		NotionalFrom:    entry.Price * closed,
		NotionalTo:      fill.Price * closed,
	}

	switch {
	case pointer.quantity-fill.Quantity >= QuantityEpsilon:
		pointer.quantity -= closed
	case fill.Quantity-pointer.quantity >= QuantityEpsilon:
		m.pointers[fill.Asset] = &tradePointer{fill: fill, quantity: fill.Quantity - pointer.quantity}
	default:
		delete(m.pointers, fill.Asset)
	}
	return trade, true
}

// MatchTrades pairs opposing fills into completed trades, one asset at a time.
// A same-direction fill replaces the open entry instead of averaging into it.
// Trades are returned ordered by exit time.
func MatchTrades(fills []Fill) []CompletedTrade {
	matcher := newTradeMatcher()
	trades := make([]CompletedTrade, 0, len(fills)/2)
	for _, fill := range SortFills(fills) {
		if trade, ok := matcher.apply(fill); ok {
			trades = append(trades, trade)
		}
	}
	return trades
}

// FormatHolding renders a holding duration as hours and minutes, e.g. "26h 5m".
func FormatHolding(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int64(d / time.Hour)
	minutes := int64((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
