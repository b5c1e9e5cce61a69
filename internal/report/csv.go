package report

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"github.com/coldbell/agentarena/backend/internal/performance"
)

type tradeRow struct {
	AgentID    string `csv:"agent_id"`
	Asset      string `csv:"asset"`
	Direction  string `csv:"direction"`
	EntryFill  string `csv:"entry_fill_id"`
	ExitFill   string `csv:"exit_fill_id"`
	EntryTime  string `csv:"entry_time"`
	ExitTime   string `csv:"exit_time"`
	EntryPrice string `csv:"entry_price"`
	ExitPrice  string `csv:"exit_price"`
	Quantity   string `csv:"quantity"`
	PnL        string `csv:"pnl"`
	Holding    string `csv:"holding"`
}

// WriteTradesCSV writes one row per completed trade with a header line.
func WriteTradesCSV(w io.Writer, agentID string, trades []performance.CompletedTrade) error {
	rows := make([]*tradeRow, 0, len(trades))
	for _, trade := range trades {
		rows = append(rows, &tradeRow{
			AgentID:    agentID,
			Asset:      trade.Asset,
			Direction:  string(trade.Direction),
			EntryFill:  trade.EntryFillID,
			ExitFill:   trade.ExitFillID,
			EntryTime:  Timestamp(trade.EntryTimestamp),
			ExitTime:   Timestamp(trade.ExitTimestamp),
			EntryPrice: Quantity(trade.EntryPrice),
			ExitPrice:  Quantity(trade.ExitPrice),
			Quantity:   Quantity(trade.ClosedQuantity),
			PnL:        Money(trade.PnL),
			Holding:    performance.FormatHolding(trade.HoldingDuration),
		})
	}
	if err := gocsv.Marshal(&rows, w); err != nil {
		return fmt.Errorf("write trades csv: %w", err)
	}
	return nil
}
