package report

import (
	"bytes"
	"encoding/csv"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/agentarena/backend/internal/performance"
)

func TestFormatters(t *testing.T) {
	assert.Equal(t, "50.00", Money(50))
	assert.Equal(t, "0.30", Money(0.1+0.2))
	assert.Equal(t, "-2.50", Money(-2.5))
	assert.Equal(t, "-", Money(math.NaN()))
	assert.Equal(t, "66.67%", Percent(200.0/3))
	assert.Equal(t, "-", Percent(math.Inf(1)))
	assert.Equal(t, "0.12345679", Quantity(0.123456789))
	assert.Equal(t, "1.5", Quantity(1.5))
	assert.Equal(t, "0.8165", Ratio(math.Sqrt(2.0/3)))
	assert.Equal(t, "+2", RankChange(2))
	assert.Equal(t, "-1", RankChange(-1))
	assert.Equal(t, "=", RankChange(0))
	assert.Equal(t, "-", Timestamp(time.Time{}))
	assert.Equal(t, "2026-03-01T12:00:00Z", Timestamp(time.Date(2026, 3, 1, 13, 0, 0, 0, time.FixedZone("CET", 3600))))
}

func TestWriteLeaderboard(t *testing.T) {
	var buf bytes.Buffer
	err := WriteLeaderboard(&buf, []performance.LeaderboardEntry{
		{Rank: 1, RankChange: 1, AgentID: "a", AgentName: "momentum", AccountValue: 50, PercentChange: 25, TotalTrades: 3, WinRate: 66.666},
		{Rank: 2, RankChange: -1, AgentID: "b-id", AccountValue: -2.5},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "momentum")
	assert.Contains(t, out, "b-id")
	assert.Contains(t, out, "50.00")
	assert.Contains(t, out, "-2.50")
	assert.Contains(t, out, "66.67%")
	assert.Contains(t, out, "+1")

	buf.Reset()
	require.NoError(t, WriteLeaderboard(&buf, nil))
	assert.Equal(t, "no ranked agents\n", buf.String())
}

func TestWritePositionsAndMetrics(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePositions(&buf, []performance.Position{
		{Asset: "ETH", Side: performance.Short, Quantity: 0.25, AverageEntryPrice: 3100.5, CostBasis: 775.125},
	}))
	out := buf.String()
	assert.Contains(t, out, "ETH")
	assert.Contains(t, out, "SHORT")
	assert.Contains(t, out, "0.25")
	assert.Contains(t, out, "3100.50")
	assert.Contains(t, out, "775.13")

	buf.Reset()
	require.NoError(t, WritePositions(&buf, nil))
	assert.Equal(t, "no open positions\n", buf.String())

	buf.Reset()
	require.NoError(t, WritePositions(&buf, []performance.Position{
		{Asset: "BTC", Side: performance.Long, Quantity: 0.00005, AverageEntryPrice: 100, CostBasis: 0.005},
	}))
	assert.Equal(t, "no open positions\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteMetrics(&buf, performance.Metrics{
		AccountValue:   120,
		TotalTrades:    4,
		ProfitFactor:   7,
		AverageHolding: 90 * time.Minute,
	}))
	out = buf.String()
	assert.Contains(t, out, "120.00")
	assert.Contains(t, out, "7.0000")
	assert.Contains(t, out, "1h 30m")
}

func TestWriteTradesCSV(t *testing.T) {
	entry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := WriteTradesCSV(&buf, "agent-1", []performance.CompletedTrade{
		{
			EntryFillID:     "f1",
			ExitFillID:      "f2",
			Asset:           "BTC",
			Direction:       performance.Long,
			EntryPrice:      100,
			ExitPrice:       110.5,
			ClosedQuantity:  2,
			PnL:             21,
			HoldingDuration: 2 * time.Hour,
			EntryTimestamp:  entry,
			ExitTimestamp:   entry.Add(2 * time.Hour),
		},
	})
	require.NoError(t, err)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{
		"agent_id", "asset", "direction", "entry_fill_id", "exit_fill_id", "entry_time", "exit_time",
		"entry_price", "exit_price", "quantity", "pnl", "holding",
	}, records[0])
	assert.Equal(t, []string{
		"agent-1", "BTC", "LONG", "f1", "f2", "2026-03-01T12:00:00Z", "2026-03-01T14:00:00Z",
		"100", "110.5", "2", "21.00", "2h 0m",
	}, records[1])
}
