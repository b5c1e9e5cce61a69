package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/coldbell/agentarena/backend/internal/performance"
)

func WriteLeaderboard(w io.Writer, entries []performance.LeaderboardEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no ranked agents")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("#", "Move", "Agent", "Account", "PnL %", "Realized", "Unrealized", "Volume", "Trades", "Win %", "Sharpe", "Max DD")
	for _, entry := range entries {
		name := entry.AgentName
		if name == "" {
			name = entry.AgentID
		}
		if err := table.Append(
			strconv.Itoa(entry.Rank),
			RankChange(entry.RankChange),
			name,
			Money(entry.AccountValue),
			Percent(entry.PercentChange),
			Money(entry.RealizedPnL),
			Money(entry.UnrealizedPnL),
			Money(entry.TotalTradedNotional),
			strconv.Itoa(entry.TotalTrades),
			Percent(entry.WinRate),
			Ratio(entry.SharpeRatio),
			Percent(entry.MaxDrawdown),
		); err != nil {
			return fmt.Errorf("append leaderboard row: %w", err)
		}
	}
	return table.Render()
}

// WritePositions prints open positions, leaving out dust.
func WritePositions(w io.Writer, positions []performance.Position) error {
	positions = performance.DisplayPositions(positions)
	if len(positions) == 0 {
		_, err := fmt.Fprintln(w, "no open positions")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Asset", "Side", "Quantity", "Avg Entry", "Cost Basis")
	for _, pos := range positions {
		if err := table.Append(
			pos.Asset,
			string(pos.Side),
			Quantity(pos.Quantity),
			Money(pos.AverageEntryPrice),
			Money(pos.CostBasis),
		); err != nil {
			return fmt.Errorf("append position row: %w", err)
		}
	}
	return table.Render()
}

// WriteMetrics prints one metric per row.
func WriteMetrics(w io.Writer, m performance.Metrics) error {
	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	rows := [][2]string{
		{"Account value", Money(m.AccountValue)},
		{"PnL %", Percent(m.PnLPercentage)},
		{"Realized PnL", Money(m.RealizedPnL)},
		{"Unrealized PnL", Money(m.UnrealizedPnL)},
		{"Volume", Money(m.TotalVolume)},
		{"Trades", strconv.Itoa(m.TotalTrades)},
		{"Win rate", Percent(m.WinRate)},
		{"Sharpe", Ratio(m.SharpeRatio)},
		{"Profit factor", Ratio(m.ProfitFactor)},
		{"Max drawdown", Percent(m.MaxDrawdown)},
		{"Avg holding", performance.FormatHolding(m.AverageHolding)},
	}
	for _, row := range rows {
		if err := table.Append(row[0], row[1]); err != nil {
			return fmt.Errorf("append metric row: %w", err)
		}
	}
	return table.Render()
}
