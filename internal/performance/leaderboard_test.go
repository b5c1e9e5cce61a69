package performance

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFill(id, side string, qty, price float64, seconds int) RawFill {
	return RawFill{
		ID:        id,
		Asset:     "X",
		Side:      side,
		Price:     fmt.Sprintf("%g", price),
		Quantity:  fmt.Sprintf("%g", qty),
		Timestamp: at(seconds).Format(time.RFC3339Nano),
	}
}

func roundTrip(id, name string, entry, exit float64) AgentInput {
	return AgentInput{
		AgentID:   id,
		AgentName: name,
		Fills: []RawFill{
			rawFill(id+"-in", "BUY", 1, entry, 0),
			rawFill(id+"-out", "SELL", 1, exit, 10),
		},
	}
}

func reportIDs(reports []AgentReport) []string {
	out := make([]string, 0, len(reports))
	for _, r := range reports {
		out = append(out, r.AgentID)
	}
	return out
}

func TestBuildLeaderboard_SortsByAccountValue(t *testing.T) {
	reports := BuildLeaderboard([]AgentInput{
		roundTrip("b", "Bravo", 300, 100),
		roundTrip("a", "Alpha", 100, 600),
	}, EvalOptions{Now: at(20)})

	require.Len(t, reports, 2)
	assert.Equal(t, []string{"a", "b"}, reportIDs(reports))
	assert.InDelta(t, 500.0, reports[0].Metrics.AccountValue, 1e-9)
	assert.InDelta(t, -200.0, reports[1].Metrics.AccountValue, 1e-9)
	assert.Equal(t, 1, reports[0].Rank)
	assert.Equal(t, 2, reports[1].Rank)
}

func TestBuildLeaderboard_SkipsAgentsWithoutUsableFills(t *testing.T) {
	reports := BuildLeaderboard([]AgentInput{
		{AgentID: "empty"},
		{AgentID: "junk", Fills: []RawFill{{Asset: "X", Side: "BUY", Price: "0", Quantity: "1"}}},
		roundTrip("ok", "", 100, 110),
	}, EvalOptions{Now: at(20)})

	assert.Equal(t, []string{"ok"}, reportIDs(reports))
}

func TestBuildLeaderboard_TiesKeepInputOrder(t *testing.T) {
	reports := BuildLeaderboard([]AgentInput{
		roundTrip("first", "", 100, 110),
		roundTrip("second", "", 200, 210),
		roundTrip("third", "", 50, 60),
	}, EvalOptions{Now: at(20), Workers: 3})

	assert.Equal(t, []string{"first", "second", "third"}, reportIDs(reports))
}

func TestBuildLeaderboard_WorkerCountDoesNotChangeResult(t *testing.T) {
	agents := make([]AgentInput, 0, 25)
	for i := 0; i < 25; i++ {
		agents = append(agents, roundTrip(fmt.Sprintf("agent-%02d", i), "", 100, 100+float64(i%7)))
	}
	opts := EvalOptions{Now: at(20)}

	opts.Workers = 1
	serial := BuildLeaderboard(agents, opts)
	opts.Workers = 8
	parallel := BuildLeaderboard(agents, opts)

	assert.Equal(t, reportIDs(serial), reportIDs(parallel))
	require.Len(t, parallel, 25)
}

func TestBuildLeaderboard_NoAgents(t *testing.T) {
	assert.Empty(t, BuildLeaderboard(nil, EvalOptions{}))
}

func TestEvaluateAgent_CountsOnlyWindowActivity(t *testing.T) {
	report := EvaluateAgent(AgentInput{
		AgentID: "w",
		Fills: []RawFill{
			rawFill("1", "BUY", 1, 100, 0),
			rawFill("2", "SELL", 1, 110, 10),
			rawFill("3", "BUY", 1, 100, 100),
			rawFill("4", "SELL", 1, 120, 110),
		},
	}, EvalOptions{Start: at(50), End: at(200)})

	assert.Len(t, report.Fills, 4)
	require.Len(t, report.Trades, 1)
	assert.Equal(t, "4", report.Trades[0].ExitFillID)
	assert.Equal(t, 1, report.Metrics.TotalTrades)
	assert.InDelta(t, 220.0, report.Metrics.TotalVolume, 1e-9)
	assert.InDelta(t, 30.0, report.Metrics.AccountValue, 1e-9)
	assert.InDelta(t, 200.0, report.Metrics.PnLPercentage, 1e-9)
}

func TestEvaluateAgent_OpenShortAfterReversal(t *testing.T) {
	report := EvaluateAgent(AgentInput{
		AgentID: "r",
		Fills: []RawFill{
			rawFill("1", "BUY", 2, 100, 0),
			rawFill("2", "SELL", 3, 120, 5),
		},
	}, EvalOptions{Now: at(5), Live: LivePrices{"X": 110}})

	require.Len(t, report.Timeline.Positions, 1)
	pos := report.Timeline.Positions[0]
	assert.Equal(t, Short, pos.Side)
	assert.InDelta(t, 1.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 120.0, pos.AverageEntryPrice, 1e-9)
	assert.InDelta(t, 40.0, report.Metrics.RealizedPnL, 1e-9)
	assert.InDelta(t, 10.0, report.Metrics.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 50.0, report.Metrics.AccountValue, 1e-9)
}

func TestEntriesAndRankChanges(t *testing.T) {
	reports := BuildLeaderboard([]AgentInput{
		roundTrip("a", "Alpha", 100, 600),
		roundTrip("b", "Bravo", 100, 700),
		roundTrip("c", "Charlie", 100, 50),
	}, EvalOptions{Now: at(20)})
	entries := Entries(reports)

	ApplyRankChanges(entries, map[string]int{"a": 1, "b": 3})

	require.Len(t, entries, 3)
	assert.Equal(t, "b", entries[0].AgentID)
	assert.Equal(t, "Bravo", entries[0].AgentName)
	assert.Equal(t, 2, entries[0].RankChange)
	assert.Equal(t, -1, entries[1].RankChange)
	assert.Equal(t, 0, entries[2].RankChange)
	assert.InDelta(t, 600.0, entries[0].AccountValue, 1e-9)
	assert.Equal(t, 1, entries[0].TotalTrades)
	assert.InDelta(t, 100.0, entries[0].WinRate, 1e-9)
	assert.NotEmpty(t, entries[0].Timeline)
}

func TestEvaluateAgent_UndatedFillWithoutClockUsesLatestFill(t *testing.T) {
	undated := rawFill("3", "BUY", 1, 100, 0)
	undated.Timestamp = "not a time"

	report := EvaluateAgent(AgentInput{
		AgentID: "a",
		Fills: []RawFill{
			rawFill("1", "BUY", 1, 100, 0),
			rawFill("2", "SELL", 1, 110, 10),
			undated,
		},
	}, EvalOptions{})

	require.Len(t, report.Fills, 3)
	assert.Equal(t, at(10), report.Fills[2].Timestamp)
	assert.Equal(t, at(0), report.Timeline.Start)
	assert.Equal(t, at(10), report.Timeline.End)
}
