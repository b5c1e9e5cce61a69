package performance

import (
	"runtime"
	"sort"
	"sync"
	"time"
)

// AgentInput is everything needed to evaluate one agent.
type AgentInput struct {
	AgentID   string
	AgentName string
	Fills     []RawFill
	Prices    []PriceSample
}

type EvalOptions struct {
	Start time.Time
	End   time.Time
	Now   time.Time
	Live  LivePrices

	// Workers bounds the number of agents evaluated at once. Zero means
	// runtime.NumCPU().
	Workers int
}

// AgentReport is the full evaluation of one agent over a window.
type AgentReport struct {
	AgentID   string           `json:"agent_id"`
	AgentName string           `json:"agent_name"`
	Rank      int              `json:"rank"`
	Fills     []Fill           `json:"fills"`
	Trades    []CompletedTrade `json:"trades"`
	Timeline  Timeline         `json:"timeline"`
	Metrics   Metrics          `json:"metrics"`
}

type LeaderboardEntry struct {
	Rank                int             `json:"rank"`
	RankChange          int             `json:"rank_change"`
	AgentID             string          `json:"agent_id"`
	AgentName           string          `json:"agent_name"`
	AccountValue        float64         `json:"account_value"`
	UnrealizedPnL       float64         `json:"unrealized_pnl"`
	RealizedPnL         float64         `json:"realized_pnl"`
	PercentChange       float64         `json:"percent_change"`
	TotalTradedNotional float64         `json:"total_traded_notional"`
	WinRate             float64         `json:"win_rate"`
	TotalTrades         int             `json:"total_trades"`
	SharpeRatio         float64         `json:"sharpe_ratio"`
	MaxDrawdown         float64         `json:"max_drawdown"`
	Sparkline           []float64       `json:"sparkline"`
	Timeline            []TimelinePoint `json:"timeline"`
}

// EvaluateAgent sanitizes the agent's fills and derives positions, trades,
// the equity timeline and metrics. Trades and volume only count activity
// inside the resolved window; fills before the window still shape the
// positions the window starts with.
func EvaluateAgent(in AgentInput, opts EvalOptions) AgentReport {
	defaultTS := opts.End
	if defaultTS.IsZero() {
		defaultTS = opts.Now
	}
	if defaultTS.IsZero() {
		defaultTS = latestFillTimestamp(in.Fills)
	}
	fills := SortFills(Sanitize(in.Fills, defaultTS))

	timeline := BuildTimeline(TimelineInput{
		Fills:  fills,
		Prices: in.Prices,
		Live:   opts.Live,
		Start:  opts.Start,
		End:    opts.End,
		Now:    opts.Now,
	})

	windowFills := make([]Fill, 0, len(fills))
	for _, fill := range fills {
		if inWindow(fill.Timestamp, timeline.Start, timeline.End) {
			windowFills = append(windowFills, fill)
		}
	}
	allTrades := MatchTrades(fills)
	trades := make([]CompletedTrade, 0, len(allTrades))
	for _, trade := range allTrades {
		if inWindow(trade.ExitTimestamp, timeline.Start, timeline.End) {
			trades = append(trades, trade)
		}
	}

	metrics := ComputeMetrics(MetricsInput{
		Fills:         windowFills,
		Trades:        trades,
		Timeline:      timeline.Points,
		RealizedPnL:   timeline.RealizedPnL,
		UnrealizedPnL: timeline.UnrealizedPnL,
	})

	return AgentReport{
		AgentID:   in.AgentID,
		AgentName: in.AgentName,
		Fills:     fills,
		Trades:    trades,
		Timeline:  timeline,
		Metrics:   metrics,
	}
}

// BuildLeaderboard evaluates every agent concurrently and ranks them by
// account value, highest first. Agents without any usable fill are left out.
// Agents with equal account values keep their input order.
func BuildLeaderboard(agents []AgentInput, opts EvalOptions) []AgentReport {
	if len(agents) == 0 {
		return []AgentReport{}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(agents) {
		workers = len(agents)
	}

	type result struct {
		index  int
		report AgentReport
	}

	workCh := make(chan int, len(agents))
	resultCh := make(chan result, len(agents))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workCh {
				report := EvaluateAgent(agents[idx], opts)
				if len(report.Fills) == 0 {
					continue
				}
				resultCh <- result{index: idx, report: report}
			}
		}()
	}

	for idx, agent := range agents {
		if len(agent.Fills) == 0 {
			continue
		}
		workCh <- idx
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	byIndex := make([]*AgentReport, len(agents))
	for res := range resultCh {
		report := res.report
		byIndex[res.index] = &report
	}

	reports := make([]AgentReport, 0, len(agents))
	for _, report := range byIndex {
		if report != nil {
			reports = append(reports, *report)
		}
	}
	RankReports(reports)
	return reports
}

// RankReports stable-sorts reports by account value descending and assigns
// ranks starting at 1.
func RankReports(reports []AgentReport) {
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].Metrics.AccountValue > reports[j].Metrics.AccountValue
	})
	for i := range reports {
		reports[i].Rank = i + 1
	}
}

func Entries(reports []AgentReport) []LeaderboardEntry {
	out := make([]LeaderboardEntry, 0, len(reports))
	for _, report := range reports {
		out = append(out, LeaderboardEntry{
			Rank:                report.Rank,
			AgentID:             report.AgentID,
			AgentName:           report.AgentName,
			AccountValue:        report.Metrics.AccountValue,
			UnrealizedPnL:       report.Metrics.UnrealizedPnL,
			RealizedPnL:         report.Metrics.RealizedPnL,
			PercentChange:       report.Metrics.PnLPercentage,
			TotalTradedNotional: report.Metrics.TotalVolume,
			WinRate:             report.Metrics.WinRate,
			TotalTrades:         report.Metrics.TotalTrades,
			SharpeRatio:         report.Metrics.SharpeRatio,
			MaxDrawdown:         report.Metrics.MaxDrawdown,
			Sparkline:           report.Metrics.Sparkline,
			Timeline:            report.Timeline.Points,
		})
	}
	return out
}

// ApplyRankChanges sets RankChange to previousRank - rank for agents that
// were ranked before. A positive value means the agent moved up.
func ApplyRankChanges(entries []LeaderboardEntry, previousRanks map[string]int) {
	for i := range entries {
		prev, ok := previousRanks[entries[i].AgentID]
		if !ok || prev <= 0 {
			continue
		}
		entries[i].RankChange = prev - entries[i].Rank
	}
}

func inWindow(ts, start, end time.Time) bool {
	return !ts.Before(start) && !ts.After(end)
}

// latestFillTimestamp is the newest parseable timestamp among raw, or the
// zero time when none parses.
func latestFillTimestamp(raw []RawFill) time.Time {
	var latest time.Time
	for _, item := range raw {
		if ts, ok := ParseTimestamp(item.Timestamp); ok && ts.After(latest) {
			latest = ts
		}
	}
	return latest
}
