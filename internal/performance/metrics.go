package performance

import (
	"math"
	"sort"
	"time"

	"github.com/montanaflynn/stats"
)

// DefaultBaseline is the reference capital used for percentage returns when
// neither the timeline nor the traded notional gives a usable baseline.
const DefaultBaseline = 10000.0

const sparklineLength = 20

type DailyPnL struct {
	Date string  `json:"date"`
	PnL  float64 `json:"pnl"`
}

type Metrics struct {
	TotalTrades    int           `json:"total_trades"`
	WinningTrades  int           `json:"winning_trades"`
	LosingTrades   int           `json:"losing_trades"`
	WinRate        float64       `json:"win_rate"`
	SharpeRatio    float64       `json:"sharpe_ratio"`
	TotalVolume    float64       `json:"total_volume"`
	AccountValue   float64       `json:"account_value"`
	RealizedPnL    float64       `json:"realized_pnl"`
	UnrealizedPnL  float64       `json:"unrealized_pnl"`
	Baseline       float64       `json:"baseline"`
	PnLPercentage  float64       `json:"pnl_percentage"`
	GrossProfit    float64       `json:"gross_profit"`
	GrossLoss      float64       `json:"gross_loss"`
	ProfitFactor   float64       `json:"profit_factor"`
	AverageHolding time.Duration `json:"average_holding"`
	MaxDrawdown    float64       `json:"max_drawdown"`
	DailyPnL       []DailyPnL    `json:"daily_pnl"`
	Sparkline      []float64     `json:"sparkline"`
}

type MetricsInput struct {
	Fills         []Fill
	Trades        []CompletedTrade
	Timeline      []TimelinePoint
	RealizedPnL   float64
	UnrealizedPnL float64
}

// ComputeMetrics derives trade statistics and equity metrics. PnLPercentage is
// (final account value - first timeline value) / |baseline| * 100, so an
// agent that has not moved reads 0% whichever baseline applies.
func ComputeMetrics(in MetricsInput) Metrics {
	m := Metrics{
		TotalTrades:   len(in.Trades),
		TotalVolume:   TotalVolume(in.Fills),
		RealizedPnL:   in.RealizedPnL,
		UnrealizedPnL: in.UnrealizedPnL,
		DailyPnL:      dailyPnL(in.Trades),
	}

	pnls := make(stats.Float64Data, 0, len(in.Trades))
	var holding time.Duration
	for _, trade := range in.Trades {
		pnls = append(pnls, trade.PnL)
		holding += trade.HoldingDuration
		switch {
		case trade.IsWin():
			m.WinningTrades++
			m.GrossProfit += trade.PnL
		case trade.PnL < 0:
			m.LosingTrades++
			m.GrossLoss += trade.PnL
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
		m.AverageHolding = holding / time.Duration(m.TotalTrades)
		m.SharpeRatio = sharpeRatio(pnls)
	}
	if m.GrossLoss < 0 {
		m.ProfitFactor = m.GrossProfit / math.Abs(m.GrossLoss)
	}

	startValue := 0.0
	if len(in.Timeline) > 0 {
		startValue = in.Timeline[0].AccountValue
		m.AccountValue = in.Timeline[len(in.Timeline)-1].AccountValue
	} else {
		m.AccountValue = math.Max(0, in.RealizedPnL)
	}

	m.Baseline = resolveBaseline(in.Timeline, m.TotalVolume)
	m.PnLPercentage = (m.AccountValue - startValue) / math.Abs(m.Baseline) * 100
	m.MaxDrawdown = maxDrawdown(in.Timeline, startValue, m.Baseline)
	m.Sparkline = sparkline(in.Timeline, startValue, m.Baseline)
	return m
}

// resolveBaseline picks the first timeline value when it is not negligible,
// then the traded notional, then DefaultBaseline.
func resolveBaseline(timeline []TimelinePoint, tradedNotional float64) float64 {
	if len(timeline) > 0 && math.Abs(timeline[0].AccountValue) > NotionalEpsilon {
		return timeline[0].AccountValue
	}
	if tradedNotional > NotionalEpsilon {
		return tradedNotional
	}
	return DefaultBaseline
}

// sharpeRatio is the per-trade mean over the population standard deviation.
func sharpeRatio(pnls stats.Float64Data) float64 {
	if len(pnls) == 0 {
		return 0
	}
	mean, err := stats.Mean(pnls)
	if err != nil {
		return 0
	}
	stddev, err := stats.StandardDeviationPopulation(pnls)
	if err != nil || stddev == 0 || math.IsNaN(stddev) {
		return 0
	}
	return mean / stddev
}

// maxDrawdown returns the deepest peak-to-trough fall of the equity curve in
// percent (zero or negative). Equity is the baseline capital plus the change
// in account value since the first point.
func maxDrawdown(timeline []TimelinePoint, startValue, baseline float64) float64 {
	capital := math.Abs(baseline)
	peak := capital
	worst := 0.0
	for _, point := range timeline {
		equity := capital + point.AccountValue - startValue
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		if dd := (equity - peak) / peak * 100; dd < worst {
			worst = dd
		}
	}
	return worst
}

func sparkline(timeline []TimelinePoint, startValue, baseline float64) []float64 {
	if len(timeline) == 0 {
		return []float64{0}
	}
	points := timeline
	if len(points) > sparklineLength {
		points = points[len(points)-sparklineLength:]
	}
	out := make([]float64, 0, len(points))
	for _, point := range points {
		out = append(out, (point.AccountValue-startValue)/math.Abs(baseline)*100)
	}
	return out
}

func dailyPnL(trades []CompletedTrade) []DailyPnL {
	byDate := make(map[string]float64)
	for _, trade := range trades {
		byDate[trade.ExitTimestamp.UTC().Format(time.DateOnly)] += trade.PnL
	}
	dates := make([]string, 0, len(byDate))
	for date := range byDate {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	out := make([]DailyPnL, 0, len(dates))
	for _, date := range dates {
		out = append(out, DailyPnL{Date: date, PnL: byDate[date]})
	}
	return out
}
