package indexer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coldbell/agentarena/backend/internal/config"
	"github.com/coldbell/agentarena/backend/internal/performance"
)

type Window struct {
	Period string    `json:"period"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// ParseWindow resolves a leaderboard period ending at now. "all" has a zero
// start, which lets each agent's timeline begin at its first fill.
func ParseWindow(period string, now time.Time) (Window, error) {
	now = now.UTC()
	normalized := strings.ToLower(strings.TrimSpace(period))
	var lookback time.Duration
	switch normalized {
	case "24h", "1d":
		normalized = "24h"
		lookback = 24 * time.Hour
	case "7d":
		lookback = 7 * 24 * time.Hour
	case "30d":
		lookback = 30 * 24 * time.Hour
	case "all", "all_time":
		return Window{Period: "all", End: now}, nil
	default:
		return Window{}, fmt.Errorf("%w: invalid period %q (expected 24h|7d|30d|all)", ErrInvalidInput, period)
	}
	return Window{Period: normalized, Start: now.Add(-lookback), End: now}, nil
}

// LiveSource supplies the freshest known price per market.
type LiveSource interface {
	Snapshot() performance.LivePrices
}

// Engine loads agents, fills and prices from the store and runs the
// performance pipeline over them.
type Engine struct {
	store *Store
	cfg   config.PerformanceConfig
	live  LiveSource
	now   func() time.Time
}

func NewEngine(store *Store, cfg config.PerformanceConfig, live LiveSource) *Engine {
	return &Engine{
		store: store,
		cfg:   cfg,
		live:  live,
		now:   time.Now,
	}
}

// Window parses period, falling back to the configured default window.
func (e *Engine) Window(period string) (Window, error) {
	if strings.TrimSpace(period) == "" {
		period = e.cfg.Window
	}
	return ParseWindow(period, e.now())
}

func (e *Engine) Leaderboard(ctx context.Context, w Window) ([]performance.LeaderboardEntry, error) {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	reports, err := e.evaluate(ctx, agents, w)
	if err != nil {
		return nil, err
	}

	entries := performance.Entries(reports)
	previous, err := e.store.PreviousRanks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load previous ranks: %w", err)
	}
	performance.ApplyRankChanges(entries, previous)
	return entries, nil
}

func (e *Engine) AgentReport(ctx context.Context, agentID string, w Window) (performance.AgentReport, error) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return performance.AgentReport{}, err
	}
	inputs, live, err := e.loadInputs(ctx, []AgentRecord{agent}, w)
	if err != nil {
		return performance.AgentReport{}, err
	}
	return performance.EvaluateAgent(inputs[0], e.evalOptions(w, live)), nil
}

// Snapshot evaluates every agent over the configured window ending at now
// and persists one snapshot per ranked agent.
func (e *Engine) Snapshot(ctx context.Context, now time.Time) ([]performance.Snapshot, error) {
	w, err := ParseWindow(e.cfg.Window, now)
	if err != nil {
		return nil, err
	}
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	reports, err := e.evaluate(ctx, agents, w)
	if err != nil {
		return nil, err
	}
	return performance.PublishSnapshots(ctx, e.store, reports, now, e.cfg.RecentTrades)
}

func (e *Engine) evaluate(ctx context.Context, agents []AgentRecord, w Window) ([]performance.AgentReport, error) {
	if len(agents) == 0 {
		return []performance.AgentReport{}, nil
	}
	inputs, live, err := e.loadInputs(ctx, agents, w)
	if err != nil {
		return nil, err
	}
	return performance.BuildLeaderboard(inputs, e.evalOptions(w, live)), nil
}

func (e *Engine) evalOptions(w Window, live performance.LivePrices) performance.EvalOptions {
	return performance.EvalOptions{
		Start:   w.Start,
		End:     w.End,
		Now:     w.End,
		Live:    live,
		Workers: e.cfg.Workers,
	}
}

func (e *Engine) loadInputs(ctx context.Context, agents []AgentRecord, w Window) ([]performance.AgentInput, performance.LivePrices, error) {
	inputs := make([]performance.AgentInput, 0, len(agents))
	assetsByAgent := make([][]string, 0, len(agents))
	allAssets := make(map[string]struct{})
	earliest := time.Time{}

	for _, agent := range agents {
		raw, err := e.store.LoadAgentFills(ctx, agent.ID, w.End)
		if err != nil {
			return nil, nil, err
		}
		inputs = append(inputs, performance.AgentInput{
			AgentID:   agent.ID,
			AgentName: agent.Name,
			Fills:     raw,
		})

		assets := make(map[string]struct{})
		for _, fill := range performance.Sanitize(raw, w.End) {
			assets[fill.Asset] = struct{}{}
			allAssets[fill.Asset] = struct{}{}
			if earliest.IsZero() || fill.Timestamp.Before(earliest) {
				earliest = fill.Timestamp
			}
		}
		assetsByAgent = append(assetsByAgent, sortedKeys(assets))
	}

	markets := sortedKeys(allAssets)
	if len(markets) == 0 {
		return inputs, performance.LivePrices{}, nil
	}

	from := w.Start
	if from.IsZero() {
		from = earliest
	}
	samples, err := e.store.ListPriceSamples(ctx, markets, from, w.End, e.cfg.PriceSampleInterval)
	if err != nil {
		return nil, nil, fmt.Errorf("load price samples: %w", err)
	}
	byAsset := make(map[string][]performance.PriceSample, len(markets))
	for _, sample := range samples {
		byAsset[sample.Asset] = append(byAsset[sample.Asset], sample)
	}
	for i := range inputs {
		for _, asset := range assetsByAgent[i] {
			inputs[i].Prices = append(inputs[i].Prices, byAsset[asset]...)
		}
	}

	live, err := e.livePrices(ctx, markets)
	if err != nil {
		return nil, nil, err
	}
	return inputs, live, nil
}

// livePrices prefers the in-process cache and falls back to the newest
// stored tick for markets the cache has not seen.
func (e *Engine) livePrices(ctx context.Context, markets []string) (performance.LivePrices, error) {
	stored, err := e.store.LatestPrices(ctx, markets)
	if err != nil {
		return nil, fmt.Errorf("load latest prices: %w", err)
	}
	if e.live == nil {
		return stored, nil
	}
	for market, price := range e.live.Snapshot() {
		if price > 0 {
			stored[market] = price
		}
	}
	return stored, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
