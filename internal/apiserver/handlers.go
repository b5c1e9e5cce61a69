package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/coldbell/agentarena/backend/internal/indexer"
	"github.com/coldbell/agentarena/backend/internal/performance"
)

const defaultTradesPageLimit = 50

type createAgentRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OwnerPubkey string `json:"owner_pubkey"`
}

type submitFillsRequest struct {
	Fills []performance.RawFill `json:"fills"`
}

type submitFillsResponse struct {
	Received int `json:"received"`
	Inserted int `json:"inserted"`
}

type leaderboardResponse struct {
	Window indexer.Window                 `json:"window"`
	Items  []performance.LeaderboardEntry `json:"items"`
}

type agentPerformanceResponse struct {
	AgentID      string                       `json:"agent_id"`
	AgentName    string                       `json:"agent_name"`
	Window       indexer.Window               `json:"window"`
	Metrics      performance.Metrics          `json:"metrics"`
	Positions    []performance.Position       `json:"positions"`
	RecentTrades []performance.CompletedTrade `json:"recent_trades"`
}

type agentTimelineResponse struct {
	AgentID  string               `json:"agent_id"`
	Window   indexer.Window       `json:"window"`
	Timeline performance.Timeline `json:"timeline"`
}

type chartCandlesResponse struct {
	Market      string                 `json:"market"`
	Timeframe   string                 `json:"timeframe"`
	IntervalSec int64                  `json:"interval_sec"`
	Candles     []indexer.CandleRecord `json:"candles"`
}

func (s *Service) handleAgentsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := s.store.ListAgents(r.Context())
		if err != nil {
			s.respondStoreError(w, err, "list agents")
			return
		}
		s.respondJSON(w, http.StatusOK, agents)
	case http.MethodPost:
		var request createAgentRequest
		if err := decodeJSONBody(r, &request); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		agent, err := s.store.CreateAgent(r.Context(), indexer.CreateAgentInput{
			ID:          request.ID,
			Name:        request.Name,
			OwnerPubkey: request.OwnerPubkey,
		})
		if err != nil {
			s.respondStoreError(w, err, "create agent")
			return
		}
		s.respondJSON(w, http.StatusCreated, agent)
	default:
		s.respondMethodNotAllowed(w)
	}
}

func (s *Service) handleAgentsSubroutes(w http.ResponseWriter, r *http.Request) {
	agentID, tail := splitAgentSubroute(r.URL.Path)
	if agentID == "" {
		s.respondError(w, http.StatusNotFound, "agent id is required")
		return
	}

	switch tail {
	case "":
		if r.Method != http.MethodGet {
			s.respondMethodNotAllowed(w)
			return
		}
		agent, err := s.store.GetAgent(r.Context(), agentID)
		if err != nil {
			s.respondStoreError(w, err, "get agent")
			return
		}
		s.respondJSON(w, http.StatusOK, agent)
	case "fills":
		s.handleAgentFills(w, r, agentID)
	case "performance":
		s.handleAgentPerformance(w, r, agentID)
	case "timeline":
		s.handleAgentTimeline(w, r, agentID)
	case "trades":
		s.handleAgentTrades(w, r, agentID)
	case "snapshot":
		if r.Method != http.MethodGet {
			s.respondMethodNotAllowed(w)
			return
		}
		snapshot, err := s.store.GetLatestSnapshot(r.Context(), agentID)
		if err != nil {
			s.respondStoreError(w, err, "get snapshot")
			return
		}
		s.respondJSON(w, http.StatusOK, snapshot)
	default:
		s.respondError(w, http.StatusNotFound, "route not found")
	}
}

func (s *Service) handleAgentFills(w http.ResponseWriter, r *http.Request, agentID string) {
	switch r.Method {
	case http.MethodGet:
		limit, err := parseOptionalInt(r, "limit", 0)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		offset, err := parseOptionalInt(r, "offset", 0)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		from, err := parseOptionalInt64(r, "from", 0)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		to, err := parseOptionalInt64(r, "to", 0)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if from != 0 && to != 0 && from > to {
			s.respondError(w, http.StatusBadRequest, "from must be <= to")
			return
		}

		filter := indexer.FillFilter{
			AgentID: agentID,
			Asset:   strings.TrimSpace(r.URL.Query().Get("asset")),
			Limit:   limit,
			Offset:  offset,
		}
		if from > 0 {
			filter.From = time.Unix(from, 0)
		}
		if to > 0 {
			filter.To = time.Unix(to, 0)
		}
		items, normalizedLimit, normalizedOffset, err := s.store.ListFills(r.Context(), filter)
		if err != nil {
			s.respondStoreError(w, err, "list fills")
			return
		}
		s.respondJSON(w, http.StatusOK, listResponse[indexer.FillRecord]{
			Items:  items,
			Limit:  normalizedLimit,
			Offset: normalizedOffset,
		})
	case http.MethodPost:
		var request submitFillsRequest
		if err := decodeJSONBody(r, &request); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		inserted, err := s.store.InsertFills(r.Context(), agentID, request.Fills)
		if err != nil {
			s.respondStoreError(w, err, "insert fills")
			return
		}
		s.respondJSON(w, http.StatusOK, submitFillsResponse{Received: len(request.Fills), Inserted: inserted})
	default:
		s.respondMethodNotAllowed(w)
	}
}

func (s *Service) handleAgentPerformance(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	payload, err := s.agentPerformance(r.Context(), agentID, r.URL.Query().Get("period"))
	if err != nil {
		s.respondStoreError(w, err, "compute performance")
		return
	}
	s.respondJSON(w, http.StatusOK, payload)
}

func (s *Service) agentPerformance(ctx context.Context, agentID, period string) (agentPerformanceResponse, error) {
	window, err := s.engine.Window(period)
	if err != nil {
		return agentPerformanceResponse{}, err
	}
	report, err := s.engine.AgentReport(ctx, agentID, window)
	if err != nil {
		return agentPerformanceResponse{}, err
	}
	recent := report.Trades
	if keep := s.cfg.Performance.RecentTrades; keep >= 0 && len(recent) > keep {
		recent = recent[len(recent)-keep:]
	}
	return agentPerformanceResponse{
		AgentID:      report.AgentID,
		AgentName:    report.AgentName,
		Window:       window,
		Metrics:      report.Metrics,
		Positions:    performance.DisplayPositions(report.Timeline.Positions),
		RecentTrades: recent,
	}, nil
}

func (s *Service) handleAgentTimeline(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	window, err := s.engine.Window(r.URL.Query().Get("period"))
	if err != nil {
		s.respondStoreError(w, err, "resolve window")
		return
	}
	report, err := s.engine.AgentReport(r.Context(), agentID, window)
	if err != nil {
		s.respondStoreError(w, err, "build timeline")
		return
	}
	s.respondJSON(w, http.StatusOK, agentTimelineResponse{
		AgentID:  report.AgentID,
		Window:   window,
		Timeline: report.Timeline,
	})
}

// handleAgentTrades pages completed trades of the window, newest exit first.
func (s *Service) handleAgentTrades(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	limit, err := parseOptionalInt(r, "limit", defaultTradesPageLimit)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	window, err := s.engine.Window(r.URL.Query().Get("period"))
	if err != nil {
		s.respondStoreError(w, err, "resolve window")
		return
	}
	report, err := s.engine.AgentReport(r.Context(), agentID, window)
	if err != nil {
		s.respondStoreError(w, err, "list trades")
		return
	}

	trades := append([]performance.CompletedTrade(nil), report.Trades...)
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].ExitTimestamp.After(trades[j].ExitTimestamp)
	})
	limit, offset = clampPage(limit, offset)
	page := []performance.CompletedTrade{}
	if offset < len(trades) {
		end := min(offset+limit, len(trades))
		page = trades[offset:end]
	}
	s.respondJSON(w, http.StatusOK, listResponse[performance.CompletedTrade]{Items: page, Limit: limit, Offset: offset})
}

func (s *Service) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	payload, err := s.leaderboard(r.Context(), r.URL.Query().Get("period"))
	if err != nil {
		s.respondStoreError(w, err, "load leaderboard")
		return
	}
	s.respondJSON(w, http.StatusOK, payload)
}

func (s *Service) leaderboard(ctx context.Context, period string) (leaderboardResponse, error) {
	window, err := s.engine.Window(period)
	if err != nil {
		return leaderboardResponse{}, err
	}
	entries, err := s.engine.Leaderboard(ctx, window)
	if err != nil {
		return leaderboardResponse{}, err
	}
	return leaderboardResponse{Window: window, Items: entries}, nil
}

func (s *Service) handleLatestPrices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	market := strings.TrimSpace(r.URL.Query().Get("market"))
	if market != "" {
		price, err := s.store.GetLatestMarketPrice(r.Context(), market)
		if err != nil {
			s.respondStoreError(w, err, "get latest price")
			return
		}
		s.respondJSON(w, http.StatusOK, price)
		return
	}

	prices, err := s.store.LatestPrices(r.Context(), nil)
	if err != nil {
		s.respondStoreError(w, err, "list latest prices")
		return
	}
	s.respondJSON(w, http.StatusOK, prices)
}

func (s *Service) handleChartCandles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	market := performance.NormalizeAsset(r.URL.Query().Get("market"))
	if market == "" {
		market = "BTCUSDT"
	}

	timeframe, intervalSec, err := parseChartTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := parseOptionalInt(r, "limit", 120)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	candles, err := s.store.GetMarketCandles(r.Context(), market, intervalSec, limit)
	if err != nil {
		s.logger.Error("get market candles failed", "market", market, "timeframe", timeframe, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load candles")
		return
	}

	s.respondJSON(w, http.StatusOK, chartCandlesResponse{
		Market:      market,
		Timeframe:   timeframe,
		IntervalSec: intervalSec,
		Candles:     candles,
	})
}

func splitAgentSubroute(path string) (string, string) {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/v1/agents/"), "/")
	if trimmed == "" {
		return "", ""
	}
	segments := strings.Split(trimmed, "/")
	agentID := strings.TrimSpace(segments[0])
	if len(segments) == 1 {
		return agentID, ""
	}
	return agentID, strings.Join(segments[1:], "/")
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultTradesPageLimit
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseChartTimeframe(raw string) (string, int64, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "1m", "1min", "1":
		return "1m", 60, nil
	case "5m", "5min", "5":
		return "5m", 5 * 60, nil
	case "15m", "15min", "15":
		return "15m", 15 * 60, nil
	case "1h", "60m", "60min":
		return "1h", 60 * 60, nil
	case "4h", "240m", "240min":
		return "4h", 4 * 60 * 60, nil
	case "1d", "24h":
		return "1d", 24 * 60 * 60, nil
	default:
		return "", 0, fmt.Errorf("timeframe must be one of 1m, 5m, 15m, 1h, 4h, 1d")
	}
}
