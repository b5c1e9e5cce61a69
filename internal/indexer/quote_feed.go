package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coldbell/agentarena/backend/internal/config"
	"github.com/coldbell/agentarena/backend/internal/logging"
)

const (
	maxQuoteWorkerBackoff = 30 * time.Second
	quoteUserAgent        = "agentarena-quote-feed/1.0"
)

var defaultQuoteBaseURLs = map[string]string{
	"binance":  "https://api.binance.com",
	"okx":      "https://www.okx.com",
	"coinbase": "https://api.exchange.coinbase.com",
	"bybit":    "https://api.bybit.com",
}

// Quote is the best bid and ask of one venue. ExchangeTS is unix millis, zero
// when the venue does not report one.
type Quote struct {
	Bid        float64
	Ask        float64
	ExchangeTS int64
	Raw        string
}

func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

type quoteProvider interface {
	Name() string
	FetchQuote(ctx context.Context, symbol string) (Quote, error)
}

// quoteFeed polls top of book on public exchange APIs and records the mid
// price of each target as a market tick.
type quoteFeed struct {
	targets         []config.QuoteTarget
	providers       map[string]quoteProvider
	limiters        map[string]*rate.Limiter
	refreshInterval time.Duration
	store           *Store
	cache           *LivePriceCache
	logger          *slog.Logger
}

func newQuoteFeed(cfg config.IndexerConfig, store *Store, cache *LivePriceCache, logger *slog.Logger) *quoteFeed {
	client := &http.Client{Timeout: cfg.QuoteRequestTimeout}
	return newQuoteFeedWithProviders(cfg, newQuoteProviders(client, defaultQuoteBaseURLs), store, cache, logger)
}

func newQuoteFeedWithProviders(
	cfg config.IndexerConfig,
	providers map[string]quoteProvider,
	store *Store,
	cache *LivePriceCache,
	logger *slog.Logger,
) *quoteFeed {
	refresh := cfg.QuoteRefreshInterval
	if refresh <= 0 {
		refresh = 5 * time.Second
	}
	rps := cfg.QuoteRequestsPerSecond
	if rps <= 0 {
		rps = 2
	}

	limiters := make(map[string]*rate.Limiter, len(providers))
	for name := range providers {
		limiters[name] = rate.NewLimiter(rate.Limit(rps), 1)
	}

	return &quoteFeed{
		targets:         cfg.QuoteTargets,
		providers:       providers,
		limiters:        limiters,
		refreshInterval: refresh,
		store:           store,
		cache:           cache,
		logger:          logging.Component(logger, "quotes"),
	}
}

func newQuoteProviders(client *http.Client, baseURLs map[string]string) map[string]quoteProvider {
	return map[string]quoteProvider{
		"binance":  &binanceQuoteProvider{client: client, baseURL: baseURLs["binance"]},
		"okx":      &okxQuoteProvider{client: client, baseURL: baseURLs["okx"]},
		"coinbase": &coinbaseQuoteProvider{client: client, baseURL: baseURLs["coinbase"]},
		"bybit":    &bybitQuoteProvider{client: client, baseURL: baseURLs["bybit"]},
	}
}

func (f *quoteFeed) Run(ctx context.Context) {
	if len(f.targets) == 0 {
		return
	}
	f.logger.Info(
		"exchange quote feed enabled",
		"targets", len(f.targets),
		"refresh_interval", f.refreshInterval.String(),
	)

	var wg sync.WaitGroup
	for _, target := range f.targets {
		if _, ok := f.providers[target.Exchange]; !ok {
			f.logger.Warn("unsupported quote exchange", "exchange", target.Exchange, "symbol", target.Symbol)
			continue
		}
		wg.Add(1)
		go func(target config.QuoteTarget) {
			defer wg.Done()
			f.runTargetPollingLoop(ctx, target)
		}(target)
	}
	wg.Wait()
}

func (f *quoteFeed) runTargetPollingLoop(ctx context.Context, target config.QuoteTarget) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	backoff := f.refreshInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := f.pollOnce(ctx, target); err != nil {
			if ctx.Err() != nil {
				return
			}

			f.logger.Warn(
				"quote refresh failed",
				"exchange", target.Exchange,
				"symbol", target.Symbol,
				"err", err,
			)
			backoff = nextBackoff(backoff, f.refreshInterval)
			timer.Reset(backoff)
			continue
		}

		backoff = f.refreshInterval
		timer.Reset(f.refreshInterval)
	}
}

// pollOnce fetches one quote, caches its mid price and stores it as a tick.
func (f *quoteFeed) pollOnce(ctx context.Context, target config.QuoteTarget) error {
	provider, ok := f.providers[target.Exchange]
	if !ok {
		return fmt.Errorf("unsupported exchange %q", target.Exchange)
	}
	if limiter := f.limiters[target.Exchange]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	quote, err := provider.FetchQuote(ctx, target.Symbol)
	if err != nil {
		return err
	}
	if quote.Bid <= 0 || quote.Ask <= 0 || quote.Ask < quote.Bid {
		return fmt.Errorf("invalid top of book bid=%v ask=%v", quote.Bid, quote.Ask)
	}

	now := time.Now()
	observedAt := now
	if quote.ExchangeTS > 0 {
		observedAt = time.UnixMilli(quote.ExchangeTS)
	}
	market := normalizeMarketWithDefault(target.Market)
	mid := quote.Mid()

	f.cache.Set(market, target.Exchange, mid, observedAt)
	_, err = f.store.InsertMarketPriceTick(ctx, MarketPriceTickInput{
		Market:      market,
		Source:      target.Exchange,
		FeedID:      target.Exchange + ":" + strings.ToLower(target.Symbol),
		PublishTime: observedAt.Unix(),
		Price:       mid,
		Conf:        (quote.Ask - quote.Bid) / 2,
		ReceivedAt:  now.Unix(),
		RawJSON:     quote.Raw,
	})
	if err != nil {
		return fmt.Errorf("store quote tick: %w", err)
	}
	return nil
}

func nextBackoff(current, floor time.Duration) time.Duration {
	if floor <= 0 {
		floor = time.Second
	}
	if current < floor {
		current = floor
	}
	next := current * 2
	if next > maxQuoteWorkerBackoff {
		return maxQuoteWorkerBackoff
	}
	return next
}

type binanceQuoteProvider struct {
	client  *http.Client
	baseURL string
}

func (*binanceQuoteProvider) Name() string { return "binance" }

func (p *binanceQuoteProvider) FetchQuote(ctx context.Context, symbol string) (Quote, error) {
	endpoint := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=5", p.baseURL, url.QueryEscape(symbol))
	payload, raw, err := fetchJSON(ctx, p.client, endpoint)
	if err != nil {
		return Quote{}, err
	}
	return topOfBook(payload["bids"], payload["asks"], 0, raw)
}

type okxQuoteProvider struct {
	client  *http.Client
	baseURL string
}

func (*okxQuoteProvider) Name() string { return "okx" }

func (p *okxQuoteProvider) FetchQuote(ctx context.Context, symbol string) (Quote, error) {
	endpoint := fmt.Sprintf("%s/api/v5/market/books?instId=%s&sz=1", p.baseURL, url.QueryEscape(symbol))
	payload, raw, err := fetchJSON(ctx, p.client, endpoint)
	if err != nil {
		return Quote{}, err
	}
	if code, ok := payload["code"]; ok && asString(code) != "0" {
		return Quote{}, fmt.Errorf("okx api error: %s", asString(payload["msg"]))
	}

	dataRows, ok := payload["data"].([]any)
	if !ok || len(dataRows) == 0 {
		return Quote{}, fmt.Errorf("okx response missing data")
	}
	dataObj, ok := dataRows[0].(map[string]any)
	if !ok {
		return Quote{}, fmt.Errorf("okx response data type invalid")
	}
	return topOfBook(dataObj["bids"], dataObj["asks"], asInt64(dataObj["ts"]), raw)
}

type coinbaseQuoteProvider struct {
	client  *http.Client
	baseURL string
}

func (*coinbaseQuoteProvider) Name() string { return "coinbase" }

func (p *coinbaseQuoteProvider) FetchQuote(ctx context.Context, symbol string) (Quote, error) {
	endpoint := fmt.Sprintf("%s/products/%s/book?level=1", p.baseURL, url.PathEscape(symbol))
	payload, raw, err := fetchJSON(ctx, p.client, endpoint)
	if err != nil {
		return Quote{}, err
	}
	if msg := asString(payload["message"]); msg != "" {
		return Quote{}, fmt.Errorf("coinbase api error: %s", msg)
	}
	return topOfBook(payload["bids"], payload["asks"], parseCoinbaseTime(payload["time"]), raw)
}

type bybitQuoteProvider struct {
	client  *http.Client
	baseURL string
}

func (*bybitQuoteProvider) Name() string { return "bybit" }

func (p *bybitQuoteProvider) FetchQuote(ctx context.Context, symbol string) (Quote, error) {
	endpoint := fmt.Sprintf("%s/v5/market/orderbook?category=linear&symbol=%s&limit=1", p.baseURL, url.QueryEscape(symbol))
	payload, raw, err := fetchJSON(ctx, p.client, endpoint)
	if err != nil {
		return Quote{}, err
	}
	if retCode := asInt64(payload["retCode"]); retCode != 0 {
		return Quote{}, fmt.Errorf("bybit api error: %s", asString(payload["retMsg"]))
	}

	resultObj, ok := payload["result"].(map[string]any)
	if !ok {
		return Quote{}, fmt.Errorf("bybit response result type invalid")
	}
	return topOfBook(resultObj["b"], resultObj["a"], asInt64(resultObj["ts"]), raw)
}

func topOfBook(bids, asks any, exchangeTS int64, raw string) (Quote, error) {
	bid, err := firstLevelPrice(bids)
	if err != nil {
		return Quote{}, fmt.Errorf("parse bids: %w", err)
	}
	ask, err := firstLevelPrice(asks)
	if err != nil {
		return Quote{}, fmt.Errorf("parse asks: %w", err)
	}
	return Quote{Bid: bid, Ask: ask, ExchangeTS: exchangeTS, Raw: raw}, nil
}

// firstLevelPrice reads the price of the best level from a [[price, qty, ...]]
// payload.
func firstLevelPrice(raw any) (float64, error) {
	levelRows, ok := raw.([]any)
	if !ok {
		return 0, fmt.Errorf("invalid level payload type: %T", raw)
	}
	if len(levelRows) == 0 {
		return 0, fmt.Errorf("empty book side")
	}
	values, ok := levelRows[0].([]any)
	if !ok || len(values) < 2 {
		return 0, fmt.Errorf("invalid level row")
	}
	price, err := strconv.ParseFloat(strings.TrimSpace(asString(values[0])), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid level price: %w", err)
	}
	return price, nil
}

func fetchJSON(ctx context.Context, client *http.Client, endpoint string) (map[string]any, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", quoteUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(raw))
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, "", err
	}
	return payload, string(raw), nil
}

func asString(raw any) string {
	switch value := raw.(type) {
	case string:
		return value
	case fmt.Stringer:
		return value.String()
	case float64:
		if float64(int64(value)) == value {
			return strconv.FormatInt(int64(value), 10)
		}
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.FormatInt(int64(value), 10)
	case int64:
		return strconv.FormatInt(value, 10)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", value)
	}
}

func asInt64(raw any) int64 {
	switch value := raw.(type) {
	case nil:
		return 0
	case int64:
		return value
	case int:
		return int64(value)
	case float64:
		return int64(value)
	case string:
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	case fmt.Stringer:
		parsed, err := strconv.ParseInt(value.String(), 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func parseCoinbaseTime(raw any) int64 {
	asText := strings.TrimSpace(asString(raw))
	if asText == "" {
		return 0
	}

	if parsed, err := time.Parse(time.RFC3339Nano, asText); err == nil {
		return parsed.UnixMilli()
	}

	return asInt64(raw)
}
