package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coldbell/agentarena/backend/internal/config"
	"github.com/coldbell/agentarena/backend/internal/logging"
)

const (
	pythPriceSource         = "pyth"
	defaultPythReconnect    = 3 * time.Second
	pythErrorBodyLimitBytes = 4096
)

type pythStreamEnvelope struct {
	Parsed []pythPriceUpdate `json:"parsed"`
}

type pythPriceUpdate struct {
	ID    string `json:"id"`
	Price struct {
		Price       string `json:"price"`
		Conf        string `json:"conf"`
		Expo        int32  `json:"expo"`
		PublishTime int64  `json:"publish_time"`
	} `json:"price"`
	Metadata struct {
		Slot int64 `json:"slot"`
	} `json:"metadata"`
}

// pythStream follows the Hermes price stream for the configured feeds. Every
// accepted update refreshes the live cache and is stored as a tick.
type pythStream struct {
	endpoint string
	feeds    map[string]string // feed id -> market
	store    *Store
	cache    *LivePriceCache
	client   *http.Client
	pacer    *rate.Limiter
	logger   *slog.Logger
}

func newPythStream(cfg config.IndexerConfig, store *Store, cache *LivePriceCache, logger *slog.Logger) *pythStream {
	feeds := make(map[string]string, len(cfg.PythFeeds))
	for _, feed := range cfg.PythFeeds {
		feeds[normalizeFeedID(feed.FeedID)] = normalizeMarketWithDefault(feed.Market)
	}
	reconnect := cfg.PythReconnectInterval
	if reconnect <= 0 {
		reconnect = defaultPythReconnect
	}
	return &pythStream{
		endpoint: strings.TrimSpace(cfg.PythStreamURL),
		feeds:    feeds,
		store:    store,
		cache:    cache,
		client:   &http.Client{},
		pacer:    rate.NewLimiter(rate.Every(reconnect), 1),
		logger:   logging.Component(logger, "pyth"),
	}
}

func normalizeFeedID(raw string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
}

func (p *pythStream) feedIDs() []string {
	ids := make([]string, 0, len(p.feeds))
	for id := range p.feeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run keeps one stream connection open until ctx ends. Reconnects are paced
// so a failing endpoint is retried at most once per reconnect interval.
func (p *pythStream) Run(ctx context.Context) {
	if p.endpoint == "" || len(p.feeds) == 0 {
		p.logger.Warn("pyth stream has no endpoint or feeds; not starting")
		return
	}
	p.logger.Info("pyth stream starting", "endpoint", p.endpoint, "feeds", len(p.feeds))

	for p.pacer.Wait(ctx) == nil {
		err := p.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("pyth stream disconnected", "err", err)
	}
}

// consume reads one connection to its end. It always returns a non-nil error
// describing why the stream stopped.
func (p *pythStream) consume(ctx context.Context) error {
	streamURL, err := buildPythStreamURL(p.endpoint, p.feedIDs())
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("build pyth stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("open pyth stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, pythErrorBodyLimitBytes))
		return fmt.Errorf("open pyth stream: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var events, accepted int
	readErr := readEventStream(resp.Body, func(data string) {
		events++
		n, err := p.processEvent(ctx, data)
		accepted += n
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("pyth event rejected", "err", err)
		}
	})
	p.logger.Debug("pyth stream closed", "events", events, "accepted", accepted)
	if readErr != nil {
		return fmt.Errorf("read pyth stream: %w", readErr)
	}
	return io.EOF
}

// processEvent stores every update of a configured feed and returns how many
// prices were accepted.
func (p *pythStream) processEvent(ctx context.Context, data string) (int, error) {
	data = strings.TrimSpace(data)
	if data == "" || data == "[DONE]" {
		return 0, nil
	}
	var event pythStreamEnvelope
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return 0, fmt.Errorf("decode pyth stream event: %w", err)
	}

	receivedAt := time.Now().Unix()
	accepted := 0
	for _, update := range event.Parsed {
		tick, ok := p.tickFromUpdate(update, receivedAt)
		if !ok {
			continue
		}
		p.cache.Set(tick.Market, pythPriceSource, tick.Price, time.Unix(tick.PublishTime, 0))
		if _, err := p.store.InsertMarketPriceTick(ctx, tick); err != nil {
			return accepted, fmt.Errorf("store pyth tick for %s: %w", tick.Market, err)
		}
		accepted++
	}
	return accepted, nil
}

// tickFromUpdate maps a parsed update onto a tick. Unknown feeds and
// non-positive prices are skipped.
func (p *pythStream) tickFromUpdate(update pythPriceUpdate, receivedAt int64) (MarketPriceTickInput, bool) {
	feedID := normalizeFeedID(update.ID)
	market, ok := p.feeds[feedID]
	if !ok {
		return MarketPriceTickInput{}, false
	}
	price, err := decodePythPrice(update.Price.Price, update.Price.Expo)
	if err != nil || price <= 0 {
		return MarketPriceTickInput{}, false
	}
	conf, err := decodePythPrice(update.Price.Conf, update.Price.Expo)
	if err != nil {
		conf = 0
	}
	publishTime := update.Price.PublishTime
	if publishTime <= 0 {
		publishTime = receivedAt
	}
	raw, err := json.Marshal(update)
	if err != nil {
		raw = []byte("{}")
	}
	return MarketPriceTickInput{
		Market:      market,
		Source:      pythPriceSource,
		FeedID:      feedID,
		Slot:        update.Metadata.Slot,
		PublishTime: publishTime,
		Price:       price,
		Conf:        conf,
		Expo:        update.Price.Expo,
		ReceivedAt:  receivedAt,
		RawJSON:     string(raw),
	}, true
}

func buildPythStreamURL(endpoint string, feedIDs []string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("parse pyth endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid pyth endpoint: %q", endpoint)
	}
	if len(feedIDs) == 0 {
		return "", errors.New("no pyth feed ids configured")
	}

	query := u.Query()
	query["ids[]"] = append([]string(nil), feedIDs...)
	if strings.TrimSpace(query.Get("parsed")) == "" {
		query.Set("parsed", "true")
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// decodePythPrice scales an integer mantissa by 10^expo without float
// rounding on the way.
func decodePythPrice(raw string, expo int32) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, errors.New("empty price")
	}
	mantissa, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse pyth price %q: %w", trimmed, err)
	}
	value, _ := mantissa.Shift(expo).Float64()
	return value, nil
}
