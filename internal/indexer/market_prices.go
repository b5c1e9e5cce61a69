package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/coldbell/agentarena/backend/internal/performance"
)

const (
	defaultMarketSymbol = "BTCUSDT"
	maxCandleLimit      = 2000
)

type MarketPriceTickInput struct {
	Market      string
	Source      string
	FeedID      string
	Slot        int64
	PublishTime int64
	Price       float64
	Conf        float64
	Expo        int32
	ReceivedAt  int64
	RawJSON     string
}

type MarketPriceRecord struct {
	Market      string  `json:"market"`
	Source      string  `json:"source"`
	FeedID      string  `json:"feed_id"`
	Slot        int64   `json:"slot"`
	PublishTime int64   `json:"publish_time"`
	Price       float64 `json:"price"`
	Conf        float64 `json:"conf"`
	Expo        int32   `json:"expo"`
	ReceivedAt  int64   `json:"received_at"`
}

type CandleRecord struct {
	TS     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

func normalizeMarketWithDefault(raw string) string {
	market := performance.NormalizeAsset(raw)
	if market == "" {
		return defaultMarketSymbol
	}
	return market
}

// normalize validates a tick and fills defaults: the pyth source, now for
// missing times and an empty JSON object for the raw payload.
func (in MarketPriceTickInput) normalize(now int64) (MarketPriceTickInput, error) {
	out := in
	out.Market = normalizeMarketWithDefault(in.Market)
	out.Source = strings.TrimSpace(in.Source)
	out.FeedID = strings.ToLower(strings.TrimSpace(in.FeedID))
	out.RawJSON = strings.TrimSpace(in.RawJSON)
	switch {
	case out.FeedID == "":
		return out, fmt.Errorf("%w: feed id is required", ErrInvalidInput)
	case !(in.Price > 0) || math.IsInf(in.Price, 0):
		return out, fmt.Errorf("%w: price must be > 0", ErrInvalidInput)
	}
	if out.Source == "" {
		out.Source = pythPriceSource
	}
	if out.PublishTime <= 0 {
		out.PublishTime = now
	}
	if out.ReceivedAt <= 0 {
		out.ReceivedAt = now
	}
	if out.RawJSON == "" {
		out.RawJSON = "{}"
	}
	return out, nil
}

// InsertMarketPriceTick stores a tick unless one with the same market,
// source, publish time and slot exists. Reports whether a row was added.
func (s *Store) InsertMarketPriceTick(ctx context.Context, input MarketPriceTickInput) (bool, error) {
	tick, err := input.normalize(time.Now().Unix())
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO market_price_ticks (
			market, source, feed_id, slot, publish_time, price, conf, expo, received_at, raw_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (market, source, publish_time, slot) DO NOTHING`,
		tick.Market, tick.Source, tick.FeedID, tick.Slot, tick.PublishTime,
		tick.Price, tick.Conf, int64(tick.Expo), tick.ReceivedAt, tick.RawJSON,
	)
	if err != nil {
		return false, fmt.Errorf("insert tick for %s: %w", tick.Market, err)
	}
	affected, err := result.RowsAffected()
	return err == nil && affected > 0, nil
}

const latestTickQuery = `
	SELECT market, source, feed_id, slot, publish_time, price, conf, expo, received_at
	FROM market_price_ticks
	WHERE market = ?
	ORDER BY publish_time DESC, slot DESC, id DESC
	LIMIT 1`

func (s *Store) GetLatestMarketPrice(ctx context.Context, market string) (MarketPriceRecord, error) {
	var (
		item MarketPriceRecord
		expo int64
	)
	err := s.db.QueryRowContext(ctx, latestTickQuery, normalizeMarketWithDefault(market)).Scan(
		&item.Market, &item.Source, &item.FeedID, &item.Slot, &item.PublishTime,
		&item.Price, &item.Conf, &expo, &item.ReceivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return MarketPriceRecord{}, ErrNotFound
	}
	if err != nil {
		return MarketPriceRecord{}, fmt.Errorf("latest tick: %w", err)
	}
	item.Expo = int32(expo)
	item.Price = round6(item.Price)
	item.Conf = round6(item.Conf)
	return item, nil
}

func (s *Store) ListMarkets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT market FROM market_price_ticks ORDER BY market ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0, 8)
	for rows.Next() {
		var market string
		if err := rows.Scan(&market); err != nil {
			return nil, err
		}
		out = append(out, market)
	}
	return out, rows.Err()
}

// LatestPrices returns the newest stored price for each market. Markets
// without ticks are left out. No markets means every known market.
func (s *Store) LatestPrices(ctx context.Context, markets []string) (performance.LivePrices, error) {
	if len(markets) == 0 {
		known, err := s.ListMarkets(ctx)
		if err != nil {
			return nil, fmt.Errorf("list markets: %w", err)
		}
		markets = known
	}

	out := make(performance.LivePrices, len(markets))
	for _, market := range uniqueMarkets(markets) {
		record, err := s.GetLatestMarketPrice(ctx, market)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("latest price for %s: %w", market, err)
		}
		out[record.Market] = record.Price
	}
	return out, nil
}

// ListPriceSamples downsamples stored ticks to the last close of each
// interval bucket within [from, to]. The newest tick before from is included
// so the first point of a window can be valued. Zero bounds are open.
func (s *Store) ListPriceSamples(ctx context.Context, markets []string, from, to time.Time, interval time.Duration) ([]performance.PriceSample, error) {
	intervalSec := int64(interval / time.Second)
	if intervalSec <= 0 {
		intervalSec = 1
	}

	out := make([]performance.PriceSample, 0, 256)
	for _, market := range uniqueMarkets(markets) {
		if !from.IsZero() {
			seed, ok, err := s.latestTickBefore(ctx, market, from.Unix())
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, seed)
			}
		}

		ticks, err := s.listTicks(ctx, market, from, to)
		if err != nil {
			return nil, err
		}

		var (
			current    performance.PriceSample
			currentKey int64
			open       bool
		)
		for _, tick := range ticks {
			key := floorDiv(tick.PublishTime, intervalSec)
			if open && key != currentKey {
				out = append(out, current)
			}
			current = performance.PriceSample{
				Asset:      tick.Market,
				Timestamp:  time.Unix(tick.PublishTime, 0).UTC(),
				ClosePrice: tick.Price,
			}
			currentKey = key
			open = true
		}
		if open {
			out = append(out, current)
		}
	}
	return out, nil
}

func (s *Store) latestTickBefore(ctx context.Context, market string, beforeUnix int64) (performance.PriceSample, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`
		SELECT publish_time, price
		FROM market_price_ticks
		WHERE market = ? AND publish_time < ?
		ORDER BY publish_time DESC, slot DESC, id DESC
		LIMIT 1
		`,
		market,
		beforeUnix,
	)
	var publishTime int64
	var price float64
	if err := row.Scan(&publishTime, &price); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return performance.PriceSample{}, false, nil
		}
		return performance.PriceSample{}, false, fmt.Errorf("seed price for %s: %w", market, err)
	}
	return performance.PriceSample{
		Asset:      market,
		Timestamp:  time.Unix(publishTime, 0).UTC(),
		ClosePrice: price,
	}, true, nil
}

func (s *Store) listTicks(ctx context.Context, market string, from, to time.Time) ([]MarketPriceRecord, error) {
	query := `
		SELECT market, publish_time, price
		FROM market_price_ticks
		WHERE market = ?`
	args := []any{market}
	if !from.IsZero() {
		query += ` AND publish_time >= ?`
		args = append(args, from.Unix())
	}
	if !to.IsZero() {
		query += ` AND publish_time <= ?`
		args = append(args, to.Unix())
	}
	query += ` ORDER BY publish_time ASC, slot ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ticks for %s: %w", market, err)
	}
	defer rows.Close()

	out := make([]MarketPriceRecord, 0, 256)
	for rows.Next() {
		var item MarketPriceRecord
		if err := rows.Scan(&item.Market, &item.PublishTime, &item.Price); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// GetMarketCandles aggregates ticks into OHLC buckets, oldest first. Volume
// is the tick count of the bucket.
func (s *Store) GetMarketCandles(ctx context.Context, market string, intervalSec int64, limit int) ([]CandleRecord, error) {
	normalized := normalizeMarketWithDefault(market)
	if intervalSec <= 0 {
		intervalSec = 60
	}
	if limit <= 0 {
		limit = 120
	}
	if limit > maxCandleLimit {
		limit = maxCandleLimit
	}

	lookbackBuckets := int64(limit * 8)
	if lookbackBuckets < 240 {
		lookbackBuckets = 240
	}
	from := time.Unix(time.Now().Unix()-(lookbackBuckets*intervalSec), 0)

	ticks, err := s.listTicks(ctx, normalized, from, time.Time{})
	if err != nil {
		return nil, err
	}
	candles := buildCandles(ticks, intervalSec)
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// buildCandles expects ticks ordered by publish time.
func buildCandles(ticks []MarketPriceRecord, intervalSec int64) []CandleRecord {
	candles := make([]CandleRecord, 0, 64)
	for _, tick := range ticks {
		bucket := floorDiv(tick.PublishTime, intervalSec) * intervalSec
		if n := len(candles); n > 0 && candles[n-1].TS == bucket {
			last := &candles[n-1]
			last.High = math.Max(last.High, tick.Price)
			last.Low = math.Min(last.Low, tick.Price)
			last.Close = tick.Price
			last.Volume++
			continue
		}
		candles = append(candles, CandleRecord{
			TS:     bucket,
			Open:   tick.Price,
			High:   tick.Price,
			Low:    tick.Price,
			Close:  tick.Price,
			Volume: 1,
		})
	}
	for i := range candles {
		candles[i].Open = round6(candles[i].Open)
		candles[i].High = round6(candles[i].High)
		candles[i].Low = round6(candles[i].Low)
		candles[i].Close = round6(candles[i].Close)
	}
	return candles
}

func uniqueMarkets(markets []string) []string {
	seen := make(map[string]struct{}, len(markets))
	out := make([]string, 0, len(markets))
	for _, raw := range markets {
		market := performance.NormalizeAsset(raw)
		if market == "" {
			continue
		}
		if _, ok := seen[market]; ok {
			continue
		}
		seen[market] = struct{}{}
		out = append(out, market)
	}
	sort.Strings(out)
	return out
}

func floorDiv(v, d int64) int64 {
	q := v / d
	if (v%d != 0) && ((v < 0) != (d < 0)) {
		q--
	}
	return q
}

func round6(v float64) float64 {
	rounded := math.Round(v*1_000_000) / 1_000_000
	if math.Abs(rounded) < 0.0000005 {
		return 0
	}
	return rounded
}
