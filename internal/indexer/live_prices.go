package indexer

import (
	"sync"
	"time"

	"github.com/coldbell/agentarena/backend/internal/performance"
)

type LivePrice struct {
	Market    string    `json:"market"`
	Source    string    `json:"source"`
	Price     float64   `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LivePriceCache holds the newest price per market seen by the running
// price feeds.
type LivePriceCache struct {
	mu     sync.RWMutex
	prices map[string]LivePrice
}

func NewLivePriceCache() *LivePriceCache {
	return &LivePriceCache{prices: make(map[string]LivePrice)}
}

// Set records a price unless a newer one is already cached.
func (c *LivePriceCache) Set(market, source string, price float64, at time.Time) {
	market = performance.NormalizeAsset(market)
	if market == "" || price <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.prices[market]; ok && current.UpdatedAt.After(at) {
		return
	}
	c.prices[market] = LivePrice{Market: market, Source: source, Price: price, UpdatedAt: at.UTC()}
}

func (c *LivePriceCache) Get(market string) (LivePrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	price, ok := c.prices[performance.NormalizeAsset(market)]
	return price, ok
}

func (c *LivePriceCache) Snapshot() performance.LivePrices {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(performance.LivePrices, len(c.prices))
	for market, price := range c.prices {
		out[market] = price.Price
	}
	return out
}

func (c *LivePriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}
