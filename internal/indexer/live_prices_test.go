package indexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/agentarena/backend/internal/performance"
)

func TestLivePriceCache(t *testing.T) {
	cache := NewLivePriceCache()

	cache.Set("btc", "pyth", 100, testNow)
	cache.Set("BTC", "binance", 99, testNow.Add(-1))
	cache.Set("ETH", "okx", 0, testNow)
	cache.Set("", "okx", 5, testNow)

	price, ok := cache.Get("Btc")
	require.True(t, ok)
	assert.Equal(t, "pyth", price.Source)
	assert.Equal(t, 100.0, price.Price)
	assert.Equal(t, 1, cache.Len())

	cache.Set("BTC", "bybit", 101, testNow)
	assert.Equal(t, performance.LivePrices{"BTC": 101}, cache.Snapshot())

	_, ok = cache.Get("ETH")
	assert.False(t, ok)
}
