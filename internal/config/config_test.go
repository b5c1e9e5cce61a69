package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeedMap(t *testing.T) {
	feeds, err := parseFeedMap("btc-usdt=0xABCDEF, ethusdt=ff61 ,BTCUSDT=1234")
	require.NoError(t, err)
	assert.Equal(t, []PriceFeed{
		{Market: "BTCUSDT", FeedID: "abcdef"},
		{Market: "ETHUSDT", FeedID: "ff61"},
	}, feeds)

	for _, raw := range []string{"BTCUSDT", "=abc", "BTCUSDT=", "BTCUSDT=xyz"} {
		_, err := parseFeedMap(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseQuoteTargets(t *testing.T) {
	targets, err := parseQuoteTargets("Binance:ETHUSDT, coinbase:ETH-USD=ethusdt, binance:ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, []QuoteTarget{
		{Exchange: "binance", Symbol: "ETHUSDT", Market: "ETHUSDT"},
		{Exchange: "coinbase", Symbol: "ETH-USD", Market: "ETHUSDT"},
	}, targets)

	targets, err = parseQuoteTargets("")
	require.NoError(t, err)
	assert.Equal(t, defaultQuoteTargets(), targets)

	_, err = parseQuoteTargets("kraken:XBTUSD")
	assert.ErrorContains(t, err, "unsupported exchange")
	_, err = parseQuoteTargets("binance")
	assert.ErrorContains(t, err, "expected exchange:symbol")
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_CFG_DURATION", "250ms")
	t.Setenv("TEST_CFG_BAD_DURATION", "-1s")
	t.Setenv("TEST_CFG_INT", "7")
	t.Setenv("TEST_CFG_ZERO", "0")
	t.Setenv("TEST_CFG_FLOAT", "1.5")
	t.Setenv("TEST_CFG_BOOL", "false")

	d, err := envDuration("TEST_CFG_DURATION", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = envDuration("TEST_CFG_BAD_DURATION", time.Second)
	assert.ErrorContains(t, err, "invalid TEST_CFG_BAD_DURATION")

	d, err = envDuration("TEST_CFG_MISSING", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	n, err := envInt("TEST_CFG_INT", 1)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = envInt("TEST_CFG_ZERO", 1)
	assert.Error(t, err)

	n, err = envNonNegativeInt("TEST_CFG_ZERO", 3)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f, err := envFloat("TEST_CFG_FLOAT", 2)
	require.NoError(t, err)
	assert.Equal(t, 1.5, f)

	b, err := envBool("TEST_CFG_BOOL", true)
	require.NoError(t, err)
	assert.False(t, b)

	assert.Equal(t, []string{"a", "b"}, parseCSVEnv(" a, ,b ", nil))
	assert.Equal(t, []string{"*"}, parseCSVEnv("  ", []string{"*"}))
}

func TestLoadPerformanceConfig(t *testing.T) {
	t.Setenv("PERF_WINDOW", "30D")
	t.Setenv("PERF_WORKERS", "4")
	t.Setenv("PERF_RECENT_TRADES", "5")

	cfg, err := LoadPerformanceConfig()
	require.NoError(t, err)
	assert.Equal(t, "30d", cfg.Window)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 5, cfg.RecentTrades)
	assert.Equal(t, time.Minute, cfg.PriceSampleInterval)
	assert.Equal(t, 500, cfg.SnapshotHistory)

	t.Setenv("PERF_WINDOW", "1y")
	_, err = LoadPerformanceConfig()
	assert.ErrorContains(t, err, "invalid PERF_WINDOW")
}

func TestLoadAPIServerConfigDefaults(t *testing.T) {
	t.Setenv("API_SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("API_SERVER_DB_DSN", "file:arena.db")

	cfg, err := LoadAPIServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "file:arena.db", cfg.DBDSN)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 20.0, cfg.RateLimitPerSecond)
	assert.Equal(t, 2*time.Second, cfg.WebsocketPushInterval)
	assert.Equal(t, filepath.Join(".docker", "api-server", "api-server.log"), cfg.Log.FilePath)
}

func TestLoadIndexerConfigFeeds(t *testing.T) {
	t.Setenv("INDEXER_PYTH_FEEDS", "SOLUSDT=ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d")
	t.Setenv("INDEXER_SNAPSHOT_INTERVAL", "30s")

	cfg, err := LoadIndexerConfig()
	require.NoError(t, err)
	require.Len(t, cfg.PythFeeds, 1)
	assert.Equal(t, "SOLUSDT", cfg.PythFeeds[0].Market)
	assert.Equal(t, 30*time.Second, cfg.SnapshotInterval)
	assert.True(t, cfg.EnablePythPriceStream)
	assert.False(t, cfg.EnableQuoteFeed)
	assert.Len(t, cfg.QuoteTargets, 4)
}

func TestLoadCLIConfigQuietByDefault(t *testing.T) {
	cfg, err := LoadCLIConfig()
	require.NoError(t, err)
	if os.Getenv("LOG_LEVEL") == "" {
		assert.Equal(t, "warn", cfg.Log.Level)
	}
	if os.Getenv("LOG_OUTPUT") == "" {
		assert.Equal(t, "stderr", cfg.Log.Output)
	}
}

func TestReadConfigFileFlattensNestedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config-test.yaml")
	body := []byte(`
api_server:
  listen_addr: ":9090"
  allowed-origins:
    - https://a.example
    - https://b.example
perf:
  workers: 3
indexer:
  pyth:
    feeds: BTCUSDT=abc
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	values, err := readConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", values["API_SERVER_LISTEN_ADDR"])
	assert.Equal(t, "https://a.example,https://b.example", values["API_SERVER_ALLOWED_ORIGINS"])
	assert.Equal(t, "3", values["PERF_WORKERS"])
	assert.Equal(t, "BTCUSDT=abc", values["INDEXER_PYTH_FEEDS"])

	_, err = readConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNormalizeKeySegment(t *testing.T) {
	assert.Equal(t, "LISTEN_ADDR", normalizeKeySegment("listen-addr"))
	assert.Equal(t, "A_B", normalizeKeySegment("  a..b__ "))
	assert.Equal(t, "", normalizeKeySegment("--"))
}
