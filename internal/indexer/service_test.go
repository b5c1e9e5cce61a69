package indexer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/agentarena/backend/internal/config"
)

func TestNextSnapshotDelay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 20, 0, time.UTC)
	assert.Equal(t, 40*time.Second, nextSnapshotDelay(now, time.Minute))
	assert.Equal(t, 4*time.Minute+40*time.Second, nextSnapshotDelay(now, 5*time.Minute))
	assert.Equal(t, time.Minute, nextSnapshotDelay(now.Add(40*time.Second), time.Minute))
}

func TestNormalizeSnapshotInterval(t *testing.T) {
	assert.Equal(t, time.Minute, normalizeSnapshotInterval(0))
	assert.Equal(t, time.Minute, normalizeSnapshotInterval(500*time.Millisecond))
	assert.Equal(t, 90*time.Second, normalizeSnapshotInterval(90*time.Second+300*time.Millisecond))
}

func TestServiceSnapshotOncePrunes(t *testing.T) {
	svc, err := New(config.IndexerConfig{
		DBDSN: ":memory:",
		Performance: config.PerformanceConfig{
			Window:              "7d",
			PriceSampleInterval: time.Minute,
			RecentTrades:        5,
			SnapshotHistory:     1,
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Store().Close() })
	assert.Nil(t, svc.pyth)
	assert.Nil(t, svc.quotes)

	seedArena(t, svc.Store())
	ctx := context.Background()
	require.NoError(t, svc.snapshotOnce(ctx, testNow))
	require.NoError(t, svc.snapshotOnce(ctx, testNow.Add(time.Minute)))

	count, err := svc.Store().CountSnapshots(ctx, "winner")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	latest, err := svc.Store().GetLatestSnapshot(ctx, "winner")
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(time.Minute), latest.ComputedAt)
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	svc, err := New(config.IndexerConfig{
		DBDSN:            ":memory:",
		SnapshotInterval: time.Hour,
		Performance:      config.PerformanceConfig{Window: "24h"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("indexer did not stop")
	}
}
