package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/agentarena/backend/internal/performance"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rawFillAt(id, asset, side, qty, price string, ts time.Time) performance.RawFill {
	return performance.RawFill{
		ID:        id,
		Asset:     asset,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Timestamp: ts.Format(time.RFC3339),
	}
}

func seedAgent(t *testing.T, store *Store, id string) {
	t.Helper()
	_, err := store.CreateAgent(context.Background(), CreateAgentInput{ID: id, Name: "agent " + id})
	require.NoError(t, err)
}

func TestInsertFillsIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAgent(t, store, "a")

	fills := []performance.RawFill{
		rawFillAt("f1", "BTC", "B", "1", "100", testNow.Add(-3*time.Hour)),
		rawFillAt("f2", "BTC", "S", "1", "110", testNow.Add(-2*time.Hour)),
	}
	inserted, err := store.InsertFills(ctx, "a", fills)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = store.InsertFills(ctx, "a", fills)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	loaded, err := store.LoadAgentFills(ctx, "a", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, fills, loaded)
}

func TestInsertFillsValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertFills(ctx, " ", []performance.RawFill{{ID: "x"}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = store.InsertFills(ctx, "ghost", []performance.RawFill{{ID: "x"}})
	assert.ErrorIs(t, err, ErrNotFound)

	seedAgent(t, store, "a")
	_, err = store.InsertFills(ctx, "a", make([]performance.RawFill, maxFillBatch+1))
	assert.ErrorIs(t, err, ErrInvalidInput)

	inserted, err := store.InsertFills(ctx, "a", nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
}

func TestInsertFillsAssignsMissingIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAgent(t, store, "a")

	inserted, err := store.InsertFills(ctx, "a", []performance.RawFill{
		rawFillAt("", "ETH", "B", "2", "10", testNow),
		rawFillAt("", "ETH", "B", "2", "10", testNow),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	records, _, _, err := store.ListFills(ctx, FillFilter{AgentID: "a"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.NotEmpty(t, records[0].FillID)
	assert.NotEqual(t, records[0].FillID, records[1].FillID)
}

func TestListFillsPagesNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAgent(t, store, "a")
	seedAgent(t, store, "b")

	_, err := store.InsertFills(ctx, "a", []performance.RawFill{
		rawFillAt("f1", "BTC", "B", "1", "100", testNow.Add(-3*time.Hour)),
		rawFillAt("f2", "ETH", "B", "1", "10", testNow.Add(-2*time.Hour)),
		rawFillAt("f3", "BTC", "S", "1", "105", testNow.Add(-1*time.Hour)),
	})
	require.NoError(t, err)
	_, err = store.InsertFills(ctx, "b", []performance.RawFill{
		rawFillAt("g1", "BTC", "B", "1", "100", testNow),
	})
	require.NoError(t, err)

	page, limit, offset, err := store.ListFills(ctx, FillFilter{AgentID: "a", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, limit)
	assert.Equal(t, 0, offset)
	require.Len(t, page, 2)
	assert.Equal(t, "f3", page[0].FillID)
	assert.Equal(t, "f2", page[1].FillID)
	assert.Equal(t, testNow.Add(-time.Hour).UnixMilli(), page[0].ExecutedAt)

	page, _, _, err = store.ListFills(ctx, FillFilter{AgentID: "a", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "f1", page[0].FillID)

	page, _, _, err = store.ListFills(ctx, FillFilter{AgentID: "a", Asset: "BTC", From: testNow.Add(-90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "f3", page[0].FillID)
}

func TestLoadAgentFillsHonorsUntil(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAgent(t, store, "a")

	_, err := store.InsertFills(ctx, "a", []performance.RawFill{
		rawFillAt("early", "BTC", "B", "1", "100", testNow.Add(-time.Hour)),
		rawFillAt("late", "BTC", "S", "1", "100", testNow.Add(time.Hour)),
		{ID: "undated", Asset: "BTC", Side: "B", Price: "100", Quantity: "1", Timestamp: "soon"},
	})
	require.NoError(t, err)

	loaded, err := store.LoadAgentFills(ctx, "a", testNow)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "early", loaded[0].ID)
	assert.Equal(t, "undated", loaded[1].ID)
}
