package performance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionBook_CloseToFlat(t *testing.T) {
	book := NewPositionBook()
	book.Apply(fill("1", "X", Buy, 1, 100, 0))
	effect := book.Apply(fill("2", "X", Sell, 1, 110, 10))

	assert.InDelta(t, 10.0, effect.RealizedPnL, 1e-9)
	assert.InDelta(t, 1.0, effect.ClosedQuantity, 1e-9)
	assert.False(t, effect.Flipped)

	pos := book.Position("X")
	assert.Equal(t, Flat, pos.Side)
	assert.Equal(t, 0.0, pos.Quantity)
	assert.Equal(t, 0.0, pos.CostBasis)
	assert.Empty(t, book.Positions())
	assert.InDelta(t, 10.0, book.RealizedPnL(), 1e-9)
}

func TestPositionBook_FlipOpensOppositeAtFillPrice(t *testing.T) {
	book := NewPositionBook()
	book.Apply(fill("1", "X", Buy, 2, 100, 0))
	effect := book.Apply(fill("2", "X", Sell, 3, 120, 5))

	assert.InDelta(t, 40.0, effect.RealizedPnL, 1e-9)
	assert.True(t, effect.Flipped)

	pos := book.Position("X")
	assert.Equal(t, Short, pos.Side)
	assert.InDelta(t, 1.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 120.0, pos.AverageEntryPrice, 1e-9)
	assert.InDelta(t, 120.0, pos.CostBasis, 1e-9)
	assert.InDelta(t, -1.0, pos.SignedQuantity(), 1e-9)
}

func TestPositionBook_WeightedAverage(t *testing.T) {
	book := NewPositionBook()
	book.Apply(fill("1", "X", Buy, 1, 100, 0))
	book.Apply(fill("2", "X", Buy, 3, 200, 1))

	pos := book.Position("X")
	assert.Equal(t, Long, pos.Side)
	assert.InDelta(t, 4.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 175.0, pos.AverageEntryPrice, 1e-9)
	assert.InDelta(t, pos.Quantity*pos.AverageEntryPrice, pos.CostBasis, 1e-9)
}

func TestPositionBook_ShortCloseMirrorsPnL(t *testing.T) {
	book := NewPositionBook()
	book.Apply(fill("1", "X", Sell, 2, 50, 0))
	effect := book.Apply(fill("2", "X", Buy, 1, 40, 1))

	assert.InDelta(t, 10.0, effect.RealizedPnL, 1e-9)
	pos := book.Position("X")
	assert.Equal(t, Short, pos.Side)
	assert.InDelta(t, 1.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 50.0, pos.AverageEntryPrice, 1e-9)
}

func TestPositionBook_FlattensFloatingResidue(t *testing.T) {
	book := NewPositionBook()
	for i := 0; i < 10; i++ {
		book.Apply(fill("b", "X", Buy, 0.1, 100, i))
	}
	book.Apply(fill("s", "X", Sell, 1.0, 101, 20))

	pos := book.Position("X")
	assert.Equal(t, Flat, pos.Side)
	assert.Equal(t, 0.0, pos.Quantity)
	assert.Equal(t, 0.0, pos.CostBasis)
	assert.Equal(t, 0.0, pos.AverageEntryPrice)
}

func TestPositionBook_ConservesSignedQuantity(t *testing.T) {
	fills := []Fill{
		fill("1", "X", Buy, 1.5, 100, 0),
		fill("2", "X", Buy, 0.5, 102, 1),
		fill("3", "X", Sell, 3.25, 101, 2),
	}
	book := ReplayPositions(fills)

	signed := 0.0
	for _, f := range fills {
		if f.Direction == Buy {
			signed += f.Quantity
		} else {
			signed -= f.Quantity
		}
	}
	assert.InDelta(t, signed, book.Position("X").SignedQuantity(), QuantityEpsilon)
}

func TestPositionBook_AssetsAreIndependent(t *testing.T) {
	book := NewPositionBook()
	book.Apply(fill("1", "X", Buy, 1, 10, 0))
	book.Apply(fill("2", "Y", Sell, 2, 20, 1))

	positions := book.Positions()
	require.Len(t, positions, 2)
	assert.Equal(t, "X", positions[0].Asset)
	assert.Equal(t, "Y", positions[1].Asset)

	unrealized := book.Unrealized(LivePrices{"X": 15, "Y": 18})
	assert.InDelta(t, 5.0+4.0, unrealized, 1e-9)

	partial := book.Unrealized(LivePrices{"X": 15})
	assert.InDelta(t, 5.0, partial, 1e-9)
}

func TestPositionBook_UnknownAssetIsFlat(t *testing.T) {
	pos := NewPositionBook().Position("NOPE")
	assert.True(t, pos.IsFlat())
	assert.Equal(t, 0.0, pos.Unrealized(123))
}

func TestPositionBook_DustIsHiddenButStillValued(t *testing.T) {
	book := NewPositionBook()
	book.Apply(fill("1", "X", Buy, 1, 100, 0))
	book.Apply(fill("2", "X", Sell, 0.99995, 110, 10))

	open := book.Positions()
	require.Len(t, open, 1)
	assert.Equal(t, Long, open[0].Side)
	assert.True(t, open[0].IsDust())
	assert.Empty(t, DisplayPositions(open))
	assert.InDelta(t, 0.001, book.Unrealized(LivePrices{"X": 120}), 1e-9)

	shown := DisplayPositions([]Position{
		{Asset: "A", Side: Long, Quantity: 0.00005},
		{Asset: "B", Side: Short, Quantity: 0.5},
		{Asset: "C", Side: Flat},
	})
	require.Len(t, shown, 1)
	assert.Equal(t, "B", shown[0].Asset)
	assert.False(t, shown[0].IsDust())
}
