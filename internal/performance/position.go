package performance

import (
	"math"
	"sort"
)

type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
	Flat  Side = "FLAT"
)

const (
	// QuantityEpsilon is the residue below which a position is treated as flat.
	QuantityEpsilon = 1e-8
	// DisplayQuantityEpsilon hides dust positions in rendered output.
	DisplayQuantityEpsilon = 1e-4
	// NotionalEpsilon is the smallest USD amount treated as non-zero.
	NotionalEpsilon = 1e-8
)

// Position is a weighted-average-cost holding in one asset. Quantity is
// always non-negative; Side carries the direction.
type Position struct {
	Asset             string  `json:"asset"`
	Side              Side    `json:"side"`
	Quantity          float64 `json:"quantity"`
	AverageEntryPrice float64 `json:"average_entry_price"`
	CostBasis         float64 `json:"cost_basis"`
}

func (p Position) SignedQuantity() float64 {
	switch p.Side {
	case Long:
		return p.Quantity
	case Short:
		return -p.Quantity
	default:
		return 0
	}
}

func (p Position) IsFlat() bool {
	return p.Side == Flat || p.Quantity < QuantityEpsilon
}

// IsDust reports whether the position is too small to show. Dust still
// counts toward PnL.
func (p Position) IsDust() bool {
	return p.IsFlat() || p.Quantity < DisplayQuantityEpsilon
}

// DisplayPositions drops dust positions, keeping the order of positions.
func DisplayPositions(positions []Position) []Position {
	out := make([]Position, 0, len(positions))
	for _, pos := range positions {
		if !pos.IsDust() {
			out = append(out, pos)
		}
	}
	return out
}

// Unrealized values the position at price.
func (p Position) Unrealized(price float64) float64 {
	return (price - p.AverageEntryPrice) * p.SignedQuantity()
}

// FillEffect describes what a single fill did to its asset's position.
type FillEffect struct {
	RealizedPnL    float64
	ClosedQuantity float64
	Flipped        bool
}

// PositionBook folds fills into one weighted-average position per asset.
// Fills must be applied in timestamp order.
type PositionBook struct {
	positions map[string]*Position
	realized  float64
}

func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[string]*Position)}
}

func (b *PositionBook) Apply(fill Fill) FillEffect {
	pos, ok := b.positions[fill.Asset]
	if !ok {
		pos = &Position{Asset: fill.Asset, Side: Flat}
		b.positions[fill.Asset] = pos
	}

	fillSide := fill.Direction.Side()
	var effect FillEffect

	if pos.Side == Flat || pos.Side == fillSide {
		newQuantity := pos.Quantity + fill.Quantity
		pos.AverageEntryPrice = (pos.CostBasis + fill.Price*fill.Quantity) / newQuantity
		pos.Quantity = newQuantity
		pos.CostBasis = newQuantity * pos.AverageEntryPrice
		pos.Side = fillSide
	} else {
		closed := math.Min(pos.Quantity, fill.Quantity)
		pnl := (fill.Price - pos.AverageEntryPrice) * closed
		if pos.Side == Short {
			pnl = -pnl
		}
		b.realized += pnl
		effect.RealizedPnL = pnl
		effect.ClosedQuantity = closed

		pos.Quantity -= closed
		pos.CostBasis = pos.Quantity * pos.AverageEntryPrice

		if remainder := fill.Quantity - closed; remainder >= QuantityEpsilon {
			pos.Side = fillSide
			pos.Quantity = remainder
			pos.AverageEntryPrice = fill.Price
			pos.CostBasis = remainder * fill.Price
			effect.Flipped = true
		}
	}

	if pos.Quantity < QuantityEpsilon {
		*pos = Position{Asset: fill.Asset, Side: Flat}
	}
	return effect
}

// Position returns the current state for asset. Unknown assets are flat.
func (b *PositionBook) Position(asset string) Position {
	if pos, ok := b.positions[asset]; ok {
		return *pos
	}
	return Position{Asset: asset, Side: Flat}
}

// Positions returns the open positions ordered by asset.
func (b *PositionBook) Positions() []Position {
	out := make([]Position, 0, len(b.positions))
	for _, pos := range b.positions {
		if pos.IsFlat() {
			continue
		}
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func (b *PositionBook) RealizedPnL() float64 {
	return b.realized
}

// Unrealized sums the paper PnL of open positions priced by prices. Assets
// without a usable price contribute nothing.
func (b *PositionBook) Unrealized(prices LivePrices) float64 {
	total := 0.0
	for _, pos := range b.Positions() {
		price, ok := prices.Price(pos.Asset)
		if !ok {
			continue
		}
		total += pos.Unrealized(price)
	}
	return total
}

// ReplayPositions folds fills (in timestamp order) into a fresh book.
func ReplayPositions(fills []Fill) *PositionBook {
	book := NewPositionBook()
	for _, fill := range SortFills(fills) {
		book.Apply(fill)
	}
	return book
}
