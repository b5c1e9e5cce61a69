package performance

import (
	"sort"
	"time"
)

// TimelinePoint is the account value at one instant: realized PnL so far
// plus the unrealized PnL of open positions at the best known price.
type TimelinePoint struct {
	Timestamp     time.Time `json:"timestamp"`
	AccountValue  float64   `json:"account_value"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
}

type TimelineInput struct {
	Fills  []Fill
	Prices []PriceSample
	Live   LivePrices
	Start  time.Time
	End    time.Time

	// Now is used as End when End is zero.
	Now time.Time
}

type Timeline struct {
	Start         time.Time       `json:"start"`
	End           time.Time       `json:"end"`
	Points        []TimelinePoint `json:"points"`
	Positions     []Position      `json:"positions"`
	RealizedPnL   float64         `json:"realized_pnl"`
	UnrealizedPnL float64         `json:"unrealized_pnl"`
}

// ResolveWindow fills in defaults for a timeline window. End falls back to
// now, then to the latest input timestamp. Start falls back to the earliest
// fill, then the earliest price sample, then end. An empty or inverted window
// is widened to one second.
func ResolveWindow(fills []Fill, prices []PriceSample, start, end, now time.Time) (time.Time, time.Time) {
	if end.IsZero() {
		end = now
	}
	if end.IsZero() {
		end = latestInputTime(fills, prices)
	}
	if start.IsZero() {
		start = earliestFillTime(fills)
	}
	if start.IsZero() {
		start = earliestSampleTime(prices)
	}
	if start.IsZero() {
		start = end
	}
	if !end.After(start) {
		end = start.Add(time.Second)
	}
	return start.UTC(), end.UTC()
}

// BuildTimeline replays fills against price samples to produce an equity
// curve over the window. The same input always yields the same output.
func BuildTimeline(in TimelineInput) Timeline {
	fills := SortFills(in.Fills)
	start, end := ResolveWindow(fills, in.Prices, in.Start, in.End, in.Now)
	axis := timelineAxis(fills, in.Prices, start, end)
	cursors := newPriceCursors(in.Prices)

	book := NewPositionBook()
	points := make([]TimelinePoint, 0, len(axis))
	next := 0
	for _, ts := range axis {
		for next < len(fills) && !fills[next].Timestamp.After(ts) {
			book.Apply(fills[next])
			next++
		}

		unrealized := 0.0
		for _, pos := range book.Positions() {
			price, ok := 0.0, false
			if cursor := cursors[pos.Asset]; cursor != nil {
				price, ok = cursor.priceAt(ts)
			}
			if !ok && !ts.Before(end) {
				price, ok = in.Live.Price(pos.Asset)
			}
			if !ok {
				continue
			}
			unrealized += pos.Unrealized(price)
		}

		realized := book.RealizedPnL()
		points = append(points, TimelinePoint{
			Timestamp:     ts,
			AccountValue:  realized + unrealized,
			RealizedPnL:   realized,
			UnrealizedPnL: unrealized,
		})
	}

	if len(points) == 1 {
		dup := points[0]
		dup.Timestamp = end
		points = append(points, dup)
	}

	last := points[len(points)-1]
	return Timeline{
		Start:         start,
		End:           end,
		Points:        points,
		Positions:     book.Positions(),
		RealizedPnL:   last.RealizedPnL,
		UnrealizedPnL: last.UnrealizedPnL,
	}
}

func timelineAxis(fills []Fill, prices []PriceSample, start, end time.Time) []time.Time {
	seen := make(map[int64]struct{}, len(fills)+len(prices)+2)
	axis := make([]time.Time, 0, len(fills)+len(prices)+2)
	add := func(ts time.Time) {
		if ts.Before(start) || ts.After(end) {
			return
		}
		key := ts.UnixNano()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		axis = append(axis, ts.UTC())
	}

	add(start)
	add(end)
	for _, sample := range prices {
		add(sample.Timestamp)
	}
	for _, fill := range fills {
		add(fill.Timestamp)
	}
	sort.Slice(axis, func(i, j int) bool { return axis[i].Before(axis[j]) })
	return axis
}

// priceCursor walks one asset's samples forward only.
type priceCursor struct {
	samples []PriceSample
	next    int
	price   float64
	seen    bool
}

func newPriceCursors(prices []PriceSample) map[string]*priceCursor {
	cursors := make(map[string]*priceCursor)
	for _, sample := range prices {
		if !isUsablePrice(sample.ClosePrice) {
			continue
		}
		asset := NormalizeAsset(sample.Asset)
		cursor := cursors[asset]
		if cursor == nil {
			cursor = &priceCursor{}
			cursors[asset] = cursor
		}
		cursor.samples = append(cursor.samples, sample)
	}
	for _, cursor := range cursors {
		sort.SliceStable(cursor.samples, func(i, j int) bool {
			return cursor.samples[i].Timestamp.Before(cursor.samples[j].Timestamp)
		})
	}
	return cursors
}

// priceAt advances to the latest sample at or before ts. Calls must use
// non-decreasing timestamps.
func (c *priceCursor) priceAt(ts time.Time) (float64, bool) {
	for c.next < len(c.samples) && !c.samples[c.next].Timestamp.After(ts) {
		c.price = c.samples[c.next].ClosePrice
		c.seen = true
		c.next++
	}
	return c.price, c.seen
}

func earliestFillTime(fills []Fill) time.Time {
	var out time.Time
	for _, fill := range fills {
		if out.IsZero() || fill.Timestamp.Before(out) {
			out = fill.Timestamp
		}
	}
	return out
}

func earliestSampleTime(prices []PriceSample) time.Time {
	var out time.Time
	for _, sample := range prices {
		if out.IsZero() || sample.Timestamp.Before(out) {
			out = sample.Timestamp
		}
	}
	return out
}

func latestInputTime(fills []Fill, prices []PriceSample) time.Time {
	var out time.Time
	for _, fill := range fills {
		if fill.Timestamp.After(out) {
			out = fill.Timestamp
		}
	}
	for _, sample := range prices {
		if sample.Timestamp.After(out) {
			out = sample.Timestamp
		}
	}
	return out
}
