// Package orderbook simulates execution against binary-market order books.
//
// Everything here is pure: books are passed in, fills are returned, nothing
// is stored. Books are always expressed in YES-token prices; a NO view is
// obtained with Invert. Level order from upstream feeds is not trusted, so
// best prices are computed over all levels and sides are re-sorted before
// walking.
//
// All monetary values use shopspring/decimal, never float64 for money.
package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/prop-engine/internal/model"
)

var (
	// DeadSpread is the widest bid/ask spread still considered a live book.
	DeadSpread = decimal.NewFromFloat(0.50)

	// DeadAsk is the ask at or above which a book is treated as resolved.
	DeadAsk = decimal.NewFromFloat(0.90)

	// Dust is the unfilled notional, in dollars, a walk may leave behind.
	Dust = decimal.NewFromInt(1)

	// PriceScale is the number of decimal places for execution prices.
	PriceScale int32 = 8

	// SyntheticSpread is the distance between consecutive synthetic levels.
	SyntheticSpread = decimal.NewFromFloat(0.01)

	// SyntheticDepth is the share size quoted at every synthetic level.
	SyntheticDepth = decimal.NewFromInt(5000)

	// SyntheticLevels is the number of levels per side of a synthetic book.
	SyntheticLevels = 3

	one = decimal.NewFromInt(1)
)

// Level is one price level; Size is in shares.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Book is a two-sided order book in YES prices.
type Book struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// Fill is the result of walking a book.
type Fill struct {
	ExecutedPrice   decimal.Decimal `json:"executed_price"` // notional-weighted average
	TotalShares     decimal.Decimal `json:"total_shares"`
	Notional        decimal.Decimal `json:"notional"`
	BestPrice       decimal.Decimal `json:"best_price"`
	SlippagePercent decimal.Decimal `json:"slippage_percent"`
	Filled          bool            `json:"filled"`
}

// BestBid returns the highest bid, or false for an empty side.
func (b Book) BestBid() (decimal.Decimal, bool) {
	return extreme(b.Bids, func(a, c decimal.Decimal) bool { return a.GreaterThan(c) })
}

// BestAsk returns the lowest ask, or false for an empty side.
func (b Book) BestAsk() (decimal.Decimal, bool) {
	return extreme(b.Asks, func(a, c decimal.Decimal) bool { return a.LessThan(c) })
}

func extreme(levels []Level, better func(a, c decimal.Decimal) bool) (decimal.Decimal, bool) {
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	best := levels[0].Price
	for _, l := range levels[1:] {
		if better(l.Price, best) {
			best = l.Price
		}
	}
	return best, true
}

// Mid returns the midpoint of the best bid and ask.
func (b Book) Mid() (decimal.Decimal, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// IsDead reports whether a book cannot be traded against: a side is empty,
// the spread is wider than DeadSpread, or the best ask is at or above DeadAsk.
func IsDead(b Book) bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return true
	}
	if ask.Sub(bid).GreaterThan(DeadSpread) {
		return true
	}
	return ask.GreaterThanOrEqual(DeadAsk)
}

// Invert converts a book for one token into the book for its complement.
// A bid at p for NO is an ask at 1-p for YES and vice versa. Inverting twice
// reproduces the original levels.
func Invert(b Book) Book {
	out := Book{
		Bids: make([]Level, 0, len(b.Asks)),
		Asks: make([]Level, 0, len(b.Bids)),
	}
	for _, l := range b.Bids {
		out.Asks = append(out.Asks, Level{Price: one.Sub(l.Price), Size: l.Size})
	}
	for _, l := range b.Asks {
		out.Bids = append(out.Bids, Level{Price: one.Sub(l.Price), Size: l.Size})
	}
	sortAsks(out.Asks)
	sortBids(out.Bids)
	return out
}

// Synthesize builds a fixed-depth, fixed-spread book around price for markets
// with no usable real book. Levels that would fall outside the tradable
// (0.01, 0.99) band are dropped, so a price near the edges yields a thinner
// book rather than an error.
func Synthesize(price decimal.Decimal) Book {
	var b Book
	for i := 1; i <= SyntheticLevels; i++ {
		off := SyntheticSpread.Mul(decimal.NewFromInt(int64(i)))
		if ask := price.Add(off); tradable(ask) {
			b.Asks = append(b.Asks, Level{Price: ask, Size: SyntheticDepth})
		}
		if bid := price.Sub(off); tradable(bid) {
			b.Bids = append(b.Bids, Level{Price: bid, Size: SyntheticDepth})
		}
	}
	return b
}

func tradable(p decimal.Decimal) bool {
	return p.GreaterThan(model.MinTradablePrice) && p.LessThan(model.MaxTradablePrice)
}

// levelsFor returns a copy of the side a trade consumes, best first.
func levelsFor(b Book, side model.Side) []Level {
	var src []Level
	if side == model.SideBuy {
		src = b.Asks
	} else {
		src = b.Bids
	}
	levels := make([]Level, 0, len(src))
	for _, l := range src {
		if l.Size.IsPositive() && l.Price.IsPositive() {
			levels = append(levels, l)
		}
	}
	if side == model.SideBuy {
		sortAsks(levels)
	} else {
		sortBids(levels)
	}
	return levels
}

func sortAsks(l []Level) {
	sort.SliceStable(l, func(i, j int) bool { return l[i].Price.LessThan(l[j].Price) })
}

func sortBids(l []Level) {
	sort.SliceStable(l, func(i, j int) bool { return l[i].Price.GreaterThan(l[j].Price) })
}

// Walk simulates spending notional dollars against the side a trade
// consumes. Whole levels are taken first, then one partial level. It fails
// rather than silently under-filling when more than Dust remains.
func Walk(b Book, side model.Side, notional decimal.Decimal) (Fill, error) {
	levels := levelsFor(b, side)
	if len(levels) == 0 || !notional.IsPositive() {
		return Fill{}, model.ErrNoLiquidity.With("no %s levels", sideName(side))
	}

	remaining := notional
	spent := decimal.Zero
	shares := decimal.Zero
	for _, l := range levels {
		if !remaining.IsPositive() {
			break
		}
		levelCost := l.Price.Mul(l.Size)
		if levelCost.LessThanOrEqual(remaining) {
			shares = shares.Add(l.Size)
			spent = spent.Add(levelCost)
			remaining = remaining.Sub(levelCost)
			continue
		}
		shares = shares.Add(remaining.Div(l.Price))
		spent = spent.Add(remaining)
		remaining = decimal.Zero
	}

	if remaining.GreaterThan(Dust) {
		return Fill{}, model.ErrInsufficientDepth.With("%s of %s unfilled", remaining.StringFixed(2), notional.StringFixed(2))
	}
	return newFill(levels[0].Price, spent, shares), nil
}

// WalkShares simulates selling or buying a fixed number of shares. It is used
// for exits, where the quantity rather than the notional is known.
func WalkShares(b Book, side model.Side, qty decimal.Decimal) (Fill, error) {
	levels := levelsFor(b, side)
	if len(levels) == 0 || !qty.IsPositive() {
		return Fill{}, model.ErrNoLiquidity.With("no %s levels", sideName(side))
	}

	remaining := qty
	spent := decimal.Zero
	last := levels[0].Price
	for _, l := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(l.Size, remaining)
		spent = spent.Add(take.Mul(l.Price))
		remaining = remaining.Sub(take)
		last = l.Price
	}

	if remaining.Mul(last).GreaterThan(Dust) {
		return Fill{}, model.ErrInsufficientDepth.With("%s of %s shares unfilled", remaining.StringFixed(2), qty.StringFixed(2))
	}
	return newFill(levels[0].Price, spent, qty.Sub(remaining)), nil
}

func newFill(best, spent, shares decimal.Decimal) Fill {
	avg := spent.Div(shares).Round(PriceScale)
	return Fill{
		ExecutedPrice:   avg,
		TotalShares:     shares,
		Notional:        spent,
		BestPrice:       best,
		SlippagePercent: avg.Sub(best).Abs().Div(best),
		Filled:          true,
	}
}

func sideName(side model.Side) string {
	if side == model.SideBuy {
		return "ask"
	}
	return "bid"
}
