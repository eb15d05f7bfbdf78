// Package marketdata is the single entry point for prices, order books and
// market metadata. Implementations are selected by configuration and
// composed: a live Redis feed, a last-known cache in front of it, and a
// static provider for demos and tests.
//
// Every value carries a Source. Only live and cached values are real data;
// synthetic and demo values must never reach a financial path.
package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prop-engine/internal/model"
	"github.com/atmx/prop-engine/internal/orderbook"
)

// Source tags where a price or book came from.
type Source string

const (
	SourceLive      Source = "live"
	SourceCached    Source = "cached"
	SourceSynthetic Source = "synthetic"
	SourceDemo      Source = "demo"
)

// Real reports whether the value came from the market rather than being
// fabricated.
func (s Source) Real() bool {
	return s == SourceLive || s == SourceCached
}

// Quote is a canonical YES price for one market.
type Quote struct {
	MarketID   string         `json:"market_id"`
	Price      model.RawPrice `json:"price"`
	Source     Source         `json:"source"`
	ObservedAt time.Time      `json:"observed_at"`
}

// Age is the time elapsed since the quote was observed.
func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.ObservedAt)
}

// Book is an order book in YES prices.
type Book struct {
	orderbook.Book
	MarketID   string    `json:"market_id"`
	Source     Source    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}

// MarketInfo is the metadata the risk engine needs about a market.
type MarketInfo struct {
	ID        string          `json:"id"`
	EventID   string          `json:"event_id,omitempty"`
	Category  string          `json:"category,omitempty"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	// Siblings are the other markets of a mutually exclusive event.
	Siblings []string `json:"siblings,omitempty"`
}

// Provider supplies market data. Absent data is reported with
// model.ErrNoMarketData / model.ErrNoOrderBook; transport failures and
// timeouts with model.ErrMarketDataUnavailable.
type Provider interface {
	CanonicalPrice(ctx context.Context, marketID string) (*Quote, error)
	FreshOrderBook(ctx context.Context, marketID string) (*Book, error)
	// MarketInfo returns metadata for every id it knows. Unknown ids are
	// omitted from the map rather than failing the call.
	MarketInfo(ctx context.Context, ids ...string) (map[string]MarketInfo, error)
}

// Heartbeater is implemented by providers that can report when the
// upstream ingestion pipeline last wrote data.
type Heartbeater interface {
	Heartbeat(ctx context.Context) (time.Time, error)
}
