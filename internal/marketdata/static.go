package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prop-engine/internal/model"
	"github.com/atmx/prop-engine/internal/orderbook"
)

// Static serves prices and books held in memory. With SourceDemo it backs
// local development; with SourceLive it is the fixture for tests.
type Static struct {
	mu        sync.RWMutex
	source    Source
	now       func() time.Time
	prices    map[string]decimal.Decimal
	books     map[string]orderbook.Book
	infos     map[string]MarketInfo
	heartbeat time.Time
	fail      error
}

// NewStatic creates an empty provider whose values are tagged source.
func NewStatic(source Source) *Static {
	return &Static{
		source: source,
		now:    time.Now,
		prices: make(map[string]decimal.Decimal),
		books:  make(map[string]orderbook.Book),
		infos:  make(map[string]MarketInfo),
	}
}

// NewDemo returns a Static provider seeded with a few demo markets.
func NewDemo() *Static {
	s := NewStatic(SourceDemo)
	for _, m := range []struct {
		id, event, category string
		price               float64
		volume              int64
	}{
		{"demo-election", "demo-election", "politics", 0.52, 25_000_000},
		{"demo-rates-cut", "demo-fed", "economics", 0.31, 4_000_000},
		{"demo-rates-hold", "demo-fed", "economics", 0.64, 4_000_000},
	} {
		p := decimal.NewFromFloat(m.price)
		s.SetPrice(m.id, p)
		s.SetBook(m.id, orderbook.Synthesize(p))
		s.SetInfo(MarketInfo{ID: m.id, EventID: m.event, Category: m.category, Volume24h: decimal.NewFromInt(m.volume)})
	}
	s.SetSiblings("demo-rates-cut", "demo-rates-hold")
	s.Beat()
	return s
}

// SetClock overrides the time stamped on quotes.
func (s *Static) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Static) SetPrice(marketID string, p decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[marketID] = p
}

func (s *Static) SetBook(marketID string, b orderbook.Book) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[marketID] = b
}

func (s *Static) SetInfo(info MarketInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos[info.ID] = info
}

// SetSiblings marks ids as the mutually exclusive outcomes of one event.
func (s *Static) SetSiblings(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		info := s.infos[id]
		info.ID = id
		info.Siblings = nil
		for _, other := range ids {
			if other != id {
				info.Siblings = append(info.Siblings, other)
			}
		}
		s.infos[id] = info
	}
}

// Fail makes every lookup return err until called with nil.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Beat records an ingestion heartbeat at the current clock time.
func (s *Static) Beat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeat = s.now()
}

func (s *Static) CanonicalPrice(_ context.Context, marketID string) (*Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return nil, s.fail
	}
	p, ok := s.prices[marketID]
	if !ok {
		return nil, model.ErrNoMarketData.With("no price for %s", marketID)
	}
	return &Quote{MarketID: marketID, Price: model.Raw(p), Source: s.source, ObservedAt: s.now()}, nil
}

func (s *Static) FreshOrderBook(_ context.Context, marketID string) (*Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return nil, s.fail
	}
	b, ok := s.books[marketID]
	if !ok {
		return nil, model.ErrNoOrderBook.With("no book for %s", marketID)
	}
	return &Book{Book: b, MarketID: marketID, Source: s.source, ObservedAt: s.now()}, nil
}

func (s *Static) MarketInfo(_ context.Context, ids ...string) (map[string]MarketInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return nil, s.fail
	}
	out := make(map[string]MarketInfo, len(ids))
	for _, id := range ids {
		if info, ok := s.infos[id]; ok {
			out[id] = info
		}
	}
	return out, nil
}

func (s *Static) Heartbeat(context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return time.Time{}, s.fail
	}
	return s.heartbeat, nil
}
