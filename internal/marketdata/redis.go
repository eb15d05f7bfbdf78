package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/prop-engine/internal/metrics"
	"github.com/atmx/prop-engine/internal/model"
)

// Keys written by the ingestion pipeline.
func priceKey(id string) string { return fmt.Sprintf("md:price:%s", id) }
func bookKey(id string) string  { return fmt.Sprintf("md:book:%s", id) }
func infoKey(id string) string  { return fmt.Sprintf("md:info:%s", id) }

const heartbeatKey = "md:heartbeat"

// RedisFeed reads the live feed the ingestion pipeline publishes into Redis.
// Every call is bounded by timeout; a timeout counts as unavailable.
type RedisFeed struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewRedisFeed creates a feed reader.
func NewRedisFeed(rdb *redis.Client, timeout time.Duration) *RedisFeed {
	return &RedisFeed{rdb: rdb, timeout: timeout}
}

// observe counts a feed lookup; failures are labelled by error code.
func observe(kind string, src Source, err error) {
	label := string(src)
	if err != nil {
		label = "error"
		var me *model.Error
		if errors.As(err, &me) {
			label = me.Code
		}
	}
	metrics.MarketDataRequests.WithLabelValues(kind, label).Inc()
}

func (f *RedisFeed) get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.rdb.Get(ctx, key).Bytes()
}

func (f *RedisFeed) CanonicalPrice(ctx context.Context, marketID string) (q *Quote, err error) {
	defer func() {
		var src Source
		if q != nil {
			src = q.Source
		}
		observe("price", src, err)
	}()

	data, err := f.get(ctx, priceKey(marketID))
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNoMarketData.With("no price for %s", marketID)
	}
	if err != nil {
		return nil, model.ErrMarketDataUnavailable.With("price %s: %v", marketID, err)
	}

	var quote Quote
	if err := json.Unmarshal(data, &quote); err != nil {
		return nil, model.ErrMarketDataUnavailable.With("decode price %s: %v", marketID, err)
	}
	quote.MarketID = marketID
	if quote.Source == "" {
		quote.Source = SourceLive
	}
	return &quote, nil
}

func (f *RedisFeed) FreshOrderBook(ctx context.Context, marketID string) (book *Book, err error) {
	defer func() {
		var src Source
		if book != nil {
			src = book.Source
		}
		observe("book", src, err)
	}()

	data, err := f.get(ctx, bookKey(marketID))
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNoOrderBook.With("no book for %s", marketID)
	}
	if err != nil {
		return nil, model.ErrMarketDataUnavailable.With("book %s: %v", marketID, err)
	}

	var b Book
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, model.ErrMarketDataUnavailable.With("decode book %s: %v", marketID, err)
	}
	b.MarketID = marketID
	if b.Source == "" {
		b.Source = SourceLive
	}
	return &b, nil
}

func (f *RedisFeed) MarketInfo(ctx context.Context, ids ...string) (map[string]MarketInfo, error) {
	out := make(map[string]MarketInfo, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = infoKey(id)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	vals, err := f.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		err = model.ErrMarketDataUnavailable.With("market info: %v", err)
		observe("info", "", err)
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var info MarketInfo
		if err := json.Unmarshal([]byte(s), &info); err != nil {
			err = model.ErrMarketDataUnavailable.With("decode info %s: %v", ids[i], err)
			observe("info", "", err)
			return nil, err
		}
		info.ID = ids[i]
		out[ids[i]] = info
	}
	observe("info", SourceLive, nil)
	return out, nil
}

// Heartbeat returns the last time the ingestion pipeline reported in.
func (f *RedisFeed) Heartbeat(ctx context.Context) (time.Time, error) {
	data, err := f.get(ctx, heartbeatKey)
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat: %w", err)
	}
	return t, nil
}
