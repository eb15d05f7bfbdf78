package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/prop-engine/internal/metrics"
	"github.com/atmx/prop-engine/internal/model"
)

// Cached wraps a primary Provider with Redis.
//
// Prices are written through to a last-known key on every successful read
// and served back, tagged SourceCached, when the primary fails. Callers
// still apply their own staleness check on ObservedAt.
//
// Market metadata is read-through: cache first, primary on miss.
//
// Order books are never served from cache; a book must be fresh.
//
// Every Redis call is bounded by timeout.
type Cached struct {
	primary  Provider
	rdb      *redis.Client
	timeout  time.Duration
	infoTTL  time.Duration
	priceTTL time.Duration
	log      *slog.Logger
}

// NewCached creates a cached wrapper around a primary provider.
func NewCached(primary Provider, rdb *redis.Client, timeout, infoTTL, priceTTL time.Duration, log *slog.Logger) *Cached {
	return &Cached{
		primary:  primary,
		rdb:      rdb,
		timeout:  timeout,
		infoTTL:  infoTTL,
		priceTTL: priceTTL,
		log:      log,
	}
}

func (c *Cached) redisCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func lastPriceKey(id string) string  { return fmt.Sprintf("mdcache:price:%s", id) }
func cachedInfoKey(id string) string { return fmt.Sprintf("mdcache:info:%s", id) }

func (c *Cached) CanonicalPrice(ctx context.Context, marketID string) (*Quote, error) {
	q, err := c.primary.CanonicalPrice(ctx, marketID)
	if err == nil {
		if q.Source == SourceLive {
			if data, merr := json.Marshal(q); merr == nil {
				sctx, cancel := c.redisCtx(ctx)
				if serr := c.rdb.Set(sctx, lastPriceKey(marketID), data, c.priceTTL).Err(); serr != nil {
					c.log.Warn("store last-known price", "market_id", marketID, "error", serr)
				}
				cancel()
			}
		}
		return q, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	gctx, cancel := c.redisCtx(ctx)
	data, cerr := c.rdb.Get(gctx, lastPriceKey(marketID)).Bytes()
	cancel()
	if cerr != nil {
		if !errors.Is(cerr, redis.Nil) {
			c.log.Warn("last-known price lookup failed", "market_id", marketID, "error", cerr)
		}
		return nil, err
	}
	var cached Quote
	if json.Unmarshal(data, &cached) != nil {
		return nil, err
	}
	cached.Source = SourceCached
	metrics.MarketDataRequests.WithLabelValues("price", string(SourceCached)).Inc()
	c.log.Debug("serving last-known price", "market_id", marketID, "primary_error", err)
	return &cached, nil
}

func (c *Cached) FreshOrderBook(ctx context.Context, marketID string) (*Book, error) {
	return c.primary.FreshOrderBook(ctx, marketID)
}

func (c *Cached) MarketInfo(ctx context.Context, ids ...string) (map[string]MarketInfo, error) {
	out := make(map[string]MarketInfo, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cachedInfoKey(id)
	}
	var missing []string
	mctx, cancel := c.redisCtx(ctx)
	vals, err := c.rdb.MGet(mctx, keys...).Result()
	cancel()
	if err != nil {
		missing = ids
	} else {
		for i, v := range vals {
			var info MarketInfo
			s, ok := v.(string)
			if !ok || json.Unmarshal([]byte(s), &info) != nil {
				missing = append(missing, ids[i])
				continue
			}
			out[ids[i]] = info
		}
	}
	if hits := len(out); hits > 0 {
		metrics.MarketDataRequests.WithLabelValues("info", string(SourceCached)).Add(float64(hits))
	}
	if len(missing) == 0 {
		return out, nil
	}

	// Cache miss: read from primary.
	fetched, err := c.primary.MarketInfo(ctx, missing...)
	if err != nil {
		return nil, err
	}
	pctx, cancel := c.redisCtx(ctx)
	defer cancel()
	pipe := c.rdb.Pipeline()
	for id, info := range fetched {
		out[id] = info
		if data, err := json.Marshal(info); err == nil {
			pipe.Set(pctx, cachedInfoKey(id), data, c.infoTTL)
		}
	}
	if _, err := pipe.Exec(pctx); err != nil {
		c.log.Warn("cache market info", "error", err)
	}
	return out, nil
}

// Heartbeat delegates to the primary when it reports one.
func (c *Cached) Heartbeat(ctx context.Context) (time.Time, error) {
	hb, ok := c.primary.(Heartbeater)
	if !ok {
		return time.Time{}, model.ErrMarketDataUnavailable.With("provider has no heartbeat")
	}
	return hb.Heartbeat(ctx)
}
