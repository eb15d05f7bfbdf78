package marketdata

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prop-engine/internal/metrics"
	"github.com/atmx/prop-engine/internal/model"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRedisFeedPrice(t *testing.T) {
	mr, rdb := newRedis(t)
	feed := NewRedisFeed(rdb, time.Second)
	ctx := context.Background()

	_, err := feed.CanonicalPrice(ctx, "m1")
	assert.ErrorIs(t, err, model.ErrNoMarketData)

	mr.Set("md:price:m1", `{"price":"0.42","observed_at":"2026-01-05T10:00:00Z"}`)
	q, err := feed.CanonicalPrice(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", q.MarketID)
	assert.Equal(t, SourceLive, q.Source)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("0.42")))
	assert.True(t, q.ObservedAt.Equal(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)))

	mr.Set("md:price:m2", `{"price":"0.5","source":"synthetic","observed_at":"2026-01-05T10:00:00Z"}`)
	q, err = feed.CanonicalPrice(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, SourceSynthetic, q.Source)
	assert.False(t, q.Source.Real())
}

func TestRedisFeedBook(t *testing.T) {
	mr, rdb := newRedis(t)
	feed := NewRedisFeed(rdb, time.Second)
	ctx := context.Background()

	_, err := feed.FreshOrderBook(ctx, "m1")
	assert.ErrorIs(t, err, model.ErrNoOrderBook)

	mr.Set("md:book:m1", `{"bids":[{"price":"0.40","size":"100"}],"asks":[{"price":"0.45","size":"300"},{"price":"0.44","size":"50"}],"observed_at":"2026-01-05T10:00:00Z"}`)
	b, err := feed.FreshOrderBook(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, SourceLive, b.Source)
	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Equal(decimal.RequireFromString("0.44")))
}

func TestRedisFeedUnavailable(t *testing.T) {
	mr, rdb := newRedis(t)
	feed := NewRedisFeed(rdb, 200*time.Millisecond)
	mr.Close()

	_, err := feed.CanonicalPrice(context.Background(), "m1")
	assert.ErrorIs(t, err, model.ErrMarketDataUnavailable)
	assert.Equal(t, model.KindUnavailable, model.KindOf(err))
}

func TestRedisFeedMarketInfoSkipsUnknown(t *testing.T) {
	mr, rdb := newRedis(t)
	feed := NewRedisFeed(rdb, time.Second)
	mr.Set("md:info:m1", `{"event_id":"e1","category":"politics","volume_24h":"2500000","siblings":["m2","m3"]}`)

	infos, err := feed.MarketInfo(context.Background(), "m1", "unknown")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	info := infos["m1"]
	assert.Equal(t, "m1", info.ID)
	assert.Equal(t, "politics", info.Category)
	assert.Equal(t, []string{"m2", "m3"}, info.Siblings)
	assert.True(t, info.Volume24h.Equal(decimal.NewFromInt(2500000)))
}

func TestRedisFeedHeartbeat(t *testing.T) {
	mr, rdb := newRedis(t)
	feed := NewRedisFeed(rdb, time.Second)

	hb, err := feed.Heartbeat(context.Background())
	require.NoError(t, err)
	assert.True(t, hb.IsZero())

	mr.Set("md:heartbeat", "2026-01-05T10:00:00.5Z")
	hb, err = feed.Heartbeat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, hb.Sub(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)))
}

func TestCachedServesLastKnownPrice(t *testing.T) {
	_, rdb := newRedis(t)
	primary := NewStatic(SourceLive)
	observed := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	primary.SetClock(func() time.Time { return observed })
	primary.SetPrice("m1", decimal.RequireFromString("0.61"))

	c := NewCached(primary, rdb, time.Second, time.Minute, time.Hour, quietLogger())
	ctx := context.Background()

	q, err := c.CanonicalPrice(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, SourceLive, q.Source)

	primary.Fail(model.ErrMarketDataUnavailable.With("feed down"))
	q, err = c.CanonicalPrice(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, SourceCached, q.Source)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("0.61")))
	assert.True(t, q.ObservedAt.Equal(observed), "cached quote keeps its observation time")

	_, err = c.CanonicalPrice(ctx, "never-seen")
	assert.ErrorIs(t, err, model.ErrMarketDataUnavailable)
}

func TestCachedDoesNotStoreFabricatedPrices(t *testing.T) {
	_, rdb := newRedis(t)
	primary := NewDemo()
	c := NewCached(primary, rdb, time.Second, time.Minute, time.Hour, quietLogger())
	ctx := context.Background()

	_, err := c.CanonicalPrice(ctx, "demo-election")
	require.NoError(t, err)

	primary.Fail(model.ErrMarketDataUnavailable)
	_, err = c.CanonicalPrice(ctx, "demo-election")
	assert.Error(t, err)
}

func TestCachedBooksBypassCache(t *testing.T) {
	_, rdb := newRedis(t)
	primary := NewStatic(SourceLive)
	c := NewCached(primary, rdb, time.Second, time.Minute, time.Hour, quietLogger())

	_, err := c.FreshOrderBook(context.Background(), "m1")
	assert.ErrorIs(t, err, model.ErrNoOrderBook)
}

func TestCachedMarketInfoReadThrough(t *testing.T) {
	mr, rdb := newRedis(t)
	primary := NewStatic(SourceLive)
	primary.SetInfo(MarketInfo{ID: "m1", Category: "sports", Volume24h: decimal.NewFromInt(500000)})
	c := NewCached(primary, rdb, time.Second, time.Minute, time.Hour, quietLogger())
	ctx := context.Background()

	infos, err := c.MarketInfo(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "sports", infos["m1"].Category)
	assert.True(t, mr.Exists("mdcache:info:m1"))

	// Served from cache once the primary is gone.
	primary.Fail(model.ErrMarketDataUnavailable)
	infos, err = c.MarketInfo(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, infos["m1"].Volume24h.Equal(decimal.NewFromInt(500000)))

	mr.FastForward(2 * time.Minute)
	_, err = c.MarketInfo(ctx, "m1")
	assert.ErrorIs(t, err, model.ErrMarketDataUnavailable)
}

func TestStaticSiblings(t *testing.T) {
	s := NewStatic(SourceLive)
	s.SetSiblings("a", "b", "c")

	infos, err := s.MarketInfo(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, infos["a"].Siblings)
	assert.Equal(t, []string{"a", "c"}, infos["b"].Siblings)
}

func TestCachedBoundsRedisCalls(t *testing.T) {
	// A Redis that accepts no connections until the caller gives up.
	rdb := redis.NewClient(&redis.Options{
		Addr:       "stalled:6379",
		MaxRetries: -1,
		Dialer: func(ctx context.Context, _, _ string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	t.Cleanup(func() { rdb.Close() })

	primary := NewStatic(SourceLive)
	primary.Fail(model.ErrMarketDataUnavailable.With("feed down"))
	c := NewCached(primary, rdb, 50*time.Millisecond, time.Minute, time.Hour, quietLogger())

	start := time.Now()
	_, err := c.CanonicalPrice(context.Background(), "m1")
	assert.ErrorIs(t, err, model.ErrMarketDataUnavailable)
	_, err = c.MarketInfo(context.Background(), "m1")
	assert.ErrorIs(t, err, model.ErrMarketDataUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMarketDataRequestsCounted(t *testing.T) {
	mr, rdb := newRedis(t)
	feed := NewRedisFeed(rdb, time.Second)
	ctx := context.Background()

	count := func(kind, source string) float64 {
		return testutil.ToFloat64(metrics.MarketDataRequests.WithLabelValues(kind, source))
	}
	livePrices := count("price", "live")
	missing := count("price", "NoMarketData")
	cachedPrices := count("price", "cached")
	liveBooks := count("book", "live")

	require.NoError(t, mr.Set(priceKey("m1"), `{"price":"0.42","observed_at":"2026-01-05T10:00:00Z"}`))
	require.NoError(t, mr.Set(bookKey("m1"), `{"bids":[{"price":"0.41","size":"100"}],"asks":[{"price":"0.43","size":"100"}]}`))

	c := NewCached(feed, rdb, time.Second, time.Minute, time.Hour, quietLogger())
	_, err := c.CanonicalPrice(ctx, "m1")
	require.NoError(t, err)
	_, err = c.FreshOrderBook(ctx, "m1")
	require.NoError(t, err)
	_, err = c.CanonicalPrice(ctx, "m2")
	assert.Error(t, err)

	mr.Del(priceKey("m1"))
	_, err = c.CanonicalPrice(ctx, "m1")
	require.NoError(t, err)

	assert.Equal(t, livePrices+1, count("price", "live"))
	assert.Equal(t, missing+2, count("price", "NoMarketData"))
	assert.Equal(t, cachedPrices+1, count("price", "cached"))
	assert.Equal(t, liveBooks+1, count("book", "live"))
}
