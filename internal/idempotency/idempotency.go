// Package idempotency deduplicates retried trade submissions.
//
// A submission first claims its key with set-if-absent and a pending
// marker. The winner executes and overwrites the key with its final
// response; everyone else either sees the pending marker (in progress) or
// replays the stored response verbatim. The guard fails open: if the store
// is unreachable the submission proceeds unguarded and relies on the
// transactional re-validation downstream.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/prop-engine/internal/metrics"
)

// DefaultTTL bounds how long a claim or stored response lives.
const DefaultTTL = 60 * time.Second

const (
	statusPending  = "pending"
	statusResolved = "resolved"
)

// Response is a stored final response.
type Response struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

type record struct {
	Status   string    `json:"status"`
	Response *Response `json:"response,omitempty"`
}

// Claim is the outcome of Check.
type Claim struct {
	// Duplicate is true when another submission owns the key.
	Duplicate bool
	// InProgress is true when that submission has not completed yet.
	InProgress bool
	// Cached is the stored response of a completed duplicate.
	Cached *Response

	key     string
	guarded bool
}

// Guard claims and resolves idempotency keys.
type Guard struct {
	kv      KV
	ttl     time.Duration
	timeout time.Duration
	log     *slog.Logger
}

// NewGuard creates a guard. Every KV call is bounded by timeout.
func NewGuard(kv KV, ttl, timeout time.Duration, log *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{kv: kv, ttl: ttl, timeout: timeout, log: log}
}

// Key scopes a client token to a user.
func Key(userID, token string) string {
	return fmt.Sprintf("idem:%s:%s", userID, token)
}

func (g *Guard) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// Check claims key. When the returned claim is not a duplicate the caller
// owns the key and must call Complete or Release.
func (g *Guard) Check(ctx context.Context, key string) Claim {
	ctx, cancel := g.ctx(ctx)
	defer cancel()

	pending, _ := json.Marshal(record{Status: statusPending})
	ok, err := g.kv.SetNX(ctx, key, pending, g.ttl)
	if err != nil {
		g.failOpen(key, err)
		return Claim{key: key}
	}
	if ok {
		metrics.IdempotencyOutcomes.WithLabelValues("claimed").Inc()
		return Claim{key: key, guarded: true}
	}

	data, err := g.kv.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		// Expired between the two calls; report in progress rather than
		// race for a second claim.
		metrics.IdempotencyOutcomes.WithLabelValues("in_progress").Inc()
		return Claim{Duplicate: true, InProgress: true, key: key}
	}
	if err != nil {
		g.failOpen(key, err)
		return Claim{key: key}
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil || rec.Status != statusResolved || rec.Response == nil {
		metrics.IdempotencyOutcomes.WithLabelValues("in_progress").Inc()
		return Claim{Duplicate: true, InProgress: true, key: key}
	}
	metrics.IdempotencyOutcomes.WithLabelValues("replayed").Inc()
	return Claim{Duplicate: true, Cached: rec.Response, key: key}
}

// Complete stores the final response under the claimed key.
func (g *Guard) Complete(ctx context.Context, c Claim, statusCode int, body []byte) {
	if !c.guarded {
		return
	}
	// The trade has already committed; the record must land even if the
	// request was cancelled.
	ctx, cancel := g.ctx(context.WithoutCancel(ctx))
	defer cancel()

	data, err := json.Marshal(record{
		Status:   statusResolved,
		Response: &Response{StatusCode: statusCode, Body: body},
	})
	if err == nil {
		err = g.kv.Set(ctx, c.key, data, g.ttl)
	}
	if err != nil {
		g.log.Warn("idempotency complete failed", "key", c.key, "error", err)
	}
}

// Release drops the claim so a retry can execute, used when the outcome
// was transient and should not be replayed.
func (g *Guard) Release(ctx context.Context, c Claim) {
	if !c.guarded {
		return
	}
	ctx, cancel := g.ctx(context.WithoutCancel(ctx))
	defer cancel()
	if err := g.kv.Del(ctx, c.key); err != nil {
		g.log.Warn("idempotency release failed", "key", c.key, "error", err)
	}
}

func (g *Guard) failOpen(key string, err error) {
	metrics.IdempotencyOutcomes.WithLabelValues("unavailable").Inc()
	g.log.Warn("idempotency store unavailable, proceeding unguarded", "key", key, "error", err)
}
