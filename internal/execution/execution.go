// Package execution turns a trade request into a filled, persisted trade.
//
// Prices and books come only from real market data. The account is checked
// twice against the risk rules: once up front without a lock, and again
// inside the transaction that holds the account row, so two concurrent
// orders can never both pass against the same stale balance.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/prop-engine/internal/challenge"
	"github.com/atmx/prop-engine/internal/events"
	"github.com/atmx/prop-engine/internal/ledger"
	"github.com/atmx/prop-engine/internal/marketdata"
	"github.com/atmx/prop-engine/internal/metrics"
	"github.com/atmx/prop-engine/internal/model"
	"github.com/atmx/prop-engine/internal/orderbook"
	"github.com/atmx/prop-engine/internal/outage"
	"github.com/atmx/prop-engine/internal/risk"
	"github.com/atmx/prop-engine/internal/store"
	"github.com/atmx/prop-engine/internal/tasks"
)

// Defaults applied when Config leaves a field zero.
var (
	DefaultPriceMaxAge = 60 * time.Second
	DefaultMaxSlippage = decimal.NewFromFloat(0.05)
)

// Options are the caller's execution preferences.
type Options struct {
	// MaxSlippage is the largest acceptable relative deviation from the best
	// price. Zero uses the pipeline default.
	MaxSlippage decimal.Decimal `json:"max_slippage"`
	// Shares is the quantity to sell. Zero sells the whole position.
	Shares decimal.Decimal `json:"shares"`
}

// Request is one trade submission.
type Request struct {
	UserID    string          `json:"user_id"`
	AccountID string          `json:"account_id"`
	MarketID  string          `json:"market_id"`
	Side      model.Side      `json:"side"`
	Amount    decimal.Decimal `json:"amount"` // notional, buys only
	Direction model.Direction `json:"direction"`
	Options   Options         `json:"options"`
}

// Result is what a successful execution returns.
type Result struct {
	Trade       model.Trade       `json:"trade"`
	Position    model.Position    `json:"position"`
	Balance     decimal.Decimal   `json:"balance"`
	Fill        orderbook.Fill    `json:"fill"`
	PriceSource marketdata.Source `json:"price_source"`
	BookSource  marketdata.Source `json:"book_source"`
	Synthetic   bool              `json:"synthetic_book"`
	Phase       model.Phase       `json:"phase"`
}

// Config tunes the pipeline.
type Config struct {
	PriceMaxAge time.Duration
	MaxSlippage decimal.Decimal
}

// Outages reports whether trading is paused.
type Outages interface {
	Status(ctx context.Context) outage.Status
}

// Evaluator is run after every committed trade.
type Evaluator interface {
	Evaluate(ctx context.Context, accountID string) (*challenge.Result, error)
	TrackActivity(ctx context.Context, accountID string) error
}

// Enqueuer schedules post-trade work.
type Enqueuer interface {
	Enqueue(t tasks.Task) error
}

// Pipeline executes trades.
type Pipeline struct {
	store   store.Store
	md      marketdata.Provider
	risk    *risk.Engine
	outages Outages
	eval    Evaluator
	queue   Enqueuer
	sink    events.Sink
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
}

// New creates a pipeline.
func New(s store.Store, md marketdata.Provider, re *risk.Engine, outages Outages, eval Evaluator, queue Enqueuer, sink events.Sink, cfg Config, log *slog.Logger) *Pipeline {
	if cfg.PriceMaxAge <= 0 {
		cfg.PriceMaxAge = DefaultPriceMaxAge
	}
	if !cfg.MaxSlippage.IsPositive() {
		cfg.MaxSlippage = DefaultMaxSlippage
	}
	return &Pipeline{
		store:   s,
		md:      md,
		risk:    re,
		outages: outages,
		eval:    eval,
		queue:   queue,
		sink:    sink,
		cfg:     cfg,
		now:     time.Now,
		log:     log,
	}
}

// quote is the priced, walked view of a market for one request.
type quote struct {
	price     *marketdata.Quote
	book      *marketdata.Book
	synthetic bool
	fill      orderbook.Fill
	effective model.EffectivePrice
}

// Execute runs one trade end to end. Rejections are returned as *model.Error.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := p.execute(ctx, req)
	if err != nil {
		code := errorCode(err)
		metrics.TradeRejections.WithLabelValues(code).Inc()
		level := slog.LevelInfo
		if k := model.KindOf(err); k == 0 || k == model.KindInvariant {
			level = slog.LevelError
		}
		p.log.Log(ctx, level, "trade rejected",
			"account_id", req.AccountID,
			"market_id", req.MarketID,
			"side", req.Side,
			"direction", req.Direction,
			"amount", req.Amount.String(),
			"code", code,
			"error", err,
		)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(req.Side), string(req.Direction)).Inc()
	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	metrics.FillSlippage.Observe(res.Fill.SlippagePercent.InexactFloat64())

	p.log.Info("trade executed",
		"trade_id", res.Trade.ID,
		"account_id", req.AccountID,
		"market_id", req.MarketID,
		"side", req.Side,
		"direction", req.Direction,
		"shares", res.Trade.Shares.String(),
		"price", res.Trade.Price.String(),
		"amount", res.Trade.Amount.StringFixed(2),
		"slippage", res.Trade.Slippage.String(),
		"balance", res.Balance.StringFixed(2),
		"synthetic_book", res.Synthetic,
	)
	p.sink.Publish(ctx, events.New(events.TradeExecuted, req.AccountID, res.Trade))
	p.afterCommit(req.AccountID, res.Phase == model.PhaseFunded)
	return res, nil
}

func (p *Pipeline) execute(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	acct, err := p.store.GetAccount(ctx, req.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrInvalidAccount.With("account %s not found", req.AccountID)
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acct.UserID != req.UserID {
		return nil, model.ErrInvalidAccount.With("account %s does not belong to user", req.AccountID)
	}
	if !acct.Tradable() {
		return nil, model.ErrAccountInactive.With("account is %s", acct.Status)
	}
	if st := p.outages.Status(ctx); st.Active {
		return nil, model.ErrTradingPaused.With("market data outage in progress")
	}

	price, err := p.canonicalPrice(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}

	positions, err := p.store.ListOpenPositions(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	var held *model.Position
	sellShares := req.Options.Shares
	if req.Side == model.SideBuy {
		if err := p.risk.Check(ctx, acct, positions, riskRequest(req)); err != nil {
			return nil, err
		}
	} else {
		for i := range positions {
			if positions[i].MarketID == req.MarketID && positions[i].Direction == req.Direction {
				held = &positions[i]
				break
			}
		}
		if held == nil {
			return nil, model.ErrPositionNotFound.With("no open %s position on %s", req.Direction, req.MarketID)
		}
		if sellShares.IsZero() {
			sellShares = held.Shares
		}
		if sellShares.GreaterThan(held.Shares.Add(ledger.Epsilon)) {
			return nil, model.ErrInvalidRequest.With("cannot sell %s of %s shares", sellShares.String(), held.Shares.String())
		}
	}

	q, err := p.walk(ctx, req, price, sellShares)
	if err != nil {
		return nil, err
	}

	maxSlip := req.Options.MaxSlippage
	if !maxSlip.IsPositive() {
		maxSlip = p.cfg.MaxSlippage
	}
	if q.fill.SlippagePercent.GreaterThan(maxSlip) {
		return nil, model.ErrSlippageExceeded.With("slippage %s exceeds %s",
			q.fill.SlippagePercent.StringFixed(4), maxSlip.StringFixed(4))
	}
	if !q.effective.Tradable() {
		return nil, model.ErrInvalidPrice.With("execution price %s outside (0.01, 0.99)", q.effective.String())
	}

	res := &Result{
		Fill:        q.fill,
		PriceSource: q.price.Source,
		BookSource:  q.book.Source,
		Synthetic:   q.synthetic,
	}
	now := p.now().UTC()
	err = p.store.InTx(ctx, acct.ID, func(tx store.Tx) error {
		locked := tx.Account()
		if !locked.Tradable() {
			return model.ErrAccountInactive.With("account is %s", locked.Status)
		}
		res.Phase = locked.Phase
		if req.Side == model.SideBuy {
			return p.buy(ctx, tx, req, q, now, res)
		}
		return p.sell(ctx, tx, req, q, sellShares, now, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) buy(ctx context.Context, tx store.Tx, req Request, q *quote, now time.Time, res *Result) error {
	positions, err := tx.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	if err := p.risk.Check(ctx, tx.Account(), positions, riskRequest(req)); err != nil {
		return err
	}

	pos, err := ledger.Buy(ctx, tx, req.MarketID, req.Direction, q.fill.TotalShares, q.effective, q.fill.Notional, now)
	if err != nil {
		return err
	}
	t := &model.Trade{
		ID:         uuid.New().String(),
		PositionID: pos.ID,
		AccountID:  req.AccountID,
		MarketID:   req.MarketID,
		Side:       model.SideBuy,
		Direction:  req.Direction,
		Price:      q.effective,
		Amount:     q.fill.Notional,
		Shares:     q.fill.TotalShares,
		Slippage:   q.fill.SlippagePercent,
		ExecutedAt: now,
	}
	if err := tx.InsertTrade(ctx, t); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	res.Trade = *t
	res.Position = *pos
	res.Balance = tx.Account().CurrentBalance
	return nil
}

func (p *Pipeline) sell(ctx context.Context, tx store.Tx, req Request, q *quote, shares decimal.Decimal, now time.Time, res *Result) error {
	exit := q.effective
	pos, red, err := ledger.Sell(ctx, tx, req.MarketID, req.Direction, shares, &exit, now)
	if err != nil {
		return err
	}
	realized := red.RealizedPnL
	t := &model.Trade{
		ID:            uuid.New().String(),
		PositionID:    pos.ID,
		AccountID:     req.AccountID,
		MarketID:      req.MarketID,
		Side:          model.SideSell,
		Direction:     req.Direction,
		Price:         red.ExitPrice,
		Amount:        red.Proceeds,
		Shares:        red.Shares,
		RealizedPnL:   &realized,
		Slippage:      q.fill.SlippagePercent,
		ExecutedAt:    now,
		ClosureReason: model.ClosureManual,
	}
	if err := tx.InsertTrade(ctx, t); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	res.Trade = *t
	res.Position = *pos
	res.Balance = tx.Account().CurrentBalance
	return nil
}

// canonicalPrice fetches the market's authoritative price and refuses
// anything fabricated or stale.
func (p *Pipeline) canonicalPrice(ctx context.Context, marketID string) (*marketdata.Quote, error) {
	q, err := p.md.CanonicalPrice(ctx, marketID)
	if err != nil {
		return nil, asUnavailable(err)
	}
	if !q.Source.Real() {
		return nil, model.ErrNoMarketData.With("only %s price available for %s", q.Source, marketID)
	}
	if age := q.Age(p.now()); age > p.cfg.PriceMaxAge {
		return nil, model.ErrPriceStale.With("price for %s is %s old", marketID, age.Round(time.Second))
	}
	return q, nil
}

// walk fetches the live book, falls back to a synthetic book around the
// canonical price when the real one is dead, and simulates the fill in the
// requested direction.
func (p *Pipeline) walk(ctx context.Context, req Request, price *marketdata.Quote, sellShares decimal.Decimal) (*quote, error) {
	book, err := p.md.FreshOrderBook(ctx, req.MarketID)
	if err != nil {
		return nil, asUnavailable(err)
	}
	if !book.Source.Real() {
		return nil, model.ErrNoOrderBook.With("only %s book available for %s", book.Source, req.MarketID)
	}

	q := &quote{price: price, book: book}
	yes := book.Book
	if orderbook.IsDead(yes) {
		yes = orderbook.Synthesize(price.Price.Decimal)
		q.synthetic = true
	}
	view := yes
	if req.Direction == model.DirectionNo {
		view = orderbook.Invert(yes)
	}

	if req.Side == model.SideBuy {
		q.fill, err = orderbook.Walk(view, model.SideBuy, req.Amount)
	} else {
		q.fill, err = orderbook.WalkShares(view, model.SideSell, sellShares)
	}
	if err != nil {
		return nil, err
	}
	// The view is already in the requested direction's prices.
	q.effective = model.Effective(q.fill.ExecutedPrice)
	return q, nil
}

// afterCommit schedules evaluation and, for funded accounts, activity
// tracking. Failures to enqueue are logged; the trade stands.
func (p *Pipeline) afterCommit(accountID string, funded bool) {
	jobs := []tasks.Task{{
		Name: "evaluate",
		Key:  accountID,
		Run: func(ctx context.Context) error {
			_, err := p.eval.Evaluate(ctx, accountID)
			return err
		},
	}}
	if funded {
		jobs = append(jobs, tasks.Task{
			Name: "track_activity",
			Key:  accountID,
			Run: func(ctx context.Context) error {
				return p.eval.TrackActivity(ctx, accountID)
			},
		})
	}
	for _, t := range jobs {
		if err := p.queue.Enqueue(t); err != nil {
			p.log.Error("post-trade task not scheduled", "task", t.Name, "account_id", accountID, "error", err)
		}
	}
}

func validate(req Request) error {
	if req.UserID == "" {
		return model.ErrInvalidRequest.With("user id is required")
	}
	if req.AccountID == "" || req.MarketID == "" {
		return model.ErrInvalidRequest.With("account id and market id are required")
	}
	if !req.Direction.Valid() {
		return model.ErrInvalidRequest.With("direction must be YES or NO")
	}
	switch req.Side {
	case model.SideBuy:
		if !req.Amount.IsPositive() {
			return model.ErrInvalidRequest.With("amount must be positive")
		}
	case model.SideSell:
		if req.Options.Shares.IsNegative() {
			return model.ErrInvalidRequest.With("shares must not be negative")
		}
	default:
		return model.ErrInvalidRequest.With("side must be BUY or SELL")
	}
	if req.Options.MaxSlippage.IsNegative() {
		return model.ErrInvalidRequest.With("max slippage must not be negative")
	}
	return nil
}

func riskRequest(req Request) risk.Request {
	return risk.Request{MarketID: req.MarketID, Direction: req.Direction, Amount: req.Amount}
}

// asUnavailable keeps classified market-data errors and classifies the rest.
func asUnavailable(err error) error {
	if model.KindOf(err) != 0 {
		return err
	}
	return model.ErrMarketDataUnavailable.With("%v", err)
}

func errorCode(err error) string {
	var e *model.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "Internal"
}
