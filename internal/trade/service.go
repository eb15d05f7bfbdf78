// Package trade provides the HTTP handlers for submitting trades, evaluating
// and inspecting challenge accounts, and operating market-data outages.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/prop-engine/internal/challenge"
	"github.com/atmx/prop-engine/internal/execution"
	"github.com/atmx/prop-engine/internal/idempotency"
	"github.com/atmx/prop-engine/internal/marketdata"
	"github.com/atmx/prop-engine/internal/model"
	"github.com/atmx/prop-engine/internal/outage"
	"github.com/atmx/prop-engine/internal/store"
)

// Request headers.
const (
	HeaderUserID         = "X-User-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

// Executor runs trades.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) (*execution.Result, error)
}

// Evaluator runs the challenge state machine on demand.
type Evaluator interface {
	Evaluate(ctx context.Context, accountID string) (*challenge.Result, error)
}

// Outages is the outage manager as the admin endpoints use it.
type Outages interface {
	Status(ctx context.Context) outage.Status
	RecordStart(ctx context.Context, reason string) (*model.OutageEvent, error)
	RecordEnd(ctx context.Context) (*model.OutageEvent, error)
}

// Service holds the handlers' collaborators. guard may be nil, in which case
// Idempotency-Key headers are ignored.
type Service struct {
	exec    Executor
	eval    Evaluator
	store   store.Store
	md      marketdata.Provider
	outages Outages
	guard   *idempotency.Guard
	tiers   map[string]challenge.Tier
	log     *slog.Logger
}

// NewService creates a new trade service. Accounts can be opened on any of
// tiers.
func NewService(exec Executor, eval Evaluator, st store.Store, md marketdata.Provider, outages Outages, guard *idempotency.Guard, tiers []challenge.Tier, log *slog.Logger) *Service {
	byName := make(map[string]challenge.Tier, len(tiers))
	for _, t := range tiers {
		byName[strings.ToLower(t.Name)] = t
	}
	return &Service{
		exec:    exec,
		eval:    eval,
		store:   st,
		md:      md,
		outages: outages,
		guard:   guard,
		tiers:   byName,
		log:     log,
	}
}

// Routes mounts the API under r, which is expected to be the /api/v1 router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/trade", s.ExecuteTrade)
	r.Post("/accounts", s.CreateAccount)
	r.Get("/accounts/{accountID}", s.GetAccount)
	r.Post("/accounts/{accountID}/evaluate", s.EvaluateAccount)
	r.Get("/outage", s.GetOutage)
	r.Route("/admin/outages", func(r chi.Router) {
		r.Post("/start", s.StartOutage)
		r.Post("/end", s.EndOutage)
	})
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	AccountID   string          `json:"account_id"`
	MarketID    string          `json:"market_id"`
	Side        string          `json:"side"`      // "BUY" or "SELL"
	Direction   string          `json:"direction"` // "YES" or "NO"
	Amount      decimal.Decimal `json:"amount"`    // notional, buys only
	MaxSlippage decimal.Decimal `json:"max_slippage"`
	Shares      decimal.Decimal `json:"shares"` // sells; zero sells everything
}

// PositionView is an open position marked to market.
type PositionView struct {
	model.Position
	MarkPrice     model.EffectivePrice `json:"mark_price"`
	LivePrice     bool                 `json:"live_price"`
	MarketValue   decimal.Decimal      `json:"market_value"`
	UnrealizedPnL decimal.Decimal      `json:"unrealized_pnl"`
}

// AccountView is the read model served by GET /accounts/{id}.
type AccountView struct {
	Account        *model.Account  `json:"account"`
	Positions      []PositionView  `json:"positions"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	Unrealized     decimal.Decimal `json:"unrealized_pnl"`
	Equity         decimal.Decimal `json:"equity"`
	ProfitTarget   decimal.Decimal `json:"profit_target"`
}

type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Kind       string `json:"kind,omitempty"`
	InProgress bool   `json:"in_progress,omitempty"`
}

// --- HTTP Handlers ---

// ExecuteTrade handles POST /api/v1/trade.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		writeError(w, "missing "+HeaderUserID+" header", http.StatusUnauthorized)
		return
	}

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var claim idempotency.Claim
	if token := r.Header.Get(HeaderIdempotencyKey); token != "" && s.guard != nil {
		claim = s.guard.Check(ctx, idempotency.Key(userID, token))
		if claim.Duplicate {
			s.replay(w, claim)
			return
		}
	}

	res, err := s.exec.Execute(ctx, execution.Request{
		UserID:    userID,
		AccountID: req.AccountID,
		MarketID:  req.MarketID,
		Side:      model.Side(strings.ToUpper(req.Side)),
		Amount:    req.Amount,
		Direction: model.Direction(strings.ToUpper(req.Direction)),
		Options: execution.Options{
			MaxSlippage: req.MaxSlippage,
			Shares:      req.Shares,
		},
	})

	status := http.StatusOK
	var payload any = res
	if err != nil {
		status, payload = classify(err), bodyFor(err)
	}
	body, mErr := json.Marshal(payload)
	if mErr != nil {
		if s.guard != nil {
			s.guard.Release(ctx, claim)
		}
		writeError(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	// Transient failures are not replayed: a retry should run again.
	if s.guard != nil {
		if retryable(err) {
			s.guard.Release(ctx, claim)
		} else {
			s.guard.Complete(ctx, claim, status, body)
		}
	}
	writeRaw(w, status, body)
}

func (s *Service) replay(w http.ResponseWriter, c idempotency.Claim) {
	if c.InProgress || c.Cached == nil {
		writeJSON(w, http.StatusConflict, errorBody{
			Error:      "a request with this idempotency key is still in progress",
			InProgress: true,
		})
		return
	}
	w.Header().Set(HeaderReplayed, "true")
	writeRaw(w, c.Cached.StatusCode, c.Cached.Body)
}

// CreateAccount handles POST /api/v1/accounts. The body names the tier.
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		writeError(w, "missing "+HeaderUserID+" header", http.StatusUnauthorized)
		return
	}
	var req struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tier, ok := s.tiers[strings.ToLower(req.Tier)]
	if !ok {
		writeError(w, "unknown tier: "+req.Tier, http.StatusBadRequest)
		return
	}

	acct := challenge.NewAccount(userID, tier, time.Now())
	if err := s.store.CreateAccount(r.Context(), acct); err != nil {
		s.log.Error("create account failed", "user_id", userID, "error", err)
		writeError(w, "failed to create account", http.StatusInternalServerError)
		return
	}

	s.log.Info("challenge account created",
		"account_id", acct.ID,
		"user_id", userID,
		"tier", tier.Name,
		"starting_balance", acct.StartingBalance.String(),
	)
	writeJSON(w, http.StatusCreated, acct)
}

// EvaluateAccount handles POST /api/v1/accounts/{accountID}/evaluate.
func (s *Service) EvaluateAccount(w http.ResponseWriter, r *http.Request) {
	res, err := s.eval.Evaluate(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.log.Error("evaluation failed", "account_id", chi.URLParam(r, "accountID"), "error", err)
		writeJSON(w, classify(err), bodyFor(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetAccount handles GET /api/v1/accounts/{accountID}. When X-User-ID is
// present it must match the account owner.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := s.store.GetAccount(ctx, chi.URLParam(r, "accountID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("load account failed", "error", err)
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return
	}
	if user := r.Header.Get(HeaderUserID); user != "" && user != acct.UserID {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}

	positions, err := s.store.ListOpenPositions(ctx, acct.ID)
	if err != nil {
		s.log.Error("load positions failed", "account_id", acct.ID, "error", err)
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	val := challenge.Value(ctx, s.md, acct, positions)
	view := AccountView{
		Account:        acct,
		Positions:      make([]PositionView, 0, len(positions)),
		PositionsValue: val.PositionsValue,
		Unrealized:     val.Unrealized,
		Equity:         val.Equity,
		ProfitTarget:   acct.Rules.ProfitTarget(acct.StartingBalance),
	}
	for _, p := range positions {
		mark := val.Prices[p.Key()]
		view.Positions = append(view.Positions, PositionView{
			Position:      p,
			MarkPrice:     mark,
			LivePrice:     val.Live[p.Key()],
			MarketValue:   p.Value(mark),
			UnrealizedPnL: p.UnrealizedPnL(mark),
		})
	}
	writeJSON(w, http.StatusOK, view)
}

// GetOutage handles GET /api/v1/outage.
func (s *Service) GetOutage(w http.ResponseWriter, r *http.Request) {
	st := s.outages.Status(r.Context())
	writeJSON(w, http.StatusOK, struct {
		outage.Status
		Paused bool   `json:"paused"`
		Reason string `json:"reason,omitempty"`
	}{st, st.Paused(), st.Reason()})
}

// StartOutage handles POST /api/v1/admin/outages/start.
func (s *Service) StartOutage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "manual"
	}
	ev, err := s.outages.RecordStart(r.Context(), body.Reason)
	if err != nil {
		s.log.Error("start outage failed", "error", err)
		writeError(w, "failed to start outage", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// EndOutage handles POST /api/v1/admin/outages/end.
func (s *Service) EndOutage(w http.ResponseWriter, r *http.Request) {
	ev, err := s.outages.RecordEnd(r.Context())
	if errors.Is(err, outage.ErrNoOpenOutage) {
		writeError(w, "no outage in progress", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("end outage failed", "error", err)
		writeError(w, "failed to end outage", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// --- Error mapping ---

// classify maps an error onto an HTTP status.
func classify(err error) int {
	var e *model.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case model.KindValidation:
		switch e.Code {
		case model.ErrInvalidRequest.Code, model.ErrInvalidAccount.Code, model.ErrPositionNotFound.Code:
			return http.StatusBadRequest
		}
		return http.StatusConflict
	case model.KindUnavailable:
		return http.StatusServiceUnavailable
	case model.KindSlippage:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// retryable reports whether the outcome should not be cached for replay.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	k := model.KindOf(err)
	return k == 0 || k == model.KindUnavailable
}

func bodyFor(err error) errorBody {
	var e *model.Error
	if !errors.As(err, &e) {
		return errorBody{Error: "internal error"}
	}
	return errorBody{Error: e.Error(), Code: e.Code, Kind: e.Kind.String()}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, buf.Bytes())
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	w.WriteHeader(status)
	w.Write(body)
}
