package model

import (
	"errors"
	"fmt"
)

// ErrorKind groups failures by how a caller is expected to react.
type ErrorKind int

const (
	// KindValidation is surfaced verbatim and never retried automatically.
	KindValidation ErrorKind = iota + 1
	// KindUnavailable means market data or a dependency is missing; the
	// caller may retry later.
	KindUnavailable
	// KindSlippage means the fill was intentionally not executed.
	KindSlippage
	// KindInvariant marks a defensive check that should never trip.
	KindInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnavailable:
		return "unavailable"
	case KindSlippage:
		return "slippage"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error is a classified domain error. Two errors match under errors.Is when
// their codes are equal, so callers compare against the sentinels below.
type Error struct {
	Kind   ErrorKind
	Code   string
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Code
	}
	return e.Code + ": " + e.Reason
}

// Is matches on code only.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of the sentinel carrying a human readable reason.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Reason: fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidAccount    = &Error{Kind: KindValidation, Code: "InvalidAccount"}
	ErrAccountInactive   = &Error{Kind: KindValidation, Code: "AccountInactive"}
	ErrInsufficientFunds = &Error{Kind: KindValidation, Code: "InsufficientFunds"}
	ErrRiskLimitExceeded = &Error{Kind: KindValidation, Code: "RiskLimitExceeded"}
	ErrPositionNotFound  = &Error{Kind: KindValidation, Code: "PositionNotFound"}
	ErrInvalidRequest    = &Error{Kind: KindValidation, Code: "InvalidRequest"}

	ErrMarketDataUnavailable = &Error{Kind: KindUnavailable, Code: "MarketDataUnavailable"}
	ErrNoMarketData          = &Error{Kind: KindUnavailable, Code: "NoMarketData"}
	ErrNoOrderBook           = &Error{Kind: KindUnavailable, Code: "NoOrderBook"}
	ErrPriceStale            = &Error{Kind: KindUnavailable, Code: "PriceStale"}
	ErrTradingPaused         = &Error{Kind: KindUnavailable, Code: "TradingPaused"}
	ErrNoLiquidity           = &Error{Kind: KindUnavailable, Code: "NoLiquidity"}
	ErrInsufficientDepth     = &Error{Kind: KindUnavailable, Code: "InsufficientDepth"}

	ErrSlippageExceeded = &Error{Kind: KindSlippage, Code: "SlippageExceeded"}

	ErrInvalidPrice        = &Error{Kind: KindInvariant, Code: "InvalidPrice"}
	ErrAlreadyTransitioned = &Error{Kind: KindInvariant, Code: "AlreadyTransitioned"}
	ErrLedgerMismatch      = &Error{Kind: KindInvariant, Code: "LedgerMismatch"}
)

// KindOf returns the classification of err, or 0 for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
