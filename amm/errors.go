package amm

import "errors"

// Kind is the closed set of swap failure causes. Kinds map one-to-one onto
// the codes callers see at the boundary.
type Kind string

const (
	KindInvalidInput          Kind = "invalid_input"
	KindInvalidSide           Kind = "invalid_side"
	KindPoolNotFound          Kind = "pool_not_found"
	KindTokenFrozen           Kind = "token_frozen"
	KindInsufficientBalance   Kind = "insufficient_balance"
	KindInsufficientLiquidity Kind = "insufficient_liquidity"
	KindPoolExhausted         Kind = "pool_exhausted"
	KindSlippageTooHigh       Kind = "slippage_too_high"
	KindPriceImpactTooHigh    Kind = "price_impact_too_high"
)

// Error is a typed swap failure.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string {
	if e.msg != "" {
		return string(e.Kind) + ": " + e.msg
	}
	return string(e.Kind)
}

// Is lets errors.Is match two swap errors by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// KindOf extracts the failure kind from err, reporting false for errors that
// did not originate in the swap engine.
func KindOf(err error) (Kind, bool) {
	var swapErr *Error
	if errors.As(err, &swapErr) {
		return swapErr.Kind, true
	}
	return "", false
}
