package amm

import (
	"fmt"
	"strings"

	"satmarket/fixed"
	"satmarket/storage"
)

// Side identifies the direction of a swap across a pool.
type Side string

const (
	SideAToB Side = "a_to_b"
	SideBToA Side = "b_to_a"
)

// ParseSide validates a caller-supplied side string.
func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case SideAToB:
		return SideAToB, nil
	case SideBToA:
		return SideBToA, nil
	default:
		return "", newError(KindInvalidSide, fmt.Sprintf("unknown side %q", raw))
	}
}

// Limits are the engine-wide liquidity floors applied to every quote.
type Limits struct {
	// MinOutput rejects trades whose output rounds down to dust.
	MinOutput fixed.Dec
	// ReserveFloor rejects trades that would drain a virtual reserve below
	// the floor.
	ReserveFloor fixed.Dec
}

// Quote is the full pricing detail for a prospective swap. It is a pure
// function of pool state; quoting twice over identical state yields
// identical output.
type Quote struct {
	AmountIn       fixed.Dec `json:"amount_in"`
	AmountOut      fixed.Dec `json:"amount_out"`
	FeeBps         int       `json:"fee_bps"`
	FeeAmount      fixed.Dec `json:"fee_amount"`
	EffectiveIn    fixed.Dec `json:"effective_in"`
	ExecutionPrice fixed.Dec `json:"execution_price"`
	MidPrice       fixed.Dec `json:"mid_price"`
	PriceImpactBps int64     `json:"price_impact_bps"`
}

// FeeBps derives the effective fee tier for a stage: the base fee halves at
// each stage and never drops below one basis point.
func FeeBps(feeBaseBps, stage int) int {
	if stage < 1 {
		stage = 1
	}
	if stage > 4 {
		stage = 4
	}
	fee := feeBaseBps >> uint(stage-1)
	if fee < 1 {
		fee = 1
	}
	return fee
}

// ComputeQuote prices a swap against a snapshot of pool state without side
// effects.
func ComputeQuote(pool storage.Pool, side Side, amountIn fixed.Dec, limits Limits) (Quote, error) {
	if !amountIn.IsPositive() {
		return Quote{}, newError(KindInvalidInput, "amount_in must be positive")
	}
	var reserveIn, reserveOut fixed.Dec
	switch side {
	case SideAToB:
		reserveIn, reserveOut = pool.ReserveA, pool.ReserveB
	case SideBToA:
		reserveIn, reserveOut = pool.ReserveB, pool.ReserveA
	default:
		return Quote{}, newError(KindInvalidSide, fmt.Sprintf("unknown side %q", side))
	}
	if !reserveIn.IsPositive() || !reserveOut.IsPositive() {
		return Quote{}, newError(KindPoolExhausted, "pool has no liquidity")
	}

	feeBps := FeeBps(pool.FeeBaseBps, pool.Stage)
	feeAmount := amountIn.MulBps(int64(feeBps))
	effectiveIn := amountIn.Sub(feeAmount)
	if !effectiveIn.IsPositive() {
		return Quote{}, newError(KindInvalidInput, "amount_in too small to cover fee")
	}

	amountOut := reserveOut.Mul(effectiveIn).Div(reserveIn.Add(effectiveIn))
	if !amountOut.IsPositive() {
		return Quote{}, newError(KindInsufficientLiquidity, "output rounds to zero")
	}
	if limits.MinOutput.IsPositive() && amountOut.Cmp(limits.MinOutput) < 0 {
		return Quote{}, newError(KindInsufficientLiquidity, "output below minimum")
	}
	if limits.ReserveFloor.IsPositive() && reserveOut.Sub(amountOut).Cmp(limits.ReserveFloor) < 0 {
		return Quote{}, newError(KindInsufficientLiquidity, "trade would drain the pool")
	}

	midPrice := reserveOut.Div(reserveIn)
	executionPrice := amountOut.Div(effectiveIn)
	impact := midPrice.Sub(executionPrice).Abs().Div(midPrice).MulInt(10_000).RoundInt64()

	return Quote{
		AmountIn:       amountIn,
		AmountOut:      amountOut,
		FeeBps:         feeBps,
		FeeAmount:      feeAmount,
		EffectiveIn:    effectiveIn,
		ExecutionPrice: executionPrice,
		MidPrice:       midPrice,
		PriceImpactBps: impact,
	}, nil
}
