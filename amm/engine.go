package amm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"satmarket/fixed"
	"satmarket/ledger"
	"satmarket/observability"
	"satmarket/storage"
)

// Action is the symbol-routed trade direction.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// ParseAction validates a caller-supplied action string.
func ParseAction(raw string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionBuy:
		return ActionBuy, nil
	case ActionSell:
		return ActionSell, nil
	default:
		return "", newError(KindInvalidSide, fmt.Sprintf("unknown action %q", raw))
	}
}

// Engine quotes and executes swaps over the transactional store. Pool and
// balance rows are mutated only under row locks taken in a fixed order, so
// concurrent swaps on the same pool serialise instead of deadlocking.
type Engine struct {
	db      *gorm.DB
	limits  Limits
	metrics *observability.SwapMetrics
	tracer  trace.Tracer
	clock   func() time.Time
}

// NewEngine constructs a swap engine.
func NewEngine(db *gorm.DB, limits Limits, metrics *observability.SwapMetrics) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("amm: database required")
	}
	return &Engine{
		db:      db,
		limits:  limits,
		metrics: metrics,
		tracer:  otel.Tracer("satmarket/amm"),
		clock:   time.Now,
	}, nil
}

// WithClock overrides the engine clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) {
	if clock != nil {
		e.clock = clock
	}
}

// ExecuteParams are the inputs to one swap execution.
type ExecuteParams struct {
	PoolID         uint
	UserID         uuid.UUID
	Side           Side
	AmountIn       fixed.Dec
	MinAmountOut   *fixed.Dec
	MaxSlippageBps *int64
}

// Receipt is the result of a committed swap.
type Receipt struct {
	Trade storage.Trade
	Pool  storage.Pool
	Quote Quote
	Burns []storage.BurnEvent
}

// Quote prices a swap against current pool state without mutating anything.
func (e *Engine) Quote(ctx context.Context, poolID uint, side Side, amountIn fixed.Dec) (Quote, error) {
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "amm.quote",
		trace.WithAttributes(attribute.Int("pool.id", int(poolID)), attribute.String("side", string(side))))
	defer span.End()

	var pool storage.Pool
	if err := e.db.WithContext(ctx).First(&pool, "id = ?", poolID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = newError(KindPoolNotFound, fmt.Sprintf("pool %d", poolID))
		}
		return Quote{}, e.fail(span, "quote", start, err)
	}
	quote, err := ComputeQuote(pool, side, amountIn, e.limits)
	if err != nil {
		return Quote{}, e.fail(span, "quote", start, err)
	}
	span.SetStatus(codes.Ok, "quoted")
	e.metrics.Observe("quote", e.clock().Sub(start), nil)
	return quote, nil
}

// Execute runs a swap atomically: pool and balance mutations, fee and volume
// accumulation, stage progression, and the trade record commit together or
// not at all.
func (e *Engine) Execute(ctx context.Context, params ExecuteParams) (*Receipt, error) {
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "amm.execute",
		trace.WithAttributes(
			attribute.Int("pool.id", int(params.PoolID)),
			attribute.String("side", string(params.Side)),
			attribute.String("user.id", params.UserID.String()),
		))
	defer span.End()

	if params.Side != SideAToB && params.Side != SideBToA {
		return nil, e.fail(span, "execute", start, newError(KindInvalidSide, fmt.Sprintf("unknown side %q", params.Side)))
	}
	if !params.AmountIn.IsPositive() {
		return nil, e.fail(span, "execute", start, newError(KindInvalidInput, "amount_in must be positive"))
	}

	var receipt Receipt
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := e.clock()

		var pool storage.Pool
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&pool, "id = ?", params.PoolID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newError(KindPoolNotFound, fmt.Sprintf("pool %d", params.PoolID))
			}
			return fmt.Errorf("amm: lock pool: %w", err)
		}

		var tokens []storage.Token
		if err := tx.Where("id IN ?", []uint{pool.TokenAID, pool.TokenBID}).Find(&tokens).Error; err != nil {
			return fmt.Errorf("amm: load tokens: %w", err)
		}
		for _, token := range tokens {
			if token.Frozen {
				return newError(KindTokenFrozen, token.Symbol)
			}
		}

		quote, err := ComputeQuote(pool, params.Side, params.AmountIn, e.limits)
		if err != nil {
			return err
		}
		if params.MinAmountOut != nil && quote.AmountOut.Cmp(*params.MinAmountOut) < 0 {
			return newError(KindSlippageTooHigh,
				fmt.Sprintf("output %s below minimum %s", quote.AmountOut, params.MinAmountOut))
		}
		if params.MaxSlippageBps != nil && quote.PriceImpactBps > *params.MaxSlippageBps {
			return newError(KindPriceImpactTooHigh,
				fmt.Sprintf("impact %d bps exceeds %d bps", quote.PriceImpactBps, *params.MaxSlippageBps))
		}

		tokenIn, tokenOut := pool.TokenAID, pool.TokenBID
		if params.Side == SideBToA {
			tokenIn, tokenOut = pool.TokenBID, pool.TokenAID
		}

		// Balance rows lock in ascending token order so concurrent swaps on
		// opposite sides agree on acquisition order.
		balances := make(map[uint]*storage.Balance, 2)
		for _, id := range orderedPair(tokenIn, tokenOut) {
			balance, err := ledger.GetOrCreateForUpdate(tx, params.UserID, id)
			if err != nil {
				return err
			}
			balances[id] = balance
		}
		if balances[tokenIn].Amount.Cmp(params.AmountIn) < 0 {
			return newError(KindInsufficientBalance,
				fmt.Sprintf("have %s, need %s", balances[tokenIn].Amount, params.AmountIn))
		}

		if params.Side == SideAToB {
			pool.ReserveA = pool.ReserveA.Add(quote.EffectiveIn)
			pool.ReserveB = pool.ReserveB.Sub(quote.AmountOut)
			pool.FeeAccumA = pool.FeeAccumA.Add(quote.FeeAmount)
			pool.CumulativeVolA = pool.CumulativeVolA.Add(params.AmountIn)
			pool.CumulativeVolB = pool.CumulativeVolB.Add(quote.AmountOut)
		} else {
			pool.ReserveB = pool.ReserveB.Add(quote.EffectiveIn)
			pool.ReserveA = pool.ReserveA.Sub(quote.AmountOut)
			pool.FeeAccumB = pool.FeeAccumB.Add(quote.FeeAmount)
			pool.CumulativeVolB = pool.CumulativeVolB.Add(params.AmountIn)
			pool.CumulativeVolA = pool.CumulativeVolA.Add(quote.AmountOut)
		}
		if !pool.ReserveA.IsPositive() || !pool.ReserveB.IsPositive() {
			return newError(KindPoolExhausted, "post-trade reserve not positive")
		}

		burns := advanceStage(&pool)
		pool.UpdatedAt = now
		if err := tx.Save(&pool).Error; err != nil {
			return fmt.Errorf("amm: save pool: %w", err)
		}

		trade := storage.Trade{
			PoolID:    pool.ID,
			UserID:    params.UserID,
			Side:      string(params.Side),
			AmountIn:  params.AmountIn,
			AmountOut: quote.AmountOut,
			FeeAmount: quote.FeeAmount,
			FeeBps:    quote.FeeBps,
			Stage:     pool.Stage,
			CreatedAt: now,
		}
		if err := tx.Create(&trade).Error; err != nil {
			return fmt.Errorf("amm: create trade: %w", err)
		}
		tradeRef := fmt.Sprintf("%d", trade.ID)

		for i := range burns {
			burns[i].TradeID = trade.ID
			burns[i].CreatedAt = now
			if err := tx.Create(&burns[i]).Error; err != nil {
				return fmt.Errorf("amm: create burn event: %w", err)
			}
		}

		if err := ledger.Apply(tx, ledger.Entry{
			UserID:    params.UserID,
			TokenID:   tokenIn,
			EntryType: storage.EntryTrade,
			Delta:     params.AmountIn.Neg(),
			RefType:   "trade",
			RefID:     tradeRef,
		}, now); err != nil {
			return err
		}
		if err := ledger.Apply(tx, ledger.Entry{
			UserID:    params.UserID,
			TokenID:   tokenOut,
			EntryType: storage.EntryTrade,
			Delta:     quote.AmountOut,
			RefType:   "trade",
			RefID:     tradeRef,
		}, now); err != nil {
			return err
		}

		receipt = Receipt{Trade: trade, Pool: pool, Quote: quote, Burns: burns}
		return nil
	})
	if err != nil {
		return nil, e.fail(span, "execute", start, err)
	}

	span.SetAttributes(attribute.Int("trade.id", int(receipt.Trade.ID)), attribute.Int("pool.stage", receipt.Pool.Stage))
	span.SetStatus(codes.Ok, "executed")
	e.metrics.Observe("execute", e.clock().Sub(start), nil)
	return &receipt, nil
}

// Route resolves a token symbol plus buy/sell action to the pool and side
// producing the best quoted output across every pool containing the token.
type Route struct {
	PoolID uint
	Side   Side
	Quote  Quote
}

// BestRoute scans candidate pools for the symbol and returns the route with
// the highest output for amountIn.
func (e *Engine) BestRoute(ctx context.Context, symbol string, action Action, amountIn fixed.Dec) (Route, error) {
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "amm.route",
		trace.WithAttributes(attribute.String("token.symbol", symbol), attribute.String("action", string(action))))
	defer span.End()

	if action != ActionBuy && action != ActionSell {
		return Route{}, e.fail(span, "route", start, newError(KindInvalidSide, fmt.Sprintf("unknown action %q", action)))
	}

	var token storage.Token
	err := e.db.WithContext(ctx).First(&token, "symbol = ?", strings.ToUpper(strings.TrimSpace(symbol))).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = newError(KindPoolNotFound, fmt.Sprintf("token %s", symbol))
		}
		return Route{}, e.fail(span, "route", start, err)
	}

	var pools []storage.Pool
	if err := e.db.WithContext(ctx).
		Where("token_a_id = ? OR token_b_id = ?", token.ID, token.ID).
		Find(&pools).Error; err != nil {
		return Route{}, e.fail(span, "route", start, fmt.Errorf("amm: load pools: %w", err))
	}
	if len(pools) == 0 {
		return Route{}, e.fail(span, "route", start, newError(KindPoolNotFound, fmt.Sprintf("no pools for %s", token.Symbol)))
	}

	var best Route
	var lastErr error
	found := false
	for _, pool := range pools {
		side := routeSide(pool, token.ID, action)
		quote, err := ComputeQuote(pool, side, amountIn, e.limits)
		if err != nil {
			lastErr = err
			continue
		}
		if !found || quote.AmountOut.Cmp(best.Quote.AmountOut) > 0 {
			best = Route{PoolID: pool.ID, Side: side, Quote: quote}
			found = true
		}
	}
	if !found {
		if lastErr == nil {
			lastErr = newError(KindInsufficientLiquidity, "no pool can fill the trade")
		}
		return Route{}, e.fail(span, "route", start, lastErr)
	}

	span.SetAttributes(attribute.Int("pool.id", int(best.PoolID)))
	span.SetStatus(codes.Ok, "routed")
	e.metrics.Observe("route", e.clock().Sub(start), nil)
	return best, nil
}

// ExecuteBySymbol routes a symbol trade to the best pool and executes it.
func (e *Engine) ExecuteBySymbol(ctx context.Context, userID uuid.UUID, symbol string, action Action, amountIn fixed.Dec, minAmountOut *fixed.Dec, maxSlippageBps *int64) (*Receipt, error) {
	route, err := e.BestRoute(ctx, symbol, action, amountIn)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, ExecuteParams{
		PoolID:         route.PoolID,
		UserID:         userID,
		Side:           route.Side,
		AmountIn:       amountIn,
		MinAmountOut:   minAmountOut,
		MaxSlippageBps: maxSlippageBps,
	})
}

// Pools lists all pools for read-only callers.
func (e *Engine) Pools(ctx context.Context) ([]storage.Pool, error) {
	var pools []storage.Pool
	if err := e.db.WithContext(ctx).Order("id asc").Find(&pools).Error; err != nil {
		return nil, fmt.Errorf("amm: list pools: %w", err)
	}
	return pools, nil
}

// Pool loads one pool snapshot.
func (e *Engine) Pool(ctx context.Context, poolID uint) (storage.Pool, error) {
	var pool storage.Pool
	if err := e.db.WithContext(ctx).First(&pool, "id = ?", poolID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.Pool{}, newError(KindPoolNotFound, fmt.Sprintf("pool %d", poolID))
		}
		return storage.Pool{}, fmt.Errorf("amm: load pool: %w", err)
	}
	return pool, nil
}

func (e *Engine) fail(span trace.Span, operation string, start time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.metrics.Observe(operation, e.clock().Sub(start), err)
	return err
}

func routeSide(pool storage.Pool, tokenID uint, action Action) Side {
	tokenIsA := pool.TokenAID == tokenID
	if action == ActionSell {
		// Selling the token means the token is the input side.
		if tokenIsA {
			return SideAToB
		}
		return SideBToA
	}
	// Buying the token means the token is the output side.
	if tokenIsA {
		return SideBToA
	}
	return SideAToB
}

// advanceStage walks the thresholds in ascending order and advances the
// stage one step per crossed threshold, so a large trade can jump several
// stages at once. Each crossing with a configured burn emits one record.
func advanceStage(pool *storage.Pool) []storage.BurnEvent {
	type crossing struct {
		threshold fixed.Dec
		target    int
		burn      fixed.Dec
	}
	crossings := []crossing{
		{pool.Stage1Threshold, 2, pool.BurnAmountStage2},
		{pool.Stage2Threshold, 3, pool.BurnAmountStage3},
		{pool.Stage3Threshold, 4, pool.BurnAmountStage4},
	}
	var burns []storage.BurnEvent
	for _, c := range crossings {
		if !c.threshold.IsPositive() {
			continue
		}
		if pool.Stage >= c.target {
			continue
		}
		if pool.CumulativeVolA.Cmp(c.threshold) < 0 {
			break
		}
		pool.Stage = c.target
		if pool.BurnTokenID != nil && c.burn.IsPositive() {
			burns = append(burns, storage.BurnEvent{
				PoolID:  pool.ID,
				TokenID: *pool.BurnTokenID,
				Stage:   c.target,
				Amount:  c.burn,
			})
		}
	}
	return burns
}

func orderedPair(a, b uint) [2]uint {
	if a < b {
		return [2]uint{a, b}
	}
	return [2]uint{b, a}
}
