package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"satmarket/amm"
	"satmarket/fixed"
	"satmarket/ledger"
	"satmarket/storage"
)

func requestUser(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if raw == "" {
		return uuid.Nil, errors.New("X-User-ID header required")
	}
	return uuid.Parse(raw)
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func parseUintParam(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}

type tokenView struct {
	ID     uint   `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Frozen bool   `json:"frozen"`
}

type poolView struct {
	ID             uint      `json:"id"`
	TokenAID       uint      `json:"token_a_id"`
	TokenBID       uint      `json:"token_b_id"`
	ReserveA       fixed.Dec `json:"reserve_a"`
	ReserveB       fixed.Dec `json:"reserve_b"`
	FeeBaseBps     int       `json:"fee_base_bps"`
	FeeBps         int       `json:"fee_bps"`
	Stage          int       `json:"stage"`
	CumulativeVolA fixed.Dec `json:"cumulative_volume_a"`
	CumulativeVolB fixed.Dec `json:"cumulative_volume_b"`
}

func viewPool(pool storage.Pool) poolView {
	return poolView{
		ID:             pool.ID,
		TokenAID:       pool.TokenAID,
		TokenBID:       pool.TokenBID,
		ReserveA:       pool.ReserveA,
		ReserveB:       pool.ReserveB,
		FeeBaseBps:     pool.FeeBaseBps,
		FeeBps:         amm.FeeBps(pool.FeeBaseBps, pool.Stage),
		Stage:          pool.Stage,
		CumulativeVolA: pool.CumulativeVolA,
		CumulativeVolB: pool.CumulativeVolB,
	}
}

type burnView struct {
	TokenID uint      `json:"token_id"`
	Stage   int       `json:"stage"`
	Amount  fixed.Dec `json:"amount"`
}

type swapResponse struct {
	TradeID uint       `json:"trade_id"`
	PoolID  uint       `json:"pool_id"`
	Side    string     `json:"side"`
	Stage   int        `json:"stage"`
	Quote   amm.Quote  `json:"quote"`
	Burns   []burnView `json:"burns,omitempty"`
}

func viewReceipt(receipt *amm.Receipt) swapResponse {
	resp := swapResponse{
		TradeID: receipt.Trade.ID,
		PoolID:  receipt.Trade.PoolID,
		Side:    receipt.Trade.Side,
		Stage:   receipt.Trade.Stage,
		Quote:   receipt.Quote,
	}
	for _, burn := range receipt.Burns {
		resp.Burns = append(resp.Burns, burnView{TokenID: burn.TokenID, Stage: burn.Stage, Amount: burn.Amount})
	}
	return resp
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	var tokens []storage.Token
	if err := s.db.WithContext(r.Context()).Order("id asc").Find(&tokens).Error; err != nil {
		s.logger.Error("list tokens", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, tokenView{ID: t.ID, Symbol: t.Symbol, Name: t.Name, Frozen: t.Frozen})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.engine.Pools(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]poolView, 0, len(pools))
	for _, pool := range pools {
		views = append(views, viewPool(pool))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	poolID, err := parseUintParam(r, "poolID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "pool id must be numeric")
		return
	}
	pool, err := s.engine.Pool(r.Context(), poolID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPool(pool))
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	poolID, err := parseUintParam(r, "poolID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "pool id must be numeric")
		return
	}
	side, err := amm.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	amount, err := fixed.Parse(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "amount must be a decimal")
		return
	}
	quote, err := s.engine.Quote(r.Context(), poolID, side, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleBestRoute(w http.ResponseWriter, r *http.Request) {
	action, err := amm.ParseAction(r.URL.Query().Get("action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	amount, err := fixed.Parse(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "amount must be a decimal")
		return
	}
	route, err := s.engine.BestRoute(r.Context(), r.URL.Query().Get("symbol"), action, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool_id": route.PoolID,
		"side":    route.Side,
		"quote":   route.Quote,
	})
}

type swapRequest struct {
	PoolID         uint    `json:"pool_id"`
	Side           string  `json:"side"`
	AmountIn       string  `json:"amount_in"`
	MinAmountOut   *string `json:"min_amount_out"`
	MaxSlippageBps *int64  `json:"max_slippage_bps"`
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	var req swapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid payload")
		return
	}
	side, err := amm.ParseSide(req.Side)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	amountIn, err := fixed.Parse(req.AmountIn)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "amount_in must be a decimal")
		return
	}
	params := amm.ExecuteParams{
		PoolID:         req.PoolID,
		UserID:         userID,
		Side:           side,
		AmountIn:       amountIn,
		MaxSlippageBps: req.MaxSlippageBps,
	}
	if req.MinAmountOut != nil {
		minOut, err := fixed.Parse(*req.MinAmountOut)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "min_amount_out must be a decimal")
			return
		}
		params.MinAmountOut = &minOut
	}
	receipt, err := s.engine.Execute(r.Context(), params)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewReceipt(receipt))
}

type routeSwapRequest struct {
	Symbol         string  `json:"symbol"`
	Action         string  `json:"action"`
	AmountIn       string  `json:"amount_in"`
	MinAmountOut   *string `json:"min_amount_out"`
	MaxSlippageBps *int64  `json:"max_slippage_bps"`
}

func (s *Server) handleSwapByRoute(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	var req routeSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid payload")
		return
	}
	action, err := amm.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	amountIn, err := fixed.Parse(req.AmountIn)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "amount_in must be a decimal")
		return
	}
	var minOut *fixed.Dec
	if req.MinAmountOut != nil {
		parsed, err := fixed.Parse(*req.MinAmountOut)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "min_amount_out must be a decimal")
			return
		}
		minOut = &parsed
	}
	receipt, err := s.engine.ExecuteBySymbol(r.Context(), userID, req.Symbol, action, amountIn, minOut, req.MaxSlippageBps)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewReceipt(receipt))
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	balances, err := s.ledger.Balances(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	type balanceView struct {
		TokenID uint      `json:"token_id"`
		Amount  fixed.Dec `json:"amount"`
	}
	views := make([]balanceView, 0, len(balances))
	for _, b := range balances {
		views = append(views, balanceView{TokenID: b.TokenID, Amount: b.Amount})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleLedgerEntries(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.ledger.Entries(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	type entryView struct {
		ID        uint      `json:"id"`
		TokenID   uint      `json:"token_id"`
		EntryType string    `json:"entry_type"`
		Delta     fixed.Dec `json:"delta"`
		RefType   string    `json:"ref_type,omitempty"`
		RefID     string    `json:"ref_id,omitempty"`
		Note      string    `json:"note,omitempty"`
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			ID: e.ID, TokenID: e.TokenID, EntryType: e.EntryType,
			Delta: e.Delta, RefType: e.RefType, RefID: e.RefID, Note: e.Note,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type invoiceView struct {
	ID             uuid.UUID `json:"id"`
	AmountSats     int64     `json:"amount_sats"`
	Memo           string    `json:"memo,omitempty"`
	PaymentRequest string    `json:"payment_request"`
	PaymentHash    string    `json:"payment_hash"`
	Status         string    `json:"status"`
	Credited       bool      `json:"credited"`
	ExpiresAt      string    `json:"expires_at"`
}

func viewInvoice(invoice *storage.Invoice) invoiceView {
	return invoiceView{
		ID:             invoice.ID,
		AmountSats:     invoice.AmountSats,
		Memo:           invoice.Memo,
		PaymentRequest: invoice.PaymentRequest,
		PaymentHash:    invoice.PaymentHash,
		Status:         string(invoice.Status),
		Credited:       invoice.Credited,
		ExpiresAt:      invoice.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	key := idempotencyKey(r)
	if key == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "Idempotency-Key header required")
		return
	}
	var req struct {
		AmountSats int64  `json:"amount_sats"`
		Memo       string `json:"memo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid payload")
		return
	}
	invoice, err := s.funding.Deposit(r.Context(), userID, req.AmountSats, req.Memo, key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewInvoice(invoice))
}

func (s *Server) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	invoices, err := s.funding.Invoices(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]invoiceView, 0, len(invoices))
	for i := range invoices {
		views = append(views, viewInvoice(&invoices[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "invoiceID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invoice id must be a uuid")
		return
	}
	invoice, err := s.funding.Invoice(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewInvoice(invoice))
}

type withdrawalView struct {
	ID          uuid.UUID `json:"id"`
	AmountSats  int64     `json:"amount_sats"`
	MaxFeeSats  int64     `json:"max_fee_sats"`
	FeeSats     int64     `json:"fee_sats"`
	PaymentHash string    `json:"payment_hash,omitempty"`
	Status      string    `json:"status"`
}

func viewWithdrawal(withdrawal *storage.Withdrawal) withdrawalView {
	return withdrawalView{
		ID:          withdrawal.ID,
		AmountSats:  withdrawal.AmountSats,
		MaxFeeSats:  withdrawal.MaxFeeSats,
		FeeSats:     withdrawal.FeeSats,
		PaymentHash: withdrawal.PaymentHash,
		Status:      string(withdrawal.Status),
	}
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	key := idempotencyKey(r)
	if key == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "Idempotency-Key header required")
		return
	}
	var req struct {
		Bolt11     string `json:"bolt11"`
		AmountSats int64  `json:"amount_sats"`
		MaxFeeSats int64  `json:"max_fee_sats"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid payload")
		return
	}
	withdrawal, err := s.funding.Withdraw(r.Context(), userID, req.Bolt11, req.AmountSats, req.MaxFeeSats, key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewWithdrawal(withdrawal))
}

func (s *Server) handleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	withdrawals, err := s.funding.Withdrawals(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]withdrawalView, 0, len(withdrawals))
	for i := range withdrawals {
		views = append(views, viewWithdrawal(&withdrawals[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "withdrawalID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "withdrawal id must be a uuid")
		return
	}
	withdrawal, err := s.funding.Withdrawal(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewWithdrawal(withdrawal))
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid payload")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "symbol required")
		return
	}
	token := storage.Token{Symbol: symbol, Name: req.Name}
	if err := s.db.WithContext(r.Context()).Create(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			writeError(w, http.StatusConflict, "duplicate", "symbol already exists")
			return
		}
		s.logger.Error("create token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, tokenView{ID: token.ID, Symbol: token.Symbol, Name: token.Name})
}

func (s *Server) setTokenFrozen(w http.ResponseWriter, r *http.Request, frozen bool) {
	tokenID, err := parseUintParam(r, "tokenID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "token id must be numeric")
		return
	}
	result := s.db.WithContext(r.Context()).Model(&storage.Token{}).
		Where("id = ?", tokenID).Update("frozen", frozen)
	if result.Error != nil {
		s.logger.Error("update token", "error", result.Error)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	if result.RowsAffected == 0 {
		writeError(w, http.StatusNotFound, "not_found", "token not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFreezeToken(w http.ResponseWriter, r *http.Request) {
	s.setTokenFrozen(w, r, true)
}

func (s *Server) handleUnfreezeToken(w http.ResponseWriter, r *http.Request) {
	s.setTokenFrozen(w, r, false)
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenAID        uint   `json:"token_a_id"`
		TokenBID        uint   `json:"token_b_id"`
		ReserveA        string `json:"reserve_a"`
		ReserveB        string `json:"reserve_b"`
		FeeBaseBps      int    `json:"fee_base_bps"`
		Stage1Threshold string `json:"stage1_threshold"`
		Stage2Threshold string `json:"stage2_threshold"`
		Stage3Threshold string `json:"stage3_threshold"`
		BurnTokenID     *uint  `json:"burn_token_id"`
		BurnStage2      string `json:"burn_amount_stage2"`
		BurnStage3      string `json:"burn_amount_stage3"`
		BurnStage4      string `json:"burn_amount_stage4"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid payload")
		return
	}
	if req.TokenAID == 0 || req.TokenBID == 0 || req.TokenAID == req.TokenBID {
		writeError(w, http.StatusBadRequest, "invalid_input", "two distinct tokens required")
		return
	}
	if req.FeeBaseBps <= 0 || req.FeeBaseBps > 10_000 {
		writeError(w, http.StatusBadRequest, "invalid_input", "fee_base_bps must be between 1 and 10000")
		return
	}
	parse := func(raw string) (fixed.Dec, error) {
		if strings.TrimSpace(raw) == "" {
			return fixed.Zero(), nil
		}
		return fixed.Parse(raw)
	}
	pool := storage.Pool{
		TokenAID:   req.TokenAID,
		TokenBID:   req.TokenBID,
		FeeBaseBps: req.FeeBaseBps,
		Stage:      1,
	}
	var err error
	if pool.ReserveA, err = fixed.Parse(req.ReserveA); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "reserve_a must be a decimal")
		return
	}
	if pool.ReserveB, err = fixed.Parse(req.ReserveB); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "reserve_b must be a decimal")
		return
	}
	if !pool.ReserveA.IsPositive() || !pool.ReserveB.IsPositive() {
		writeError(w, http.StatusBadRequest, "invalid_input", "reserves must be positive")
		return
	}
	if pool.Stage1Threshold, err = parse(req.Stage1Threshold); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "stage1_threshold must be a decimal")
		return
	}
	if pool.Stage2Threshold, err = parse(req.Stage2Threshold); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "stage2_threshold must be a decimal")
		return
	}
	if pool.Stage3Threshold, err = parse(req.Stage3Threshold); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "stage3_threshold must be a decimal")
		return
	}
	if !thresholdsAscending(pool.Stage1Threshold, pool.Stage2Threshold, pool.Stage3Threshold) {
		writeError(w, http.StatusBadRequest, "invalid_input", "stage thresholds must be strictly ascending")
		return
	}
	pool.BurnTokenID = req.BurnTokenID
	if pool.BurnAmountStage2, err = parse(req.BurnStage2); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "burn_amount_stage2 must be a decimal")
		return
	}
	if pool.BurnAmountStage3, err = parse(req.BurnStage3); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "burn_amount_stage3 must be a decimal")
		return
	}
	if pool.BurnAmountStage4, err = parse(req.BurnStage4); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "burn_amount_stage4 must be a decimal")
		return
	}
	pool.CumulativeVolA = fixed.Zero()
	pool.CumulativeVolB = fixed.Zero()
	pool.FeeAccumA = fixed.Zero()
	pool.FeeAccumB = fixed.Zero()
	if err := s.db.WithContext(r.Context()).Create(&pool).Error; err != nil {
		s.logger.Error("create pool", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, viewPool(pool))
}

// thresholdsAscending checks that set stage thresholds are strictly
// increasing and leave no gap: stage N may only be configured when every
// earlier stage is. Zero means unset.
func thresholdsAscending(thresholds ...fixed.Dec) bool {
	previous := fixed.Zero()
	seenUnset := false
	for _, threshold := range thresholds {
		if threshold.IsZero() {
			seenUnset = true
			continue
		}
		if seenUnset || threshold.Cmp(previous) <= 0 {
			return false
		}
		previous = threshold
	}
	return true
}

func (s *Server) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		TokenID uint   `json:"token_id"`
		Delta   string `json:"delta"`
		Note    string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid payload")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "user_id must be a uuid")
		return
	}
	delta, err := fixed.Parse(req.Delta)
	if err != nil || delta.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_input", "delta must be a non-zero decimal")
		return
	}
	if err := s.ledger.Adjust(r.Context(), userID, req.TokenID, delta, req.Note); err != nil {
		if errors.Is(err, ledger.ErrNegativeBalance) {
			writeError(w, http.StatusConflict, "insufficient_balance", "adjustment would take balance negative")
			return
		}
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleManualCredit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		TokenID uint   `json:"token_id"`
		Amount  string `json:"amount"`
		RefType string `json:"ref_type"`
		RefID   string `json:"ref_id"`
		Note    string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid payload")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "user_id must be a uuid")
		return
	}
	amount, err := fixed.Parse(req.Amount)
	if err != nil || !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "invalid_input", "amount must be a positive decimal")
		return
	}
	if err := s.ledger.ManualCredit(r.Context(), userID, req.TokenID, amount, req.RefType, req.RefID, req.Note); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFeeRepair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		TokenID uint   `json:"token_id"`
		Amount  string `json:"amount"`
		RefType string `json:"ref_type"`
		RefID   string `json:"ref_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid payload")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "user_id must be a uuid")
		return
	}
	amount, err := fixed.Parse(req.Amount)
	if err != nil || !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "invalid_input", "amount must be a positive decimal")
		return
	}
	if err := s.ledger.RepairFee(r.Context(), userID, req.TokenID, amount, req.RefType, req.RefID); err != nil {
		if errors.Is(err, ledger.ErrNegativeBalance) {
			writeError(w, http.StatusConflict, "insufficient_balance", "fee would take balance negative")
			return
		}
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForceReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "reconciliation not configured")
		return
	}
	kind := chi.URLParam(r, "kind")
	if err := s.reconciler.ForceReconcile(r.Context(), kind); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "sweep": kind})
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "reconciliation not configured")
		return
	}
	health, err := s.reconciler.CheckHealth(r.Context())
	if err != nil {
		s.logger.Error("admin health", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider_calls":   health.ProviderCalls,
		"provider_success": health.ProviderSuccess,
		"success_rate":     health.SuccessRate,
		"pending_invoices": health.PendingInvoices,
		"pending_payouts":  health.PendingPayouts,
	})
}
