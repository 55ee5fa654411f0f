package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"satmarket/amm"
	"satmarket/fixed"
	"satmarket/funding"
	"satmarket/ledger"
	"satmarket/observability"
	"satmarket/payments"
	"satmarket/recon"
	"satmarket/storage"
)

type scriptedProvider struct {
	paid bool
}

func (p *scriptedProvider) CreateInvoice(_ context.Context, amountSats int64, _ string, _ payments.Ref) (payments.Invoice, error) {
	return payments.Invoice{
		PaymentRequest: fmt.Sprintf("lnbc%d", amountSats),
		PaymentHash:    "hash-1",
		CheckingID:     "chk-1",
	}, nil
}

func (p *scriptedProvider) GetStatus(context.Context, string, payments.Ref) (payments.Status, error) {
	return payments.Status{Paid: p.paid}, nil
}

func (p *scriptedProvider) Pay(context.Context, string, int64, payments.Ref) (payments.Payment, error) {
	return payments.Payment{PaymentHash: "payhash", CheckingID: "paychk"}, nil
}

type apiFixture struct {
	server *httptest.Server
	user   uuid.UUID
	poolID uint
	tokenA uint
	tokenB uint
	ledger *ledger.Store
}

const testAdminToken = "test-admin-token"

func newAPIFixture(t *testing.T, name string) *apiFixture {
	t.Helper()
	db, err := storage.OpenTest("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	registry := prometheus.NewRegistry()

	tokenA := storage.Token{Symbol: "ALPHA", Name: "Alpha"}
	tokenB := storage.Token{Symbol: "SAT", Name: "Sats"}
	if err := db.Create(&tokenA).Error; err != nil {
		t.Fatalf("create token a: %v", err)
	}
	if err := db.Create(&tokenB).Error; err != nil {
		t.Fatalf("create token b: %v", err)
	}
	pool := storage.Pool{
		TokenAID:   tokenA.ID,
		TokenBID:   tokenB.ID,
		ReserveA:   fixed.MustParse("1000"),
		ReserveB:   fixed.MustParse("1000"),
		FeeBaseBps: 30,
		Stage:      1,
	}
	if err := db.Create(&pool).Error; err != nil {
		t.Fatalf("create pool: %v", err)
	}

	engine, err := amm.NewEngine(db, amm.Limits{}, observability.NewSwapMetrics(registry))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	provider := &scriptedProvider{}
	fundingSvc, err := funding.NewService(db, provider, funding.Config{PaymentTokenID: tokenB.ID}, nil)
	if err != nil {
		t.Fatalf("new funding service: %v", err)
	}
	reconciler, err := recon.New(db, provider, recon.Config{PaymentTokenID: tokenB.ID},
		nil, observability.NewReconMetrics(registry), nil)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	ledgerStore := ledger.New(db, time.Now)

	srv, err := New(Config{ListenAddress: ":0", AdminToken: testAdminToken},
		db, engine, fundingSvc, ledgerStore, reconciler, registry, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	user := uuid.New()
	if err := ledgerStore.ManualCredit(context.Background(), user, tokenA.ID, fixed.MustParse("500"), "admin", "seed", ""); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &apiFixture{
		server: ts,
		user:   user,
		poolID: pool.ID,
		tokenA: tokenA.ID,
		tokenB: tokenB.ID,
		ledger: ledgerStore,
	}
}

func (fx *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, fx.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := fx.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeJSON(t, resp, &body)
	return body.Error.Code
}

func TestHealthz(t *testing.T) {
	fx := newAPIFixture(t, "api_health")
	resp := fx.do(t, http.MethodGet, "/healthz", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestQuoteEndpoint(t *testing.T) {
	fx := newAPIFixture(t, "api_quote")
	resp := fx.do(t, http.MethodGet,
		fmt.Sprintf("/v1/pools/%d/quote?side=a_to_b&amount=100", fx.poolID), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var quote struct {
		FeeBps    int    `json:"fee_bps"`
		FeeAmount string `json:"fee_amount"`
		AmountOut string `json:"amount_out"`
	}
	decodeJSON(t, resp, &quote)
	if quote.FeeBps != 30 || quote.FeeAmount != "0.3" {
		t.Fatalf("quote: %+v", quote)
	}
}

func TestQuoteErrorCodes(t *testing.T) {
	fx := newAPIFixture(t, "api_errors")

	resp := fx.do(t, http.MethodGet, "/v1/pools/999/quote?side=a_to_b&amount=100", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown pool status: %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "pool_not_found" {
		t.Fatalf("unknown pool code: %q", code)
	}

	resp = fx.do(t, http.MethodGet,
		fmt.Sprintf("/v1/pools/%d/quote?side=up&amount=100", fx.poolID), nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad side status: %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "invalid_side" {
		t.Fatalf("bad side code: %q", code)
	}
}

func TestSwapEndpointCommits(t *testing.T) {
	fx := newAPIFixture(t, "api_swap")
	headers := map[string]string{"X-User-ID": fx.user.String()}

	resp := fx.do(t, http.MethodPost, "/v1/swaps", map[string]any{
		"pool_id":   fx.poolID,
		"side":      "a_to_b",
		"amount_in": "100",
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var swap struct {
		TradeID uint `json:"trade_id"`
		Quote   struct {
			AmountOut string `json:"amount_out"`
		} `json:"quote"`
	}
	decodeJSON(t, resp, &swap)
	if swap.TradeID == 0 {
		t.Fatal("trade id missing")
	}

	balance, err := fx.ledger.Balance(context.Background(), fx.user, fx.tokenA)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(fixed.MustParse("400")) {
		t.Fatalf("balance after swap: %s", balance)
	}
}

func TestSwapInsufficientBalance(t *testing.T) {
	fx := newAPIFixture(t, "api_insufficient")
	resp := fx.do(t, http.MethodPost, "/v1/swaps", map[string]any{
		"pool_id":   fx.poolID,
		"side":      "a_to_b",
		"amount_in": "600",
	}, map[string]string{"X-User-ID": fx.user.String()})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "insufficient_balance" {
		t.Fatalf("code: %q", code)
	}
}

func TestDepositRequiresIdempotencyKey(t *testing.T) {
	fx := newAPIFixture(t, "api_deposit")
	headers := map[string]string{"X-User-ID": fx.user.String()}

	resp := fx.do(t, http.MethodPost, "/v1/deposits", map[string]any{"amount_sats": 5000}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing key status: %d", resp.StatusCode)
	}

	headers["Idempotency-Key"] = "dep-1"
	resp = fx.do(t, http.MethodPost, "/v1/deposits", map[string]any{"amount_sats": 5000}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("deposit status: %d", resp.StatusCode)
	}
	var invoice struct {
		ID             string `json:"id"`
		PaymentRequest string `json:"payment_request"`
		Status         string `json:"status"`
	}
	decodeJSON(t, resp, &invoice)
	if invoice.Status != "pending" || invoice.PaymentRequest == "" {
		t.Fatalf("invoice: %+v", invoice)
	}
}

func TestAdminEndpointsRequireBearer(t *testing.T) {
	fx := newAPIFixture(t, "api_admin")

	resp := fx.do(t, http.MethodPost, fmt.Sprintf("/admin/tokens/%d/freeze", fx.tokenA), nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status: %d", resp.StatusCode)
	}

	headers := map[string]string{"Authorization": "Bearer " + testAdminToken}
	resp = fx.do(t, http.MethodPost, fmt.Sprintf("/admin/tokens/%d/freeze", fx.tokenA), nil, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("freeze status: %d", resp.StatusCode)
	}

	// Frozen tokens reject swaps end to end.
	resp = fx.do(t, http.MethodPost, "/v1/swaps", map[string]any{
		"pool_id":   fx.poolID,
		"side":      "a_to_b",
		"amount_in": "10",
	}, map[string]string{"X-User-ID": fx.user.String()})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("frozen swap status: %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "token_frozen" {
		t.Fatalf("frozen swap code: %q", code)
	}
}

func TestCreatePoolValidation(t *testing.T) {
	fx := newAPIFixture(t, "api_create_pool")
	headers := map[string]string{"Authorization": "Bearer " + testAdminToken}

	base := func() map[string]any {
		return map[string]any{
			"token_a_id":   fx.tokenA,
			"token_b_id":   fx.tokenB,
			"reserve_a":    "1000",
			"reserve_b":    "1000",
			"fee_base_bps": 30,
		}
	}

	for name, mutate := range map[string]func(map[string]any){
		"fee too high": func(req map[string]any) { req["fee_base_bps"] = 10_001 },
		"fee negative": func(req map[string]any) { req["fee_base_bps"] = -5 },
		"fee zero":     func(req map[string]any) { req["fee_base_bps"] = 0 },
		"thresholds out of order": func(req map[string]any) {
			req["stage1_threshold"] = "100"
			req["stage2_threshold"] = "50"
		},
		"threshold gap": func(req map[string]any) {
			req["stage2_threshold"] = "100"
		},
		"equal thresholds": func(req map[string]any) {
			req["stage1_threshold"] = "100"
			req["stage2_threshold"] = "100"
		},
	} {
		req := base()
		mutate(req)
		resp := fx.do(t, http.MethodPost, "/admin/pools", req, headers)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d", name, resp.StatusCode)
		}
		if code := errorCode(t, resp); code != "invalid_input" {
			t.Fatalf("%s: code %q", name, code)
		}
	}

	req := base()
	req["stage1_threshold"] = "100"
	req["stage2_threshold"] = "250"
	req["stage3_threshold"] = "900"
	resp := fx.do(t, http.MethodPost, "/admin/pools", req, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("valid pool status: %d", resp.StatusCode)
	}
}

func TestAdminLedgerOperations(t *testing.T) {
	fx := newAPIFixture(t, "api_ledger_ops")
	headers := map[string]string{"Authorization": "Bearer " + testAdminToken}

	resp := fx.do(t, http.MethodPost, "/admin/credits", map[string]any{
		"user_id":  fx.user.String(),
		"token_id": fx.tokenB,
		"amount":   "25",
		"ref_type": "support",
		"ref_id":   "ticket-7",
		"note":     "goodwill",
	}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("credit status: %d", resp.StatusCode)
	}
	balance, err := fx.ledger.Balance(context.Background(), fx.user, fx.tokenB)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(fixed.MustParse("25")) {
		t.Fatalf("balance after credit: %s", balance)
	}

	resp = fx.do(t, http.MethodPost, "/admin/fee-repairs", map[string]any{
		"user_id":  fx.user.String(),
		"token_id": fx.tokenB,
		"amount":   "5",
		"ref_type": "withdrawal",
		"ref_id":   "w-1",
	}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("fee repair status: %d", resp.StatusCode)
	}
	balance, err = fx.ledger.Balance(context.Background(), fx.user, fx.tokenB)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(fixed.MustParse("20")) {
		t.Fatalf("balance after fee repair: %s", balance)
	}

	resp = fx.do(t, http.MethodPost, "/admin/credits", map[string]any{
		"user_id":  fx.user.String(),
		"token_id": fx.tokenB,
		"amount":   "-3",
	}, headers)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative credit status: %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "invalid_input" {
		t.Fatalf("negative credit code: %q", code)
	}
}

func TestForceReconcileEndpoint(t *testing.T) {
	fx := newAPIFixture(t, "api_recon")
	headers := map[string]string{"Authorization": "Bearer " + testAdminToken}

	resp := fx.do(t, http.MethodPost, "/admin/recon/invoices", nil, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("force recon status: %d", resp.StatusCode)
	}

	resp = fx.do(t, http.MethodPost, "/admin/recon/everything", nil, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown sweep status: %d", resp.StatusCode)
	}
}
