package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"satmarket/observability"
)

type memoryAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (m *memoryAudit) Record(_ context.Context, entry AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
}

func (m *memoryAudit) all() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.entries...)
}

func newTestClient(t *testing.T, cfg Config, audit AuditLog) *Client {
	t.Helper()
	client, err := New(cfg, audit, observability.NewProviderMetrics(prometheus.NewRegistry()), nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.sleep = func(context.Context, time.Duration) error { return nil }
	return client
}

func TestCreateInvoiceRetriesTransientFailures(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Header.Get("X-Api-Key") != "invoice-key" {
			t.Errorf("invoice key not sent: %q", r.Header.Get("X-Api-Key"))
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if payload["out"] != false {
			t.Errorf("invoice request must set out=false: %v", payload)
		}
		json.NewEncoder(w).Encode(Invoice{
			PaymentRequest: "lnbc1demo",
			PaymentHash:    "abc123",
			CheckingID:     "chk-1",
		})
	}))
	defer server.Close()

	audit := &memoryAudit{}
	client := newTestClient(t, Config{
		Primary: Endpoint{BaseURL: server.URL, InvoiceKey: "invoice-key"},
	}, audit)

	invoice, err := client.CreateInvoice(context.Background(), 5000, "deposit", Ref{Type: "invoice", ID: "inv-1"})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if invoice.PaymentHash != "abc123" {
		t.Fatalf("payment hash: got %q", invoice.PaymentHash)
	}
	if calls != 2 {
		t.Fatalf("expected one retry, server saw %d calls", calls)
	}

	entries := audit.all()
	if len(entries) != 2 {
		t.Fatalf("expected an audit row per attempt, got %d", len(entries))
	}
	if entries[0].Success || !entries[1].Success {
		t.Fatalf("audit success flags: %+v", entries)
	}
	if entries[1].Ref.ID != "inv-1" {
		t.Fatalf("audit ref: %+v", entries[1].Ref)
	}
}

func TestClientErrorsAreTerminal(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"invoice amount too small"}`))
	}))
	defer server.Close()

	client := newTestClient(t, Config{
		Primary:  Endpoint{BaseURL: server.URL},
		Attempts: 5,
	}, nil)

	_, err := client.CreateInvoice(context.Background(), 10, "dust", Ref{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d", apiErr.StatusCode)
	}
	if calls != 1 {
		t.Fatalf("4xx must not be retried, server saw %d calls", calls)
	}
}

func TestFailoverUsedAfterPrimaryExhausted(t *testing.T) {
	var primaryCalls int
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		primaryCalls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "backup-admin" {
			t.Errorf("failover admin key not sent: %q", r.Header.Get("X-Api-Key"))
		}
		json.NewEncoder(w).Encode(Payment{PaymentHash: "def456", CheckingID: "chk-2"})
	}))
	defer secondary.Close()

	audit := &memoryAudit{}
	client := newTestClient(t, Config{
		Primary:  Endpoint{Name: "lnbits-a", BaseURL: primary.URL, AdminKey: "main-admin"},
		Failover: &Endpoint{Name: "lnbits-b", BaseURL: secondary.URL, AdminKey: "backup-admin"},
		Attempts: 2,
	}, audit)

	payment, err := client.Pay(context.Background(), "lnbc500n1demo", 50, Ref{Type: "withdrawal", ID: "w-1"})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if payment.PaymentHash != "def456" {
		t.Fatalf("payment hash: got %q", payment.PaymentHash)
	}
	if primaryCalls != 2 {
		t.Fatalf("primary attempts: got %d", primaryCalls)
	}

	entries := audit.all()
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(entries))
	}
	if entries[2].Endpoint != "lnbits-b" || !entries[2].Success {
		t.Fatalf("failover audit row: %+v", entries[2])
	}
}

func TestAllEndpointsExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, Config{
		Primary:  Endpoint{BaseURL: server.URL},
		Attempts: 2,
	}, nil)

	_, err := client.GetStatus(context.Background(), "abc123", Ref{})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestAuditBodyTruncated(t *testing.T) {
	huge := strings.Repeat("x", 10*maxAuditBody)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(huge))
	}))
	defer server.Close()

	audit := &memoryAudit{}
	client := newTestClient(t, Config{Primary: Endpoint{BaseURL: server.URL}}, audit)

	_, err := client.GetStatus(context.Background(), "abc123", Ref{})
	if err == nil {
		t.Fatal("expected error")
	}
	entries := audit.all()
	if len(entries) != 1 {
		t.Fatalf("audit rows: got %d", len(entries))
	}
	if len(entries[0].Body) != maxAuditBody {
		t.Fatalf("audit body length: got %d want %d", len(entries[0].Body), maxAuditBody)
	}
}

func TestGetStatusDecodesSettlement(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.HasSuffix(r.URL.Path, "/api/v1/payments/abc123") {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(Status{Paid: true, FeeSats: 12})
	}))
	defer server.Close()

	client := newTestClient(t, Config{Primary: Endpoint{BaseURL: server.URL}}, nil)
	status, err := client.GetStatus(context.Background(), "abc123", Ref{})
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if !status.Paid || status.FeeSats != 12 {
		t.Fatalf("status: %+v", status)
	}
}

func TestInputValidation(t *testing.T) {
	client := newTestClient(t, Config{Primary: Endpoint{BaseURL: "http://localhost:0"}}, nil)
	ctx := context.Background()

	if _, err := client.CreateInvoice(ctx, 0, "", Ref{}); err == nil {
		t.Fatal("zero amount should fail")
	}
	if _, err := client.GetStatus(ctx, "  ", Ref{}); err == nil {
		t.Fatal("blank hash should fail")
	}
	if _, err := client.Pay(ctx, "", 10, Ref{}); err == nil {
		t.Fatal("blank destination should fail")
	}
}
