package alerts

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"satmarket/observability"
)

func newTestPublisher(t *testing.T, cfg Config) *Publisher {
	t.Helper()
	pub := NewPublisher(cfg, observability.NewAlertMetrics(prometheus.NewRegistry()), nil)
	pub.sleep = func(context.Context, time.Duration) error { return nil }
	return pub
}

func TestPublishDeliversSignedWebhook(t *testing.T) {
	received := make(chan Alert, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		mac := hmac.New(sha256.New, []byte("hush"))
		mac.Write(body)
		if r.Header.Get("X-Alert-Signature") != hex.EncodeToString(mac.Sum(nil)) {
			t.Errorf("bad signature on webhook")
		}
		var alert Alert
		if err := json.Unmarshal(body, &alert); err != nil {
			t.Errorf("decode alert: %v", err)
		}
		received <- alert
	}))
	defer server.Close()

	pub := newTestPublisher(t, Config{URL: server.URL, Secret: "hush"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	pub.Publish(Alert{
		Kind:     "ledger_mismatch",
		Severity: SeverityCritical,
		Message:  "token 2 ledger sum diverged",
	})

	select {
	case alert := <-received:
		if alert.Kind != "ledger_mismatch" || alert.Severity != SeverityCritical {
			t.Fatalf("delivered alert: %+v", alert)
		}
		if alert.At.IsZero() {
			t.Fatal("timestamp not stamped")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("alert never delivered")
	}
}

func TestDeliveryRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		close(done)
	}))
	defer server.Close()

	pub := newTestPublisher(t, Config{URL: server.URL})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	pub.Publish(Alert{Kind: "provider_degraded", Severity: SeverityWarning, Message: "success rate below floor"})

	select {
	case <-done:
		if calls.Load() != 3 {
			t.Fatalf("expected 3 attempts, got %d", calls.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never succeeded")
	}
}

func TestPublishNeverBlocksOnFullQueue(t *testing.T) {
	pub := newTestPublisher(t, Config{URL: "http://localhost:0", QueueSize: 2})
	// No Run loop draining; the third publish must drop instead of blocking.
	for i := 0; i < 5; i++ {
		pub.Publish(Alert{Kind: "audit_backlog", Severity: SeverityInfo, Message: "queued"})
	}
	if len(pub.queue) != 2 {
		t.Fatalf("queue depth: got %d want 2", len(pub.queue))
	}
}

func TestEmptyURLLogsOnly(t *testing.T) {
	pub := newTestPublisher(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	pub.Publish(Alert{Kind: "test", Severity: SeverityInfo, Message: "noop target"})

	deadline := time.After(2 * time.Second)
	for len(pub.queue) > 0 {
		select {
		case <-deadline:
			t.Fatal("alert never drained")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
