package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"satmarket/observability"
)

// maxAuditBody bounds the response body captured per audit row.
const maxAuditBody = 2000

// Endpoint is one provider instance plus its credentials. InvoiceKey
// authorises invoice creation and status queries; AdminKey authorises
// outbound payments.
type Endpoint struct {
	Name       string
	BaseURL    string
	InvoiceKey string
	AdminKey   string
}

// Config captures the client knobs.
type Config struct {
	Primary    Endpoint
	Failover   *Endpoint
	Attempts   int
	Backoff    time.Duration
	Timeout    time.Duration
	RatePerSec float64
}

// Ref tags audit rows with the internal record the call settles.
type Ref struct {
	Type string
	ID   string
}

// Invoice is the provider's response to an invoice creation.
type Invoice struct {
	PaymentRequest string `json:"payment_request"`
	PaymentHash    string `json:"payment_hash"`
	CheckingID     string `json:"checking_id"`
}

// Status is the provider's view of a payment.
type Status struct {
	Paid    bool  `json:"paid"`
	FeeSats int64 `json:"fee"`
}

// Payment is the provider's response to an outbound payment.
type Payment struct {
	PaymentHash string `json:"payment_hash"`
	CheckingID  string `json:"checking_id"`
}

// APIError is a terminal 4xx from the provider. It is never retried.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payments: provider returned %d: %s", e.StatusCode, e.Body)
}

// ErrExhausted wraps the last transient failure after every endpoint and
// retry has been spent.
var ErrExhausted = errors.New("payments: all attempts exhausted")

// AuditLog records every provider attempt. Implementations must not fail the
// calling operation; recording errors are logged and swallowed.
type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditEntry is one provider attempt, success or failure.
type AuditEntry struct {
	Endpoint string
	Action   string
	Request  string
	Status   int
	Body     string
	Success  bool
	Ref      Ref
	At       time.Time
}

// Client talks to the Lightning-style settlement provider. Transient
// failures (network errors and 5xx) retry with linearly increasing backoff;
// after the primary is exhausted the failover endpoint, when configured,
// gets one attempt. 4xx responses are terminal.
type Client struct {
	primary  Endpoint
	failover *Endpoint
	attempts int
	backoff  time.Duration
	http     *http.Client
	limiter  *rate.Limiter
	audit    AuditLog
	metrics  *observability.ProviderMetrics
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New constructs a provider client.
func New(cfg Config, audit AuditLog, metrics *observability.ProviderMetrics, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Primary.BaseURL) == "" {
		return nil, fmt.Errorf("payments: primary endpoint required")
	}
	if cfg.Primary.Name == "" {
		cfg.Primary.Name = "primary"
	}
	if cfg.Failover != nil && cfg.Failover.Name == "" {
		cfg.Failover.Name = "failover"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Client{
		primary:  cfg.Primary,
		failover: cfg.Failover,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  limiter,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

// CreateInvoice asks the provider for an inbound payment request.
func (c *Client) CreateInvoice(ctx context.Context, amountSats int64, memo string, ref Ref) (Invoice, error) {
	if amountSats <= 0 {
		return Invoice{}, fmt.Errorf("payments: invoice amount must be positive")
	}
	payload := map[string]any{"out": false, "amount": amountSats, "memo": memo}
	var invoice Invoice
	if err := c.call(ctx, "create_invoice", http.MethodPost, "/api/v1/payments", payload, false, ref, &invoice); err != nil {
		return Invoice{}, err
	}
	if invoice.PaymentHash == "" {
		return Invoice{}, fmt.Errorf("payments: provider response missing payment_hash")
	}
	return invoice, nil
}

// GetStatus queries settlement state by payment hash.
func (c *Client) GetStatus(ctx context.Context, paymentHash string, ref Ref) (Status, error) {
	hash := strings.TrimSpace(paymentHash)
	if hash == "" {
		return Status{}, fmt.Errorf("payments: payment hash required")
	}
	var status Status
	if err := c.call(ctx, "get_status", http.MethodGet, "/api/v1/payments/"+hash, nil, false, ref, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// Pay sends an outbound payment to the supplied destination.
func (c *Client) Pay(ctx context.Context, bolt11 string, maxFeeSats int64, ref Ref) (Payment, error) {
	destination := strings.TrimSpace(bolt11)
	if destination == "" {
		return Payment{}, fmt.Errorf("payments: destination required")
	}
	payload := map[string]any{"out": true, "bolt11": destination, "max_fee": maxFeeSats}
	var payment Payment
	if err := c.call(ctx, "pay", http.MethodPost, "/api/v1/payments", payload, true, ref, &payment); err != nil {
		return Payment{}, err
	}
	return payment, nil
}

func (c *Client) call(ctx context.Context, action, method, path string, payload any, admin bool, ref Ref, out any) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("payments: encode request: %w", err)
		}
		body = encoded
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff*time.Duration(attempt)); err != nil {
				return err
			}
		}
		done, err := c.attempt(ctx, c.primary, action, method, path, body, admin, ref, out)
		if done {
			return err
		}
		lastErr = err
	}

	if c.failover != nil {
		c.logger.Warn("payments: primary exhausted, trying failover",
			"action", action, "attempts", c.attempts)
		done, err := c.attempt(ctx, *c.failover, action, method, path, body, admin, ref, out)
		if done {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

// attempt performs one HTTP exchange. done reports whether the outcome is
// final (success or terminal failure); transient failures return done false.
func (c *Client) attempt(ctx context.Context, endpoint Endpoint, action, method, path string, body []byte, admin bool, ref Ref, out any) (bool, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return true, err
		}
	}
	start := c.now()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(endpoint.BaseURL, "/")+path, reader)
	if err != nil {
		return true, fmt.Errorf("payments: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	key := endpoint.InvoiceKey
	if admin {
		key = endpoint.AdminKey
	}
	req.Header.Set("X-Api-Key", key)

	resp, err := c.http.Do(req)
	if err != nil {
		c.record(ctx, AuditEntry{
			Endpoint: endpoint.Name, Action: action, Request: string(body),
			Body: err.Error(), Success: false, Ref: ref, At: start,
		})
		c.metrics.ObserveAttempt(endpoint.Name, action, c.now().Sub(start), false)
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		return false, fmt.Errorf("payments: %s: %w", action, err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	success := resp.StatusCode >= 200 && resp.StatusCode < 300 && readErr == nil
	c.record(ctx, AuditEntry{
		Endpoint: endpoint.Name, Action: action, Request: string(body),
		Status: resp.StatusCode, Body: truncate(string(respBody), maxAuditBody),
		Success: success, Ref: ref, At: start,
	})
	c.metrics.ObserveAttempt(endpoint.Name, action, c.now().Sub(start), success)

	switch {
	case readErr != nil:
		return false, fmt.Errorf("payments: %s: read response: %w", action, readErr)
	case resp.StatusCode >= 500:
		return false, fmt.Errorf("payments: %s: provider returned %d", action, resp.StatusCode)
	case resp.StatusCode >= 400:
		return true, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), maxAuditBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return true, fmt.Errorf("payments: %s: decode response: %w", action, err)
		}
	}
	return true, nil
}

func (c *Client) record(ctx context.Context, entry AuditEntry) {
	if c.audit == nil {
		return
	}
	c.audit.Record(ctx, entry)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
