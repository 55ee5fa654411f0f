package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"satmarket/observability"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operational notification.
type Alert struct {
	Kind       string            `json:"kind"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
	At         time.Time         `json:"timestamp"`
}

const maxDeliveryAttempts = 5

// Publisher fans alerts out to an operator webhook. Publishing never blocks
// the caller; when the queue is full the alert is dropped and counted.
type Publisher struct {
	url     string
	secret  string
	queue   chan Alert
	client  *http.Client
	logger  *slog.Logger
	metrics *observability.AlertMetrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Config carries the webhook target and queue bounds.
type Config struct {
	URL       string
	Secret    string
	QueueSize int
	Timeout   time.Duration
}

// NewPublisher builds a publisher. An empty URL yields a publisher that
// counts and logs alerts without delivering them.
func NewPublisher(cfg Config, metrics *observability.AlertMetrics, logger *slog.Logger) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		url:     cfg.URL,
		secret:  cfg.Secret,
		queue:   make(chan Alert, cfg.QueueSize),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Publish enqueues an alert for delivery.
func (p *Publisher) Publish(alert Alert) {
	if alert.At.IsZero() {
		alert.At = p.now().UTC()
	}
	select {
	case p.queue <- alert:
		p.metrics.RecordPublished()
	default:
		p.metrics.RecordDropped()
		p.logger.Warn("alerts: queue full, dropping alert",
			"kind", alert.Kind, "severity", alert.Severity)
	}
}

// Run delivers queued alerts until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-p.queue:
			p.deliver(ctx, alert)
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, alert Alert) {
	if p.url == "" {
		p.logger.Info("alert", "kind", alert.Kind, "severity", alert.Severity, "message", alert.Message)
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		p.metrics.RecordFailure()
		p.logger.Error("alerts: encode failed", "kind", alert.Kind, "error", err)
		return
	}
	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, backoffDuration(attempt-1)); err != nil {
				return
			}
		}
		if p.post(ctx, payload) {
			return
		}
	}
	p.metrics.RecordFailure()
	p.logger.Error("alerts: delivery abandoned", "kind", alert.Kind, "attempts", maxDeliveryAttempts)
}

func (p *Publisher) post(ctx context.Context, payload []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if p.secret != "" {
		req.Header.Set("X-Alert-Signature", signPayload(p.secret, payload))
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > time.Minute {
		return time.Minute
	}
	return d
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
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
