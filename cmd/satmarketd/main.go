package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"satmarket/alerts"
	"satmarket/amm"
	"satmarket/config"
	"satmarket/fixed"
	"satmarket/funding"
	"satmarket/ledger"
	"satmarket/observability"
	"satmarket/observability/logging"
	"satmarket/observability/otel"
	"satmarket/payments"
	"satmarket/recon"
	"satmarket/server"
	"satmarket/storage"
)

func main() {
	configPath := flag.String("config", "/etc/satmarket/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "satmarketd: load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("satmarketd", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "satmarketd",
			Environment: cfg.Environment,
			Endpoint:    endpoint,
			Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
			Headers:     otel.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("telemetry init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown failed", "error", err)
			}
		}()
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("satmarketd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := storage.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	paymentToken, err := ensurePaymentToken(db, cfg.Funding.PaymentToken)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	audit := payments.NewDBAudit(db, logger)
	client, err := payments.New(payments.Config{
		Primary:    providerEndpoint(cfg.Provider.Primary),
		Failover:   failoverEndpoint(cfg.Provider.Failover),
		Attempts:   cfg.Provider.Attempts,
		Backoff:    cfg.Provider.Backoff.Duration,
		Timeout:    cfg.Provider.Timeout.Duration,
		RatePerSec: cfg.Provider.RatePerSec,
	}, audit, observability.NewProviderMetrics(registry), logger)
	if err != nil {
		return fmt.Errorf("configure payment client: %w", err)
	}

	limits, err := engineLimits(cfg.Engine)
	if err != nil {
		return err
	}
	engine, err := amm.NewEngine(db, limits, observability.NewSwapMetrics(registry))
	if err != nil {
		return fmt.Errorf("configure swap engine: %w", err)
	}

	fundingSvc, err := funding.NewService(db, client, funding.Config{
		PaymentTokenID: paymentToken.ID,
		MinDepositSats: cfg.Funding.MinDepositSats,
		InvoiceExpiry:  cfg.Funding.InvoiceExpiry.Duration,
		MaxFeeSats:     cfg.Funding.MaxFeeSats,
	}, logger)
	if err != nil {
		return fmt.Errorf("configure funding: %w", err)
	}

	publisher := alerts.NewPublisher(alerts.Config{
		URL:       cfg.Alerts.WebhookURL,
		Secret:    cfg.Alerts.Secret,
		QueueSize: cfg.Alerts.QueueSize,
		Timeout:   cfg.Alerts.Timeout.Duration,
	}, observability.NewAlertMetrics(registry), logger)

	reconciler, err := recon.New(db, client, recon.Config{
		PaymentTokenID:   paymentToken.ID,
		Grace:            cfg.Recon.Grace.Duration,
		BatchSize:        cfg.Recon.BatchSize,
		SuccessRateFloor: cfg.Recon.SuccessRateFloor,
		HealthWindow:     cfg.Recon.HealthWindow.Duration,
		BacklogThreshold: cfg.Recon.BacklogThreshold,
	}, publisher, observability.NewReconMetrics(registry), logger)
	if err != nil {
		return fmt.Errorf("configure reconciliation: %w", err)
	}
	scheduler := recon.NewScheduler(reconciler, recon.SchedulerConfig{
		SweepInterval:  cfg.Recon.SweepInterval.Duration,
		AuditInterval:  cfg.Recon.AuditInterval.Duration,
		HealthInterval: cfg.Recon.HealthInterval.Duration,
	}, logger)

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		AdminToken:    cfg.AdminToken,
	}, db, engine, fundingSvc, ledger.New(db, time.Now), reconciler, registry, logger)
	if err != nil {
		return fmt.Errorf("configure server: %w", err)
	}

	go publisher.Run(ctx)
	go scheduler.Run(ctx)

	logger.Info("satmarketd starting",
		"listen", cfg.ListenAddress,
		"payment_token", paymentToken.Symbol,
		"environment", cfg.Environment)
	return srv.Run(ctx)
}

func ensurePaymentToken(db *gorm.DB, symbol string) (*storage.Token, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var token storage.Token
	err := db.First(&token, "symbol = ?", symbol).Error
	if err == nil {
		return &token, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load payment token: %w", err)
	}
	token = storage.Token{Symbol: symbol, Name: "Lightning sats"}
	if err := db.Create(&token).Error; err != nil {
		return nil, fmt.Errorf("create payment token: %w", err)
	}
	return &token, nil
}

func engineLimits(cfg config.EngineConfig) (amm.Limits, error) {
	var limits amm.Limits
	var err error
	if strings.TrimSpace(cfg.MinOutput) != "" {
		if limits.MinOutput, err = fixed.Parse(cfg.MinOutput); err != nil {
			return amm.Limits{}, fmt.Errorf("parse engine min_output: %w", err)
		}
	}
	if strings.TrimSpace(cfg.ReserveFloor) != "" {
		if limits.ReserveFloor, err = fixed.Parse(cfg.ReserveFloor); err != nil {
			return amm.Limits{}, fmt.Errorf("parse engine reserve_floor: %w", err)
		}
	}
	return limits, nil
}

func providerEndpoint(cfg config.ProviderEndpoint) payments.Endpoint {
	return payments.Endpoint{
		Name:       cfg.Name,
		BaseURL:    cfg.BaseURL,
		InvoiceKey: cfg.InvoiceKey,
		AdminKey:   cfg.AdminKey,
	}
}

func failoverEndpoint(cfg *config.ProviderEndpoint) *payments.Endpoint {
	if cfg == nil {
		return nil
	}
	endpoint := providerEndpoint(*cfg)
	return &endpoint
}
