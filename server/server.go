package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"satmarket/amm"
	"satmarket/funding"
	"satmarket/ledger"
	"satmarket/recon"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	AdminToken    string
}

// Server hosts the trading, funding, and admin APIs.
type Server struct {
	cfg        Config
	db         *gorm.DB
	engine     *amm.Engine
	funding    *funding.Service
	ledger     *ledger.Store
	reconciler *recon.Reconciler
	gatherer   prometheus.Gatherer
	adminAuth  *Authenticator
	logger     *slog.Logger
}

// New constructs the HTTP server.
func New(cfg Config, db *gorm.DB, engine *amm.Engine, fundingSvc *funding.Service, ledgerStore *ledger.Store, reconciler *recon.Reconciler, gatherer prometheus.Gatherer, logger *slog.Logger) (*Server, error) {
	if db == nil || engine == nil || fundingSvc == nil || ledgerStore == nil {
		return nil, fmt.Errorf("server: missing dependencies")
	}
	auth, err := NewAuthenticator(cfg.AdminToken)
	if err != nil {
		return nil, fmt.Errorf("server: configure admin auth: %w", err)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		db:         db,
		engine:     engine,
		funding:    fundingSvc,
		ledger:     ledgerStore,
		reconciler: reconciler,
		gatherer:   gatherer,
		adminAuth:  auth,
		logger:     logger,
	}, nil
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tokens", s.handleListTokens)
		r.Get("/pools", s.handleListPools)
		r.Get("/pools/{poolID}", s.handleGetPool)
		r.Get("/pools/{poolID}/quote", s.handleQuote)
		r.Get("/route", s.handleBestRoute)
		r.Post("/swaps", s.handleSwap)
		r.Post("/swaps/route", s.handleSwapByRoute)
		r.Get("/balances", s.handleBalances)
		r.Get("/ledger", s.handleLedgerEntries)
		r.Post("/deposits", s.handleDeposit)
		r.Get("/deposits", s.handleListDeposits)
		r.Get("/deposits/{invoiceID}", s.handleGetDeposit)
		r.Post("/withdrawals", s.handleWithdraw)
		r.Get("/withdrawals", s.handleListWithdrawals)
		r.Get("/withdrawals/{withdrawalID}", s.handleGetWithdrawal)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth.Middleware)
		r.Post("/tokens", s.handleCreateToken)
		r.Post("/tokens/{tokenID}/freeze", s.handleFreezeToken)
		r.Post("/tokens/{tokenID}/unfreeze", s.handleUnfreezeToken)
		r.Post("/pools", s.handleCreatePool)
		r.Post("/adjustments", s.handleAdjustment)
		r.Post("/credits", s.handleManualCredit)
		r.Post("/fee-repairs", s.handleFeeRepair)
		r.Post("/recon/{kind}", s.handleForceReconcile)
		r.Get("/health", s.handleAdminHealth)
	})

	return otelhttp.NewHandler(r, "satmarketd.http")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
