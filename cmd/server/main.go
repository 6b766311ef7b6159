package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jon-tompkins/clawstreet/internal/apperr"
	"github.com/jon-tompkins/clawstreet/internal/config"
	"github.com/jon-tompkins/clawstreet/internal/identity"
	"github.com/jon-tompkins/clawstreet/internal/instrument"
	"github.com/jon-tompkins/clawstreet/internal/ledger"
	"github.com/jon-tompkins/clawstreet/internal/metrics"
	"github.com/jon-tompkins/clawstreet/internal/oracle"
	"github.com/jon-tompkins/clawstreet/internal/reveal"
	"github.com/jon-tompkins/clawstreet/internal/settlement"
	"github.com/jon-tompkins/clawstreet/internal/store"
	"github.com/jon-tompkins/clawstreet/internal/trade"
	"github.com/jon-tompkins/clawstreet/internal/window"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("clawstreet failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("clawstreet stopped")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(setupLogger(cfg.Log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, closeStore, err := store.Open(ctx, cfg.StoreOptions(true))
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Price oracle ---
	prices, err := buildOracle(cfg)
	if err != nil {
		return err
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()
	defer wsHub.Stop()

	// --- Ledger engine ---
	schedule, err := cfg.RevealSchedule()
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg, st, prices, schedule, wsHub)
	if err != nil {
		return err
	}

	gw := identity.NewStoreGateway(st)
	if err := seedAgents(ctx, cfg, eng, gw); err != nil {
		return err
	}

	// --- Reveal scheduler ---
	scheduler := reveal.NewScheduler(st, wsHub, cfg.Reveal.SweepInterval)
	go scheduler.Run(ctx)

	// --- HTTP router ---
	tradeSvc := trade.NewService(eng, prices, wsHub)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+identity.HeaderName)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"clawstreet"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		tradeSvc.Routes(r, identity.Middleware(gw))
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("clawstreet listening",
			"port", cfg.Server.Port,
			"instruments", len(cfg.Trading.Instruments),
			"max_trades_per_day", cfg.Trading.MaxTradesPerDay,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down clawstreet...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return nil
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// buildOracle returns the HTTP quote client when a URL is configured, the
// static table otherwise, behind the TTL cache either way.
func buildOracle(cfg *config.Config) (oracle.Oracle, error) {
	var src oracle.Oracle
	if cfg.Oracle.URL != "" {
		src = oracle.NewHTTP(cfg.Oracle.URL, cfg.Oracle.RatePerSec, cfg.Oracle.Timeout)
		slog.Info("price oracle", "source", "http", "url", cfg.Oracle.URL)
	} else {
		static, err := cfg.StaticPrices()
		if err != nil {
			return nil, err
		}
		src = oracle.NewStatic(static)
		slog.Warn("PRICE_ORACLE_URL not set, serving static prices", "symbols", len(static))
	}
	return oracle.NewCache(src, cfg.Oracle.CacheTTL, cfg.Oracle.CacheSize), nil
}

func buildEngine(cfg *config.Config, st store.Store, prices oracle.Oracle, schedule reveal.Schedule, pub reveal.Publisher) (*ledger.Engine, error) {
	wcfg, err := cfg.WindowConfig()
	if err != nil {
		return nil, err
	}
	guard, err := window.NewGuard(wcfg)
	if err != nil {
		return nil, err
	}
	calc, err := settlement.NewCalculator(cfg.Bounds())
	if err != nil {
		return nil, err
	}
	set, err := instrument.NewSet(cfg.Trading.Instruments)
	if err != nil {
		return nil, err
	}
	return ledger.New(ledger.Config{
		Store:         st,
		Guard:         guard,
		Calculator:    calc,
		Oracle:        prices,
		Instruments:   set,
		Schedule:      schedule,
		Publisher:     pub,
		DefaultAmount: cfg.Trading.DefaultAmount,
	})
}

// seedAgents provisions development agents. Existing agents are kept; keys
// are (re)issued so a restarted memory store stays usable.
func seedAgents(ctx context.Context, cfg *config.Config, eng *ledger.Engine, gw *identity.StoreGateway) error {
	for _, sa := range cfg.SeedAgents {
		if _, err := eng.Provision(ctx, sa.ID, sa.Name, cfg.Trading.StartingCapital); err != nil && !apperr.Is(err, apperr.KindState) {
			return fmt.Errorf("seed agent %s: %w", sa.ID, err)
		}
		if sa.APIKey == "" {
			continue
		}
		if _, err := gw.Issue(ctx, sa.ID, sa.APIKey); err != nil {
			return fmt.Errorf("seed key for %s: %w", sa.ID, err)
		}
		slog.Info("seed agent ready", "agent", sa.ID)
	}
	return nil
}
