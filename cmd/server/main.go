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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/session-engine/internal/antispam"
	"github.com/atmx/session-engine/internal/api"
	"github.com/atmx/session-engine/internal/config"
	"github.com/atmx/session-engine/internal/game"
	"github.com/atmx/session-engine/internal/ledger"
	"github.com/atmx/session-engine/internal/metrics"
	"github.com/atmx/session-engine/internal/model"
	"github.com/atmx/session-engine/internal/oracle"
	"github.com/atmx/session-engine/internal/position"
	"github.com/atmx/session-engine/internal/present"
	"github.com/atmx/session-engine/internal/ratelimit"
	"github.com/atmx/session-engine/internal/reward"
	"github.com/atmx/session-engine/internal/session"
	"github.com/atmx/session-engine/internal/store"
	"github.com/atmx/session-engine/internal/view"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("session-engine exited with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("session-engine stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		slog.Info("Redis enabled")
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Store.DatabaseURL != "" {
		pool, err := store.Connect(ctx, cfg.Store.DatabaseURL, int32(cfg.Store.MaxConns))
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Store.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL.Duration)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Prices ---
	prices := buildOracle(cfg, rdb, logger)

	// --- Rewards ---
	catalog, err := buildCatalog(ctx, cfg, st, logger)
	if err != nil {
		return err
	}
	selector := reward.NewSelector(catalog, nil, nil, logger)

	// --- Session core ---
	machine := session.NewMachine(st, logger)
	balances := ledger.New(st, cfg.Ledger.StakeUnit, model.InitialBalance, logger)
	deps := position.Deps{
		Store:   st,
		Machine: machine,
		Oracle:  prices,
		Gate:    antispam.New(cfg.Gate.MinDwell.Duration, cfg.Gate.MinPnL),
		Rewards: selector,
		Ledger:  balances,
		Logger:  logger,
	}
	if rdb != nil {
		deps.Locker = ratelimit.NewRedisLocker(rdb)
	}
	positions := position.NewManager(deps)

	// --- Presenters ---
	var (
		hub        *present.WSHub
		presenters present.Fanout
	)
	if cfg.Presenter.WebSocket {
		hub = present.NewWSHub(logger)
		presenters = append(presenters, hub)
	}
	if cfg.Presenter.TelegramToken != "" {
		presenters = append(presenters, present.NewTelegram(
			cfg.Presenter.TelegramBaseURL, cfg.Presenter.TelegramToken, cfg.Presenter.TelegramTimeout.Duration))
		slog.Info("Telegram presenter enabled")
	}
	var presenter view.Presenter = presenters
	if len(presenters) == 1 {
		presenter = presenters[0]
	}
	views := view.NewController(presenter, logger)

	// --- Engine ---
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()
	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb)
	}
	engine := game.NewEngine(game.Deps{
		Store:     st,
		Machine:   machine,
		Positions: positions,
		View:      views,
		Limiter:   limiter,
		Limits: game.Limits{
			General: ratelimit.Rule{Limit: cfg.Limits.General, Window: cfg.Limits.Window.Duration},
			Hook:    ratelimit.Rule{Limit: cfg.Limits.Hook, Window: cfg.Limits.Window.Duration},
		},
		Logger: logger,
	})

	opts := api.Options{AdminToken: cfg.AdminToken, Logger: logger}
	if hub != nil {
		hub.SetDispatcher(engine)
		opts.Sockets = hub
	}
	svc := api.NewService(engine, st, balances, opts)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"session-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The WebSocket route is long-lived and must not sit behind the
		// request timeout.
		r.Get("/ws", svc.ServeWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
			r.Route("/users/{userID}", svc.UserRoutes)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)
	if hub != nil {
		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("session-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()

		slog.Info("shutting down session-engine...")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return nil
	})
	return g.Wait()
}

// buildOracle assembles the price source: CoinGecko behind latency metrics
// and retries, optionally fronted by the Redis price cache.
func buildOracle(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) oracle.Oracle {
	if strings.EqualFold(cfg.Oracle.Source, "fixed") {
		slog.Warn("using fixed prices, positions will not move")
		return oracle.NewFixed(cfg.FixedPrices())
	}
	var o oracle.Oracle = oracle.Instrumented{
		Next:   oracle.NewCoinGecko(cfg.Oracle.BaseURL, cfg.Oracle.APIKey, cfg.Oracle.Timeout.Duration),
		Source: "coingecko",
	}
	o = oracle.NewRetrying(o, cfg.Oracle.Attempts, cfg.Oracle.Backoff.Duration, logger)
	if rdb != nil && cfg.Oracle.CacheMaxAge.Duration > 0 {
		o = oracle.NewCached(o, rdb, cfg.Oracle.CacheMaxAge.Duration, logger)
	}
	return o
}

// buildCatalog seeds the store with the reward catalog. A catalog file is
// watched and every reload is written through; without one the built-in
// catalog is seeded and read back from the store.
func buildCatalog(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) (reward.Catalog, error) {
	if cfg.Rewards.CatalogPath == "" {
		if err := st.UpsertRewards(ctx, reward.DefaultCatalog()); err != nil {
			return nil, fmt.Errorf("seed rewards: %w", err)
		}
		return reward.StoreCatalog{Lister: st}, nil
	}

	fc, err := reward.NewFileCatalog(cfg.Rewards.CatalogPath, logger)
	if err != nil {
		return nil, err
	}
	if err := st.UpsertRewards(ctx, fc.Snapshot().Rewards); err != nil {
		return nil, fmt.Errorf("seed rewards: %w", err)
	}
	fc.OnChange(func(s reward.Snapshot) {
		syncCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.UpsertRewards(syncCtx, s.Rewards); err != nil {
			slog.Error("reward catalog sync failed", "version", s.Version, "err", err)
			return
		}
		slog.Info("reward catalog reloaded", "version", s.Version, "rewards", len(s.Rewards))
	})
	return fc, nil
}
