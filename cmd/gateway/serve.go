package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"defense-gateway/internal/config"
	"defense-gateway/internal/observability"
	"defense-gateway/middleware/defense"
	"defense-gateway/middleware/defense/infra"
)

func newServeCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the defense reverse proxy in front of the upstream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("listen", "", "listen address (server.listen_addr)")
	cmd.Flags().String("upstream", "", "upstream URL (server.upstream_url)")
	_ = f.v.BindPFlag("server.listen_addr", cmd.Flags().Lookup("listen"))
	_ = f.v.BindPFlag("server.upstream_url", cmd.Flags().Lookup("upstream"))
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, logCloser, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
		_ = logCloser.Close()
	}()

	target, err := cfg.Upstream()
	if err != nil {
		return err
	}

	adminBuckets := infra.NewTokenBuckets(cfg.Admin.RPS, cfg.Admin.Burst)
	opts := []defense.EngineOption{
		defense.WithLogger(logger),
		defense.WithSweepTarget("admin_buckets", adminBuckets),
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis stats ping: %w", err)
		}

		store := infra.NewRedisStatsStore(rdb,
			infra.WithStatsPrefix(cfg.Redis.Prefix),
			infra.WithStatsTTL(cfg.Redis.TTL),
			infra.WithStatsBucket(cfg.Redis.Bucket),
			infra.WithStatsTrackRoutes(cfg.Redis.TrackRoutes),
		)
		async := infra.NewAsyncStatsStore(store, cfg.Redis.Buffer, infra.WithAsyncLogger(logger))
		defer async.Close()
		opts = append(opts, defense.WithStatsStore(async))
	}

	engine, err := defense.New(cfg.Policy(), opts...)
	if err != nil {
		logger.Error("invalid_policy", zap.Error(err))
		return err
	}
	defer func() { _ = engine.Close() }()

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("proxy_error", zap.String("request_id", getRequestID(r.Context())), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           newHandler(engine, cfg, proxy, adminBuckets, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsSrv = newMetricsServer(cfg.Server.MetricsAddr)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics_server_error", zap.Error(err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway_listening",
		zap.String("addr", cfg.Server.ListenAddr),
		zap.String("upstream", target.String()),
		zap.Bool("trust_xff", cfg.Server.TrustXFF),
		zap.Int("concurrency_max", cfg.Concurrency.Max),
		zap.Bool("redis_stats", cfg.Redis.Enabled),
		zap.Bool("admin_api", cfg.Admin.Token != ""),
		zap.String("metrics_addr", cfg.Server.MetricsAddr),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// newHandler monta o roteador: /healthz do próprio gateway, /admin (com
// /admin/metrics) e o restante passando por Middleware -> ConcurrencyMiddleware -> upstream.
func newHandler(engine *defense.Engine, cfg *config.Config, upstream http.Handler, adminBuckets *infra.TokenBuckets, logger *zap.Logger) http.Handler {
	sourceFn := defense.DefaultSourceFunc(cfg.Server.SourceHeader, cfg.Server.TrustXFF)

	r := chi.NewRouter()
	r.Use(requestID, accessLog(logger), middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	defense.MountAdmin(r, engine, defense.AdminOptions{
		Token:    cfg.Admin.Token,
		Buckets:  adminBuckets,
		SourceFn: sourceFn,
		Logger:   logger,
		Metrics:  promhttp.Handler(),
	})

	h := defense.ConcurrencyMiddleware(defense.ConcurrencyOptions{
		Max:            cfg.Concurrency.Max,
		AcquireTimeout: cfg.Concurrency.AcquireTimeout,
	})(upstream)
	h = defense.Middleware(engine, defense.Options{
		SourceFn: sourceFn,
		Classifier: defense.Classifier{
			LoginPaths:  cfg.Server.LoginPaths,
			HealthPaths: cfg.Server.HealthPaths,
		},
		UsernameFields:    cfg.Server.UsernameFields,
		InferLoginOutcome: true,
	})(h)
	r.Handle("/*", h)

	return r
}

// newMetricsServer expõe /metrics sem autenticação em um endereço separado,
// pensado para uma interface interna onde o Prometheus coleta.
func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
