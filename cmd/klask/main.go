// Command klask is the core process: it wires configuration, logging,
// metrics/tracing, the repository store, the full-text index, the
// crawler registry, and the scheduler together, then serves the
// external HTTP/JSON API. Construction order is: load config, build
// logger, start metrics and tracing, then build and wire domain
// services, then serve until a signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/klask-io/klask/internal/config"
	"github.com/klask-io/klask/internal/crawl/factory"
	"github.com/klask-io/klask/internal/crypto"
	"github.com/klask-io/klask/internal/httpapi"
	"github.com/klask-io/klask/internal/index"
	"github.com/klask-io/klask/internal/index/facet"
	"github.com/klask-io/klask/internal/middleware"
	"github.com/klask-io/klask/internal/observability"
	"github.com/klask-io/klask/internal/scheduler"
	"github.com/klask-io/klask/internal/security/ratelimit"
	"github.com/klask-io/klask/internal/store"
	"github.com/klask-io/klask/internal/tls"
)

const Version = "0.1.0"

func main() {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:         cfg.Logging.Level,
		Format:        cfg.Logging.Format,
		Output:        os.Stdout,
		AddSource:     true,
		SentryEnabled: cfg.Observability.Sentry.Enabled,
	})

	logger.Info("klask starting",
		"version", Version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"database", cfg.Database.Path,
		"index_dir", cfg.Search.IndexDir,
		"repositories_dir", cfg.Crawl.RepositoriesDir,
	)

	var metrics *observability.MetricsCollector
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.NewMetricsCollector("klask")
		go startMetricsServer(cfg.Observability.Metrics, logger)
	}
	if metrics != nil {
		metrics.SetSystemStartTime(time.Now())
	}

	var tracerProvider *observability.TracerProvider
	if cfg.Observability.Tracing.Enabled {
		tracerProvider, err = observability.NewTracerProvider(observability.TracerConfig{
			ServiceName:    "klask",
			ServiceVersion: Version,
			Environment:    cfg.Observability.Sentry.Environment,
			OTLPEndpoint:   cfg.Observability.Tracing.Endpoint,
			SamplingRate:   cfg.Observability.Tracing.SampleRate,
			Enabled:        true,
		})
		if err != nil {
			logger.Error("Failed to initialize tracing provider", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
				logger.Error("Failed to shutdown tracer provider", "error", err)
			}
		}()
	}

	if cfg.Observability.Sentry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Observability.Sentry.DSN,
			Environment:      cfg.Observability.Sentry.Environment,
			Release:          cfg.Observability.Sentry.Release,
			SampleRate:       cfg.Observability.Sentry.SampleRate,
			AttachStacktrace: true,
		}); err != nil {
			logger.Error("Failed to initialize Sentry", "error", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	repoStore, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("Failed to open repository store", "error", err)
		os.Exit(1)
	}
	defer repoStore.Close()

	idx, err := index.Open(cfg.Search.IndexDir, index.Config{
		MaxDocBytes:     cfg.Crawl.MaxFileSizeBytes,
		CommitAfterDocs: 1,
		TopFacetN:       50,
	}, logger)
	if err != nil {
		logger.Error("Failed to open index", "error", err)
		os.Exit(1)
	}
	defer idx.Close()

	if cfg.RateLimit.Redis.Enabled && cfg.Search.FacetCacheTTL > 0 {
		facetRedis := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		idx.SetFacetCache(facet.NewCache(facetRedis, time.Duration(cfg.Search.FacetCacheTTL)*time.Second))
	}

	cipher, err := crypto.New(cfg.Crypto.MasterKey)
	if err != nil {
		logger.Error("Failed to initialize credential cipher", "error", err)
		os.Exit(1)
	}

	crawlFactory := factory.NewFactory(factory.FactoryConfig{
		MirrorRoot: cfg.Crawl.RepositoriesDir,
		BatchDocs:  cfg.Crawl.BatchSize,
		BatchBytes: cfg.Crawl.BatchBytes,
	}, cipher, logger)
	crawlFactory.CursorSink = func(repoID, project string) {
		if err := repoStore.UpdateResumptionCursor(ctx, repoID, project); err != nil {
			logger.Warn("persist resumption cursor failed", "repository_id", repoID, "error", err)
		}
	}

	progress := scheduler.NewProgressRegistry()
	sched := scheduler.New(repoStore, idx, crawlFactory.Build, progress, logger, cfg.Crawl.MaxConcurrency)
	sched.Poll = cfg.Scheduler.PollInterval
	sched.DefaultTimeout = cfg.Scheduler.DefaultCrawlTimeout
	sched.Metrics = metrics

	if err := sched.RecoverAbandoned(ctx); err != nil {
		logger.Error("Failed to recover abandoned crawls", "error", err)
	}

	schedCtx, cancelScheduler := context.WithCancel(ctx)
	defer cancelScheduler()
	go sched.Run(schedCtx)

	handlers := httpapi.New(idx, sched, logger)
	handlers.Metrics = metrics
	mux := buildMux(handlers)

	securityMW := middleware.NewSecurityMiddleware(middleware.SecurityConfig{
		CSP:                 middleware.CSPConfig(cfg.Security.CSP),
		HSTS:                middleware.HSTSConfig(cfg.Security.HSTS),
		XFrameOptions:       cfg.Security.XFrameOptions,
		XContentTypeOptions: cfg.Security.XContentTypeOptions,
		ReferrerPolicy:      cfg.Security.ReferrerPolicy,
		PermissionsPolicy:   cfg.Security.PermissionsPolicy,
	}, logger)
	corsMW := middleware.NewCORSMiddleware(middleware.CORSConfig(cfg.CORS), logger)

	var handler http.Handler = mux
	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.NewRateLimiter(ratelimit.Config{
			Enabled:         cfg.RateLimit.Enabled,
			Algorithm:       ratelimit.Algorithm(cfg.RateLimit.Algorithm),
			Redis:           ratelimit.RedisConfig(cfg.RateLimit.Redis),
			Default:         ratelimit.LimitConfig(cfg.RateLimit.Default),
			Health:          ratelimit.LimitConfig(cfg.RateLimit.Health),
			Webhook:         ratelimit.LimitConfig(cfg.RateLimit.Webhook),
			BurstMultiplier: cfg.RateLimit.BurstMultiplier,
			CleanupInterval: cfg.RateLimit.CleanupInterval,
		})
		if err != nil {
			logger.Error("Failed to initialize rate limiter", "error", err)
			os.Exit(1)
		}
		rateLimitMW := middleware.NewRateLimitMiddleware(middleware.RateLimitConfig{
			RateLimiter:      limiter,
			MetricsCollector: metrics,
			SkipPaths:        cfg.RateLimit.SkipPaths,
			SkipIPs:          cfg.RateLimit.SkipIPs,
			TrustedProxies:   cfg.RateLimit.TrustedProxies,
		}, logger)
		handler = rateLimitMW.Middleware(handler)
	}
	handler = corsMW.Middleware(handler)
	handler = securityMW.Middleware(handler)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TLS.Enabled {
		tlsManager, err := tls.NewManager(&cfg.TLS, logger)
		if err != nil {
			logger.Error("Failed to initialize TLS manager", "error", err)
			os.Exit(1)
		}
		srv.TLSConfig = tlsManager.GetTLSConfig()
		if cfg.TLS.HTTPRedirectPort != 0 {
			go func() {
				if err := tlsManager.StartHTTPRedirect(ctx, cfg.Server.Port); err != nil && err != http.ErrServerClosed {
					logger.Error("HTTP redirect server failed", "error", err)
				}
			}()
		}
	}

	go func() {
		var err error
		if cfg.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("klask ready", "addr", srv.Addr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	cancelScheduler()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
}

func buildMux(h *httpapi.Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/search", h.Search)
	mux.HandleFunc("/api/facets", h.Facets)
	mux.HandleFunc("/api/filters", h.Filters)
	mux.HandleFunc("/api/document", h.GetDocument)
	mux.HandleFunc("/api/crawl/trigger", h.TriggerCrawl)
	mux.HandleFunc("/api/crawl/stop", h.StopCrawl)
	mux.HandleFunc("/api/crawl/progress", h.GetProgress)
	mux.HandleFunc("/api/crawl/active", h.ListActiveCrawls)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func startMetricsServer(cfg config.MetricsConfig, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("metrics server listening", "addr", addr, "path", cfg.Path)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}
