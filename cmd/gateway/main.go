package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := readConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		logger.Fatal("invalid UPSTREAM_URL", zap.Error(err))
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("proxy error", zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- store: Redis compartilhado com fallback local por instância ---
	fallback := infra.NewFallbackStore()
	fallback.StartJanitor(ctx, 2*time.Minute)

	var store domain.BucketStore = fallback
	var failover *infra.FailoverStore
	var rdb *redis.Client
	registryOpts := []infra.RegistryOption{infra.WithRulesLogger(logger)}

	if cfg.redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		})
		defer func() { _ = rdb.Close() }()

		primary := infra.NewRedisBucketStore(rdb, infra.WithBucketTimeout(cfg.storeTimeout))
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		err := primary.Ping(pingCtx)
		pingCancel()
		if err != nil {
			// sobe mesmo assim: o failover serve do fallback e sonda a volta
			logger.Warn("redis unreachable at startup, starting degraded", zap.Error(err))
		}

		failover = infra.NewFailoverStore(primary, fallback,
			infra.WithFailoverLogger(logger),
			infra.WithFailoverBackoff(cfg.retryBase, cfg.retryMax),
		)
		store = failover
		registryOpts = append(registryOpts, infra.WithOverrideStore(rdb, "rl:override:"))
	} else {
		logger.Warn("REDIS_ADDR not set: per-instance limiting only, no shared state")
	}

	// --- regras: arquivo YAML + reload a quente + overrides com TTL ---
	registry, err := infra.NewRegistry(cfg.rulesFile, registryOpts...)
	if err != nil {
		logger.Fatal("invalid rules file", zap.Error(err))
	}
	if err := registry.Watch(ctx); err != nil {
		logger.Fatal("rules watcher error", zap.Error(err))
	}
	registry.StartOverrideRefresh(ctx, cfg.overrideRefresh)
	if rdb != nil {
		if err := registry.RefreshOverrides(ctx); err != nil {
			logger.Warn("initial override refresh failed", zap.Error(err))
		}
	}

	// --- estatísticas: coletor local (+ agregado no Redis, se habilitado) ---
	var collectorOpts []infra.CollectorOption
	if failover != nil {
		collectorOpts = append(collectorOpts, infra.WithDegradedSource(failover.DegradedSeconds))
	}
	collector := infra.NewCollector(collectorOpts...)

	stats := domain.StatsStore(collector)
	if cfg.statsRedis && rdb != nil {
		stats = infra.Tee(collector, infra.NewRedisStatsStore(rdb,
			infra.WithStatsPrefix(cfg.statsPrefix),
			infra.WithStatsTTL(cfg.statsTTL),
		))
	}

	// --- cadeia de middlewares (admissão por fora, concorrência por dentro) ---
	h := http.Handler(proxy)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
		Max:            cfg.concurrencyMax,
		RejectStatus:   http.StatusServiceUnavailable,
		AcquireTimeout: cfg.concurrencyTimeout,
	})(h)
	h = ratelimit.Middleware(ratelimit.Options{
		Store:              store,
		Rules:              registry,
		Stats:              stats,
		Logger:             logger,
		Policy:             cfg.policy,
		IPHeader:           cfg.ipHeader,
		TrustXForwardedFor: cfg.trustXFF,
		IdentityFn:         ratelimit.HeaderIdentityFunc(cfg.identityHeader),
		BypassHeader:       cfg.bypassHeader,
		BypassToken:        cfg.bypassToken,
	})(h)

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	// --- superfície administrativa + métricas, em porta separada ---
	adminMux := http.NewServeMux()
	adminMux.Handle("/ratelimit/", ratelimit.AdminHandler(ratelimit.AdminOptions{
		Admin:  application.AdminService{Store: store, Stats: collector},
		Token:  cfg.adminToken,
		Logger: logger,
	}))
	adminMux.Handle("/metrics", promhttp.Handler())
	adminSrv := &http.Server{
		Addr:              cfg.adminAddr,
		Handler:           adminMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = adminSrv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("admin listening", zap.String("addr", cfg.adminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server error", zap.Error(err))
		}
	}()

	logger.Info("gateway listening",
		zap.String("addr", cfg.listenAddr),
		zap.String("upstream", target.String()),
		zap.String("rules", cfg.rulesFile),
		zap.String("policy", string(cfg.policy)),
		zap.Bool("shared_store", rdb != nil),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}

type config struct {
	listenAddr  string
	upstreamURL string

	redisAddr     string
	redisPassword string
	redisDB       int
	storeTimeout  time.Duration
	retryBase     time.Duration
	retryMax      time.Duration

	rulesFile       string
	overrideRefresh time.Duration

	policy application.Policy

	ipHeader       string
	trustXFF       bool
	identityHeader string

	bypassHeader string
	bypassToken  string

	adminAddr  string
	adminToken string

	statsRedis  bool
	statsPrefix string
	statsTTL    time.Duration

	concurrencyMax     int
	concurrencyTimeout time.Duration
}

func readConfig() (config, error) {
	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.upstreamURL = os.Getenv("UPSTREAM_URL")

	cfg.redisAddr = os.Getenv("REDIS_ADDR")
	cfg.redisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.redisDB = getenvIntDefault("REDIS_DB", 0)
	// IMPORTANTE: o timeout do round trip fica curto de propósito (50-100ms).
	// Mais que isso e cada requisição do gateway paga a latência do Redis
	// doente antes de cair no fallback.
	cfg.storeTimeout = getenvDurationDefault("STORE_TIMEOUT", 75*time.Millisecond)
	cfg.retryBase = getenvDurationDefault("STORE_RETRY_BASE", 500*time.Millisecond)
	cfg.retryMax = getenvDurationDefault("STORE_RETRY_MAX", 30*time.Second)

	cfg.rulesFile = os.Getenv("RULES_FILE")
	cfg.overrideRefresh = getenvDurationDefault("OVERRIDE_REFRESH", 30*time.Second)

	switch strings.ToLower(getenvDefault("ADMISSION_POLICY", "fail_open")) {
	case "fail_open":
		cfg.policy = application.PolicyFailOpen
	case "fail_closed":
		cfg.policy = application.PolicyFailClosed
	default:
		return config{}, errors.New("ADMISSION_POLICY must be fail_open or fail_closed")
	}

	cfg.ipHeader = os.Getenv("IP_HEADER")
	cfg.trustXFF = getenvBoolDefault("TRUST_XFF", false)
	cfg.identityHeader = getenvDefault("IDENTITY_HEADER", "X-User-ID")

	cfg.bypassHeader = getenvDefault("BYPASS_HEADER", "X-RateLimit-Bypass")
	cfg.bypassToken = os.Getenv("BYPASS_TOKEN")

	cfg.adminAddr = getenvDefault("ADMIN_ADDR", ":9090")
	cfg.adminToken = os.Getenv("ADMIN_TOKEN")

	cfg.statsRedis = getenvBoolDefault("STATS_REDIS_ENABLED", false)
	cfg.statsPrefix = getenvDefault("STATS_PREFIX", "rl:stats")
	cfg.statsTTL = getenvDurationDefault("STATS_TTL", 24*time.Hour)

	cfg.concurrencyMax = getenvIntDefault("CONCURRENCY_MAX", 100)
	cfg.concurrencyTimeout = getenvDurationDefault("CONCURRENCY_TIMEOUT", 0)

	if cfg.upstreamURL == "" {
		return config{}, errors.New("UPSTREAM_URL is required")
	}
	if cfg.rulesFile == "" {
		return config{}, errors.New("RULES_FILE is required")
	}
	if cfg.statsRedis && cfg.redisAddr == "" {
		return config{}, errors.New("STATS_REDIS_ENABLED=true requires REDIS_ADDR")
	}
	if cfg.concurrencyMax < 0 {
		return config{}, errors.New("CONCURRENCY_MAX must be >= 0")
	}
	return cfg, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
