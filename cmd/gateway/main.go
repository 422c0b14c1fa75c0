package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nullbridge/apigw/internal/admin"
	"github.com/nullbridge/apigw/internal/auth"
	"github.com/nullbridge/apigw/internal/config"
	"github.com/nullbridge/apigw/internal/logbuffer"
	"github.com/nullbridge/apigw/internal/logging"
	"github.com/nullbridge/apigw/internal/mw"
	"github.com/nullbridge/apigw/internal/netx"
	"github.com/nullbridge/apigw/internal/pipeline"
	"github.com/nullbridge/apigw/internal/proxy"
	"github.com/nullbridge/apigw/internal/ratelimit"
	"github.com/nullbridge/apigw/internal/router"
)

func main() {
	var configPath string
	var validateOnly bool
	flag.StringVar(&configPath, "config", "./config/config.example.yaml", "path to yaml config")
	flag.BoolVar(&validateOnly, "validate-config", false, "validate config and exit")
	flag.Parse()

	log := logging.New()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if validateOnly {
		log.Info("config ok")
		return
	}

	s, err := config.BuildStore(cfg)
	if err != nil {
		log.Error("failed to build config store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	limiter := buildLimiter(cfg, log)
	defer limiter.Close()
	s.AddInvalidator(limiter)

	transport := proxy.NewTransport(proxy.TransportConfig{
		DialTimeout:           time.Duration(cfg.Server.DialTimeoutSeconds) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.Server.TLSHandshakeTimeoutSeconds) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Server.ResponseHeaderTimeoutSeconds) * time.Second,
		IdleConnTimeout:       time.Duration(cfg.Server.IdleConnTimeoutSeconds) * time.Second,
		MaxIdleConns:          cfg.Server.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Server.MaxIdleConnsPerHost,
	})

	trusted, err := netx.ParseCIDRSet(cfg.Server.TrustedProxies)
	if err != nil {
		log.Error("invalid server.trusted_proxies", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logs := logbuffer.New(cfg.Server.LogRingSize)

	p := &pipeline.Pipeline{
		Resolver:  router.New(s.ListRoutes()),
		Verifier:  auth.New(s),
		Limiter:   limiter,
		Forwarder: proxy.New(transport, time.Duration(cfg.Server.ForwardTimeoutSeconds)*time.Second),
		Logs:      logs,
		IPs:       netx.IPResolver{Trusted: trusted},
	}

	reg := prometheus.NewRegistry()
	metrics := mw.NewMetrics(reg)
	guard := admin.Guard{StaticKey: cfg.Admin.Key, JWTSecret: []byte(cfg.Admin.JWTSecret)}
	throttle := admin.NewWriteThrottle(cfg.Admin.WriteRPS, cfg.Admin.WriteBurst)
	handlers := &admin.Handlers{Store: s, Logs: logs}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	wrapAdmin := func(routeName string, h http.Handler) http.Handler {
		h = guard.Wrap(h)
		h = mw.AccessLog(log, h)
		h = mw.Instrument(metrics, h)
		h = mw.WithRoute(h, routeName)
		h = mw.RequestID(h)
		return h
	}
	clearLogsThrottled := throttle.Wrap(http.HandlerFunc(handlers.ClearLogs))
	logsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handlers.GetLogs(w, r)
		case http.MethodDelete:
			clearLogsThrottled.ServeHTTP(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.Handle("/admin/metrics", wrapAdmin("admin_metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	mux.Handle("/admin/logs", wrapAdmin("admin_logs", logsHandler))
	mux.Handle("/admin/keys", wrapAdmin("admin_keys", http.HandlerFunc(handlers.GetKeys)))
	mux.Handle("/admin/key-policy", wrapAdmin("admin_key_policy", throttle.Wrap(http.HandlerFunc(handlers.SetKeyPolicy))))

	mux.Handle("/", mw.RequestID(mw.WithRoute(mw.Instrument(metrics, mw.AccessLog(log, mw.Recover(
		mw.MaxBodyBytes(cfg.Server.MaxBodyBytes, p),
	))), "proxy")))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Info("apigw listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownGraceSeconds)*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("shutdown complete")
}

func buildLimiter(cfg *config.GatewayConfig, log *slog.Logger) ratelimit.Limiter {
	switch strings.ToLower(cfg.RateLimitBackend) {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable; falling back to memory limiter", slog.String("error", err.Error()))
			return ratelimit.NewMemoryLimiter(5*time.Minute, time.Minute)
		}
		return ratelimit.NewRedisLimiter(rdb)
	default:
		return ratelimit.NewMemoryLimiter(5*time.Minute, time.Minute)
	}
}
