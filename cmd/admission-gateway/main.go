package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"admission-core/dispatch"
	"admission-core/dispatch/domain"
	"admission-core/dispatch/infra"

	"admission-core/middleware/admission"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := readConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		log.Fatalf("invalid UPSTREAM_URL: %v", err)
	}

	logger := infra.DefaultLogRegistry()

	var admissionStats domain.StatsStore
	if cfg.admissionStatsEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.admissionStatsRedisAddr,
			Password: cfg.admissionStatsRedisPassword,
			DB:       cfg.admissionStatsRedisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		cancel()
		if err != nil {
			log.Fatalf("redis admission-stats ping error: %v", err)
		}
		admissionStats = infra.NewRedisStatsStore(rdb, infra.WithStatsPrefix(cfg.admissionStatsPrefix))
	} else {
		admissionStats = infra.NewMemoryStatsStore()
	}

	dispatcher := dispatch.New(
		dispatch.WithLogger(logger),
		dispatch.WithStats(admissionStats),
		dispatch.WithMaxConnectionsPerEndpoint(cfg.admissionMaxConnections),
		dispatch.WithMaxLongRunningPerEndpoint(cfg.admissionMaxLongRunning),
		dispatch.WithUseSharedTransport(cfg.admissionSharedTransport),
	)
	defer dispatcher.Dispose()

	proxy := newAdmissionProxy(dispatcher, target, cfg.longPathPrefixes, cfg.admissionTimeout)

	var rlStats domain.StatsStore
	if cfg.rateStatsEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.rateStatsRedisAddr,
			Password: cfg.rateStatsRedisPassword,
			DB:       cfg.rateStatsRedisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		cancel()
		if err != nil {
			log.Fatalf("redis rate-stats ping error: %v", err)
		}
		rlStats = infra.NewRedisStatsStore(
			rdb,
			infra.WithStatsPrefix(cfg.rateStatsPrefix),
			infra.WithStatsTTL(cfg.rateStatsTTL),
			infra.WithStatsBucket(cfg.rateStatsBucket),
		)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gate := &admission.Gate{
		AcquireTimeout: cfg.concurrencyTimeout,
		RetryAfter:     cfg.retryAfter,
	}
	if cfg.rateEnabled {
		limiter := admission.NewTokenBucketLimiter(cfg.rateRPS, cfg.rateBurst)
		limiter.StartJanitor(ctx)
		gate.Limiter = limiter
	}
	if cfg.concurrencyMax > 0 {
		gate.Bulkhead = admission.NewChanBulkhead(cfg.concurrencyMax)
	}

	h := http.Handler(proxy)
	h = admission.Middleware(gate, admission.HTTPOptions{
		KeyHeader:           cfg.rateKeyHeader,
		TrustXForwardedFor:  cfg.trustXFF,
		AddRateLimitHeaders: cfg.addHeaders,
		Stats:               rlStats,
	})(h)

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // long-class requests may stream past any fixed write deadline
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("admission-gateway listening on %s -> %s", cfg.listenAddr, target)
	log.Printf("admission: maxConnPerEndpoint=%d maxLongPerEndpoint=%d sharedTransport=%v timeout=%s longPrefixes=%v",
		cfg.admissionMaxConnections, cfg.admissionMaxLongRunning, cfg.admissionSharedTransport, cfg.admissionTimeout, cfg.longPathPrefixes)
	log.Printf("rate: enabled=%v rps=%.3f burst=%d keyHeader=%q trustXFF=%v", cfg.rateEnabled, cfg.rateRPS, cfg.rateBurst, cfg.rateKeyHeader, cfg.trustXFF)
	log.Printf("concurrency: max=%d acquireTimeout=%s", cfg.concurrencyMax, cfg.concurrencyTimeout)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

// admissionProxy forwards requests to target through a dispatch.UrlDispatcher
// instead of a bare httputil.ReverseProxy, so the outbound leg is itself
// under per-endpoint admission control: dispatched synchronously, which
// admits every request under the Short quota, and bounded by timeout
// unless its path matches one of longPathPrefixes.
type admissionProxy struct {
	dispatcher       *dispatch.UrlDispatcher
	target           *url.URL
	longPathPrefixes []string
	timeout          time.Duration
}

func newAdmissionProxy(d *dispatch.UrlDispatcher, target *url.URL, longPathPrefixes []string, timeout time.Duration) *admissionProxy {
	return &admissionProxy{dispatcher: d, target: target, longPathPrefixes: longPathPrefixes, timeout: timeout}
}

func (p *admissionProxy) classify(r *http.Request) domain.RequestClass {
	for _, prefix := range p.longPathPrefixes {
		if prefix != "" && strings.HasPrefix(r.URL.Path, prefix) {
			return domain.Long
		}
	}
	return domain.Short
}

func (p *admissionProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	outURL := *r.URL
	outURL.Scheme = p.target.Scheme
	outURL.Host = p.target.Host

	header := make(domain.Header, len(r.Header))
	for k, v := range r.Header {
		header[k] = v
	}
	header.Set("X-Forwarded-Host", r.Host)

	timeout := p.timeout
	if p.classify(r) == domain.Long {
		timeout = 0 // long-class requests are not bounded by the gateway's own timeout
	}

	req := &domain.Request{
		URL:     &outURL,
		Method:  r.Method,
		Header:  header,
		Body:    r.Body,
		Timeout: timeout,
	}

	ctx := r.Context()
	data, resp, err := p.dispatcher.DispatchSynchronous(ctx, req)
	if err != nil {
		log.Printf("admission proxy error: %v", err)
		var exhausted *domain.ErrResourceExhausted
		var timeout *domain.ErrTimeout
		var invalid *domain.ErrInvalidArgument
		switch {
		case errors.As(err, &exhausted):
			http.Error(w, "upstream endpoint at capacity", http.StatusServiceUnavailable)
		case errors.As(err, &timeout):
			http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
		case errors.As(err, &invalid):
			http.Error(w, "bad request", http.StatusBadRequest)
		default:
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}
		return
	}

	if resp != nil {
		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_, _ = io.Copy(w, bytes.NewReader(data))
}

type config struct {
	listenAddr string

	upstreamURL       string
	longPathPrefixes  []string
	admissionTimeout  time.Duration

	admissionMaxConnections int
	admissionMaxLongRunning int
	admissionSharedTransport bool

	admissionStatsEnabled       bool
	admissionStatsRedisAddr     string
	admissionStatsRedisPassword string
	admissionStatsRedisDB       int
	admissionStatsPrefix        string

	rateEnabled        bool
	rateRPS            float64
	rateBurst          int
	rateKeyHeader      string
	trustXFF           bool
	retryAfter         time.Duration
	addHeaders         bool
	concurrencyMax     int
	concurrencyTimeout time.Duration

	rateStatsEnabled       bool
	rateStatsRedisAddr     string
	rateStatsRedisPassword string
	rateStatsRedisDB       int
	rateStatsPrefix        string
	rateStatsTTL           time.Duration
	rateStatsBucket        string
}

func readConfig() (config, error) {
	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.upstreamURL = os.Getenv("UPSTREAM_URL")
	cfg.longPathPrefixes = splitNonEmpty(os.Getenv("ADMISSION_LONG_PATH_PREFIXES"), ",")
	cfg.admissionTimeout = getenvDurationDefault("ADMISSION_TIMEOUT", 30*time.Second)
	cfg.admissionMaxConnections = getenvIntDefault("ADMISSION_MAX_CONNECTIONS_PER_ENDPOINT", 4)
	cfg.admissionMaxLongRunning = getenvIntDefault("ADMISSION_MAX_LONG_RUNNING_PER_ENDPOINT", 2)
	cfg.admissionSharedTransport = getenvBoolDefault("ADMISSION_USE_SHARED_TRANSPORT", true)

	cfg.admissionStatsEnabled = getenvBoolDefault("ADMISSION_STATS_ENABLED", false)
	cfg.admissionStatsRedisAddr = getenvDefault("ADMISSION_STATS_REDIS_ADDR", "")
	cfg.admissionStatsRedisPassword = os.Getenv("ADMISSION_STATS_REDIS_PASSWORD")
	cfg.admissionStatsRedisDB = getenvIntDefault("ADMISSION_STATS_REDIS_DB", 0)
	cfg.admissionStatsPrefix = getenvDefault("ADMISSION_STATS_PREFIX", "admission:stats")

	cfg.rateEnabled = getenvBoolDefault("RATE_ENABLED", true)
	cfg.rateRPS = getenvFloatDefault("RATE_RPS", 10)
	if burst, ok := getenvInt("RATE_BURST"); ok {
		cfg.rateBurst = burst
	} else {
		cfg.rateBurst = 20
		if getenvIsSet("RATE_RPS") && cfg.rateRPS > 0 && cfg.rateRPS < 1 {
			cfg.rateBurst = 1
		}
	}
	cfg.rateKeyHeader = os.Getenv("RATE_KEY_HEADER")
	cfg.trustXFF = getenvBoolDefault("TRUST_XFF", false)
	cfg.retryAfter = getenvDurationDefault("RETRY_AFTER", 1*time.Second)
	cfg.addHeaders = getenvBoolDefault("ADD_RATELIMIT_HEADERS", false)
	cfg.concurrencyMax = getenvIntDefault("CONCURRENCY_MAX", 100)
	cfg.concurrencyTimeout = getenvDurationDefault("CONCURRENCY_TIMEOUT", 0)

	cfg.rateStatsEnabled = getenvBoolDefault("RATE_STATS_ENABLED", false)
	cfg.rateStatsRedisAddr = getenvDefault("RATE_STATS_REDIS_ADDR", "")
	cfg.rateStatsRedisPassword = os.Getenv("RATE_STATS_REDIS_PASSWORD")
	cfg.rateStatsRedisDB = getenvIntDefault("RATE_STATS_REDIS_DB", 0)
	cfg.rateStatsPrefix = getenvDefault("RATE_STATS_PREFIX", "ratelimit:stats")
	cfg.rateStatsTTL = getenvDurationDefault("RATE_STATS_TTL", 24*time.Hour)
	cfg.rateStatsBucket = getenvDefault("RATE_STATS_BUCKET", "minute")

	if cfg.admissionStatsEnabled && strings.TrimSpace(cfg.admissionStatsRedisAddr) == "" {
		return config{}, errors.New("ADMISSION_STATS_REDIS_ADDR is required when ADMISSION_STATS_ENABLED=true")
	}
	if cfg.rateStatsEnabled && strings.TrimSpace(cfg.rateStatsRedisAddr) == "" {
		return config{}, errors.New("RATE_STATS_REDIS_ADDR is required when RATE_STATS_ENABLED=true")
	}
	if cfg.upstreamURL == "" {
		return config{}, errors.New("UPSTREAM_URL is required")
	}
	if cfg.rateRPS <= 0 {
		return config{}, errors.New("RATE_RPS must be > 0")
	}
	if cfg.rateBurst <= 0 {
		return config{}, errors.New("RATE_BURST must be > 0")
	}
	if cfg.concurrencyMax < 0 {
		return config{}, errors.New("CONCURRENCY_MAX must be >= 0")
	}
	if cfg.admissionMaxConnections <= 0 {
		return config{}, errors.New("ADMISSION_MAX_CONNECTIONS_PER_ENDPOINT must be > 0")
	}
	if cfg.admissionMaxLongRunning < 0 || cfg.admissionMaxLongRunning > cfg.admissionMaxConnections {
		return config{}, errors.New("ADMISSION_MAX_LONG_RUNNING_PER_ENDPOINT must be between 0 and ADMISSION_MAX_CONNECTIONS_PER_ENDPOINT")
	}
	return cfg, nil
}

func splitNonEmpty(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
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

func getenvInt(k string) (int, bool) {
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

func getenvIsSet(k string) bool {
	v, ok := os.LookupEnv(k)
	return ok && v != ""
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
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
