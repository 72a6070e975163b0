package admission

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"admission-core/dispatch/domain"
)

// KeyFunc extracts the ClientKey an inbound request should be admitted
// under.
type KeyFunc func(r *http.Request) ClientKey

// DefaultKeyFunc keys by a trusted request header if keyHeader is set
// and present, else (if trustXFF) the first hop of X-Forwarded-For, else
// RemoteAddr's host.
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) ClientKey {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return ClientKey(v)
			}
		}

		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				parts := strings.Split(xff, ",")
				if ip := strings.TrimSpace(parts[0]); ip != "" {
					return ClientKey(ip)
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return ClientKey(host)
		}
		if r.RemoteAddr != "" {
			return ClientKey(r.RemoteAddr)
		}
		return "unknown"
	}
}

type rateInfo interface {
	RPS() float64
	Burst() int
}

// HTTPOptions configures Middleware.
type HTTPOptions struct {
	KeyFn               KeyFunc
	KeyHeader           string
	TrustXForwardedFor  bool
	RateLimitStatus     int
	BulkheadStatus      int
	RejectStatus        int // legacy single-status override; 0 leaves the per-reason defaults
	AddRateLimitHeaders bool
	Stats               domain.StatsStore
}

// Middleware wraps next with one admission check per request: the
// Gate's rate limit and bulkhead both have to admit before next runs.
func Middleware(g *Gate, opts HTTPOptions) func(http.Handler) http.Handler {
	rateLimitStatus := opts.RateLimitStatus
	if rateLimitStatus == 0 {
		rateLimitStatus = http.StatusTooManyRequests
	}
	bulkheadStatus := opts.BulkheadStatus
	if bulkheadStatus == 0 {
		bulkheadStatus = http.StatusServiceUnavailable
	}
	if opts.RejectStatus != 0 {
		rateLimitStatus, bulkheadStatus = opts.RejectStatus, opts.RejectStatus
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)

			if opts.AddRateLimitHeaders {
				w.Header().Set("X-RateLimit-Key", string(key))
				if ri, ok := g.Limiter.(rateInfo); ok {
					w.Header().Set("X-RateLimit-RPS", strconv.FormatFloat(ri.RPS(), 'f', -1, 64))
					w.Header().Set("X-RateLimit-Burst", strconv.Itoa(ri.Burst()))
				}
			}

			dec := g.Decide(r.Context(), key)
			if opts.Stats != nil {
				event := "inbound_admitted"
				if !dec.Admitted {
					event = "inbound_rejected"
				}
				_ = opts.Stats.Record(r.Context(), domain.StatsEvent{Event: event, At: time.Now()})
			}
			if !dec.Admitted {
				if dec.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(dec.RetryAfter.Seconds())))
				}
				status := bulkheadStatus
				if dec.Reason == RejectedByRateLimit {
					status = rateLimitStatus
				}
				http.Error(w, http.StatusText(status), status)
				return
			}
			defer dec.Release()

			next.ServeHTTP(w, r)
		})
	}
}
