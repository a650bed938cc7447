package auth

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"weft/pkg/config"
	"weft/pkg/logger"
	"weft/pkg/utils"
)

// limiterPool keeps one rate.Limiter per caller, created lazily.
type limiterPool struct {
	mu  sync.Mutex
	m   map[string]*rate.Limiter
	cfg config.RateLimitConfig
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	if l, ok := p.m[key]; ok {
		return l
	}
	rps := p.cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	burst := p.cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// Throttle limits request rate per caller id, falling back to the remote
// address for unauthenticated paths. This is transport-level protection;
// generation admission uses the domain buckets in pkg/ratelimit.
func Throttle(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	pool := &limiterPool{cfg: cfg}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := UserID(r.Context())
			if key == "" {
				key = r.RemoteAddr
			}
			if !pool.Allow(key) {
				logger.Warn("http_rate_limited", "caller", key, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
