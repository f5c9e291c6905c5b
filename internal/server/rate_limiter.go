package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/livechat/internal/config"
)

// newFrameLimiter allows cfg.Burst frames per cfg.RefillInterval per connection.
func newFrameLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Limit(float64(burst)/interval.Seconds()), burst)
}

// limiterIdleTTL is how long an unused per-IP limiter is kept.
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool hands out one token bucket per client IP. Buckets idle for
// longer than limiterIdleTTL are evicted.
type limiterPool struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rps       rate.Limit
	burst     int
	trusted   map[string]struct{}
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterPool(cfg config.HTTPRateLimitConfig) *limiterPool {
	return &limiterPool{
		limiters: make(map[string]*limiterEntry),
		rps:      rate.Limit(cfg.RPS),
		burst:    cfg.Burst,
		trusted: lo.SliceToMap(cfg.TrustedProxies, func(ip string) (string, struct{}) {
			return ip, struct{}{}
		}),
		now: time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if now.Sub(p.lastSweep) >= limiterIdleTTL {
		p.sweep(now)
	}
	entry, ok := p.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(p.rps, p.burst)}
		p.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// sweep drops idle buckets. Callers hold p.mu.
func (p *limiterPool) sweep(now time.Time) {
	for key, entry := range p.limiters {
		if now.Sub(entry.lastSeen) >= limiterIdleTTL {
			delete(p.limiters, key)
		}
	}
	p.lastSweep = now
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}

// allow takes a token for the request's client and returns the IP it was
// charged to.
func (p *limiterPool) allow(r *http.Request) (string, bool) {
	ip := p.clientIP(r)
	return ip, p.get(ip).Allow()
}

// clientIP is the direct peer address. X-Forwarded-For is consulted only
// when the peer is a trusted proxy; the rightmost hop that is not itself a
// trusted proxy is the client.
func (p *limiterPool) clientIP(r *http.Request) string {
	peer := remoteHost(r.RemoteAddr)
	if _, ok := p.trusted[peer]; !ok {
		return peer
	}
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return peer
	}
	hops := strings.Split(fwd, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			return peer
		}
		hop := addr.Unmap().String()
		if _, ok := p.trusted[hop]; !ok {
			return hop
		}
	}
	return peer
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String()
	}
	return host
}
