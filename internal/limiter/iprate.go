// Package limiter throttles the agent's HTTP surface per client address.
package limiter

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/nigping/relay-agent/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GCPeriod is how often idle limiters are dropped.
const GCPeriod = time.Minute

// IPRateLimiter applies the same limits to every client IP.
type IPRateLimiter struct {
	ips        map[netip.Addr]*rate.Limiter
	mu         sync.Mutex
	rateLimit  rate.Limit
	bucketSize int
}

// NewIPRateLimiter returns a new IPRateLimiter.
func NewIPRateLimiter(rateLimit rate.Limit, bucketSize int) *IPRateLimiter {
	return &IPRateLimiter{
		ips:        make(map[netip.Addr]*rate.Limiter),
		rateLimit:  rateLimit,
		bucketSize: bucketSize,
	}
}

// Get returns the limiter for ip, creating it on first use.
func (l *IPRateLimiter) Get(ip netip.Addr) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.ips[ip]
	if !exists {
		limiter = rate.NewLimiter(l.rateLimit, l.bucketSize)
		l.ips[ip] = limiter
	}
	return limiter
}

// Len returns the number of tracked addresses.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ips)
}

// RunGC periodically drops limiters whose bucket has refilled.
func (l *IPRateLimiter) RunGC(ctx context.Context) {
	ticker := time.NewTicker(GCPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.DoGC(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// DoGC runs a single round of garbage collection.
func (l *IPRateLimiter) DoGC(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, val := range l.ips {
		// a full bucket means the client has been idle; the tokens spent here don't matter
		if val.AllowN(now, l.bucketSize) {
			delete(l.ips, key)
		}
	}
}

// Middleware answers 429 once a client exceeds its budget.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	log := logger.New("limiter")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, ok := clientIP(r.RemoteAddr)
		if ok && !l.Get(ip).Allow() {
			log.Debug("Rate limited request",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path))
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(remoteAddr string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
