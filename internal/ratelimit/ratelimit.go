// Package ratelimit bounds traffic in two places: a fixed-window budget on
// calls into the upstream price source (Window), shared across instances
// through the store, and a per-client token bucket on the gateway's own API
// (Limiter), held in process memory.
package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/price-gateway/internal/apierror"
	"github.com/dskow/price-gateway/internal/auth"
	"github.com/dskow/price-gateway/internal/config"
	"github.com/dskow/price-gateway/internal/metrics"
)

const (
	cleanupInterval = time.Minute
	idleTimeout     = 3 * time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks a token bucket per client. A client is the authenticated
// JWT subject when present, otherwise the client IP.
type Limiter struct {
	mu           sync.RWMutex
	clients      map[string]*client
	enabled      bool
	rate         rate.Limit
	burst        int
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// ClientStat is one row of the limiter snapshot.
type ClientStat struct {
	Client   string    `json:"client"`
	Tokens   float64   `json:"tokens"`
	LastSeen time.Time `json:"last_seen"`
}

// New creates a Limiter and starts a background goroutine that evicts idle
// clients. trustedProxies is a list of CIDR strings (e.g. "10.0.0.0/8")
// whose X-Forwarded-For headers are trusted.
func New(cfg config.ClientRateLimitConfig, trustedProxies []string, logger *slog.Logger) *Limiter {
	l := &Limiter{
		clients:      make(map[string]*client),
		enabled:      cfg.Enabled,
		rate:         rate.Limit(cfg.RequestsPerSecond),
		burst:        cfg.BurstSize,
		trustedCIDRs: parseCIDRs(trustedProxies, logger),
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// UpdateConfig hot-reloads the limits. Existing buckets are dropped so the
// new limits apply on the next request.
func (l *Limiter) UpdateConfig(cfg config.ClientRateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.enabled = cfg.Enabled
	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.BurstSize
	l.clients = make(map[string]*client)
}

// Middleware returns an HTTP middleware that enforces the per-client limit.
// It must run after auth.Middleware so the subject is known.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l.mu.RLock()
			enabled, limit := l.enabled, l.rate
			l.mu.RUnlock()

			if !enabled {
				next.ServeHTTP(w, r)
				return
			}

			key := l.ClientKey(r)
			if !l.getLimiter(key).Allow() {
				l.logger.Warn("client rate limit exceeded", "client", key, "path", r.URL.Path)
				metrics.RateLimitHits.WithLabelValues(string(apierror.OriginClientQuota)).Inc()
				apierror.WriteError(w, r, &apierror.RateLimitError{
					Origin:     apierror.OriginClientQuota,
					RetryAfter: refillInterval(limit),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func refillInterval(limit rate.Limit) time.Duration {
	if limit <= 0 || math.IsInf(float64(limit), 1) {
		return time.Second
	}
	return time.Duration(float64(time.Second) / float64(limit))
}

// ClientKey identifies the caller: "user:<subject>" for authenticated
// requests, "ip:<addr>" otherwise.
func (l *Limiter) ClientKey(r *http.Request) string {
	if sub := auth.Subject(r.Context()); sub != "" {
		return "user:" + sub
	}
	return "ip:" + l.clientIP(r)
}

// clientIP extracts the real client IP. X-Forwarded-For is only trusted when
// the direct peer (RemoteAddr) is in the trusted proxies list.
func (l *Limiter) clientIP(r *http.Request) string {
	peerIP := extractIP(r.RemoteAddr)

	if len(l.trustedCIDRs) > 0 && l.isTrusted(peerIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Walk right-to-left, return first non-trusted IP
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !l.isTrusted(ip) {
					return ip
				}
			}
		}
	}

	return peerIP
}

func (l *Limiter) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range l.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// getLimiter returns or creates the bucket for key. rate.Limiter is safe for
// concurrent use, so Allow runs outside our lock.
func (l *Limiter) getLimiter(key string) *rate.Limiter {
	l.mu.RLock()
	if c, exists := l.clients[key]; exists {
		// Refreshing lastSeen once a minute is enough to stay clear of eviction.
		if time.Since(c.lastSeen) > cleanupInterval {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if c, exists := l.clients[key]; exists {
		c.lastSeen = time.Now()
		return c.limiter
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	l.clients[key] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

// Snapshot lists tracked clients sorted by key.
func (l *Limiter) Snapshot() []ClientStat {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make([]ClientStat, 0, len(l.clients))
	for key, c := range l.clients {
		stats = append(stats, ClientStat{
			Client:   key,
			Tokens:   c.limiter.Tokens(),
			LastSeen: c.lastSeen,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Client < stats[j].Client })
	return stats
}

func (l *Limiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > idleTimeout {
			delete(l.clients, key)
		}
	}
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			l.evictIdle(now)
		case <-l.stopCh:
			return
		}
	}
}
