package admission

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/reqbin/reqbin/server/internal/clock"
	"github.com/reqbin/reqbin/server/internal/metrics"
)

// ErrRateLimited is returned by Admit when the client's bucket is empty.
var ErrRateLimited = errors.New("rate limited")

// Config holds the token bucket parameters.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	CleanupInterval   time.Duration
	IdleAfter         time.Duration
}

// DefaultConfig is 2 requests/second with a burst of 5, swept every minute.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 2,
		Burst:             5,
		CleanupInterval:   60 * time.Second,
		IdleAfter:         60 * time.Second,
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// Controller admits or rejects requests per client key.
type Controller struct {
	buckets sync.Map // key -> *bucket
	size    atomic.Int64
	cfg     atomic.Pointer[Config]

	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Options carries the optional collaborators of a Controller.
type Options struct {
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// New returns a Controller using cfg. Zero fields of cfg take defaults.
func New(cfg Config, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  opts.Logger.With("component", "admission"),
	}
	c.cfg.Store(normalize(cfg))
	return c
}

func normalize(cfg Config) *Config {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = cfg.CleanupInterval
	}
	return &cfg
}

// Allow consumes one token from key's bucket and reports whether one was
// available. An unseen key starts with a full bucket.
func (c *Controller) Allow(key string) bool {
	now := c.clock.Now()
	b := c.bucketFor(key)
	b.lastSeen.Store(now.UnixNano())
	if b.lim.AllowN(now, 1) {
		return true
	}
	c.metrics.Reject(metrics.ReasonRateLimited)
	return false
}

// Admit is Allow expressed as an error.
func (c *Controller) Admit(key string) error {
	if !c.Allow(key) {
		return ErrRateLimited
	}
	return nil
}

func (c *Controller) bucketFor(key string) *bucket {
	if v, ok := c.buckets.Load(key); ok {
		return v.(*bucket)
	}
	cfg := c.cfg.Load()
	fresh := &bucket{lim: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
	v, loaded := c.buckets.LoadOrStore(key, fresh)
	if !loaded {
		c.size.Add(1)
	}
	return v.(*bucket)
}

// Sweep drops buckets idle for longer than IdleAfter and returns how many
// were removed. A dropped client starts over with a full bucket.
func (c *Controller) Sweep() int {
	cutoff := c.clock.Now().Add(-c.cfg.Load().IdleAfter).UnixNano()
	removed := 0
	c.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		if b.lastSeen.Load() < cutoff && c.buckets.CompareAndDelete(k, b) {
			c.size.Add(-1)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of tracked client keys.
func (c *Controller) Len() int { return int(c.size.Load()) }

// Run sweeps every CleanupInterval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	t := time.NewTicker(c.cfg.Load().CleanupInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			removed := c.Sweep()
			c.logger.Debug("rate limiter sweep", "removed", removed, "buckets", c.Len())
		}
	}
}

// Reconfigure applies new rate and burst values to new and existing buckets.
// The sweep interval is fixed at construction.
func (c *Controller) Reconfigure(rps float64, burst int) {
	cur := *c.cfg.Load()
	cur.RequestsPerSecond = rps
	cur.Burst = burst
	cfg := normalize(cur)
	c.cfg.Store(cfg)

	now := c.clock.Now()
	c.buckets.Range(func(_, v any) bool {
		b := v.(*bucket)
		b.lim.SetLimitAt(now, rate.Limit(cfg.RequestsPerSecond))
		b.lim.SetBurstAt(now, cfg.Burst)
		return true
	})
	c.logger.Info("rate limits updated", "requests_per_second", cfg.RequestsPerSecond, "burst", cfg.Burst)
}

// Middleware rejects requests over the caller's budget with 429 and a JSON
// error body.
func (c *Controller) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.Allow(ClientKey(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": ErrRateLimited.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientKey identifies the caller by peer IP address.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
