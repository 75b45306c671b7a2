package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/tradecore/tradecore/internal/cache"
	"github.com/tradecore/tradecore/pkg/logger"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_ratelimit_requests_total",
		Help: "Total number of rate limiter admissions",
	}, []string{"venue"})

	blockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_ratelimit_blocked_total",
		Help: "Total number of admissions that had to wait",
	}, []string{"venue"})

	waitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordinator_ratelimit_wait_seconds",
		Help:    "Time spent waiting for rate limit admission",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	shadowDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coordinator_ratelimit_shadow_window_depth",
		Help: "Entries in the KV shadow window after the last mirror write",
	}, []string{"key"})
)

// windowSpan is the trailing interval each window covers
const windowSpan = 60 * time.Second

// admitAttempts bounds re-checks after a throttle sleep
const admitAttempts = 3

// emaAlpha weights the exponential running average of wait times
const emaAlpha = 0.2

// Stats tracks admission statistics for one (venue, endpoint) key
type Stats struct {
	TotalRequests   int64   `json:"total_requests"`
	BlockedRequests int64   `json:"blocked_requests"`
	AvgWaitSeconds  float64 `json:"avg_wait_seconds"`
	MaxWaitSeconds  float64 `json:"max_wait_seconds"`
}

type entry struct {
	ts     time.Time
	weight int
}

// window is an ordered set of recent admissions for one key
type window struct {
	mu      sync.Mutex
	entries []entry
}

// Limiter gates outbound venue requests within sliding windows
type Limiter struct {
	cfg    *Config
	store  cache.Store
	mirror *rate.Limiter
	log    *logger.Logger

	// now is replaceable for tests
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
	stats   map[string]*Stats
}

// NewLimiter creates a rate limiter. store may be nil to disable the KV
// shadow entirely.
func NewLimiter(cfg *Config, store cache.Store, log *logger.Logger) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}

	return &Limiter{
		cfg:     cfg,
		store:   store,
		mirror:  rate.NewLimiter(rate.Limit(cfg.MirrorPerSec), int(cfg.MirrorPerSec)),
		log:     log,
		now:     time.Now,
		windows: make(map[string]*window),
		stats:   make(map[string]*Stats),
	}, nil
}

// Acquire blocks until admitting a request with the given weight respects
// both the venue-global and the endpoint-specific windows, then records the
// admission. It returns the total time spent waiting. A panic on the admit
// path surfaces as an error, never as a silent zero delay.
func (l *Limiter) Acquire(ctx context.Context, venue, endpoint string, weight int) (delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rate limiter panic: %v", r)
		}
	}()

	vl := l.venueLimits(venue)
	el := vl.Endpoints[endpoint]

	if weight <= 0 {
		weight = 1
		if el != nil && el.DefaultWeight > 0 {
			weight = el.DefaultWeight
		}
	}

	globalKey := venue
	globalWin := l.getWindow(globalKey)

	var endpointWin *window
	endpointKey := venue + ":" + endpoint
	if el != nil {
		endpointWin = l.getWindow(endpointKey)
	}

	var total time.Duration
	var now time.Time
	for attempt := 0; attempt < admitAttempts; attempt++ {
		now = l.now()
		force := attempt == admitAttempts-1

		wait := l.tryAdmit(globalWin, endpointWin, now, vl, el, weight, force)
		if wait <= 0 {
			break
		}

		total += wait
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(wait):
		}
	}

	l.recordStats(endpointKey, total)
	requestsTotal.WithLabelValues(venue).Inc()
	if total > 0 {
		blockedTotal.WithLabelValues(venue).Inc()
		waitSeconds.Observe(total.Seconds())
	}

	l.mirrorWindow(ctx, globalKey, endpointKey, endpointWin != nil, now, weight)

	return total, nil
}

// tryAdmit checks both windows under their locks and, when both have room
// (or force is set after the sleep budget is spent), appends the admission
// atomically. A non-zero return is the wait to retry after.
func (l *Limiter) tryAdmit(gw, ew *window, now time.Time, vl *VenueLimits, el *EndpointLimits, weight int, force bool) time.Duration {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if ew != nil {
		ew.mu.Lock()
		defer ew.mu.Unlock()
	}

	wait := waitLocked(gw, now, vl.PerSecond, vl.PerMinute)
	if ew != nil {
		if w := waitLocked(ew, now, el.PerSecond, el.PerMinute); w > wait {
			wait = w
		}
	}

	if wait > 0 && !force {
		return wait
	}

	gw.entries = append(gw.entries, entry{ts: now, weight: weight})
	if ew != nil {
		ew.entries = append(ew.entries, entry{ts: now, weight: weight})
	}
	return 0
}

// waitLocked prunes the window and computes the wait needed before a new
// entry can be admitted. Zero means admit now. Caller holds the window lock.
func waitLocked(w *window, now time.Time, perSecond, perMinute int) time.Duration {
	cutoff := now.Add(-windowSpan)
	idx := 0
	for idx < len(w.entries) && !w.entries[idx].ts.After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.entries = append(w.entries[:0], w.entries[idx:]...)
	}

	var wait time.Duration
	if len(w.entries) >= perMinute {
		if d := w.entries[0].ts.Add(windowSpan).Sub(now); d > wait {
			wait = d
		}
	}

	secCutoff := now.Add(-time.Second)
	recent := 0
	for i := len(w.entries) - 1; i >= 0; i-- {
		if w.entries[i].ts.After(secCutoff) {
			recent++
		} else {
			break
		}
	}
	if recent >= perSecond {
		if d := time.Second - now.Sub(now.Truncate(time.Second)); d > wait {
			wait = d
		}
	}

	return wait
}

// mirrorWindow shadows the admission into the KV store. Best-effort: errors
// are logged at debug and the write is skipped entirely when the mirror
// budget is exhausted.
func (l *Limiter) mirrorWindow(ctx context.Context, globalKey, endpointKey string, hasEndpoint bool, now time.Time, weight int) {
	if l.store == nil || !l.cfg.MirrorToKV {
		return
	}
	if !l.mirror.Allow() {
		return
	}

	score := float64(now.UnixNano()) / 1e9
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + strconv.Itoa(weight)

	keys := []string{"rate_limit:" + globalKey + ":global"}
	if hasEndpoint {
		keys = append(keys, "rate_limit:"+endpointKey)
	}
	for _, key := range keys {
		if err := l.store.WindowTrim(ctx, key, score-windowSpan.Seconds()); err != nil {
			l.log.Debug("Rate limit KV trim failed", "key", key, "error", err)
			continue
		}
		if err := l.store.WindowAdd(ctx, key, score, member, 2*windowSpan); err != nil {
			l.log.Debug("Rate limit KV add failed", "key", key, "error", err)
			continue
		}
		if depth, err := l.store.WindowSize(ctx, key); err == nil {
			shadowDepth.WithLabelValues(key).Set(float64(depth))
		}
	}
}

// venueLimits resolves a venue's limits, falling back to the conservative
// default for unknown venues
func (l *Limiter) venueLimits(venue string) *VenueLimits {
	if vl, ok := l.cfg.Venues[venue]; ok {
		return vl
	}
	return DefaultVenueLimits()
}

// getWindow returns the window for a key, creating it if needed
func (l *Limiter) getWindow(key string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	return w
}

// recordStats folds one admission into the per-key statistics
func (l *Limiter) recordStats(key string, wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.stats[key]
	if !ok {
		s = &Stats{}
		l.stats[key] = s
	}

	s.TotalRequests++
	secs := wait.Seconds()
	if wait > 0 {
		s.BlockedRequests++
	}
	s.AvgWaitSeconds = s.AvgWaitSeconds*(1-emaAlpha) + secs*emaAlpha
	if secs > s.MaxWaitSeconds {
		s.MaxWaitSeconds = secs
	}
}

// GetStats returns a snapshot of admission statistics per (venue, endpoint)
func (l *Limiter) GetStats() map[string]Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Stats, len(l.stats))
	for key, s := range l.stats {
		out[key] = *s
	}
	return out
}
