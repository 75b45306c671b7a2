package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/tradecore/internal/cache"
	"github.com/tradecore/tradecore/pkg/logger"
)

func testConfig() *Config {
	return &Config{
		Venues: map[string]*VenueLimits{
			"binance": {
				PerSecond: 5,
				PerMinute: 300,
				Burst:     10,
				Endpoints: map[string]*EndpointLimits{
					"order": {PerSecond: 2, PerMinute: 50, Burst: 2, DefaultWeight: 3},
				},
			},
		},
	}
}

func newTestLimiter(t *testing.T, cfg *Config) *Limiter {
	t.Helper()
	l, err := NewLimiter(cfg, nil, logger.NewLogger("test"))
	require.NoError(t, err)
	return l
}

func TestAcquireWithinLimits(t *testing.T) {
	l := newTestLimiter(t, testConfig())
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		delay, err := l.Acquire(context.Background(), "binance", "ticker", 1)
		require.NoError(t, err)
		assert.Zero(t, delay, "request %d should not wait", i)
	}
}

func TestAcquireUnknownVenueUsesDefaults(t *testing.T) {
	l := newTestLimiter(t, &Config{})
	base := time.Now()
	l.now = func() time.Time { return base }

	// Default limits admit 5 per second
	for i := 0; i < 5; i++ {
		delay, err := l.Acquire(context.Background(), "unknown", "any", 1)
		require.NoError(t, err)
		assert.Zero(t, delay)
	}
}

func TestAcquireBlocksWhenSecondWindowFull(t *testing.T) {
	l := newTestLimiter(t, testConfig())
	base := time.Now().Truncate(time.Second)
	l.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		_, err := l.Acquire(context.Background(), "binance", "ticker", 1)
		require.NoError(t, err)
	}

	// The sixth request within the same second must wait. A cancelled
	// context surfaces the wait without sleeping for it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	delay, err := l.Acquire(ctx, "binance", "ticker", 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Greater(t, delay, time.Duration(0))
}

func TestAcquireEndpointLimitTighterThanVenue(t *testing.T) {
	l := newTestLimiter(t, testConfig())
	base := time.Now().Truncate(time.Second)
	l.now = func() time.Time { return base }

	for i := 0; i < 2; i++ {
		delay, err := l.Acquire(context.Background(), "binance", "order", 1)
		require.NoError(t, err)
		assert.Zero(t, delay)
	}

	// Venue window has room but the order endpoint allows only 2/s
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	delay, err := l.Acquire(ctx, "binance", "order", 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Greater(t, delay, time.Duration(0))
}

func TestAcquireDefaultWeight(t *testing.T) {
	l := newTestLimiter(t, testConfig())
	base := time.Now()
	l.now = func() time.Time { return base }

	_, err := l.Acquire(context.Background(), "binance", "order", 0)
	require.NoError(t, err)

	w := l.getWindow("binance:order")
	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.entries, 1)
	assert.Equal(t, 3, w.entries[0].weight)
}

func TestWaitLockedPerMinute(t *testing.T) {
	now := time.Now()
	w := &window{entries: []entry{
		{ts: now.Add(-30 * time.Second), weight: 1},
		{ts: now.Add(-20 * time.Second), weight: 1},
		{ts: now.Add(-10 * time.Second), weight: 1},
	}}

	// Window holds 3 entries against a 3/min cap; the oldest leaves the
	// 60s span in 30s.
	wait := waitLocked(w, now, 100, 3)
	assert.InDelta(t, (30 * time.Second).Seconds(), wait.Seconds(), 0.01)
}

func TestWaitLockedPrunesExpired(t *testing.T) {
	now := time.Now()
	w := &window{entries: []entry{
		{ts: now.Add(-90 * time.Second), weight: 1},
		{ts: now.Add(-61 * time.Second), weight: 1},
		{ts: now.Add(-10 * time.Second), weight: 1},
	}}

	wait := waitLocked(w, now, 100, 3)
	assert.Zero(t, wait)
	assert.Len(t, w.entries, 1)
}

func TestWaitLockedPerSecond(t *testing.T) {
	now := time.Now().Truncate(time.Second).Add(400 * time.Millisecond)
	w := &window{entries: []entry{
		{ts: now.Add(-100 * time.Millisecond), weight: 1},
		{ts: now.Add(-50 * time.Millisecond), weight: 1},
	}}

	// Two admissions in the trailing second against a 2/s cap; wait until
	// the next second boundary.
	wait := waitLocked(w, now, 2, 100)
	assert.InDelta(t, (600 * time.Millisecond).Seconds(), wait.Seconds(), 0.01)
}

func TestGetStats(t *testing.T) {
	l := newTestLimiter(t, testConfig())
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		_, err := l.Acquire(context.Background(), "binance", "ticker", 1)
		require.NoError(t, err)
	}

	stats := l.GetStats()
	s, ok := stats["binance:ticker"]
	require.True(t, ok)
	assert.Equal(t, int64(3), s.TotalRequests)
	assert.Equal(t, int64(0), s.BlockedRequests)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg: Config{Venues: map[string]*VenueLimits{
				"x": {PerSecond: 1, PerMinute: 10},
			}},
		},
		{
			name: "nil venue limits",
			cfg: Config{Venues: map[string]*VenueLimits{
				"x": nil,
			}},
			wantErr: true,
		},
		{
			name: "non-positive limits",
			cfg: Config{Venues: map[string]*VenueLimits{
				"x": {PerSecond: 0, PerMinute: 10},
			}},
			wantErr: true,
		},
		{
			name: "bad endpoint",
			cfg: Config{Venues: map[string]*VenueLimits{
				"x": {PerSecond: 1, PerMinute: 10, Endpoints: map[string]*EndpointLimits{
					"e": {PerSecond: -1, PerMinute: 10},
				}},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigValidateFillsDefaults(t *testing.T) {
	cfg := Config{Venues: map[string]*VenueLimits{
		"x": {PerSecond: 4, PerMinute: 10, Endpoints: map[string]*EndpointLimits{
			"e": {PerSecond: 2, PerMinute: 5},
		}},
	}}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Venues["x"].Burst)
	assert.Equal(t, 2, cfg.Venues["x"].Endpoints["e"].Burst)
	assert.Equal(t, 1, cfg.Venues["x"].Endpoints["e"].DefaultWeight)
	assert.Equal(t, float64(100), cfg.MirrorPerSec)
}

// windowStore counts shadow-window calls
type windowStore struct {
	mu    sync.Mutex
	adds  int
	trims int
	sizes int
}

func (s *windowStore) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (s *windowStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}
func (s *windowStore) Delete(context.Context, string) error         { return nil }
func (s *windowStore) Exists(context.Context, string) (bool, error) { return false, nil }
func (s *windowStore) GetJSON(context.Context, string, interface{}) error {
	return cache.ErrCacheMiss
}
func (s *windowStore) SetJSON(context.Context, string, interface{}, time.Duration) error {
	return nil
}
func (s *windowStore) Keys(context.Context, string) ([]string, error) { return nil, nil }

func (s *windowStore) WindowAdd(context.Context, string, float64, string, time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds++
	return nil
}

func (s *windowStore) WindowTrim(context.Context, string, float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trims++
	return nil
}

func (s *windowStore) WindowSize(context.Context, string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes++
	return int64(s.adds), nil
}

func (s *windowStore) PoolStats() cache.PoolStats { return cache.PoolStats{} }
func (s *windowStore) Ping(context.Context) error { return nil }
func (s *windowStore) Close() error               { return nil }

func TestMirrorWindowShadowsAdmissions(t *testing.T) {
	cfg := testConfig()
	cfg.MirrorToKV = true
	store := &windowStore{}

	l, err := NewLimiter(cfg, store, logger.NewLogger("test"))
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), "binance", "order", 1)
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	// Global and endpoint windows each get trim, add, and a depth read
	assert.Equal(t, 2, store.trims)
	assert.Equal(t, 2, store.adds)
	assert.Equal(t, 2, store.sizes)
}
