package dedup

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tradecore/tradecore/internal/cache"
	"github.com/tradecore/tradecore/pkg/logger"
)

var (
	dedupChecks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_dedup_checks_total",
		Help: "Total number of deduplication checks",
	})

	dedupDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_dedup_duplicates_total",
		Help: "Total number of duplicate signals dropped",
	})
)

// DurableStore is the subset of the SQL pool the deduplicator needs
type DurableStore interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Config holds deduplicator configuration
type Config struct {
	TTL           time.Duration
	MaxLocalSize  int
	SweepInterval time.Duration
	RetainFor     time.Duration
}

// Stats reports deduplicator counters. TotalChecks always equals
// DuplicatesFound + UniqueSignals + ErrorDefaults.
type Stats struct {
	TotalChecks     int64 `json:"total_checks"`
	DuplicatesFound int64 `json:"duplicates_found"`
	UniqueSignals   int64 `json:"unique_signals"`
	ErrorDefaults   int64 `json:"error_defaults"`
	LocalSize       int   `json:"local_size"`
}

// Deduplicator drops signals whose fingerprint was seen within the TTL.
// Lookup order: in-process map, KV shadow, durable store. On any internal
// error the safe default is fresh, so downstream admission remains the
// final guard.
type Deduplicator struct {
	cfg   Config
	db    DurableStore
	store cache.Store
	log   *logger.Logger

	mu    sync.Mutex
	seen  map[string]time.Time
	order []string
	stats Stats

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewDeduplicator creates a signal deduplicator. db and store are each
// optional; a nil layer is skipped during lookup.
func NewDeduplicator(cfg Config, db DurableStore, store cache.Store, log *logger.Logger) *Deduplicator {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxLocalSize <= 0 {
		cfg.MaxLocalSize = 10000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.RetainFor <= 0 {
		cfg.RetainFor = 24 * time.Hour
	}

	return &Deduplicator{
		cfg:   cfg,
		db:    db,
		store: store,
		log:   log,
		seen:  make(map[string]time.Time),
		stop:  make(chan struct{}),
	}
}

// CheckAndRegister returns true exactly once per unique fingerprint within
// the TTL window; false on duplicates until TTL expiry.
func (d *Deduplicator) CheckAndRegister(ctx context.Context, sig *Signal) (bool, error) {
	fp := Fingerprint(sig)
	now := time.Now()
	dedupChecks.Inc()

	d.mu.Lock()
	d.stats.TotalChecks++
	if firstSeen, ok := d.seen[fp]; ok && now.Sub(firstSeen) <= d.cfg.TTL {
		d.stats.DuplicatesFound++
		d.mu.Unlock()
		dedupDuplicates.Inc()
		return false, nil
	}
	d.mu.Unlock()

	// KV shadow
	if d.store != nil {
		hit, err := d.store.Exists(ctx, "signal:"+fp)
		if err != nil {
			d.log.Debug("Dedup KV lookup failed", "fingerprint", fp, "error", err)
		} else if hit {
			d.markDuplicate(fp, now)
			return false, nil
		}
	}

	// Durable store
	if d.db != nil {
		var one int
		err := d.db.QueryRowContext(ctx,
			"SELECT 1 FROM signal_fingerprints WHERE fingerprint = $1 AND created_at >= $2",
			fp, now.Add(-d.cfg.TTL)).Scan(&one)
		switch {
		case err == nil:
			d.markDuplicate(fp, now)
			return false, nil
		case err == sql.ErrNoRows:
		default:
			// Fail open: the caller's downstream admission logic is the
			// final guard against acting on a stale duplicate.
			d.log.Error("Dedup durable lookup failed", "fingerprint", fp, "error", err)
			d.markErrorDefault(fp, now)
			return true, nil
		}

		res, err := d.db.ExecContext(ctx,
			`INSERT INTO signal_fingerprints
				(fingerprint, symbol, direction, strategy, timestamp_minute, signal_strength, price_level, created_at, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (fingerprint) DO NOTHING`,
			fp, sig.Symbol, sig.Direction, sig.Strategy, MinuteBucket(sig.Timestamp),
			floatOrNil(sig.Strength), floatOrNil(sig.PriceLevel), now, nullableJSON(sig.Metadata))
		if err != nil {
			d.log.Error("Dedup durable insert failed", "fingerprint", fp, "error", err)
			d.markErrorDefault(fp, now)
			return true, nil
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the insert race to another writer
			d.markDuplicate(fp, now)
			return false, nil
		}
	}

	// SetNX makes the cross-process claim atomic
	if d.store != nil {
		claimed, err := d.store.SetNX(ctx, "signal:"+fp, []byte("1"), d.cfg.TTL)
		if err != nil {
			d.log.Debug("Dedup KV claim failed", "fingerprint", fp, "error", err)
		} else if !claimed && d.db == nil {
			// Another writer claimed the key after the Exists miss
			d.markDuplicate(fp, now)
			return false, nil
		}
	}

	d.mu.Lock()
	if d.db == nil {
		// Without a durable store the local map is authoritative; the
		// re-check and insert happen under one lock hold. A winning
		// durable insert already settled the race above.
		if firstSeen, ok := d.seen[fp]; ok && now.Sub(firstSeen) <= d.cfg.TTL {
			d.stats.DuplicatesFound++
			d.mu.Unlock()
			dedupDuplicates.Inc()
			return false, nil
		}
	}
	d.insertLocked(fp, now)
	d.stats.UniqueSignals++
	d.mu.Unlock()
	return true, nil
}

// markDuplicate caches a duplicate hit locally and bumps counters
func (d *Deduplicator) markDuplicate(fp string, now time.Time) {
	d.cacheLocal(fp, now)
	d.mu.Lock()
	d.stats.DuplicatesFound++
	d.mu.Unlock()
	dedupDuplicates.Inc()
}

// markErrorDefault caches the fingerprint so a repeated error does not admit
// the same signal twice, and counts the fail-open default
func (d *Deduplicator) markErrorDefault(fp string, now time.Time) {
	d.cacheLocal(fp, now)
	d.mu.Lock()
	d.stats.ErrorDefaults++
	d.mu.Unlock()
}

// cacheLocal records a fingerprint in the in-process map
func (d *Deduplicator) cacheLocal(fp string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.insertLocked(fp, now)
}

// insertLocked records a fingerprint, evicting the oldest 10% when the
// size cap is exceeded. Caller holds d.mu.
func (d *Deduplicator) insertLocked(fp string, now time.Time) {
	if _, ok := d.seen[fp]; !ok {
		d.order = append(d.order, fp)
	}
	d.seen[fp] = now

	if len(d.seen) > d.cfg.MaxLocalSize {
		drop := d.cfg.MaxLocalSize / 10
		if drop < 1 {
			drop = 1
		}
		for _, old := range d.order[:drop] {
			delete(d.seen, old)
		}
		d.order = append(d.order[:0], d.order[drop:]...)
	}
}

// Start launches the periodic durable-store sweep
func (d *Deduplicator) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.sweepLoop(ctx)
}

// Stop cancels the sweep loop and waits for it. Idempotent.
func (d *Deduplicator) Stop() {
	stopped := false
	d.once.Do(func() {
		close(d.stop)
		stopped = true
	})
	if !stopped {
		d.log.Warn("Deduplicator already stopped")
		return
	}
	d.wg.Wait()
}

// sweepLoop purges durable-store rows past the retention cutoff
func (d *Deduplicator) sweepLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// sweep removes expired fingerprint rows and stale local entries
func (d *Deduplicator) sweep(ctx context.Context) {
	now := time.Now()

	d.mu.Lock()
	kept := d.order[:0]
	for _, fp := range d.order {
		if firstSeen, ok := d.seen[fp]; ok {
			if now.Sub(firstSeen) > d.cfg.TTL {
				delete(d.seen, fp)
			} else {
				kept = append(kept, fp)
			}
		}
	}
	d.order = kept
	d.mu.Unlock()

	if d.db == nil {
		return
	}
	res, err := d.db.ExecContext(ctx,
		"DELETE FROM signal_fingerprints WHERE created_at < $1", now.Add(-d.cfg.RetainFor))
	if err != nil {
		d.log.Error("Dedup sweep failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.log.Info("Purged expired signal fingerprints", "rows", n)
	}
}

// GetStats returns a snapshot of deduplicator counters
func (d *Deduplicator) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.stats
	s.LocalSize = len(d.seen)
	return s
}

func floatOrNil(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
