package balance

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/tradecore/tradecore/internal/cache"
	"github.com/tradecore/tradecore/pkg/logger"
)

var (
	reservationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_balance_reservations_created_total",
		Help: "Total number of reservations created",
	})

	reservationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_balance_reservations_rejected_total",
		Help: "Total number of reservation rejections",
	}, []string{"reason"})
)

// balanceKVTTL is the shadow-copy TTL for mirrored balance rows
const balanceKVTTL = 60 * time.Second

// Config holds balance manager configuration
type Config struct {
	FetchInterval   time.Duration
	SweepInterval   time.Duration
	MinimumResidual decimal.Decimal
	// MaxBalanceAge makes CheckAvailability fail closed when the cached
	// balance is older than this. Zero disables the staleness check.
	MaxBalanceAge time.Duration
}

// Manager maintains per-venue asset balances and active reservations.
// CheckAvailability and Reserve for the same (venue, asset) serialize under
// one lock so two concurrent reservations cannot both pass when only one
// fits.
type Manager struct {
	cfg     Config
	clients map[string]ExchangeClient
	store   cache.Store
	log     *logger.Logger

	mu           sync.Mutex
	balances     map[string]*Balance                // venue:asset
	reservations map[string]*Reservation            // id
	byKey        map[string]map[string]*Reservation // venue:asset -> id

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewManager creates a balance manager. clients maps venue name to its
// exchange capability; store may be nil to disable the KV mirror.
func NewManager(cfg Config, clients map[string]ExchangeClient, store cache.Store, log *logger.Logger) *Manager {
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.MinimumResidual.IsZero() {
		cfg.MinimumResidual = decimal.RequireFromString("0.001")
	}

	return &Manager{
		cfg:          cfg,
		clients:      clients,
		store:        store,
		log:          log,
		balances:     make(map[string]*Balance),
		reservations: make(map[string]*Reservation),
		byKey:        make(map[string]map[string]*Reservation),
		stop:         make(chan struct{}),
	}
}

func balanceKey(venue, asset string) string {
	return venue + ":" + asset
}

// RegisterClient wires a venue's exchange capability at runtime. When the
// manager is already running, the venue's fetch loop starts immediately.
// Returns false for a duplicate venue or a stopped manager.
func (m *Manager) RegisterClient(ctx context.Context, venue string, client ExchangeClient) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	if m.clients == nil {
		m.clients = make(map[string]ExchangeClient)
	}
	if _, exists := m.clients[venue]; exists {
		m.mu.Unlock()
		m.log.Warn("Exchange client already registered", "venue", venue)
		return false
	}
	m.clients[venue] = client
	started := m.started
	if started {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	m.log.Info("Exchange client registered", "venue", venue)
	if started {
		go m.fetchLoop(ctx, venue, client)
	}
	return true
}

// CheckAvailability reports whether amount can be taken from the venue's
// available balance, optionally netting out active reservations, while
// leaving the minimum residual untouched.
func (m *Manager) CheckAvailability(venue, asset string, amount decimal.Decimal, includeReservations bool) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(venue, asset, amount, includeReservations, time.Now())
}

// checkLocked is the admission check. Caller holds m.mu.
func (m *Manager) checkLocked(venue, asset string, amount decimal.Decimal, includeReservations bool, now time.Time) (bool, string) {
	if amount.Sign() <= 0 {
		return false, ReasonInvalidAmount
	}

	bal, ok := m.balances[balanceKey(venue, asset)]
	if !ok {
		return false, ReasonUnknownBalance
	}

	if m.cfg.MaxBalanceAge > 0 && now.Sub(bal.LastUpdated) > m.cfg.MaxBalanceAge {
		return false, ReasonStaleBalance
	}

	available := bal.Available
	if includeReservations {
		available = available.Sub(m.reservedLocked(venue, asset, now))
	}

	if available.Sub(amount).LessThan(m.cfg.MinimumResidual) {
		return false, ReasonInsufficient
	}
	return true, ""
}

// reservedLocked sums the active reservations for a (venue, asset) pair.
// Caller holds m.mu.
func (m *Manager) reservedLocked(venue, asset string, now time.Time) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range m.byKey[balanceKey(venue, asset)] {
		if !r.Expired(now) {
			sum = sum.Add(r.Amount)
		}
	}
	return sum
}

// Reserve atomically rechecks availability and creates a reservation.
// A nil reservation carries the rejection reason.
func (m *Manager) Reserve(ctx context.Context, venue, asset string, amount decimal.Decimal, purpose string, ttl time.Duration, metadata json.RawMessage) (*Reservation, string) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := time.Now()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		reservationsRejected.WithLabelValues(ReasonShuttingDown).Inc()
		return nil, ReasonShuttingDown
	}

	if ok, reason := m.checkLocked(venue, asset, amount, true, now); !ok {
		m.mu.Unlock()
		reservationsRejected.WithLabelValues(reason).Inc()
		return nil, reason
	}

	res := &Reservation{
		ID:        uuid.New().String(),
		Venue:     venue,
		Asset:     asset,
		Amount:    amount,
		Purpose:   purpose,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Metadata:  metadata,
	}
	m.reservations[res.ID] = res
	key := balanceKey(venue, asset)
	if m.byKey[key] == nil {
		m.byKey[key] = make(map[string]*Reservation)
	}
	m.byKey[key][res.ID] = res
	m.mu.Unlock()

	reservationsCreated.Inc()

	if m.store != nil {
		if err := m.store.SetJSON(ctx, "reservation:"+res.ID, res, ttl); err != nil {
			m.log.Debug("Reservation KV mirror failed", "reservation_id", res.ID, "error", err)
		}
	}

	return res, ""
}

// Release removes a reservation before its TTL. Returns false when the id
// is unknown or already released.
func (m *Manager) Release(ctx context.Context, reservationID string) bool {
	m.mu.Lock()
	res, ok := m.reservations[reservationID]
	if ok {
		m.removeLocked(res)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	if m.store != nil {
		if err := m.store.Delete(ctx, "reservation:"+reservationID); err != nil {
			m.log.Debug("Reservation KV delete failed", "reservation_id", reservationID, "error", err)
		}
	}
	return true
}

// removeLocked unlinks a reservation from both indexes. Caller holds m.mu.
func (m *Manager) removeLocked(res *Reservation) {
	delete(m.reservations, res.ID)
	key := balanceKey(res.Venue, res.Asset)
	if ids := m.byKey[key]; ids != nil {
		delete(ids, res.ID)
		if len(ids) == 0 {
			delete(m.byKey, key)
		}
	}
}

// UpdateBalance replaces the cached balance row for a (venue, asset) pair.
// Negative quantities are rejected.
func (m *Manager) UpdateBalance(ctx context.Context, venue, asset string, total, available, locked decimal.Decimal) bool {
	if total.Sign() < 0 || available.Sign() < 0 || locked.Sign() < 0 {
		m.log.Warn("Rejected negative balance update", "venue", venue, "asset", asset)
		return false
	}

	bal := &Balance{
		Venue:       venue,
		Asset:       asset,
		Total:       total,
		Available:   available,
		Locked:      locked,
		LastUpdated: time.Now(),
	}

	m.mu.Lock()
	m.balances[balanceKey(venue, asset)] = bal
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SetJSON(ctx, "balance:"+venue+":"+asset, bal, balanceKVTTL); err != nil {
			m.log.Debug("Balance KV mirror failed", "venue", venue, "asset", asset, "error", err)
		}
	}
	return true
}

// GetBalance returns a copy of the cached balance for a (venue, asset) pair
func (m *Manager) GetBalance(venue, asset string) (Balance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[balanceKey(venue, asset)]
	if !ok {
		return Balance{}, false
	}
	return *bal, true
}

// GetReservations returns copies of the active reservations for a
// (venue, asset) pair
func (m *Manager) GetReservations(venue, asset string) []Reservation {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Reservation, 0)
	for _, r := range m.byKey[balanceKey(venue, asset)] {
		if !r.Expired(now) {
			out = append(out, *r)
		}
	}
	return out
}

// GetBalanceSummary returns an observability snapshot. Decimal-to-float
// conversion is confined to this edge.
func (m *Manager) GetBalanceSummary() Summary {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	summary := Summary{
		Venues:            make(map[string]VenueSummary),
		ReservedByPurpose: make(map[string]float64),
		GeneratedAt:       now,
	}

	for _, bal := range m.balances {
		vs, ok := summary.Venues[bal.Venue]
		if !ok {
			vs = VenueSummary{Assets: make(map[string]AssetSummary)}
		}
		reserved := m.reservedLocked(bal.Venue, bal.Asset, now)
		vs.Assets[bal.Asset] = AssetSummary{
			Total:       bal.Total.InexactFloat64(),
			Available:   bal.Available.InexactFloat64(),
			Locked:      bal.Locked.InexactFloat64(),
			Reserved:    reserved.InexactFloat64(),
			LastUpdated: bal.LastUpdated,
		}
		summary.Venues[bal.Venue] = vs
	}

	for _, r := range m.reservations {
		if r.Expired(now) {
			continue
		}
		summary.ActiveReservations++
		summary.ReservedByPurpose[r.Purpose] += r.Amount.InexactFloat64()
		vs := summary.Venues[r.Venue]
		vs.Reservations++
		summary.Venues[r.Venue] = vs
	}

	return summary
}

// Start restores mirrored reservations, then launches one fetch loop per
// registered venue and the reservation sweep
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	clients := make(map[string]ExchangeClient, len(m.clients))
	for venue, client := range m.clients {
		clients[venue] = client
	}
	m.mu.Unlock()

	m.restoreReservations(ctx)

	for venue, client := range clients {
		m.wg.Add(1)
		go m.fetchLoop(ctx, venue, client)
	}

	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// restoreReservations rehydrates unexpired reservations from the KV mirror
// after a restart. Best-effort: a missing or unreadable key is skipped.
func (m *Manager) restoreReservations(ctx context.Context) {
	if m.store == nil {
		return
	}
	keys, err := m.store.Keys(ctx, "reservation:*")
	if err != nil {
		m.log.Debug("Reservation KV scan failed", "error", err)
		return
	}

	now := time.Now()
	restored := 0
	for _, key := range keys {
		var res Reservation
		if err := m.store.GetJSON(ctx, key, &res); err != nil {
			m.log.Debug("Reservation KV read failed", "key", key, "error", err)
			continue
		}
		if res.ID == "" || res.Expired(now) {
			continue
		}

		m.mu.Lock()
		if _, exists := m.reservations[res.ID]; !exists {
			r := res
			m.reservations[r.ID] = &r
			k := balanceKey(r.Venue, r.Asset)
			if m.byKey[k] == nil {
				m.byKey[k] = make(map[string]*Reservation)
			}
			m.byKey[k][r.ID] = &r
			restored++
		}
		m.mu.Unlock()
	}

	if restored > 0 {
		m.log.Info("Restored reservations from KV mirror", "count", restored)
	}
}

// Stop cancels all background tasks and waits for them. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.log.Warn("Balance manager already stopped")
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()
}

// fetchLoop polls one venue's balances on the configured cadence
func (m *Manager) fetchLoop(ctx context.Context, venue string, client ExchangeClient) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.FetchInterval)
	defer ticker.Stop()

	m.fetchOnce(ctx, venue, client)

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.fetchOnce(ctx, venue, client)
		}
	}
}

// fetchOnce fetches and applies one venue's balance rows. Fetch errors are
// logged and retried on the next cycle; they never block reservation
// decisions against the currently cached balance.
func (m *Manager) fetchOnce(ctx context.Context, venue string, client ExchangeClient) {
	rows, err := client.FetchBalances(ctx)
	if err != nil {
		m.log.Warn("Balance fetch failed", "venue", venue, "error", err)
		return
	}

	for _, row := range rows {
		m.UpdateBalance(ctx, venue, row.Asset, row.Total, row.Available, row.Frozen)
	}
}

// sweepLoop removes expired reservations on the configured cadence
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

// sweepExpired drops reservations past their TTL
func (m *Manager) sweepExpired() {
	now := time.Now()

	m.mu.Lock()
	expired := make([]*Reservation, 0)
	for _, r := range m.reservations {
		if r.Expired(now) {
			expired = append(expired, r)
		}
	}
	for _, r := range expired {
		m.removeLocked(r)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		m.log.Info("Swept expired reservations", "count", len(expired))
	}
}
