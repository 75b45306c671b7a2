package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tradecore/tradecore/internal/cache"
	"github.com/tradecore/tradecore/pkg/logger"
)

var (
	alertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_alerts_raised_total",
		Help: "Total number of alerts raised by severity",
	}, []string{"severity"})

	componentStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coordinator_component_healthy",
		Help: "Component health (1 healthy, 0 otherwise)",
	}, []string{"component"})
)

// Component status values. A component starts unknown and transitions on
// heartbeats and reports.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Component is one monitored subsystem's registry entry
type Component struct {
	Name          string          `json:"name"`
	Status        Status          `json:"status"`
	RegisteredAt  time.Time       `json:"registered_at"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	ActiveTasks   int             `json:"active_tasks"`
	ErrorCount    int             `json:"error_count"`
	WarningCount  int             `json:"warning_count"`
	LastError     string          `json:"last_error,omitempty"`
	LastErrorAt   time.Time       `json:"last_error_at,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// HeartbeatUpdate carries the optional fields of a component heartbeat.
// Zero values leave the corresponding component fields unchanged.
type HeartbeatUpdate struct {
	Status      Status
	ActiveTasks *int
	Metadata    json.RawMessage
}

// Alert is one raised rule instance. Count tracks re-fires past cooldown.
type Alert struct {
	ID          string    `json:"id"`
	Rule        string    `json:"rule"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	RaisedAt    time.Time `json:"raised_at"`
	LastFiredAt time.Time `json:"last_fired_at"`
	Count       int       `json:"count"`
	Cleared     bool      `json:"cleared"`
	ClearedAt   time.Time `json:"cleared_at,omitempty"`
}

// Config holds process monitor configuration
type Config struct {
	MonitoringInterval time.Duration
	AlertInterval      time.Duration
	CleanupInterval    time.Duration
	HeartbeatTimeout   time.Duration
	HistorySize        int
}

// metricsKVTTL bounds how long mirrored metric snapshots survive in the KV
// store even if cleanup never runs
const metricsKVTTL = 2 * time.Hour

// clearedAlertRetention is how long resolved alerts stay queryable
const clearedAlertRetention = 24 * time.Hour

// Monitor tracks component health, samples system metrics into a bounded
// history, and evaluates alert rules with per-rule cooldowns.
type Monitor struct {
	cfg     Config
	sampler *Sampler
	store   cache.Store
	log     *logger.Logger

	mu         sync.RWMutex
	components map[string]*Component
	history    []SystemMetrics
	alerts     map[string]*Alert // keyed by rule name
	rules      []Rule
	alertSeq   int

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewMonitor creates a process monitor. store may be nil.
func NewMonitor(cfg Config, sampler *Sampler, store cache.Store, log *logger.Logger) *Monitor {
	if cfg.MonitoringInterval <= 0 {
		cfg.MonitoringInterval = 30 * time.Second
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = 60 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * time.Minute
	}
	if cfg.HistorySize <= 0 || cfg.HistorySize > 1000 {
		cfg.HistorySize = 1000
	}

	return &Monitor{
		cfg:        cfg,
		sampler:    sampler,
		store:      store,
		log:        log,
		components: make(map[string]*Component),
		alerts:     make(map[string]*Alert),
		rules:      BuiltinRules(),
		stop:       make(chan struct{}),
	}
}

// RegisterComponent adds a component in the unknown state. Re-registering
// an existing name resets its counters.
func (m *Monitor) RegisterComponent(name string) {
	now := time.Now()

	m.mu.Lock()
	m.components[name] = &Component{
		Name:         name,
		Status:       StatusUnknown,
		RegisteredAt: now,
	}
	m.mu.Unlock()

	componentStatus.WithLabelValues(name).Set(0)
	m.log.Info("Component registered for monitoring", "component", name)
}

// Heartbeat refreshes a component's liveness and applies the optional
// updates. Without an explicit status the component is marked healthy:
// a bare heartbeat asserts recovery from warning and critical. An
// explicit status is taken as reported, including warning and critical.
func (m *Monitor) Heartbeat(name string, upd HeartbeatUpdate) bool {
	m.mu.Lock()
	c, ok := m.components[name]
	var status Status
	if ok {
		c.LastHeartbeat = time.Now()
		if upd.Status != "" {
			c.Status = upd.Status
		} else {
			c.Status = StatusHealthy
		}
		if upd.ActiveTasks != nil {
			c.ActiveTasks = *upd.ActiveTasks
		}
		if upd.Metadata != nil {
			c.Metadata = upd.Metadata
		}
		status = c.Status
	}
	m.mu.Unlock()

	if ok {
		healthy := 0.0
		if status == StatusHealthy {
			healthy = 1
		}
		componentStatus.WithLabelValues(name).Set(healthy)
	}
	return ok
}

// ReportError records a component failure and escalates it to critical
func (m *Monitor) ReportError(name string, err error) {
	m.mu.Lock()
	c, ok := m.components[name]
	if ok {
		c.ErrorCount++
		c.LastError = err.Error()
		c.LastErrorAt = time.Now()
		c.Status = StatusCritical
	}
	m.mu.Unlock()

	if !ok {
		m.log.Warn("Error reported for unregistered component", "component", name, "error", err)
		return
	}
	componentStatus.WithLabelValues(name).Set(0)
	m.log.Error("Component error reported", "component", name, "error", err)
}

// ReportWarning records a non-fatal condition. It never downgrades a
// critical component.
func (m *Monitor) ReportWarning(name, message string) {
	m.mu.Lock()
	c, ok := m.components[name]
	if ok {
		c.WarningCount++
		if c.Status != StatusCritical {
			c.Status = StatusWarning
		}
	}
	m.mu.Unlock()

	if !ok {
		m.log.Warn("Warning reported for unregistered component", "component", name, "message", message)
		return
	}
	componentStatus.WithLabelValues(name).Set(0)
	m.log.Warn("Component warning reported", "component", name, "message", message)
}

// GetHealth returns the component registry snapshot and the overall status,
// which is the worst status among registered components.
func (m *Monitor) GetHealth() (map[string]Component, Status) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Component, len(m.components))
	overall := StatusHealthy
	for name, c := range m.components {
		out[name] = *c
		switch c.Status {
		case StatusCritical:
			overall = StatusCritical
		case StatusWarning:
			if overall != StatusCritical {
				overall = StatusWarning
			}
		case StatusUnknown:
			if overall == StatusHealthy {
				overall = StatusUnknown
			}
		}
	}
	return out, overall
}

// GetMetricsHistory returns up to limit most recent samples, newest last
func (m *Monitor) GetMetricsHistory(limit int) []SystemMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]SystemMetrics, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}

// GetAlerts returns all alerts, active first, newest first within each group
func (m *Monitor) GetAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cleared != out[j].Cleared {
			return !out[i].Cleared
		}
		return out[i].RaisedAt.After(out[j].RaisedAt)
	})
	return out
}

// Start launches the monitoring, alerting, and cleanup loops
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(4)
	go m.metricsLoop(ctx)
	go m.healthLoop(ctx)
	go m.alertLoop(ctx)
	go m.cleanupLoop(ctx)
}

// Stop cancels all loops and waits for them. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.log.Warn("Process monitor already stopped")
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()
}

// metricsLoop samples system metrics into the history ring
func (m *Monitor) metricsLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

// sampleOnce takes one metrics sample, appends it to the bounded history,
// and mirrors it to the KV store
func (m *Monitor) sampleOnce(ctx context.Context) {
	sample := m.sampler.Sample(ctx)

	m.mu.Lock()
	m.history = append(m.history, sample)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	m.mu.Unlock()

	if m.store != nil {
		key := "metrics:" + strconv.FormatInt(sample.Timestamp.Unix(), 10)
		if err := m.store.SetJSON(ctx, key, sample, metricsKVTTL); err != nil {
			m.log.Debug("Metrics KV mirror failed", "error", err)
		}
	}
}

// healthLoop flips components whose heartbeat went stale
func (m *Monitor) healthLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHeartbeats()
		}
	}
}

// checkHeartbeats marks components critical when their last heartbeat is
// older than the timeout. Components that never heartbeated stay unknown.
func (m *Monitor) checkHeartbeats() {
	now := time.Now()
	stale := make([]string, 0)

	m.mu.Lock()
	for name, c := range m.components {
		if c.LastHeartbeat.IsZero() || c.Status == StatusCritical {
			continue
		}
		if now.Sub(c.LastHeartbeat) >= m.cfg.HeartbeatTimeout {
			c.Status = StatusCritical
			stale = append(stale, name)
		}
	}
	m.mu.Unlock()

	for _, name := range stale {
		componentStatus.WithLabelValues(name).Set(0)
		m.log.Warn("Component heartbeat timed out", "component", name)
	}
}

// alertLoop evaluates alert rules against the latest snapshot
func (m *Monitor) alertLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.AlertInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluateRules(ctx)
		}
	}
}

// evaluateRules runs every rule against the current snapshot, raising,
// re-firing, or clearing alerts as conditions change
func (m *Monitor) evaluateRules(ctx context.Context) {
	m.mu.Lock()
	snap := &Snapshot{
		Components: make(map[string]Component, len(m.components)),
		Now:        time.Now(),
	}
	for name, c := range m.components {
		snap.Components[name] = *c
	}
	if len(m.history) > 0 {
		snap.Metrics = m.history[len(m.history)-1]
		snap.HasMetrics = true
	}
	rules := append(append([]Rule(nil), m.rules...),
		componentRules(snap.Components, m.cfg.HeartbeatTimeout)...)
	m.mu.Unlock()

	for _, rule := range rules {
		firing, message := rule.Check(snap)

		m.mu.Lock()
		existing, active := m.alerts[rule.Name]
		if active && existing.Cleared {
			active = false
		}

		switch {
		case firing && !active:
			m.alertSeq++
			a := &Alert{
				ID:          fmt.Sprintf("%s-%d", rule.Name, m.alertSeq),
				Rule:        rule.Name,
				Severity:    rule.Severity,
				Message:     message,
				RaisedAt:    snap.Now,
				LastFiredAt: snap.Now,
				Count:       1,
			}
			m.alerts[rule.Name] = a
			m.mu.Unlock()

			alertsRaised.WithLabelValues(string(rule.Severity)).Inc()
			m.log.Warn("Alert raised", "rule", rule.Name, "severity", rule.Severity, "message", message)
			m.mirrorAlert(ctx, a)

		case firing && active:
			refired := snap.Now.Sub(existing.LastFiredAt) >= rule.Cooldown
			if refired {
				existing.LastFiredAt = snap.Now
				existing.Count++
				existing.Message = message
			}
			snapshot := *existing
			m.mu.Unlock()

			if refired {
				m.log.Warn("Alert re-fired", "rule", rule.Name, "count", snapshot.Count, "message", message)
				m.mirrorAlert(ctx, &snapshot)
			}

		case !firing && active && rule.AutoClear:
			existing.Cleared = true
			existing.ClearedAt = snap.Now
			snapshot := *existing
			m.mu.Unlock()

			m.log.Info("Alert cleared", "rule", rule.Name)
			m.mirrorAlert(ctx, &snapshot)

		default:
			m.mu.Unlock()
		}
	}
}

// mirrorAlert shadows an alert into the KV store, best-effort
func (m *Monitor) mirrorAlert(ctx context.Context, a *Alert) {
	if m.store == nil {
		return
	}
	if err := m.store.SetJSON(ctx, "alert:"+a.ID, a, clearedAlertRetention); err != nil {
		m.log.Debug("Alert KV mirror failed", "alert_id", a.ID, "error", err)
	}
}

// cleanupLoop drops old cleared alerts and prunes expired KV metric keys
func (m *Monitor) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(ctx)
		}
	}
}

// cleanup removes cleared alerts past retention and KV metric snapshots
// older than the mirror TTL
func (m *Monitor) cleanup(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	for rule, a := range m.alerts {
		if a.Cleared && now.Sub(a.ClearedAt) > clearedAlertRetention {
			delete(m.alerts, rule)
		}
	}
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	keys, err := m.store.Keys(ctx, "metrics:*")
	if err != nil {
		m.log.Debug("Metrics KV scan failed", "error", err)
		return
	}
	cutoff := now.Add(-metricsKVTTL).Unix()
	for _, key := range keys {
		ts, err := strconv.ParseInt(strings.TrimPrefix(key, "metrics:"), 10, 64)
		if err != nil || ts >= cutoff {
			continue
		}
		if err := m.store.Delete(ctx, key); err != nil {
			m.log.Debug("Metrics KV delete failed", "key", key, "error", err)
		}
	}
}
