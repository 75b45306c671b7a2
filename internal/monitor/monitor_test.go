package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/tradecore/pkg/logger"
)

func newTestMonitor(cfg Config) *Monitor {
	return NewMonitor(cfg, NewSampler("/", nil, nil), nil, logger.NewLogger("test"))
}

// pushSample injects a metrics sample without touching the host
func pushSample(m *Monitor, sample SystemMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, sample)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
}

func TestComponentStatusTransitions(t *testing.T) {
	m := newTestMonitor(Config{})
	m.RegisterComponent("balance")

	components, overall := m.GetHealth()
	assert.Equal(t, StatusUnknown, components["balance"].Status)
	assert.Equal(t, StatusUnknown, overall)

	require.True(t, m.Heartbeat("balance", HeartbeatUpdate{}))
	components, overall = m.GetHealth()
	assert.Equal(t, StatusHealthy, components["balance"].Status)
	assert.Equal(t, StatusHealthy, overall)

	m.ReportWarning("balance", "fetch slow")
	components, overall = m.GetHealth()
	assert.Equal(t, StatusWarning, components["balance"].Status)
	assert.Equal(t, StatusWarning, overall)

	m.ReportError("balance", errors.New("fetch failed"))
	components, overall = m.GetHealth()
	assert.Equal(t, StatusCritical, components["balance"].Status)
	assert.Equal(t, StatusCritical, overall)
	assert.Equal(t, 1, components["balance"].ErrorCount)
	assert.Equal(t, "fetch failed", components["balance"].LastError)

	// A warning never downgrades critical
	m.ReportWarning("balance", "still degraded")
	components, _ = m.GetHealth()
	assert.Equal(t, StatusCritical, components["balance"].Status)

	// A heartbeat asserts recovery
	require.True(t, m.Heartbeat("balance", HeartbeatUpdate{}))
	components, overall = m.GetHealth()
	assert.Equal(t, StatusHealthy, components["balance"].Status)
	assert.Equal(t, StatusHealthy, overall)
}

func TestOverallStatusIsWorst(t *testing.T) {
	m := newTestMonitor(Config{})
	m.RegisterComponent("a")
	m.RegisterComponent("b")
	m.Heartbeat("a", HeartbeatUpdate{})
	m.Heartbeat("b", HeartbeatUpdate{})

	m.ReportWarning("b", "degraded")
	_, overall := m.GetHealth()
	assert.Equal(t, StatusWarning, overall)

	m.ReportError("a", errors.New("down"))
	_, overall = m.GetHealth()
	assert.Equal(t, StatusCritical, overall)
}

func TestHeartbeatUnknownComponent(t *testing.T) {
	m := newTestMonitor(Config{})
	assert.False(t, m.Heartbeat("ghost", HeartbeatUpdate{}))
}

func TestHeartbeatCarriesOptionalFields(t *testing.T) {
	m := newTestMonitor(Config{})
	m.RegisterComponent("worker")

	tasks := 7
	require.True(t, m.Heartbeat("worker", HeartbeatUpdate{
		Status:      StatusWarning,
		ActiveTasks: &tasks,
		Metadata:    []byte(`{"queue":"orders"}`),
	}))

	components, overall := m.GetHealth()
	assert.Equal(t, StatusWarning, components["worker"].Status,
		"explicit status must be taken as reported")
	assert.Equal(t, StatusWarning, overall)
	assert.Equal(t, 7, components["worker"].ActiveTasks)
	assert.JSONEq(t, `{"queue":"orders"}`, string(components["worker"].Metadata))

	// A bare heartbeat asserts recovery and keeps the reported fields
	require.True(t, m.Heartbeat("worker", HeartbeatUpdate{}))
	components, _ = m.GetHealth()
	assert.Equal(t, StatusHealthy, components["worker"].Status)
	assert.Equal(t, 7, components["worker"].ActiveTasks)
}

func TestHeartbeatExplicitCriticalStands(t *testing.T) {
	m := newTestMonitor(Config{})
	m.RegisterComponent("worker")

	require.True(t, m.Heartbeat("worker", HeartbeatUpdate{Status: StatusCritical}))
	components, overall := m.GetHealth()
	assert.Equal(t, StatusCritical, components["worker"].Status)
	assert.Equal(t, StatusCritical, overall)
}

func TestMemoryRuleRaisesAndClears(t *testing.T) {
	m := newTestMonitor(Config{})
	ctx := context.Background()

	pushSample(m, SystemMetrics{Timestamp: time.Now(), MemoryPercent: 96})
	m.evaluateRules(ctx)

	alerts := m.GetAlerts()
	rules := make(map[string]Alert)
	for _, a := range alerts {
		rules[a.Rule] = a
	}
	require.Contains(t, rules, "memory_critical")
	require.Contains(t, rules, "memory_high")
	assert.Equal(t, SeverityCritical, rules["memory_critical"].Severity)
	assert.False(t, rules["memory_critical"].Cleared)

	// Condition resolves; auto-clear rules clear themselves
	pushSample(m, SystemMetrics{Timestamp: time.Now(), MemoryPercent: 40})
	m.evaluateRules(ctx)

	for _, a := range m.GetAlerts() {
		assert.True(t, a.Cleared, "alert %s should be cleared", a.Rule)
	}
}

func TestAlertCooldownSuppressesRefire(t *testing.T) {
	m := newTestMonitor(Config{})
	ctx := context.Background()

	pushSample(m, SystemMetrics{Timestamp: time.Now(), CPUPercent: 90})
	m.evaluateRules(ctx)
	m.evaluateRules(ctx)

	var cpuAlert Alert
	for _, a := range m.GetAlerts() {
		if a.Rule == "cpu_high" {
			cpuAlert = a
		}
	}
	require.NotEmpty(t, cpuAlert.ID)
	assert.Equal(t, 1, cpuAlert.Count, "second evaluation within cooldown must not re-fire")
}

func TestHeartbeatTimeoutRule(t *testing.T) {
	m := newTestMonitor(Config{HeartbeatTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	m.RegisterComponent("worker")
	m.Heartbeat("worker", HeartbeatUpdate{})
	time.Sleep(20 * time.Millisecond)

	m.evaluateRules(ctx)

	found := false
	for _, a := range m.GetAlerts() {
		if a.Rule == "heartbeat_timeout_worker" {
			found = true
			assert.Equal(t, SeverityCritical, a.Severity)
		}
	}
	assert.True(t, found, "expected a heartbeat timeout alert")
}

func TestCheckHeartbeatsFlipsStaleComponents(t *testing.T) {
	m := newTestMonitor(Config{HeartbeatTimeout: 10 * time.Millisecond})

	m.RegisterComponent("worker")
	m.RegisterComponent("idle")
	m.Heartbeat("worker", HeartbeatUpdate{})
	time.Sleep(20 * time.Millisecond)

	m.checkHeartbeats()

	components, _ := m.GetHealth()
	assert.Equal(t, StatusCritical, components["worker"].Status)
	// Never heartbeated: nothing to time out from
	assert.Equal(t, StatusUnknown, components["idle"].Status)
}

func TestHeartbeatTimeoutRuleIgnoresSilentComponents(t *testing.T) {
	m := newTestMonitor(Config{HeartbeatTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	// Registered but never heartbeated: no baseline to time out from
	m.RegisterComponent("idle")
	time.Sleep(20 * time.Millisecond)
	m.evaluateRules(ctx)

	for _, a := range m.GetAlerts() {
		assert.NotEqual(t, "heartbeat_timeout_idle", a.Rule)
	}
}

func TestComponentErrorRule(t *testing.T) {
	m := newTestMonitor(Config{})
	ctx := context.Background()

	m.RegisterComponent("dedup")
	for i := 0; i < 5; i++ {
		m.ReportError("dedup", errors.New("lookup failed"))
	}
	m.evaluateRules(ctx)

	found := false
	for _, a := range m.GetAlerts() {
		if a.Rule == "errors_dedup" {
			found = true
			assert.Equal(t, SeverityWarning, a.Severity)
		}
	}
	assert.True(t, found, "expected a component error alert")
}

func TestMetricsHistoryBounded(t *testing.T) {
	m := newTestMonitor(Config{HistorySize: 5})

	for i := 0; i < 12; i++ {
		pushSample(m, SystemMetrics{Timestamp: time.Now(), CPUPercent: float64(i)})
	}

	all := m.GetMetricsHistory(0)
	require.Len(t, all, 5)
	assert.Equal(t, float64(11), all[4].CPUPercent)

	limited := m.GetMetricsHistory(2)
	require.Len(t, limited, 2)
	assert.Equal(t, float64(10), limited[0].CPUPercent)
}

func TestSamplerCollectsHostMetrics(t *testing.T) {
	s := NewSampler("/", nil, nil)
	sample := s.Sample(context.Background())

	assert.False(t, sample.Timestamp.IsZero())
	assert.Greater(t, sample.Goroutines, 0)
	assert.GreaterOrEqual(t, sample.MemoryPercent, 0.0)
}

func TestCleanupDropsOldClearedAlerts(t *testing.T) {
	m := newTestMonitor(Config{})
	ctx := context.Background()

	m.mu.Lock()
	m.alerts["stale"] = &Alert{
		ID:        "stale-1",
		Rule:      "stale",
		Cleared:   true,
		ClearedAt: time.Now().Add(-48 * time.Hour),
	}
	m.alerts["recent"] = &Alert{
		ID:       "recent-1",
		Rule:     "recent",
		RaisedAt: time.Now(),
	}
	m.mu.Unlock()

	m.cleanup(ctx)

	alerts := m.GetAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "recent", alerts[0].Rule)
}

func TestLoopsExitOnContextCancel(t *testing.T) {
	m := newTestMonitor(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor loops did not exit on context cancel")
	}
}
