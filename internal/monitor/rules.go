package monitor

import (
	"fmt"
	"time"
)

// Severity levels for alerts, ordered from least to most urgent
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Snapshot is the state a rule predicate evaluates against
type Snapshot struct {
	Metrics    SystemMetrics
	HasMetrics bool
	Components map[string]Component
	Now        time.Time
}

// Rule is one alert condition. AutoClear rules resolve themselves when the
// condition stops holding; the rest stay active until operator action.
type Rule struct {
	Name      string
	Severity  Severity
	Cooldown  time.Duration
	AutoClear bool
	Check     func(s *Snapshot) (bool, string)
}

// defaultCooldown suppresses re-notification of a still-firing rule
const defaultCooldown = 5 * time.Minute

// BuiltinRules returns the system resource rules. Component-scoped rules
// are generated per component during evaluation.
func BuiltinRules() []Rule {
	return []Rule{
		{
			Name:      "memory_high",
			Severity:  SeverityWarning,
			Cooldown:  defaultCooldown,
			AutoClear: true,
			Check: func(s *Snapshot) (bool, string) {
				if !s.HasMetrics || s.Metrics.MemoryPercent <= 85 {
					return false, ""
				}
				return true, fmt.Sprintf("memory usage at %.1f%%", s.Metrics.MemoryPercent)
			},
		},
		{
			Name:      "memory_critical",
			Severity:  SeverityCritical,
			Cooldown:  defaultCooldown,
			AutoClear: true,
			Check: func(s *Snapshot) (bool, string) {
				if !s.HasMetrics || s.Metrics.MemoryPercent <= 95 {
					return false, ""
				}
				return true, fmt.Sprintf("memory usage at %.1f%%", s.Metrics.MemoryPercent)
			},
		},
		{
			Name:      "cpu_high",
			Severity:  SeverityWarning,
			Cooldown:  defaultCooldown,
			AutoClear: true,
			Check: func(s *Snapshot) (bool, string) {
				if !s.HasMetrics || s.Metrics.CPUPercent <= 80 {
					return false, ""
				}
				return true, fmt.Sprintf("cpu usage at %.1f%%", s.Metrics.CPUPercent)
			},
		},
		{
			Name:      "disk_high",
			Severity:  SeverityCritical,
			Cooldown:  defaultCooldown,
			AutoClear: true,
			Check: func(s *Snapshot) (bool, string) {
				if !s.HasMetrics || s.Metrics.DiskPercent <= 90 {
					return false, ""
				}
				return true, fmt.Sprintf("disk usage at %.1f%% (%.1f GB free)",
					s.Metrics.DiskPercent, s.Metrics.DiskFreeGB)
			},
		},
	}
}

// componentRules derives per-component rules from the current registry:
// a heartbeat timeout rule and an error accumulation rule for each.
func componentRules(components map[string]Component, heartbeatTimeout time.Duration) []Rule {
	rules := make([]Rule, 0, len(components)*2)
	for name := range components {
		name := name
		rules = append(rules, Rule{
			Name:      "heartbeat_timeout_" + name,
			Severity:  SeverityCritical,
			Cooldown:  defaultCooldown,
			AutoClear: true,
			Check: func(s *Snapshot) (bool, string) {
				c, ok := s.Components[name]
				if !ok || c.LastHeartbeat.IsZero() {
					return false, ""
				}
				age := s.Now.Sub(c.LastHeartbeat)
				if age < heartbeatTimeout {
					return false, ""
				}
				return true, fmt.Sprintf("component %s silent for %s", name, age.Round(time.Second))
			},
		})
		rules = append(rules, Rule{
			Name:      "errors_" + name,
			Severity:  SeverityWarning,
			Cooldown:  defaultCooldown,
			AutoClear: false,
			Check: func(s *Snapshot) (bool, string) {
				c, ok := s.Components[name]
				if !ok || c.ErrorCount < 5 {
					return false, ""
				}
				return true, fmt.Sprintf("component %s accumulated %d errors (last: %s)",
					name, c.ErrorCount, c.LastError)
			},
		})
	}
	return rules
}
