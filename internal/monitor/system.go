package monitor

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/tradecore/tradecore/internal/cache"
)

// SystemMetrics is one sampled snapshot of host and pool health
type SystemMetrics struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedMB  float64   `json:"memory_used_mb"`
	MemoryFreeMB  float64   `json:"memory_free_mb"`
	DiskPercent   float64   `json:"disk_percent"`
	DiskFreeGB    float64   `json:"disk_free_gb"`
	NetBytesSent  uint64    `json:"net_bytes_sent"`
	NetBytesRecv  uint64    `json:"net_bytes_recv"`
	Goroutines    int       `json:"goroutines"`

	DBOpenConns  int `json:"db_open_conns"`
	DBInUseConns int `json:"db_in_use_conns"`
	DBIdleConns  int `json:"db_idle_conns"`

	CacheTotalConns int `json:"cache_total_conns"`
	CacheIdleConns  int `json:"cache_idle_conns"`
}

// DBStatser exposes pool statistics; satisfied by *sql.DB
type DBStatser interface {
	Stats() sql.DBStats
}

// Sampler collects system metrics. db and store are each optional.
type Sampler struct {
	diskPath string
	db       DBStatser
	store    cache.Store
}

// NewSampler creates a system metrics sampler rooted at diskPath
func NewSampler(diskPath string, db DBStatser, store cache.Store) *Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Sampler{diskPath: diskPath, db: db, store: store}
}

// Sample gathers a metrics snapshot. Probe failures leave the affected
// fields zero rather than failing the whole sample.
func (s *Sampler) Sample(ctx context.Context) SystemMetrics {
	m := SystemMetrics{
		Timestamp:  time.Now(),
		Goroutines: runtime.NumGoroutine(),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemoryPercent = vm.UsedPercent
		m.MemoryUsedMB = float64(vm.Used) / 1024 / 1024
		m.MemoryFreeMB = float64(vm.Available) / 1024 / 1024
	}

	if du, err := disk.UsageWithContext(ctx, s.diskPath); err == nil {
		m.DiskPercent = du.UsedPercent
		m.DiskFreeGB = float64(du.Free) / 1024 / 1024 / 1024
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		m.NetBytesSent = counters[0].BytesSent
		m.NetBytesRecv = counters[0].BytesRecv
	}

	if s.db != nil {
		stats := s.db.Stats()
		m.DBOpenConns = stats.OpenConnections
		m.DBInUseConns = stats.InUse
		m.DBIdleConns = stats.Idle
	}

	if s.store != nil {
		pool := s.store.PoolStats()
		m.CacheTotalConns = pool.TotalConns
		m.CacheIdleConns = pool.IdleConns
	}

	return m
}
