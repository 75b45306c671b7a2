package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tradecore/tradecore/config"
	"github.com/tradecore/tradecore/internal/balance"
	"github.com/tradecore/tradecore/internal/cache"
	"github.com/tradecore/tradecore/internal/database"
	"github.com/tradecore/tradecore/internal/dedup"
	"github.com/tradecore/tradecore/internal/monitor"
	"github.com/tradecore/tradecore/internal/ratelimit"
	"github.com/tradecore/tradecore/internal/worker"
	"github.com/tradecore/tradecore/pkg/logger"
)

var (
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

// Dependencies are the coordination components the API exposes read-only
// views over. Any field may be nil; the matching routes then report
// not_available.
type Dependencies struct {
	DB       *database.DB
	TxMgr    *database.Manager
	Cache    cache.Store
	Balances *balance.Manager
	Workers  *worker.Coordinator
	Limiter  *ratelimit.Limiter
	Dedup    *dedup.Deduplicator
	Monitor  *monitor.Monitor
}

// Server is the observability API. It never mutates coordination state:
// every route is a snapshot read.
type Server struct {
	config config.APIConfig
	deps   Dependencies
	log    *logger.Logger
	router *gin.Engine
	server *http.Server
}

// NewServer creates the observability API server
func NewServer(cfg config.APIConfig, deps Dependencies, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config: cfg,
		deps:   deps,
		log:    log,
		router: router,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	// Logging and metrics middleware
	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		s.log.Info("API request",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", duration.Milliseconds(),
			"ip", c.ClientIP(),
		)

		apiRequestsTotal.WithLabelValues(c.Request.Method, path, fmt.Sprintf("%d", status)).Inc()
		apiRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration.Seconds())
	})
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/ready", s.handleHealthReady)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/balances", s.handleGetBalances)
		v1.GET("/balances/:venue/:asset", s.handleGetBalance)
		v1.GET("/reservations/:venue/:asset", s.handleGetReservations)
		v1.GET("/workers", s.handleGetWorkers)
		v1.GET("/ratelimit/stats", s.handleGetRateLimitStats)
		v1.GET("/dedup/stats", s.handleGetDedupStats)
		v1.GET("/transactions/metrics", s.handleGetTransactionMetrics)

		mon := v1.Group("/monitor")
		{
			mon.GET("/health", s.handleGetMonitorHealth)
			mon.GET("/metrics", s.handleGetMonitorMetrics)
			mon.GET("/alerts", s.handleGetAlerts)
		}
	}
}

// handleHealth handles basic liveness check - always returns 200 if process is alive
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleHealthReady handles readiness check - verifies backing stores
func (s *Server) handleHealthReady(c *gin.Context) {
	checks := make(map[string]interface{})
	allHealthy := true

	if s.deps.DB != nil {
		if err := s.deps.DB.HealthCheck(c.Request.Context()); err != nil {
			checks["database"] = gin.H{"status": "unhealthy", "message": err.Error()}
			allHealthy = false
		} else {
			checks["database"] = gin.H{"status": "ok"}
		}
	}

	if s.deps.Cache != nil {
		if err := s.deps.Cache.Ping(c.Request.Context()); err != nil {
			checks["cache"] = gin.H{"status": "unhealthy", "message": err.Error()}
			allHealthy = false
		} else {
			checks["cache"] = gin.H{"status": "ok"}
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status": status,
		"checks": checks,
	})
}

// handleGetBalances returns the full balance summary across venues
func (s *Server) handleGetBalances(c *gin.Context) {
	if s.deps.Balances == nil {
		notAvailable(c, "balance manager")
		return
	}
	c.JSON(http.StatusOK, s.deps.Balances.GetBalanceSummary())
}

// handleGetBalance returns one (venue, asset) balance
func (s *Server) handleGetBalance(c *gin.Context) {
	if s.deps.Balances == nil {
		notAvailable(c, "balance manager")
		return
	}

	venue := c.Param("venue")
	asset := c.Param("asset")
	bal, ok := s.deps.Balances.GetBalance(venue, asset)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": fmt.Sprintf("no balance for %s:%s", venue, asset),
		})
		return
	}
	c.JSON(http.StatusOK, bal)
}

// handleGetReservations returns active reservations for one (venue, asset)
func (s *Server) handleGetReservations(c *gin.Context) {
	if s.deps.Balances == nil {
		notAvailable(c, "balance manager")
		return
	}

	venue := c.Param("venue")
	asset := c.Param("asset")
	c.JSON(http.StatusOK, gin.H{
		"venue":        venue,
		"asset":        asset,
		"reservations": s.deps.Balances.GetReservations(venue, asset),
	})
}

// handleGetWorkers returns all registered workers
func (s *Server) handleGetWorkers(c *gin.Context) {
	if s.deps.Workers == nil {
		notAvailable(c, "worker coordinator")
		return
	}
	workers := s.deps.Workers.GetWorkers()
	c.JSON(http.StatusOK, gin.H{
		"workers": workers,
		"count":   len(workers),
	})
}

// handleGetRateLimitStats returns per-key rate limiter statistics
func (s *Server) handleGetRateLimitStats(c *gin.Context) {
	if s.deps.Limiter == nil {
		notAvailable(c, "rate limiter")
		return
	}
	c.JSON(http.StatusOK, s.deps.Limiter.GetStats())
}

// handleGetDedupStats returns deduplicator counters
func (s *Server) handleGetDedupStats(c *gin.Context) {
	if s.deps.Dedup == nil {
		notAvailable(c, "deduplicator")
		return
	}
	c.JSON(http.StatusOK, s.deps.Dedup.GetStats())
}

// handleGetTransactionMetrics returns recent transaction metrics
func (s *Server) handleGetTransactionMetrics(c *gin.Context) {
	if s.deps.TxMgr == nil {
		notAvailable(c, "transaction manager")
		return
	}
	txns := s.deps.TxMgr.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

// handleGetMonitorHealth returns component statuses and the overall status
func (s *Server) handleGetMonitorHealth(c *gin.Context) {
	if s.deps.Monitor == nil {
		notAvailable(c, "process monitor")
		return
	}
	components, overall := s.deps.Monitor.GetHealth()
	c.JSON(http.StatusOK, gin.H{
		"overall":    overall,
		"components": components,
	})
}

// handleGetMonitorMetrics returns recent system metrics samples
func (s *Server) handleGetMonitorMetrics(c *gin.Context) {
	if s.deps.Monitor == nil {
		notAvailable(c, "process monitor")
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_parameter",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = parsed
	}

	samples := s.deps.Monitor.GetMetricsHistory(limit)
	c.JSON(http.StatusOK, gin.H{
		"samples": samples,
		"count":   len(samples),
	})
}

// handleGetAlerts returns raised alerts, active first
func (s *Server) handleGetAlerts(c *gin.Context) {
	if s.deps.Monitor == nil {
		notAvailable(c, "process monitor")
		return
	}
	alerts := s.deps.Monitor.GetAlerts()
	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func notAvailable(c *gin.Context, component string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "not_available",
		"message": component + " is not running",
	})
}

// Start starts the API server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.log.Info("Starting API server", "address", addr)

	s.server = &http.Server{
		Addr:           addr,
		Handler:        s.router,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop stops the API server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Stopping API server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
