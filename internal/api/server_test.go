package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/tradecore/config"
	"github.com/tradecore/tradecore/internal/balance"
	"github.com/tradecore/tradecore/internal/monitor"
	"github.com/tradecore/tradecore/internal/worker"
	"github.com/tradecore/tradecore/pkg/logger"
)

func newTestServer(deps Dependencies) *Server {
	return NewServer(config.APIConfig{Host: "127.0.0.1", Port: 0}, deps, logger.NewLogger("test"))
}

func doRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(Dependencies{})
	rec := doRequest(s, http.MethodGet, "/health")

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandlersWithoutComponents(t *testing.T) {
	s := newTestServer(Dependencies{})

	paths := []string{
		"/api/v1/balances",
		"/api/v1/workers",
		"/api/v1/ratelimit/stats",
		"/api/v1/dedup/stats",
		"/api/v1/transactions/metrics",
		"/api/v1/monitor/health",
		"/api/v1/monitor/alerts",
	}
	for _, path := range paths {
		rec := doRequest(s, http.MethodGet, path)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "path %s", path)
	}
}

func TestHandleGetBalances(t *testing.T) {
	balances := balance.NewManager(balance.Config{}, nil, nil, logger.NewLogger("test"))
	require.True(t, balances.UpdateBalance(context.Background(), "binance", "USDT",
		decimal.RequireFromString("1000"), decimal.RequireFromString("1000"), decimal.Zero))

	s := newTestServer(Dependencies{Balances: balances})

	rec := doRequest(s, http.MethodGet, "/api/v1/balances")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary balance.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Contains(t, summary.Venues, "binance")
	assert.InDelta(t, 1000, summary.Venues["binance"].Assets["USDT"].Available, 0.0001)
}

func TestHandleGetBalanceNotFound(t *testing.T) {
	balances := balance.NewManager(balance.Config{}, nil, nil, logger.NewLogger("test"))
	s := newTestServer(Dependencies{Balances: balances})

	rec := doRequest(s, http.MethodGet, "/api/v1/balances/binance/DOGE")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetWorkers(t *testing.T) {
	workers := worker.NewCoordinator(worker.Config{}, nil, logger.NewLogger("test"))
	_, ok := workers.Register(context.Background(), "trading_engine", "engine-1", 100, nil)
	require.True(t, ok)

	s := newTestServer(Dependencies{Workers: workers})

	rec := doRequest(s, http.MethodGet, "/api/v1/workers")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Workers []worker.Worker `json:"workers"`
		Count   int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "engine-1", body.Workers[0].ID)
}

func TestHandleMonitorHealth(t *testing.T) {
	mon := monitor.NewMonitor(monitor.Config{}, monitor.NewSampler("/", nil, nil), nil, logger.NewLogger("test"))
	mon.RegisterComponent("balance")
	mon.Heartbeat("balance", monitor.HeartbeatUpdate{})

	s := newTestServer(Dependencies{Monitor: mon})

	rec := doRequest(s, http.MethodGet, "/api/v1/monitor/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Overall    string                       `json:"overall"`
		Components map[string]monitor.Component `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Overall)
	require.Contains(t, body.Components, "balance")
}

func TestHandleMonitorMetricsBadLimit(t *testing.T) {
	mon := monitor.NewMonitor(monitor.Config{}, monitor.NewSampler("/", nil, nil), nil, logger.NewLogger("test"))
	s := newTestServer(Dependencies{Monitor: mon})

	rec := doRequest(s, http.MethodGet, "/api/v1/monitor/metrics?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/v1/monitor/metrics?limit=-3")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetReservations(t *testing.T) {
	balances := balance.NewManager(balance.Config{}, nil, nil, logger.NewLogger("test"))
	require.True(t, balances.UpdateBalance(context.Background(), "binance", "USDT",
		decimal.RequireFromString("1000"), decimal.RequireFromString("1000"), decimal.Zero))
	res, reason := balances.Reserve(context.Background(), "binance", "USDT",
		decimal.RequireFromString("100"), "order", time.Minute, nil)
	require.NotNil(t, res)
	require.Empty(t, reason)

	s := newTestServer(Dependencies{Balances: balances})

	rec := doRequest(s, http.MethodGet, "/api/v1/reservations/binance/USDT")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Reservations []balance.Reservation `json:"reservations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Reservations, 1)
	assert.Equal(t, res.ID, body.Reservations[0].ID)
}
