package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/reportflow/internal/checkpoint"
)

func failing(context.Context) error { return errors.New("connection refused") }

func TestManagerAllHealthy(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(NewPingChecker("checkpoints", checkpoint.NewMemoryStore(), true))

	report := m.Check(context.Background())
	assert.Equal(t, "healthy", report.Status)
	assert.True(t, report.Ready)
	assert.Equal(t, "healthy", report.Components["checkpoints"].Status)
}

func TestManagerNonCriticalFailureDegrades(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(NewPingChecker("checkpoints", checkpoint.NewMemoryStore(), true))
	m.Register(NewPingChecker("redis", PingFunc(failing), false))

	report := m.Check(context.Background())
	assert.Equal(t, "degraded", report.Status)
	assert.True(t, report.Ready)
	assert.Equal(t, "connection refused", report.Components["redis"].Error)
}

func TestManagerCriticalFailureNotReady(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(NewPingChecker("units", PingFunc(failing), true))

	report := m.Check(context.Background())
	assert.Equal(t, "unhealthy", report.Status)
	assert.False(t, report.Ready)
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(NewPingChecker("units", PingFunc(failing), true))
	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "unhealthy", report.Components["units"].Status)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
