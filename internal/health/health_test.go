package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// mockConnection reports a settable phase
type mockConnection struct {
	phase atomic.Int32
}

func newMockConnection(p rdma.Phase) *mockConnection {
	c := &mockConnection{}
	c.phase.Store(int32(p))

	return c
}

func (c *mockConnection) Phase() rdma.Phase { return rdma.Phase(c.phase.Load()) }

// emptyBackend reports no devices
type emptyBackend struct {
	*rdma.SimulatedVerbsBackend
	err error
}

func (b *emptyBackend) GetDeviceList() ([]rdma.VerbsDeviceInfo, error) {
	return nil, b.err
}

func newTestChecker(backend rdma.VerbsBackend) *Checker {
	c := NewChecker(backend)
	c.cacheTTL = 0

	return c
}

func TestCheckVerbs(t *testing.T) {
	tests := []struct {
		name       string
		backend    rdma.VerbsBackend
		wantStatus Status
		wantMsg    string
	}{
		{
			name:       "simulated devices",
			backend:    rdma.NewSimulatedVerbsBackend(),
			wantStatus: StatusHealthy,
			wantMsg:    "2 RDMA devices",
		},
		{
			name:       "no backend",
			backend:    nil,
			wantStatus: StatusUnhealthy,
			wantMsg:    "verbs backend not initialized",
		},
		{
			name:       "no devices",
			backend:    &emptyBackend{SimulatedVerbsBackend: rdma.NewSimulatedVerbsBackend()},
			wantStatus: StatusUnhealthy,
			wantMsg:    "no RDMA devices",
		},
		{
			name: "enumeration error",
			backend: &emptyBackend{
				SimulatedVerbsBackend: rdma.NewSimulatedVerbsBackend(),
				err:                   errors.New("sysfs unreadable"),
			},
			wantStatus: StatusUnhealthy,
			wantMsg:    "device enumeration failed: sysfs unreadable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := newTestChecker(tt.backend).CheckVerbs(context.Background())
			assert.Equal(t, tt.wantStatus, check.Status)
			assert.Equal(t, tt.wantMsg, check.Message)
		})
	}
}

func TestCheckConnection(t *testing.T) {
	checker := newTestChecker(rdma.NewSimulatedVerbsBackend())
	ctx := context.Background()

	check := checker.CheckConnection(ctx)
	assert.Equal(t, StatusDegraded, check.Status)
	assert.False(t, checker.IsReady(ctx))

	conn := newMockConnection(rdma.PhaseRTR)
	checker.SetConnection(conn)

	check = checker.CheckConnection(ctx)
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "queue pair in RTR", check.Message)
	assert.False(t, checker.IsReady(ctx))

	conn.phase.Store(int32(rdma.PhaseRTS))

	check = checker.CheckConnection(ctx)
	assert.Equal(t, StatusHealthy, check.Status)
	assert.True(t, checker.IsReady(ctx))
}

func TestCheckOverallStatus(t *testing.T) {
	checker := newTestChecker(rdma.NewSimulatedVerbsBackend())
	ctx := context.Background()

	status := checker.Check(ctx)
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Len(t, status.Checks, 2)

	checker.SetConnection(newMockConnection(rdma.PhaseRTS))
	assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

	checker.SetConnection(newMockConnection(rdma.PhaseReset))
	assert.Equal(t, StatusUnhealthy, checker.Check(ctx).Status)
}

func TestCheckCaching(t *testing.T) {
	checker := NewChecker(rdma.NewSimulatedVerbsBackend())
	checker.cacheTTL = time.Hour

	conn := newMockConnection(rdma.PhaseRTS)
	checker.SetConnection(conn)

	first := checker.Check(context.Background())
	conn.phase.Store(int32(rdma.PhaseReset))
	assert.Same(t, first, checker.Check(context.Background()))

	// A new connection invalidates the cache.
	checker.SetConnection(conn)
	assert.Equal(t, StatusUnhealthy, checker.Check(context.Background()).Status)
}

func TestDetermineOverallStatus(t *testing.T) {
	checker := &Checker{}

	assert.Equal(t, StatusHealthy, checker.determineOverallStatus(map[string]Check{
		"a": {Status: StatusHealthy},
	}))
	assert.Equal(t, StatusDegraded, checker.determineOverallStatus(map[string]Check{
		"a": {Status: StatusHealthy},
		"b": {Status: StatusDegraded},
	}))
	assert.Equal(t, StatusUnhealthy, checker.determineOverallStatus(map[string]Check{
		"a": {Status: StatusDegraded},
		"b": {Status: StatusUnhealthy},
	}))
}

func TestHandlers(t *testing.T) {
	checker := newTestChecker(rdma.NewSimulatedVerbsBackend())
	h := NewHandler(checker)

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"not ready"}`, rec.Body.String())

	checker.SetConnection(newMockConnection(rdma.PhaseRTS))

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.DetailedHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "queue pair in RTS", status.Checks["connection"].Message)

	checker.SetConnection(newMockConnection(rdma.PhaseReset))

	rec = httptest.NewRecorder()
	h.DetailedHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
