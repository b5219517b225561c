package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name  string
		subs  []Status
		state string
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", ""), NewHealthy("c", "")}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := Aggregate("reefstreams", tt.subs)
			assert.Equal(t, "reefstreams", status.Component)
			assert.Equal(t, tt.state, status.Status)
			assert.Equal(t, tt.state == StateHealthy, status.Healthy)
			assert.Len(t, status.SubStatuses, len(tt.subs))
		})
	}
}

func TestAggregate_CopiesInput(t *testing.T) {
	subs := []Status{NewHealthy("a", "")}
	status := Aggregate("sys", subs)
	status.SubStatuses[0].Component = "changed"
	assert.Equal(t, "a", subs[0].Component)
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"failed to open /etc/reefstreams/reef.yaml", "failed to open [PATH]"},
		{"cannot read C:\\Users\\Admin\\reef.json", "cannot read [PATH]"},
		{"cannot connect to nats://localhost:4222", "cannot connect to [URL]"},
		{"timeout connecting to 192.168.1.100", "timeout connecting to [IP]"},
		{"failed to bind to :9090", "failed to bind to [PORT]"},
		{"auth failed with password:hunter2", "auth failed with [REDACTED]"},
		{"dial https://10.0.0.1:8080/api with token=abc123", "dial [URL] with [REDACTED]"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeErrorMessage(tt.input))
		})
	}
}

func TestFromError(t *testing.T) {
	assert.True(t, FromError("nats", nil).IsHealthy())

	status := FromError("nats", errors.New("dial nats://broker:4222 refused"))
	assert.True(t, status.IsUnhealthy())
	assert.Equal(t, "dial [URL] refused", status.Message)
}

func TestMonitor(t *testing.T) {
	m := NewMonitor("reefstreams")
	assert.True(t, m.Healthy())

	m.UpdateHealthy("nats", "connected")
	m.Update("scene", Status{Component: "wrong", Status: StateHealthy, Healthy: true})

	got, ok := m.Get("scene")
	require.True(t, ok)
	assert.Equal(t, "scene", got.Component)
	assert.False(t, got.Timestamp.IsZero())

	m.UpdateDegraded("nats", "reconnecting")
	assert.True(t, m.Healthy(), "degraded still passes the probe")
	assert.True(t, m.AggregateHealth().IsDegraded())

	m.UpdateError("scene", errors.New("boom"))
	assert.False(t, m.Healthy())

	m.Remove("scene")
	_, ok = m.Get("scene")
	assert.False(t, ok)

	agg := m.AggregateHealth()
	require.Len(t, agg.SubStatuses, 1)
	assert.Equal(t, "nats", agg.SubStatuses[0].Component)
}

func TestMonitor_ServeHTTP(t *testing.T) {
	m := NewMonitor("reefstreams")
	m.UpdateHealthy("websocket", "0 viewers")
	m.UpdateHealthy("nats", "connected")

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/components", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "reefstreams", status.Component)
	require.Len(t, status.SubStatuses, 2)
	assert.Equal(t, "nats", status.SubStatuses[0].Component)

	m.UpdateUnhealthy("nats", "closed")
	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/components", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
