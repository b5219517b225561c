package metric

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, server *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + server.Address() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
}

func TestServer_ServesMetricsHealthAndExtraHandlers(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordUpdateReceived("memory")

	server := NewServer("127.0.0.1:0", "/metrics", registry)
	server.Handle("/extra", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("extra"))
	}))
	startServer(t, server)

	base := "http://" + server.Address()

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "reef_updates_received_total")

	resp, err = http.Get(base + "/extra")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "extra", string(body))
}

func TestServer_HealthCheck(t *testing.T) {
	server := NewServer("127.0.0.1:0", "", NewMetricsRegistry())
	var healthy atomic.Bool
	healthy.Store(true)
	server.SetHealthCheck(healthy.Load)
	startServer(t, server)

	healthy.Store(false)
	resp, err := http.Get("http://" + server.Address() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_CustomHealthPath(t *testing.T) {
	server := NewServer("127.0.0.1:0", "", NewMetricsRegistry())
	server.SetHealthPath("/healthz")
	startServer(t, server)

	resp, err := http.Get("http://" + server.Address() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + server.Address() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_StartWithoutRegistry(t *testing.T) {
	server := NewServer("127.0.0.1:0", "/metrics", nil)
	err := server.Start(context.Background())
	require.Error(t, err)
}
