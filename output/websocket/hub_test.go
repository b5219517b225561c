package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/input/homie"
	"github.com/CMCRobotics/save-the-reef/metric"
	"github.com/CMCRobotics/save-the-reef/processor/scene"
	"github.com/CMCRobotics/save-the-reef/types/fact"
)

func newTestHub(t *testing.T, opts ...Option) (*Hub, *httptest.Server) {
	t.Helper()
	hub, err := NewHub(opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var evt Event
	require.NoError(t, json.Unmarshal(data, &evt))
	return evt
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Clients() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_BroadcastsToEveryViewer(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	hub, srv := newTestHub(t, WithMetrics(registry))

	a := dial(t, srv)
	b := dial(t, srv)
	waitForClients(t, hub, 2)

	layout := scene.TeamLayout{Teams: []scene.Team{
		{ID: "team-1", Players: []scene.PlayerView{{NodeID: "player-1", Skin: "alienA"}}},
	}}
	require.NoError(t, hub.RenderTeams(context.Background(), layout))

	for _, conn := range []*websocket.Conn{a, b} {
		evt := readEvent(t, conn)
		assert.Equal(t, EventTeams, evt.Type)
		assert.NotEmpty(t, evt.ID)
		assert.NotZero(t, evt.Timestamp)

		var got scene.TeamLayout
		require.NoError(t, json.Unmarshal(evt.Payload, &got))
		assert.Equal(t, layout, got)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(hub.metrics.eventsBroadcast.WithLabelValues(EventTeams)))
	assert.Equal(t, 2.0, testutil.ToFloat64(hub.metrics.clientsConnected))
}

func TestHub_ReplaysSceneToLateViewers(t *testing.T) {
	hub, srv := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, hub.UpdateMode(ctx, fact.ModeSkin))
	require.NoError(t, hub.UpdateSkin(ctx, scene.PlayerView{NodeID: "player-1", Skin: "alienB"}))
	require.NoError(t, hub.UpdateCoral(ctx, fact.Coral{ID: "coral-1", Scale: 1}))
	require.NoError(t, hub.UpdateCoral(ctx, fact.Coral{ID: "coral-1", Scale: 1.5}))
	require.NoError(t, hub.UpdateMode(ctx, fact.ModeAnimation))

	conn := dial(t, srv)

	skin := readEvent(t, conn)
	assert.Equal(t, EventSkin, skin.Type)

	coral := readEvent(t, conn)
	require.Equal(t, EventCoral, coral.Type)
	var c fact.Coral
	require.NoError(t, json.Unmarshal(coral.Payload, &c))
	assert.Equal(t, 1.5, c.Scale)

	mode := readEvent(t, conn)
	require.Equal(t, EventMode, mode.Type)
	var m ModePayload
	require.NoError(t, json.Unmarshal(mode.Payload, &m))
	assert.Equal(t, fact.ModeAnimation, m.Mode)

	// live events follow the replay
	waitForClients(t, hub, 1)
	require.NoError(t, hub.UpdateAnimation(ctx, scene.PlayerView{NodeID: "player-1", AnimationMixer: "clip: Run; loop: repeat"}))
	assert.Equal(t, EventAnimation, readEvent(t, conn).Type)
}

func TestHub_Commands(t *testing.T) {
	hub, srv := newTestHub(t)

	calls := make(chan Command, 4)
	hub.HandleCommand(CommandToggleMode, func(_ context.Context, cmd Command) error {
		calls <- cmd
		return nil
	})
	hub.HandleCommand("fail", func(context.Context, Command) error {
		return stderrors.New("not now")
	})

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"toggle_mode"}`)))
	select {
	case cmd := <-calls:
		assert.Equal(t, CommandToggleMode, cmd.Type)
		assert.NotEmpty(t, cmd.ClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("toggle_mode handler not called")
	}

	tests := []struct {
		name    string
		frame   string
		command string
		message string
	}{
		{"handler error", `{"type":"fail"}`, "fail", "not now"},
		{"unknown command", `{"type":"dance"}`, "dance", "unknown command"},
		{"invalid json", `not json`, "", "invalid command"},
		{"missing type", `{"payload":{}}`, "", "invalid command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
			evt := readEvent(t, conn)
			require.Equal(t, EventError, evt.Type)

			var payload ErrorPayload
			require.NoError(t, json.Unmarshal(evt.Payload, &payload))
			assert.Equal(t, tt.command, payload.Command)
			assert.Equal(t, tt.message, payload.Error)
		})
	}

	hub.HandleCommand("fail", nil)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"fail"}`)))
	evt := readEvent(t, conn)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &payload))
	assert.Equal(t, "unknown command", payload.Error)
}

func TestHub_CommandRateLimit(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	hub, srv := newTestHub(t, WithMetrics(registry), WithCommandRate(rate.Every(time.Hour), 2))

	var calls atomic.Int32
	hub.HandleCommand(CommandToggleMode, func(context.Context, Command) error {
		calls.Add(1)
		return nil
	})

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	const sent = 6
	for range sent {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"toggle_mode"}`)))
	}

	// Frames are handled in order, so the last rejection arrives after
	// both allowed commands have run.
	for range sent - 2 {
		evt := readEvent(t, conn)
		require.Equal(t, EventError, evt.Type)
		var payload ErrorPayload
		require.NoError(t, json.Unmarshal(evt.Payload, &payload))
		assert.Equal(t, CommandToggleMode, payload.Command)
		assert.Equal(t, "rate limited", payload.Error)
	}

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, float64(sent-2), testutil.ToFloat64(hub.metrics.commandsRateLimited.WithLabelValues(CommandToggleMode)))
	assert.Equal(t, 2.0, testutil.ToFloat64(hub.metrics.commands.WithLabelValues(CommandToggleMode)))

	// each viewer has its own budget
	other := dial(t, srv)
	waitForClients(t, hub, 2)
	require.NoError(t, other.WriteMessage(websocket.TextMessage, []byte(`{"type":"toggle_mode"}`)))
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_ViewerDisconnect(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	hub, srv := newTestHub(t, WithMetrics(registry))

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	waitForClients(t, hub, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(hub.metrics.disconnections.WithLabelValues("normal")))
	assert.Equal(t, 0.0, testutil.ToFloat64(hub.metrics.clientsConnected))

	// broadcasting with no viewers still records state
	require.NoError(t, hub.UpdateMode(context.Background(), fact.ModeSkin))
}

func TestHub_Close(t *testing.T) {
	hub, srv := newTestHub(t)

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close())
	assert.Equal(t, 0, hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	err = hub.UpdateMode(context.Background(), fact.ModeSkin)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHub_RunStopsWithContext(t *testing.T) {
	hub, srv := newTestHub(t, WithPingInterval(10*time.Millisecond))

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	pings := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		// reading is what dispatches control frames
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestHub_DrivesSceneController(t *testing.T) {
	hub, srv := newTestHub(t)
	src := homie.NewMemorySource()
	defer src.Close()

	cfg := scene.DefaultConfig(scene.ProfileTutorial)
	cfg.BufferWindow = 0
	ctrl, err := scene.New(src, cfg, scene.WithRenderer(hub))
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	defer func() { _ = ctrl.Stop() }()

	hub.HandleCommand(CommandToggleMode, ToggleModeHandler(ctrl.ToggleMode))

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"toggle_mode"}`)))

	evt := readEvent(t, conn)
	require.Equal(t, EventMode, evt.Type)
	var m ModePayload
	require.NoError(t, json.Unmarshal(evt.Payload, &m))
	assert.Equal(t, fact.ModeAnimation, m.Mode)
	assert.Equal(t, fact.ModeAnimation, ctrl.Mode())
}
