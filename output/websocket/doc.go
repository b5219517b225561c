// Package websocket renders the scene to browser viewers over websocket.
//
// # Overview
//
// Hub implements scene.Renderer. Every render call becomes one JSON Event
// broadcast to all connected viewers:
//
//	{"type":"skin","id":"<uuid>","timestamp":1718000000000,"payload":{...}}
//
// Event types are teams (a scene.TeamLayout), animation and skin (a
// scene.PlayerView), mode ({"mode":"skin"}) and coral (a fact.Coral).
//
// # Late joiners
//
// The hub keeps the last team layout, the last mode, the last skin and
// animation of each player and the last state of each coral. A new viewer
// receives them in the order they were last updated before any live event.
//
// # Commands
//
// Viewers send events with only a type, and optionally a payload. Handlers
// are registered per type:
//
//	hub.HandleCommand(websocket.CommandToggleMode, websocket.ToggleModeHandler(ctrl.ToggleMode))
//
// A failing or unknown command is answered with an error event to that
// viewer only.
//
// # Client Management
//
// Each viewer has a read goroutine and a write lock; gorilla connections
// allow one writer at a time. Run pings viewers periodically and drops those
// that stop answering. A viewer whose write fails or times out is dropped.
//
// # Metrics
//
// With WithMetrics the hub exports, under reef_websocket_:
//
//   - clients_connected
//   - client_connections_total, client_disconnections_total{disconnect_reason}
//   - events_broadcast_total{type}
//   - commands_received_total{type}
//   - errors_total{error_type}
package websocket
