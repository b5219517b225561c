// Package reefstreams is the scene controller for Save the Reef, a classroom
// game where players hold Homie-speaking terminals and watch a shared 3D reef.
//
// # Data flow
//
//	terminals ──Homie──▶ NATS ──▶ input/homie ──▶ processor/scene
//	                                                  │  rule session
//	                    NATS ◀── device commands ◀────┤
//	                                                  ▼
//	                           output/websocket ──▶ browser viewers
//
// Property updates arrive as Homie topics, are parsed into facts, coalesced
// over a short window and matched against the scene's rules. Rule actions
// either publish commands back to devices (a new skin, an animation clip, a
// coral scale) or render a visual change for the viewers.
//
// # Packages
//
//   - input/homie: Homie topic grammar, the Source abstraction over NATS
//     JetStream and an in-process broker, and the coalescing property buffer
//   - processor/fact: the typed facts the rules reason over
//   - processor/rule: rule definitions, compilation and the matching session
//   - processor/scene: the tutorial, quizz and reef scenes built on top
//   - output/websocket: the viewer hub with state replay for late joiners
//   - config: layered JSON/YAML configuration with environment overrides
//   - natsclient, metric, health, errors: connection, observability and
//     error classification shared by the above
//
// The reefstreams command in cmd/reefstreams wires them together.
package reefstreams
