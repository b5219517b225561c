// Package config loads the reefstreams configuration.
//
// A Config has four sections: nats (connection and Homie subject layout),
// http (listener and endpoint paths), scene (a scene.Config) and journal
// (the optional scene recording, a file.Config).
//
// # Layers
//
// Loader builds a Config in this order, later steps winning:
//
//  1. Defaults for the scene profile. The profile comes from
//     REEFSTREAMS_SCENE_PROFILE, else from the last layer that sets
//     scene.profile, else tutorial.
//  2. Each file layer, JSON or YAML by extension, deep-merged as maps. Lists
//     replace lists.
//  3. Environment overrides.
//  4. Validate, when enabled.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/reef.yaml")
//	loader.AddLayer("configs/site.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Durations are Go duration strings ("300ms", "5s") or whole days ("2d").
//
// # Environment
//
//	REEFSTREAMS_NATS_URLS             comma-separated server list
//	REEFSTREAMS_NATS_USERNAME
//	REEFSTREAMS_NATS_PASSWORD
//	REEFSTREAMS_NATS_TOKEN
//	REEFSTREAMS_HTTP_ADDR             listen address, e.g. ":9090"
//	REEFSTREAMS_SCENE_PROFILE         tutorial, quizz or reef
//	REEFSTREAMS_SCENE_BUFFER_WINDOW   coalescing window
//
// # File safety
//
// Config files must have a .json, .yaml or .yml extension, be regular files
// under 10MB, and relative paths must resolve inside the working directory.
// JSON nesting is capped at 100 levels.
package config
