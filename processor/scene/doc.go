// Package scene drives the Save the Reef scene from Homie property updates.
//
// A Controller subscribes to a homie.Source, coalesces updates in a
// homie.PropertyBuffer and asserts each batch as PropertyUpdate facts into a
// rule session. The rules of the configured profile decide what happens:
//
//   - tutorial: players join teams, terminals cycle player skins and
//     animations, and the gateway state machine switches between the two
//     modes.
//   - quizz: every update is logged and players are laid out by team.
//     Skin changes are stored but not rendered; animations are.
//   - reef: every update is logged and corals grow on each Tick.
//
// Visual changes go to a Renderer. Commands, such as a new skin for a player,
// are published back through the source under the gateway device, so the
// controller sees its own commands as ordinary updates.
//
// Rules can be overridden or extended by name from rules files and inline
// configuration:
//
//	cfg := scene.DefaultConfig(scene.ProfileTutorial)
//	ctrl, err := scene.New(source, cfg, scene.WithRenderer(hub))
//	if err != nil {
//		return err
//	}
//	if err := ctrl.Start(ctx); err != nil {
//		return err
//	}
//	defer ctrl.Stop()
package scene
