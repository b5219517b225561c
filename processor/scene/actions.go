package scene

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/types/fact"
)

func asUpdate(f fact.Fact, action string) (fact.PropertyUpdate, error) {
	u, ok := f.(fact.PropertyUpdate)
	if !ok {
		return fact.PropertyUpdate{}, errors.Invalidf(errors.ErrInvalidData, "scene", action,
			"expected %s fact, got %s", fact.TypePropertyUpdate, f.FactType())
	}
	return u, nil
}

// handlePropertyUpdate merges a player property and decides what to redraw:
// the team layout when active or team-id changes or while the player has no
// active value, otherwise the animation or the skin.
func (c *Controller) handlePropertyUpdate(ctx context.Context, f fact.Fact) error {
	u, err := asUpdate(f, ActionHandlePropertyUpdate)
	if err != nil {
		return err
	}
	if u.IsMeta() {
		return nil
	}

	c.stateMu.Lock()
	player, ok := c.players[u.NodeID]
	if !ok {
		player = fact.NewPlayerNode(u.DeviceID, u.NodeID)
		c.players[u.NodeID] = player
		if c.metrics != nil {
			c.metrics.players.Set(float64(len(c.players)))
		}
	}
	player.Set(u.PropertyID, u.Value)

	if u.PropertyID == fact.PropTerminalID {
		c.mapTerminal(player.NodeID, u.Value)
	}

	active, _ := player.Get(fact.PropActive)
	relayout := u.PropertyID == fact.PropActive || u.PropertyID == fact.PropTeamID || active == ""
	view := NewPlayerView(player)
	var layout TeamLayout
	if relayout {
		layout = ComputeTeamLayout(c.players, c.cfg.Teams)
	}
	c.stateMu.Unlock()

	c.logger.Debug("Player property", "player", u.NodeID, "property", u.PropertyID, "value", u.Value)

	switch {
	case relayout:
		return c.renderer.RenderTeams(ctx, layout)
	case u.PropertyID == fact.PropAnimationMixer:
		return c.renderer.UpdateAnimation(ctx, view)
	case u.PropertyID == fact.PropSkin && c.cfg.Profile != ProfileQuizz:
		// Quizz players keep the skin they had in the layout; only the
		// stored property changes.
		return c.renderer.UpdateSkin(ctx, view)
	}
	return nil
}

// mapTerminal points terminalID at nodeID, dropping the player's previous
// terminal. Caller holds stateMu.
func (c *Controller) mapTerminal(nodeID, terminalID string) {
	for t, n := range c.terminals {
		if n == nodeID {
			delete(c.terminals, t)
			break
		}
	}
	c.terminals[terminalID] = nodeID
	c.logger.Debug("Terminal mapped", "terminal", terminalID, "player", nodeID)
}

func (c *Controller) handleStateMachineUpdate(ctx context.Context, f fact.Fact) error {
	u, err := asUpdate(f, ActionHandleStateMachineUpdate)
	if err != nil {
		return err
	}
	if u.Value != fact.ModeSkin && u.Value != fact.ModeAnimation {
		c.logger.Debug("Ignoring unknown game mode", "mode", u.Value)
		return nil
	}

	c.stateMu.Lock()
	c.state.CurrentMode = u.Value
	c.stateMu.Unlock()

	c.logger.Info("Game mode changed", "mode", u.Value)
	return c.renderer.UpdateMode(ctx, u.Value)
}

// handleButtonPress cycles the skin or animation of the player mapped to the
// pressing terminal: button-a steps forward, button-b back.
func (c *Controller) handleButtonPress(ctx context.Context, f fact.Fact) error {
	u, err := asUpdate(f, ActionHandleButtonPress)
	if err != nil {
		return err
	}
	terminalID := strings.TrimPrefix(u.DeviceID, c.cfg.TerminalPrefix)

	c.stateMu.RLock()
	var player *fact.PlayerNode
	if nodeID, ok := c.terminals[terminalID]; ok {
		if p, ok := c.players[nodeID]; ok {
			player = p.Clone()
		}
	}
	mode := c.state.CurrentMode
	c.stateMu.RUnlock()

	if player == nil {
		c.logger.Warn("Button press does not map to any player", "terminal", terminalID)
		if c.metrics != nil {
			c.metrics.unmappedPresses.Inc()
		}
		return nil
	}

	direction := -1
	if u.NodeID == "button-a" {
		direction = 1
	}

	switch mode {
	case fact.ModeSkin:
		skin, _ := player.Get(fact.PropSkin)
		next := CycleIndex(slices.Index(c.cfg.Skins, skin), direction, len(c.cfg.Skins))
		return c.publish(ctx, player.NodeID, fact.PropSkin, c.cfg.Skins[next])
	case fact.ModeAnimation:
		mixer, _ := player.Get(fact.PropAnimationMixer)
		if mixer == "" {
			mixer = DefaultAnimationMixer
		}
		clip, err := ParseClip(mixer)
		if err != nil {
			return err
		}
		next := CycleIndex(slices.Index(c.cfg.Animations, clip), direction, len(c.cfg.Animations))
		return c.publish(ctx, player.NodeID, fact.PropAnimationMixer, AnimationMixer(c.cfg.Animations[next]))
	}
	return nil
}

// CycleIndex steps from current by direction over n entries. An unknown
// current (-1) steps from before the first entry. Stepping back from the
// first entry stays on it rather than wrapping.
func CycleIndex(current, direction, n int) int {
	return max(0, (current+direction)%n)
}

// ParseClip extracts the clip name from an animation-mixer value such as
// "clip: Run; loop: repeat".
func ParseClip(mixer string) (string, error) {
	first, _, _ := strings.Cut(mixer, ";")
	_, clip, ok := strings.Cut(first, ":")
	if !ok {
		return "", errors.Invalidf(errors.ErrInvalidData, "scene", "ParseClip",
			"animation-mixer %q has no clip", mixer)
	}
	return strings.TrimSpace(clip), nil
}

// AnimationMixer builds the animation-mixer value for clip.
func AnimationMixer(clip string) string {
	return fmt.Sprintf("clip: %s; loop: repeat", clip)
}

func (c *Controller) logUpdate(_ context.Context, f fact.Fact) error {
	u, err := asUpdate(f, ActionLogUpdate)
	if err != nil {
		return err
	}
	c.logger.Info("Processing property update",
		"device", u.DeviceID, "node", u.NodeID, "property", u.PropertyID, "value", u.Value)
	return nil
}

// growCoral scales every coral by the growth factor, capped at the maximum
// scale, redraws them and publishes the mean scale for the asset cluster.
func (c *Controller) growCoral(ctx context.Context, f fact.Fact) error {
	tick, ok := f.(fact.Tick)
	if !ok {
		return errors.Invalidf(errors.ErrInvalidData, "scene", ActionGrowCoral,
			"expected %s fact, got %s", fact.TypeTick, f.FactType())
	}

	reef := c.cfg.Reef
	c.stateMu.Lock()
	grown := make([]fact.Coral, 0, len(c.coralIDs))
	for _, id := range c.coralIDs {
		coral := c.corals[id]
		coral.Scale = math.Min(coral.Scale*reef.GrowthFactor, reef.MaxScale)
		grown = append(grown, *coral)
	}
	c.stateMu.Unlock()

	c.logger.Debug("Growing corals", "tick", tick.Seq, "time", tick.Time, "corals", len(grown))

	var errs []error
	total := 0.0
	for _, coral := range grown {
		total += coral.Scale
		if err := c.renderer.UpdateCoral(ctx, coral); err != nil {
			errs = append(errs, err)
		}
	}

	scale := 1.0
	if len(grown) > 0 {
		scale = total / float64(len(grown))
	}
	topic := fact.PropertyUpdate{DeviceID: reef.Device, NodeID: reef.Cluster, PropertyID: reef.Property}.Topic(c.cfg.Root)
	if err := c.publishTopic(ctx, topic, reef.Property, FormatScale(scale)); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

// FormatScale renders a scale with at least one decimal, "1.0" rather than
// "1".
func FormatScale(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
