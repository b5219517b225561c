package scene

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"

	"github.com/CMCRobotics/save-the-reef/types/fact"
)

// Presentation defaults for players that have not published a value yet.
const (
	DefaultPlayerAnimation = "clip: Idle; loop:repeat"
	DefaultPlayerSkin      = "alienA"
	DefaultPlayerScale     = "1 1 1"
	DefaultPlayerNickname  = "..."
)

// Renderer receives every visual change the controller decides on. Calls
// are made from rule actions, one at a time.
type Renderer interface {
	RenderTeams(ctx context.Context, layout TeamLayout) error
	UpdateAnimation(ctx context.Context, player PlayerView) error
	UpdateSkin(ctx context.Context, player PlayerView) error
	UpdateMode(ctx context.Context, mode string) error
	UpdateCoral(ctx context.Context, coral fact.Coral) error
}

// PlayerView is a player as it should be drawn, with defaults filled in.
type PlayerView struct {
	NodeID         string `json:"nodeId"`
	Team           string `json:"team"`
	AnimationMixer string `json:"animationMixer"`
	Skin           string `json:"skin"`
	Scale          string `json:"scale"`
	Nickname       string `json:"nickname"`
}

// NewPlayerView renders p with presentation defaults.
func NewPlayerView(p *fact.PlayerNode) PlayerView {
	get := func(prop, def string) string {
		if v, ok := p.Get(prop); ok && v != "" {
			return v
		}
		return def
	}
	return PlayerView{
		NodeID:         p.NodeID,
		Team:           p.Team(),
		AnimationMixer: get(fact.PropAnimationMixer, DefaultPlayerAnimation),
		Skin:           get(fact.PropSkin, DefaultPlayerSkin),
		Scale:          get(fact.PropScale, DefaultPlayerScale),
		Nickname:       get(fact.PropNickname, DefaultPlayerNickname),
	}
}

// Team is one team and its active players.
type Team struct {
	ID      string       `json:"id"`
	Players []PlayerView `json:"players"`
}

// TeamLayout is the set of players to draw, grouped by team.
type TeamLayout struct {
	Teams []Team `json:"teams"`
}

// Player returns the view of nodeID if it is laid out.
func (l TeamLayout) Player(nodeID string) (PlayerView, bool) {
	for _, t := range l.Teams {
		for _, p := range t.Players {
			if p.NodeID == nodeID {
				return p, true
			}
		}
	}
	return PlayerView{}, false
}

// ComputeTeamLayout groups active players by team-id. Every team in teams
// is present, in order, even when empty; players on other teams are left
// out. Players are sorted by node ID.
func ComputeTeamLayout(players map[string]*fact.PlayerNode, teams []string) TeamLayout {
	byTeam := make(map[string][]PlayerView, len(teams))
	for _, p := range players {
		if !p.Active() {
			continue
		}
		byTeam[p.Team()] = append(byTeam[p.Team()], NewPlayerView(p))
	}

	layout := TeamLayout{Teams: make([]Team, 0, len(teams))}
	for _, id := range teams {
		members := byTeam[id]
		sort.Slice(members, func(i, j int) bool { return members[i].NodeID < members[j].NodeID })
		if members == nil {
			members = []PlayerView{}
		}
		layout.Teams = append(layout.Teams, Team{ID: id, Players: members})
	}
	return layout
}

// LogRenderer logs render calls. It is the default renderer.
type LogRenderer struct {
	Logger *slog.Logger
}

var _ Renderer = (*LogRenderer)(nil)

func (r *LogRenderer) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default().With("component", "scene-renderer")
}

// RenderTeams implements Renderer.
func (r *LogRenderer) RenderTeams(_ context.Context, layout TeamLayout) error {
	for _, t := range layout.Teams {
		ids := make([]string, len(t.Players))
		for i, p := range t.Players {
			ids[i] = p.NodeID
		}
		r.logger().Info("Team layout", "team", t.ID, "players", ids)
	}
	return nil
}

// UpdateAnimation implements Renderer.
func (r *LogRenderer) UpdateAnimation(_ context.Context, p PlayerView) error {
	r.logger().Debug("Player animation", "player", p.NodeID, "animation_mixer", p.AnimationMixer)
	return nil
}

// UpdateSkin implements Renderer.
func (r *LogRenderer) UpdateSkin(_ context.Context, p PlayerView) error {
	r.logger().Debug("Player skin", "player", p.NodeID, "skin", p.Skin)
	return nil
}

// UpdateMode implements Renderer.
func (r *LogRenderer) UpdateMode(_ context.Context, mode string) error {
	r.logger().Info("Mode", "mode", mode)
	return nil
}

// UpdateCoral implements Renderer.
func (r *LogRenderer) UpdateCoral(_ context.Context, c fact.Coral) error {
	r.logger().Debug("Coral", "id", c.ID, "scale", c.Scale,
		"x", c.Position.X, "y", c.Position.Y, "z", c.Position.Z)
	return nil
}

// Renderers fans every call out to each renderer and joins their errors.
func Renderers(rs ...Renderer) Renderer {
	return multiRenderer(rs)
}

type multiRenderer []Renderer

func (m multiRenderer) each(fn func(Renderer) error) error {
	var errs []error
	for _, r := range m {
		if err := fn(r); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (m multiRenderer) RenderTeams(ctx context.Context, layout TeamLayout) error {
	return m.each(func(r Renderer) error { return r.RenderTeams(ctx, layout) })
}

func (m multiRenderer) UpdateAnimation(ctx context.Context, p PlayerView) error {
	return m.each(func(r Renderer) error { return r.UpdateAnimation(ctx, p) })
}

func (m multiRenderer) UpdateSkin(ctx context.Context, p PlayerView) error {
	return m.each(func(r Renderer) error { return r.UpdateSkin(ctx, p) })
}

func (m multiRenderer) UpdateMode(ctx context.Context, mode string) error {
	return m.each(func(r Renderer) error { return r.UpdateMode(ctx, mode) })
}

func (m multiRenderer) UpdateCoral(ctx context.Context, c fact.Coral) error {
	return m.each(func(r Renderer) error { return r.UpdateCoral(ctx, c) })
}
