package scene

import (
	"time"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/input/homie"
	"github.com/CMCRobotics/save-the-reef/processor/rule"
	"github.com/CMCRobotics/save-the-reef/types/fact"
)

// Profile selects a built-in rule set and its defaults.
type Profile string

// Scene profiles.
const (
	// ProfileTutorial drives player avatars from the gateway and terminal
	// buttons: skin and animation cycling, team layout, mode toggle.
	ProfileTutorial Profile = "tutorial"
	// ProfileQuizz lays out players and logs every update on the gateway.
	ProfileQuizz Profile = "quizz"
	// ProfileReef grows corals on a periodic tick.
	ProfileReef Profile = "reef"
)

// Profiles lists the known profiles.
func Profiles() []Profile {
	return []Profile{ProfileTutorial, ProfileQuizz, ProfileReef}
}

// Default values shared by every profile.
const (
	DefaultGatewayDevice   = "gateway"
	DefaultStateMachine    = "state-machine"
	DefaultStateProperty   = "current-state"
	DefaultPlayerPrefix    = "player-"
	DefaultTerminalPrefix  = "terminal-"
	DefaultAnimationMixer  = "clip: Idle; loop: repeat"
	DefaultBufferWindow    = 300 * time.Millisecond
	DefaultReefTick        = 5 * time.Second
	DefaultReefGrowth      = 1.05
	DefaultReefMaxScale    = 3.0
	DefaultReefDevice      = "reef-1"
	DefaultReefCluster     = "asset-cluster-1"
	DefaultReefClusterProp = "scale"
)

// DefaultSkins are the player skins, in cycling order.
var DefaultSkins = []string{
	"alienA", "alienB", "animalA", "animalB", "animalBaseA", "animalBaseB", "animalBaseC", "animalBaseD",
	"animalBaseE", "animalBaseF", "animalBaseG", "animalBaseH", "animalBaseI", "animalBaseJ", "animalC",
	"animalD", "animalE", "animalF", "animalG", "animalH", "animalI", "animalJ", "astroFemaleA",
	"astroFemaleB", "astroMaleA", "astroMaleB", "athleteFemaleBlue", "athleteFemaleGreen",
	"athleteFemaleRed", "athleteFemaleYellow", "athleteMaleBlue", "athleteMaleGreen", "athleteMaleRed",
	"athleteMaleYellow", "businessMaleA", "businessMaleB", "casualFemaleA", "casualFemaleB",
	"casualMaleA", "casualMaleB", "cyborg", "fantasyFemaleA", "fantasyFemaleB", "fantasyMaleA",
	"fantasyMaleB", "farmerA", "farmerB", "militaryFemaleA", "militaryFemaleB", "militaryMaleA",
	"militaryMaleB", "racerBlueFemale", "racerBlueMale", "racerGreenFemale", "racerGreenMale",
	"racerOrangeFemale", "racerOrangeMale", "racerPurpleFemale", "racerPurpleMale", "racerRedFemale",
	"racerRedMale", "robot", "robot2", "robot3", "survivorFemaleA", "survivorFemaleB", "survivorMaleA",
	"survivorMaleB", "zombieA", "zombieB", "zombieC",
}

// DefaultAnimations are the animation clips, in cycling order.
var DefaultAnimations = []string{"Idle", "Walk", "Run", "CrouchWalk"}

// DefaultTeams are the teams laid out by the scene.
var DefaultTeams = []string{"team-1", "team-2"}

// CoralGroup ranks coral properties first in every batch.
var CoralGroup = homie.PropertyGroup{
	Name:       "coral",
	Properties: []string{"coral/health", "coral/size", "coral/color"},
	Priority:   1,
}

// Bounds is an axis-aligned box in scene units.
type Bounds struct {
	Min fact.Vec3 `json:"min" yaml:"min"`
	Max fact.Vec3 `json:"max" yaml:"max"`
}

// Contains reports whether p lies inside the box.
func (b Bounds) Contains(p fact.Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// ReefConfig configures coral growth.
type ReefConfig struct {
	// Device and Cluster address the asset cluster whose scale is published
	// on every growth tick.
	Device   string `json:"device" yaml:"device"`
	Cluster  string `json:"cluster" yaml:"cluster"`
	Property string `json:"property" yaml:"property"`
	// GrowthFactor multiplies every coral scale per tick, up to MaxScale.
	GrowthFactor float64 `json:"growth_factor" yaml:"growth_factor"`
	MaxScale     float64 `json:"max_scale" yaml:"max_scale"`
	// Bounds is where new corals are placed.
	Bounds Bounds `json:"bounds" yaml:"bounds"`
}

// CoralConfig seeds one coral at startup. A nil position is picked at
// random inside the reef bounds.
type CoralConfig struct {
	ID       string     `json:"id" yaml:"id"`
	Scale    float64    `json:"scale" yaml:"scale"`
	Position *fact.Vec3 `json:"position,omitempty" yaml:"position,omitempty"`
}

// Config configures a scene controller.
type Config struct {
	Profile Profile `json:"profile" yaml:"profile"`
	// Root is stripped from incoming topics and prefixed to outgoing ones.
	Root          string   `json:"root,omitempty" yaml:"root,omitempty"`
	Subscriptions []string `json:"subscriptions" yaml:"subscriptions"`

	BufferWindow time.Duration `json:"buffer_window" yaml:"buffer_window"`
	// TickInterval asserts a Tick fact periodically. Zero disables ticks.
	TickInterval   time.Duration         `json:"tick_interval" yaml:"tick_interval"`
	PropertyGroups []homie.PropertyGroup `json:"property_groups,omitempty" yaml:"property_groups,omitempty"`
	Retention      rule.RetentionPolicy  `json:"retention" yaml:"retention"`

	// RulesFiles and Rules extend the profile's rules. A rule with the name
	// of a built-in rule replaces it; set disabled to drop it.
	RulesFiles []string              `json:"rules_files,omitempty" yaml:"rules_files,omitempty"`
	Rules      []rule.RuleDefinition `json:"rules,omitempty" yaml:"rules,omitempty"`

	GatewayDevice  string `json:"gateway_device" yaml:"gateway_device"`
	PlayerPrefix   string `json:"player_prefix" yaml:"player_prefix"`
	TerminalPrefix string `json:"terminal_prefix" yaml:"terminal_prefix"`
	// RetainCommands publishes player and mode commands as retained values.
	RetainCommands bool `json:"retain_commands" yaml:"retain_commands"`

	Skins      []string `json:"skins" yaml:"skins"`
	Animations []string `json:"animations" yaml:"animations"`
	Teams      []string `json:"teams" yaml:"teams"`

	Reef   ReefConfig    `json:"reef" yaml:"reef"`
	Corals []CoralConfig `json:"corals,omitempty" yaml:"corals,omitempty"`
}

// DefaultConfig returns the defaults of profile.
func DefaultConfig(profile Profile) Config {
	cfg := Config{
		Profile:        profile,
		BufferWindow:   DefaultBufferWindow,
		Retention:      rule.RetainAll(),
		GatewayDevice:  DefaultGatewayDevice,
		PlayerPrefix:   DefaultPlayerPrefix,
		TerminalPrefix: DefaultTerminalPrefix,
		RetainCommands: true,
		Skins:          append([]string(nil), DefaultSkins...),
		Animations:     append([]string(nil), DefaultAnimations...),
		Teams:          append([]string(nil), DefaultTeams...),
		Reef: ReefConfig{
			Device:       DefaultReefDevice,
			Cluster:      DefaultReefCluster,
			Property:     DefaultReefClusterProp,
			GrowthFactor: DefaultReefGrowth,
			MaxScale:     DefaultReefMaxScale,
			Bounds: Bounds{
				Min: fact.Vec3{X: -8, Y: 0, Z: -10},
				Max: fact.Vec3{X: -3, Y: 1, Z: -5},
			},
		},
	}

	switch profile {
	case ProfileTutorial:
		cfg.Subscriptions = []string{"#"}
	case ProfileQuizz:
		cfg.Subscriptions = []string{DefaultGatewayDevice + "/#"}
		cfg.PropertyGroups = []homie.PropertyGroup{CoralGroup}
	case ProfileReef:
		cfg.Subscriptions = []string{DefaultReefDevice + "/#"}
		cfg.PropertyGroups = []homie.PropertyGroup{CoralGroup}
		cfg.BufferWindow = 500 * time.Millisecond
		cfg.TickInterval = DefaultReefTick
	}
	return cfg
}

// Validate checks the configuration.
func (c Config) Validate() error {
	known := false
	for _, p := range Profiles() {
		if c.Profile == p {
			known = true
		}
	}
	if !known {
		return invalid("unknown profile %q", c.Profile)
	}
	if len(c.Subscriptions) == 0 {
		return invalid("at least one subscription required")
	}
	for _, filter := range c.Subscriptions {
		if err := homie.ValidateFilter(filter); err != nil {
			return err
		}
	}
	if c.BufferWindow < 0 {
		return invalid("buffer_window must not be negative")
	}
	if c.TickInterval < 0 {
		return invalid("tick_interval must not be negative")
	}
	for _, g := range c.PropertyGroups {
		if err := g.Validate(); err != nil {
			return err
		}
	}
	if err := c.Retention.Validate(); err != nil {
		return err
	}
	if c.GatewayDevice == "" || c.PlayerPrefix == "" || c.TerminalPrefix == "" {
		return invalid("gateway_device, player_prefix and terminal_prefix are required")
	}
	if len(c.Skins) == 0 {
		return invalid("at least one skin required")
	}
	if len(c.Animations) == 0 {
		return invalid("at least one animation required")
	}
	if c.Reef.GrowthFactor <= 0 {
		return invalid("reef.growth_factor must be positive, got %v", c.Reef.GrowthFactor)
	}
	if c.Reef.MaxScale <= 0 {
		return invalid("reef.max_scale must be positive, got %v", c.Reef.MaxScale)
	}
	b := c.Reef.Bounds
	if b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z {
		return invalid("reef.bounds min must not exceed max")
	}
	seen := make(map[string]bool, len(c.Corals))
	for _, coral := range c.Corals {
		if coral.ID == "" {
			return invalid("coral id required")
		}
		if seen[coral.ID] {
			return invalid("coral %q listed twice", coral.ID)
		}
		seen[coral.ID] = true
		if coral.Scale <= 0 {
			return invalid("coral %q: scale must be positive", coral.ID)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.Invalidf(errors.ErrInvalidConfig, "scene", "Validate", format, args...)
}
