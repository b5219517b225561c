package rule

import (
	"github.com/CMCRobotics/save-the-reef/errors"
)

// RetentionMode selects what happens to facts after they have been matched.
type RetentionMode string

// Retention modes.
const (
	// RetainAllMode keeps every fact until it is retracted explicitly.
	RetainAllMode RetentionMode = "retain_all"
	// RetractAfterMatchMode drops facts at the end of the cycle that matched them.
	RetractAfterMatchMode RetentionMode = "retract_after_match"
	// CappedMode bounds working memory, evicting the oldest matched facts first.
	CappedMode RetentionMode = "capped"
)

// RetentionPolicy bounds working-memory growth for long-running sessions.
// The zero value retains everything.
type RetentionPolicy struct {
	Mode     RetentionMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	MaxFacts int           `json:"max_facts,omitempty" yaml:"max_facts,omitempty"`
}

// RetainAll keeps every asserted fact.
func RetainAll() RetentionPolicy {
	return RetentionPolicy{Mode: RetainAllMode}
}

// RetractAfterMatch removes facts once a match cycle has evaluated them.
func RetractAfterMatch() RetentionPolicy {
	return RetentionPolicy{Mode: RetractAfterMatchMode}
}

// Capped keeps at most limit facts. Facts that have not been matched yet are
// never evicted, so memory may exceed limit until the next Match.
func Capped(limit int) RetentionPolicy {
	return RetentionPolicy{Mode: CappedMode, MaxFacts: limit}
}

// Validate checks the policy.
func (p RetentionPolicy) Validate() error {
	switch p.Mode {
	case "", RetainAllMode, RetractAfterMatchMode:
		return nil
	case CappedMode:
		if p.MaxFacts <= 0 {
			return errors.Invalidf(errors.ErrInvalidConfig, "RetentionPolicy", "Validate",
				"capped retention needs max_facts > 0, got %d", p.MaxFacts)
		}
		return nil
	default:
		return errors.Invalidf(errors.ErrInvalidConfig, "RetentionPolicy", "Validate", "unknown mode %q", p.Mode)
	}
}

// evictable returns how many matched facts at the head of memory should go.
func (p RetentionPolicy) evictable(total, matched int) int {
	switch p.Mode {
	case RetractAfterMatchMode:
		return matched
	case CappedMode:
		return min(max(total-p.MaxFacts, 0), matched)
	}
	return 0
}

func (p RetentionPolicy) String() string {
	if p.Mode == "" {
		return string(RetainAllMode)
	}
	return string(p.Mode)
}
