package rule

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/CMCRobotics/save-the-reef/types/fact"
)

// ErrReentrant is returned when Assert or Match is called while the session
// is running a match cycle, typically from inside an action.
var ErrReentrant = stderrors.New("reentrant assert or match during match cycle")

// DiagnosticKind classifies a diagnostic.
type DiagnosticKind string

// Diagnostic kinds.
const (
	DiagnosticGuardError  DiagnosticKind = "guard_error"
	DiagnosticActionError DiagnosticKind = "action_error"
	DiagnosticEviction    DiagnosticKind = "eviction"
)

// Diagnostic reports something the session handled without failing the cycle.
type Diagnostic struct {
	Kind   DiagnosticKind
	Rule   string
	FactID FactID
	Fact   fact.Fact
	Err    error
	Time   time.Time
}

// DiagnosticSink receives diagnostics synchronously during Match.
type DiagnosticSink func(Diagnostic)

// GuardError wraps a guard failure for one (fact, rule) pair.
type GuardError struct {
	Rule     string
	FactType fact.Type
	Err      error
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("rule %q guard failed on %s: %v", e.Rule, e.FactType, e.Err)
}

func (e *GuardError) Unwrap() error { return e.Err }

// ActionError wraps a failed or panicking action.
type ActionError struct {
	Rule     string
	FactID   FactID
	FactType fact.Type
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("rule %q action failed on %s #%d: %v", e.Rule, e.FactType, e.FactID, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
