package rule

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/metric"
	"github.com/CMCRobotics/save-the-reef/types/fact"
)

// FactID identifies a fact in one session's working memory.
type FactID uint64

type entry struct {
	id        FactID
	fact      fact.Fact
	matched   bool
	retracted bool
}

// MatchResult summarizes one match cycle.
type MatchResult struct {
	Facts        int
	Evaluated    int
	Fired        int
	GuardErrors  int
	ActionErrors int
	Evicted      int
	Duration     time.Duration
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	retention     RetentionPolicy
	sink          DiagnosticSink
	logger        *slog.Logger
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithRetention sets the working-memory retention policy.
func WithRetention(policy RetentionPolicy) SessionOption {
	return func(o *sessionOptions) {
		o.retention = policy
	}
}

// WithDiagnostics routes guard errors, action errors and evictions to sink.
func WithDiagnostics(sink DiagnosticSink) SessionOption {
	return func(o *sessionOptions) {
		o.sink = sink
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(o *sessionOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics exports session metrics labelled with prefix. A nil registry
// disables export.
func WithMetrics(registry *metric.MetricsRegistry, prefix string) SessionOption {
	return func(o *sessionOptions) {
		if registry != nil && prefix != "" {
			o.metricsReg = registry
			o.metricsPrefix = prefix
		}
	}
}

// Session is the working memory bound to one RuleSet.
//
// Assert adds facts without evaluating them; Match evaluates every fact
// asserted since the previous cycle. Callers serialize Assert and Match
// (the scene controller holds one lock across flushes and ticks). Calling
// Assert or Match while a cycle is running, for example from inside an
// action, fails with ErrReentrant. Retract is allowed from actions. Read
// accessors are safe from any goroutine.
type Session struct {
	rules     *RuleSet
	retention RetentionPolicy
	sink      DiagnosticSink
	logger    *slog.Logger
	metrics   *sessionMetrics
	stats     SessionStats

	matching atomic.Bool

	mu     sync.Mutex
	facts  []*entry
	index  map[FactID]*entry
	cursor int // facts[:cursor] have been matched
	nextID FactID
}

// NewSession creates an empty working memory for the rule set.
func (rs *RuleSet) NewSession(opts ...SessionOption) (*Session, error) {
	options := &sessionOptions{
		logger: slog.Default().With("component", "rule-session", "rule_set", rs.name),
	}
	for _, opt := range opts {
		opt(options)
	}

	if err := options.retention.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		rules:     rs,
		retention: options.retention,
		sink:      options.sink,
		logger:    options.logger,
		index:     make(map[FactID]*entry),
	}

	if options.metricsReg != nil {
		m, err := newSessionMetrics(options.metricsReg, options.metricsPrefix)
		if err != nil {
			return nil, errors.Wrap(err, "Session", "NewSession", "register metrics")
		}
		s.metrics = m
	}

	return s, nil
}

// RuleSet returns the compiled rules this session evaluates.
func (s *Session) RuleSet() *RuleSet {
	return s.rules
}

// Assert adds f to working memory. It does not evaluate rules.
func (s *Session) Assert(f fact.Fact) (FactID, error) {
	if f == nil {
		return 0, errors.WrapInvalid(errors.ErrInvalidData, "Session", "Assert", "nil fact")
	}
	if s.matching.Load() {
		return 0, errors.WrapInvalid(ErrReentrant, "Session", "Assert", "assert during match")
	}
	ft := f.FactType()
	if !s.rules.Accepts(ft) {
		return 0, errors.Invalidf(errors.ErrUnknownFactType, "Session", "Assert", "%q", ft)
	}

	s.mu.Lock()
	s.nextID++
	e := &entry{id: s.nextID, fact: f}
	s.facts = append(s.facts, e)
	s.index[e.id] = e
	size := len(s.facts)
	s.mu.Unlock()

	s.stats.asserted.Add(1)
	if s.metrics != nil {
		s.metrics.factsAsserted.WithLabelValues(string(ft)).Inc()
		s.metrics.workingMemory.Set(float64(size))
	}
	return e.id, nil
}

// Retract removes a fact from working memory. A pending fact that is
// retracted before it is evaluated never fires. It reports whether the fact
// was present.
func (s *Session) Retract(id FactID) bool {
	s.mu.Lock()
	e, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.retracted = true
	delete(s.index, id)
	if i := slices.Index(s.facts, e); i >= 0 {
		s.facts = slices.Delete(s.facts, i, i+1)
		if i < s.cursor {
			s.cursor--
		}
	}
	size := len(s.facts)
	s.mu.Unlock()

	s.stats.retracted.Add(1)
	if s.metrics != nil {
		s.metrics.workingMemory.Set(float64(size))
	}
	return true
}

// Match runs one match-evaluate-act cycle over the facts asserted since the
// previous cycle. Facts are visited in assertion order and, for each fact,
// rules in salience then declaration order. Every (fact, rule) pair whose
// guard holds fires exactly once.
//
// Guard failures skip that pair and are reported as diagnostics. Action
// failures do not stop the cycle; they are collected and returned together
// once every other action has run. If ctx is cancelled between facts the
// remaining facts stay pending for the next cycle.
func (s *Session) Match(ctx context.Context) (MatchResult, error) {
	if !s.matching.CompareAndSwap(false, true) {
		return MatchResult{}, errors.WrapInvalid(ErrReentrant, "Session", "Match", "match during match")
	}
	defer s.matching.Store(false)

	start := time.Now()

	s.mu.Lock()
	batch := slices.Clone(s.facts[s.cursor:])
	s.mu.Unlock()

	var (
		result     MatchResult
		actionErrs []error
		ctxErr     error
	)

	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			ctxErr = errors.WrapTransient(err, "Session", "Match", "match cancelled")
			break
		}

		s.mu.Lock()
		retracted := e.retracted
		s.mu.Unlock()
		if retracted {
			continue
		}

		result.Facts++
		for _, cr := range s.rules.byType[e.fact.FactType()] {
			result.Evaluated++
			ok, err := s.rules.matches(cr, e.fact)
			if err != nil {
				result.GuardErrors++
				s.guardFailed(cr, e, err)
				continue
			}
			s.recordEvaluation(cr.name, ok)
			if !ok {
				continue
			}

			result.Fired++
			s.stats.fired.Add(1)
			if s.metrics != nil {
				s.metrics.fires.WithLabelValues(cr.name).Inc()
			}
			if err := s.fire(ctx, cr, e); err != nil {
				result.ActionErrors++
				actionErrs = append(actionErrs, err)
			}
		}

		s.mu.Lock()
		e.matched = true
		s.mu.Unlock()
	}

	result.Evicted = s.applyRetention()
	result.Duration = time.Since(start)

	s.stats.cycles.Add(1)
	s.stats.evaluated.Add(int64(result.Evaluated))
	if s.metrics != nil {
		s.metrics.matchDuration.Observe(result.Duration.Seconds())
	}

	if result.Facts > 0 {
		s.logger.Debug("Match cycle complete",
			"facts", result.Facts,
			"fired", result.Fired,
			"guard_errors", result.GuardErrors,
			"action_errors", result.ActionErrors,
			"evicted", result.Evicted,
			"duration", result.Duration)
	}

	if ctxErr != nil {
		actionErrs = append(actionErrs, ctxErr)
	}
	return result, stderrors.Join(actionErrs...)
}

func (s *Session) recordEvaluation(rule string, matched bool) {
	if s.metrics == nil {
		return
	}
	result := "no_match"
	if matched {
		result = "match"
	}
	s.metrics.evaluations.WithLabelValues(rule, result).Inc()
}

func (s *Session) guardFailed(cr *compiledRule, e *entry, err error) {
	gerr := &GuardError{Rule: cr.name, FactType: e.fact.FactType(), Err: err}

	s.stats.guardErrors.Add(1)
	if s.metrics != nil {
		s.metrics.evaluations.WithLabelValues(cr.name, "error").Inc()
		s.metrics.guardErrors.WithLabelValues(cr.name).Inc()
	}
	s.logger.Warn("Guard evaluation failed", "rule", cr.name, "fact_id", e.id, "error", err)
	s.emit(Diagnostic{Kind: DiagnosticGuardError, Rule: cr.name, FactID: e.id, Fact: e.fact, Err: gerr})
}

// fire invokes the action, converting panics into errors.
func (s *Session) fire(ctx context.Context, cr *compiledRule, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panic: %v", r)
		}
		if err == nil {
			return
		}
		aerr := &ActionError{Rule: cr.name, FactID: e.id, FactType: e.fact.FactType(), Err: err}
		err = aerr

		s.stats.actionErrors.Add(1)
		if s.metrics != nil {
			s.metrics.actionErrors.WithLabelValues(cr.name).Inc()
		}
		s.logger.Error("Rule action failed", "rule", cr.name, "fact_id", e.id, "error", aerr.Err)
		s.emit(Diagnostic{Kind: DiagnosticActionError, Rule: cr.name, FactID: e.id, Fact: e.fact, Err: aerr})
	}()

	return cr.action(ctx, e.fact)
}

// applyRetention advances the matched cursor and evicts per policy.
func (s *Session) applyRetention() int {
	s.mu.Lock()
	for s.cursor < len(s.facts) && s.facts[s.cursor].matched {
		s.cursor++
	}

	n := s.retention.evictable(len(s.facts), s.cursor)
	evicted := slices.Clone(s.facts[:n])
	for _, e := range evicted {
		delete(s.index, e.id)
	}
	s.facts = slices.Delete(s.facts, 0, n)
	s.cursor -= n
	size := len(s.facts)
	s.mu.Unlock()

	if n > 0 {
		s.stats.evicted.Add(int64(n))
	}
	if s.metrics != nil {
		s.metrics.workingMemory.Set(float64(size))
		s.metrics.evictionsTotal.Add(float64(n))
	}
	if s.retention.Mode == CappedMode {
		for _, e := range evicted {
			s.emit(Diagnostic{Kind: DiagnosticEviction, FactID: e.id, Fact: e.fact})
		}
	}
	return n
}

func (s *Session) emit(d Diagnostic) {
	if s.sink == nil {
		return
	}
	d.Time = time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Diagnostic sink panicked", "panic", r)
		}
	}()
	s.sink(d)
}

// Facts returns the facts in working memory in assertion order, optionally
// limited to the given types.
func (s *Session) Facts(types ...fact.Type) []fact.Fact {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]fact.Fact, 0, len(s.facts))
	for _, e := range s.facts {
		if len(types) > 0 && !slices.Contains(types, e.fact.FactType()) {
			continue
		}
		out = append(out, e.fact)
	}
	return out
}

// Len returns the number of facts in working memory.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.facts)
}

// Pending returns the number of facts waiting for the next Match.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.facts) - s.cursor
}

// Stats returns the session counters.
func (s *Session) Stats() *SessionStats {
	return &s.stats
}

// SessionStats holds always-on session counters.
type SessionStats struct {
	asserted     atomic.Int64
	retracted    atomic.Int64
	evaluated    atomic.Int64
	fired        atomic.Int64
	guardErrors  atomic.Int64
	actionErrors atomic.Int64
	evicted      atomic.Int64
	cycles       atomic.Int64
}

// Asserted returns the number of facts asserted.
func (st *SessionStats) Asserted() int64 { return st.asserted.Load() }

// Retracted returns the number of explicit retractions.
func (st *SessionStats) Retracted() int64 { return st.retracted.Load() }

// Evaluated returns the number of (fact, rule) evaluations.
func (st *SessionStats) Evaluated() int64 { return st.evaluated.Load() }

// Fired returns the number of actions invoked.
func (st *SessionStats) Fired() int64 { return st.fired.Load() }

// GuardErrors returns the number of failed guard evaluations.
func (st *SessionStats) GuardErrors() int64 { return st.guardErrors.Load() }

// ActionErrors returns the number of failed actions.
func (st *SessionStats) ActionErrors() int64 { return st.actionErrors.Load() }

// Evicted returns the number of facts removed by retention.
func (st *SessionStats) Evicted() int64 { return st.evicted.Load() }

// Cycles returns the number of completed match cycles.
func (st *SessionStats) Cycles() int64 { return st.cycles.Load() }
