package ignore

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/domain/event"
	"github.com/MLidstrom/castellan/internal/infrastructure/config"
)

// Filter suppresses known-benign event sequences. It keeps a short rolling
// queue of recent events, bounded both by count and by the sequence time
// window, and matches configured step patterns against it.
type Filter struct {
	enabled        bool
	window         time.Duration
	maxRecent      int
	filterAllLocal bool
	localMachines  []string
	patterns       []pattern

	mu     sync.Mutex
	recent []recentEvent

	logger *zap.Logger
	now    func() time.Time
}

type recentEvent struct {
	se   *event.SecurityEvent
	seen time.Time
}

// pattern is the compiled form of a config.PatternConfig.
type pattern struct {
	reason        string
	matchAnywhere bool
	steps         []step
}

// step is a conjunction of optional predicates; empty predicates match
// everything.
type step struct {
	eventType            event.EventType
	hasEventType         bool
	sourceMachines       []string
	accountNames         []string
	logonTypes           []int
	sourceIPs            []string
	mitreTechniques      []string
	requireAllTechniques bool
}

func New(cfg config.IgnorePatternsConfig, logger *zap.Logger) *Filter {
	f := &Filter{
		enabled:        cfg.Enabled,
		window:         time.Duration(cfg.SequenceTimeWindowSecs) * time.Second,
		maxRecent:      cfg.MaxRecentEvents,
		filterAllLocal: cfg.FilterAllLocalEvents,
		localMachines:  cfg.LocalMachines,
		logger:         logger,
		now:            time.Now,
	}
	if f.window <= 0 {
		f.window = 30 * time.Second
	}
	if f.maxRecent <= 0 {
		f.maxRecent = 100
	}
	for _, pc := range cfg.Patterns {
		f.patterns = append(f.patterns, compilePattern(pc))
	}
	return f
}

func compilePattern(pc config.PatternConfig) pattern {
	p := pattern{reason: pc.Reason, matchAnywhere: pc.IgnoreAllEventsInSequence}
	for _, sc := range pc.Steps {
		st := step{
			sourceMachines:       sc.SourceMachines,
			accountNames:         sc.AccountNames,
			logonTypes:           sc.LogonTypes,
			sourceIPs:            sc.SourceIPs,
			mitreTechniques:      sc.MitreTechniques,
			requireAllTechniques: sc.RequireAllTechniques,
		}
		if sc.EventType != "" {
			st.eventType = event.ParseEventType(sc.EventType)
			st.hasEventType = true
		}
		p.steps = append(p.steps, st)
	}
	return p
}

// ShouldSuppress reports whether the event completes a benign sequence, and
// the reason when it does. The event is always recorded in the recent queue
// first so later events can match against it.
func (f *Filter) ShouldSuppress(se *event.SecurityEvent) (bool, string) {
	if !f.enabled || se == nil || se.Log == nil {
		return false, ""
	}

	if f.filterAllLocal && matchesAnyFold(se.Log.Host, f.localMachines) {
		return true, "local machine event"
	}

	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.evict(now)
	f.recent = append(f.recent, recentEvent{se: se, seen: now})
	if len(f.recent) > f.maxRecent {
		f.recent = f.recent[len(f.recent)-f.maxRecent:]
	}

	for _, p := range f.patterns {
		if f.matchPattern(p, se) {
			if f.logger != nil {
				f.logger.Debug("event suppressed by ignore pattern",
					zap.String("reason", p.reason),
					zap.String("unique_id", se.Log.UniqueID))
			}
			return true, p.reason
		}
	}
	return false, ""
}

// RecentCount reports the current queue size. Used by health checks.
func (f *Filter) RecentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recent)
}

func (f *Filter) evict(now time.Time) {
	cutoff := now.Add(-f.window)
	kept := f.recent[:0]
	for _, r := range f.recent {
		if r.seen.After(cutoff) {
			kept = append(kept, r)
		}
	}
	f.recent = kept
}

// matchPattern checks one pattern against the queue; the current event is
// the queue tail. Terminal mode requires the current event on the last step;
// anywhere mode accepts any step whose earlier steps are already present.
func (f *Filter) matchPattern(p pattern, se *event.SecurityEvent) bool {
	n := len(p.steps)
	if n == 0 {
		return false
	}

	if !p.matchAnywhere {
		if !stepMatches(p.steps[n-1], se) {
			return false
		}
		return f.priorStepsPresent(p.steps[:n-1])
	}

	for i := n - 1; i >= 0; i-- {
		if !stepMatches(p.steps[i], se) {
			continue
		}
		if f.priorStepsPresent(p.steps[:i]) {
			return true
		}
	}
	return false
}

// priorStepsPresent walks the queue backward (excluding the current event at
// the tail) looking for the given steps in order. Matches need not be
// contiguous.
func (f *Filter) priorStepsPresent(steps []step) bool {
	if len(steps) == 0 {
		return true
	}
	idx := len(steps) - 1
	for i := len(f.recent) - 2; i >= 0 && idx >= 0; i-- {
		if stepMatches(steps[idx], f.recent[i].se) {
			idx--
		}
	}
	return idx < 0
}

func stepMatches(st step, se *event.SecurityEvent) bool {
	if st.hasEventType && se.Type != st.eventType {
		return false
	}
	if len(st.sourceMachines) > 0 && !matchesAnyFold(se.Log.Host, st.sourceMachines) {
		return false
	}
	if len(st.accountNames) > 0 {
		account := event.ExtractAccountName(se.Log.Message)
		if account == "" {
			account = se.Log.User
		}
		if !matchesAnyFold(account, st.accountNames) {
			return false
		}
	}
	if len(st.logonTypes) > 0 {
		lt := event.ExtractLogonType(se.Log.Message)
		found := false
		for _, want := range st.logonTypes {
			if lt == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(st.sourceIPs) > 0 {
		ip := event.ExtractSourceIP(se.Log.Message)
		if ip == "" || !matchesAnyFold(ip, st.sourceIPs) {
			return false
		}
	}
	if len(st.mitreTechniques) > 0 {
		matched := 0
		for _, want := range st.mitreTechniques {
			for _, have := range se.MitreTechniques {
				if strings.EqualFold(have, want) {
					matched++
					break
				}
			}
		}
		if st.requireAllTechniques {
			if matched < len(st.mitreTechniques) {
				return false
			}
		} else if matched == 0 {
			return false
		}
	}
	return true
}

func matchesAnyFold(s string, candidates []string) bool {
	for _, c := range candidates {
		if strings.EqualFold(s, c) {
			return true
		}
	}
	return false
}
