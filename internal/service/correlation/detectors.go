package correlation

import (
	"time"

	"github.com/google/uuid"

	"github.com/MLidstrom/castellan/internal/domain/correlation"
	"github.com/MLidstrom/castellan/internal/domain/event"
)

// attackChain is an ordered multi-stage pattern. A chain fires when at least
// two stages appear in order inside the chain window, ending at the incoming
// event, on the same host or for the same user.
type attackChain struct {
	stage      string
	stages     []event.EventType
	techniques []string
}

var attackChains = []attackChain{
	{
		stage:      "initial access",
		stages:     []event.EventType{event.TypeAuthenticationFailure, event.TypeAuthenticationSuccess, event.TypeProcessCreation},
		techniques: []string{"T1110", "T1078"},
	},
	{
		stage:      "execution",
		stages:     []event.EventType{event.TypeAuthenticationSuccess, event.TypePowerShellExecution, event.TypeNetworkConnection},
		techniques: []string{"T1059.001", "T1071"},
	},
	{
		stage:      "privilege escalation",
		stages:     []event.EventType{event.TypeAuthenticationSuccess, event.TypePrivilegeEscalation, event.TypeProcessCreation},
		techniques: []string{"T1068", "T1078"},
	},
	{
		stage:      "persistence",
		stages:     []event.EventType{event.TypeProcessCreation, event.TypeServiceInstallation},
		techniques: []string{"T1543.003"},
	},
	{
		stage:      "persistence",
		stages:     []event.EventType{event.TypeProcessCreation, event.TypeScheduledTask},
		techniques: []string{"T1053.005"},
	},
	{
		stage:      "defense evasion",
		stages:     []event.EventType{event.TypeSecurityPolicyChange, event.TypeSuspiciousActivity},
		techniques: []string{"T1562"},
	},
}

// detectAttackChain looks for an ordered stage prefix ending at the incoming
// event, first across the host view, then across the user view.
func (e *Engine) detectAttackChain(cur entry, hostView, userView []entry) correlation.Result {
	for _, view := range [][]entry{hostView, userView} {
		if len(view) < 2 {
			continue
		}
		for _, chain := range attackChains {
			if ids, ok := matchChain(chain, cur, view, e.cfg.AttackChainWindow); ok {
				confidence := 0.85 + 0.05*float64(len(ids)-2)
				if confidence > 0.95 {
					confidence = 0.95
				}
				return correlation.Result{
					HasCorrelation: true,
					Confidence:     confidence,
					Correlation: &correlation.Correlation{
						ID:              newCorrelationID(),
						Type:            correlation.TypeAttackChain,
						EventIDs:        ids,
						TimeWindow:      e.cfg.AttackChainWindow,
						AttackStage:     chain.stage,
						MitreTechniques: chain.techniques,
					},
				}
			}
		}
	}
	return correlation.None()
}

// matchChain walks the view backwards from the incoming event, matching chain
// stages in reverse order. Requires the incoming event to occupy a stage and
// at least one earlier stage to be present inside the window.
func matchChain(chain attackChain, cur entry, view []entry, window time.Duration) ([]string, bool) {
	curStage := -1
	for i, st := range chain.stages {
		if st == cur.eventType {
			curStage = i
		}
	}
	if curStage < 1 {
		return nil, false
	}
	cutoff := cur.time.Add(-window)

	ids := []string{cur.id}
	stage := curStage - 1
	// The last view element is the incoming event itself.
	for i := len(view) - 2; i >= 0 && stage >= 0; i-- {
		en := view[i]
		if en.time.Before(cutoff) {
			break
		}
		if en.eventType == chain.stages[stage] {
			ids = append(ids, en.id)
			stage--
		}
	}
	if len(ids) < 2 {
		return nil, false
	}
	reverse(ids)
	return ids, true
}

// detectLateralMovement fires when the same account authenticates on two or
// more distinct hosts inside the lateral window.
func (e *Engine) detectLateralMovement(cur entry, userView []entry) correlation.Result {
	if cur.eventType != event.TypeAuthenticationSuccess || cur.user == "" {
		return correlation.None()
	}
	cutoff := cur.time.Add(-e.cfg.LateralWindow)

	hosts := map[string]struct{}{}
	var ids []string
	for _, en := range userView {
		if en.time.Before(cutoff) || en.eventType != event.TypeAuthenticationSuccess {
			continue
		}
		hosts[en.host] = struct{}{}
		ids = append(ids, en.id)
	}
	if len(hosts) < 2 || len(ids) < 2 {
		return correlation.None()
	}

	confidence := 0.75 + 0.05*float64(len(hosts)-2)
	if confidence > 0.95 {
		confidence = 0.95
	}
	return correlation.Result{
		HasCorrelation: true,
		Confidence:     confidence,
		Correlation: &correlation.Correlation{
			ID:              newCorrelationID(),
			Type:            correlation.TypeLateralMovement,
			EventIDs:        ids,
			TimeWindow:      e.cfg.LateralWindow,
			AttackStage:     "lateral movement",
			MitreTechniques: []string{"T1021"},
		},
	}
}

// detectPrivilegeEscalation fires when a privilege escalation follows an
// authentication for the same account inside the escalation window.
func (e *Engine) detectPrivilegeEscalation(cur entry, userView []entry) correlation.Result {
	if cur.eventType != event.TypePrivilegeEscalation || cur.user == "" {
		return correlation.None()
	}
	cutoff := cur.time.Add(-e.cfg.EscalationWindow)

	var ids []string
	for _, en := range userView {
		if en.id == cur.id {
			continue
		}
		if en.time.Before(cutoff) {
			continue
		}
		if en.eventType == event.TypeAuthenticationSuccess {
			ids = append(ids, en.id)
		}
	}
	if len(ids) == 0 {
		return correlation.None()
	}
	ids = append(ids, cur.id)

	return correlation.Result{
		HasCorrelation: true,
		Confidence:     0.82,
		Correlation: &correlation.Correlation{
			ID:              newCorrelationID(),
			Type:            correlation.TypePrivilegeEscalation,
			EventIDs:        ids,
			TimeWindow:      e.cfg.EscalationWindow,
			AttackStage:     "privilege escalation",
			MitreTechniques: []string{"T1068", "T1078"},
		},
	}
}

// detectTemporalBurst fires when the burst threshold of same-type events on
// one host is reached inside the burst window.
func (e *Engine) detectTemporalBurst(cur entry, hostView []entry) correlation.Result {
	cutoff := cur.time.Add(-e.cfg.BurstWindow)

	var ids []string
	for _, en := range hostView {
		if en.time.Before(cutoff) || en.eventType != cur.eventType {
			continue
		}
		ids = append(ids, en.id)
	}
	if len(ids) < e.cfg.BurstThreshold {
		return correlation.None()
	}

	// Score rises with burst size, saturating at 1.
	confidence := float64(len(ids)) / float64(2*e.cfg.BurstThreshold)
	if confidence > 1 {
		confidence = 1
	}
	return correlation.Result{
		HasCorrelation: true,
		Confidence:     confidence,
		Correlation: &correlation.Correlation{
			ID:         newCorrelationID(),
			Type:       correlation.TypeTemporalBurst,
			EventIDs:   ids,
			TimeWindow: e.cfg.BurstWindow,
		},
	}
}

func newCorrelationID() string {
	return uuid.NewString()
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
