package event

import (
	"fmt"
	"time"
)

// EventType is the closed set of classifications a security event can carry.
type EventType int

const (
	TypeUnknown EventType = iota
	TypeAuthenticationSuccess
	TypeAuthenticationFailure
	TypePrivilegeEscalation
	TypeProcessCreation
	TypeNetworkConnection
	TypePowerShellExecution
	TypeServiceInstallation
	TypeScheduledTask
	TypeAccountManagement
	TypeSecurityPolicyChange
	TypeSystemStartup
	TypeSystemShutdown
	TypeSuspiciousActivity
)

func (t EventType) String() string {
	switch t {
	case TypeAuthenticationSuccess:
		return "AuthenticationSuccess"
	case TypeAuthenticationFailure:
		return "AuthenticationFailure"
	case TypePrivilegeEscalation:
		return "PrivilegeEscalation"
	case TypeProcessCreation:
		return "ProcessCreation"
	case TypeNetworkConnection:
		return "NetworkConnection"
	case TypePowerShellExecution:
		return "PowerShellExecution"
	case TypeServiceInstallation:
		return "ServiceInstallation"
	case TypeScheduledTask:
		return "ScheduledTask"
	case TypeAccountManagement:
		return "AccountManagement"
	case TypeSecurityPolicyChange:
		return "SecurityPolicyChange"
	case TypeSystemStartup:
		return "SystemStartup"
	case TypeSystemShutdown:
		return "SystemShutdown"
	case TypeSuspiciousActivity:
		return "SuspiciousActivity"
	default:
		return "Unknown"
	}
}

// ParseEventType converts the serialized form back to the enum. Unrecognized
// values map to TypeUnknown; conversion at the JSON/DB boundary is the only
// string-sensitive code.
func ParseEventType(s string) EventType {
	switch s {
	case "AuthenticationSuccess":
		return TypeAuthenticationSuccess
	case "AuthenticationFailure":
		return TypeAuthenticationFailure
	case "PrivilegeEscalation":
		return TypePrivilegeEscalation
	case "ProcessCreation":
		return TypeProcessCreation
	case "NetworkConnection":
		return TypeNetworkConnection
	case "PowerShellExecution":
		return TypePowerShellExecution
	case "ServiceInstallation":
		return TypeServiceInstallation
	case "ScheduledTask":
		return TypeScheduledTask
	case "AccountManagement":
		return TypeAccountManagement
	case "SecurityPolicyChange":
		return TypeSecurityPolicyChange
	case "SystemStartup":
		return TypeSystemStartup
	case "SystemShutdown":
		return TypeSystemShutdown
	case "SuspiciousActivity":
		return TypeSuspiciousActivity
	default:
		return TypeUnknown
	}
}

// RiskLevel is the ordered lattice low < medium < high < critical. RiskUnknown
// sits outside the lattice and is only produced by the fallback path.
type RiskLevel int

const (
	RiskUnknown RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a serialized risk label back to the enum.
func ParseRiskLevel(s string) RiskLevel {
	switch s {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	case "critical":
		return RiskCritical
	default:
		return RiskUnknown
	}
}

// Escalate steps the risk up the lattice, saturating at critical. An unknown
// risk stays unknown.
func (r RiskLevel) Escalate(steps int) RiskLevel {
	if r == RiskUnknown || steps <= 0 {
		return r
	}
	out := int(r) + steps
	if out > int(RiskCritical) {
		out = int(RiskCritical)
	}
	return RiskLevel(out)
}

// AtLeast returns the higher of the two risk levels.
func (r RiskLevel) AtLeast(other RiskLevel) RiskLevel {
	if other > r {
		return other
	}
	return r
}

// SecurityEvent is a classified record flowing from detection through
// correlation and filtering into the store.
type SecurityEvent struct {
	ID                 string    `json:"id"`
	Log                *LogEvent `json:"log_event"`
	Type               EventType `json:"event_type"`
	Risk               RiskLevel `json:"risk_level"`
	Confidence         int       `json:"confidence"`
	Summary            string    `json:"summary"`
	MitreTechniques    []string  `json:"mitre_techniques"`
	RecommendedActions []string  `json:"recommended_actions"`

	IsDeterministic    bool `json:"is_deterministic"`
	IsCorrelationBased bool `json:"is_correlation_based"`
	IsEnhanced         bool `json:"is_enhanced"`

	CorrelationScore float64 `json:"correlation_score"`
	BurstScore       float64 `json:"burst_score"`
	AnomalyScore     float64 `json:"anomaly_score"`

	EnrichmentData     string   `json:"enrichment_data,omitempty"`
	CorrelationIDs     []string `json:"correlation_ids,omitempty"`
	CorrelationContext string   `json:"correlation_context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate enforces the structural invariants every classified event carries.
func (e *SecurityEvent) Validate() error {
	if e.Log == nil {
		return fmt.Errorf("security event missing log event")
	}
	if e.Confidence < 0 || e.Confidence > 100 {
		return fmt.Errorf("confidence %d out of range [0,100]", e.Confidence)
	}
	if e.IsCorrelationBased && len(e.CorrelationIDs) == 0 {
		return fmt.Errorf("correlation-based event has no correlation ids")
	}
	return nil
}

// AddTechniques appends techniques preserving order and dropping duplicates.
func (e *SecurityEvent) AddTechniques(techniques ...string) {
	for _, t := range techniques {
		if t == "" {
			continue
		}
		seen := false
		for _, existing := range e.MitreTechniques {
			if existing == t {
				seen = true
				break
			}
		}
		if !seen {
			e.MitreTechniques = append(e.MitreTechniques, t)
		}
	}
}

// AddActions appends recommended actions, dropping duplicates.
func (e *SecurityEvent) AddActions(actions ...string) {
	for _, a := range actions {
		if a == "" {
			continue
		}
		seen := false
		for _, existing := range e.RecommendedActions {
			if existing == a {
				seen = true
				break
			}
		}
		if !seen {
			e.RecommendedActions = append(e.RecommendedActions, a)
		}
	}
}

// BoostConfidence raises confidence by delta, saturating at cap. A cap of 0
// means the hard ceiling of 100.
func (e *SecurityEvent) BoostConfidence(delta, cap int) {
	if cap <= 0 || cap > 100 {
		cap = 100
	}
	c := e.Confidence + delta
	if c > cap {
		c = cap
	}
	// A boost never lowers confidence already above the cap.
	if c > e.Confidence {
		e.Confidence = c
	}
}
