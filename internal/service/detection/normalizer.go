package detection

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/domain/event"
)

// Normalizer maps raw events onto the uniform security-event model with a
// channel/id-driven event type, a default risk, and MITRE/action hints. It
// never fails the pipeline: anything unexpected produces the fallback
// classification.
type Normalizer struct {
	logger *zap.Logger
}

func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize produces the baseline SecurityEvent for a raw record.
func (n *Normalizer) Normalize(raw *event.RawEvent) *event.SecurityEvent {
	log := event.NewLogEvent(raw)

	eventType := classifyEventType(raw.Channel, raw.EventID)
	risk := defaultRisk(eventType, raw.Level)

	se := &event.SecurityEvent{
		Log:             log,
		Type:            eventType,
		Risk:            risk,
		Confidence:      defaultConfidence(raw.Channel, raw.EventID),
		Summary:         buildSummary(eventType, log),
		IsDeterministic: true,
		CreatedAt:       time.Now().UTC(),
	}
	se.AddTechniques(defaultTechniques(eventType)...)
	se.AddActions(defaultActions(eventType, risk)...)
	return se
}

// Fallback is the classification used when normalization or detection blows
// up; it keeps the pipeline moving with an explicitly unknown event.
func (n *Normalizer) Fallback(raw *event.RawEvent, cause error) *event.SecurityEvent {
	n.logger.Error("normalization failed, emitting fallback event",
		zap.String("unique_id", raw.UniqueID),
		zap.String("channel", raw.Channel),
		zap.Int("event_id", raw.EventID),
		zap.Error(cause))
	return &event.SecurityEvent{
		Log:        event.NewLogEvent(raw),
		Type:       event.TypeUnknown,
		Risk:       event.RiskUnknown,
		Confidence: 0,
		Summary:    fmt.Sprintf("Unclassified event %d on channel %s", raw.EventID, raw.Channel),
		CreatedAt:  time.Now().UTC(),
	}
}

func classifyEventType(channel string, eventID int) event.EventType {
	switch {
	case strings.EqualFold(channel, "Security"):
		return classifySecurity(eventID)
	case strings.Contains(channel, "Sysmon"):
		return classifySysmon(eventID)
	case strings.Contains(channel, "PowerShell"):
		if eventID >= 4103 && eventID <= 4106 {
			return event.TypePowerShellExecution
		}
		return event.TypeUnknown
	case strings.Contains(channel, "Defender"):
		return event.TypeSuspiciousActivity
	default:
		return event.TypeUnknown
	}
}

func classifySecurity(eventID int) event.EventType {
	switch eventID {
	case 4624:
		return event.TypeAuthenticationSuccess
	case 4625:
		return event.TypeAuthenticationFailure
	case 4672:
		return event.TypePrivilegeEscalation
	case 4688:
		return event.TypeProcessCreation
	case 4634, 4648, 4778, 4779:
		return event.TypeAuthenticationSuccess
	case 4776:
		return event.TypeAuthenticationFailure
	default:
		return event.TypeAuthenticationSuccess
	}
}

func classifySysmon(eventID int) event.EventType {
	switch eventID {
	case 1, 5, 7, 10:
		return event.TypeProcessCreation
	case 3, 22:
		return event.TypeNetworkConnection
	case 4, 6:
		return event.TypeServiceInstallation
	case 16:
		return event.TypeSecurityPolicyChange
	case 2, 8, 9, 11, 12, 13, 14, 15, 17, 18, 19, 20, 21, 23, 24, 25:
		return event.TypeSuspiciousActivity
	default:
		return event.TypeSuspiciousActivity
	}
}

func defaultRisk(t event.EventType, level uint8) event.RiskLevel {
	switch t {
	case event.TypePrivilegeEscalation, event.TypeSuspiciousActivity:
		return event.RiskCritical
	case event.TypeAuthenticationFailure, event.TypeProcessCreation,
		event.TypeNetworkConnection, event.TypePowerShellExecution,
		event.TypeServiceInstallation:
		return event.RiskHigh
	case event.TypeAuthenticationSuccess, event.TypeAccountManagement,
		event.TypeSecurityPolicyChange:
		return event.RiskMedium
	case event.TypeSystemStartup, event.TypeSystemShutdown:
		return event.RiskLow
	default:
		switch level {
		case 1:
			return event.RiskCritical
		case 2:
			return event.RiskHigh
		case 3:
			return event.RiskMedium
		default:
			return event.RiskLow
		}
	}
}

func defaultConfidence(channel string, eventID int) int {
	switch {
	case strings.EqualFold(channel, "Security"):
		switch eventID {
		case 4624, 4625, 4672, 4688:
			return 95
		}
		return 70
	case strings.Contains(channel, "Sysmon"):
		return 90
	case strings.Contains(channel, "Defender"):
		return 85
	case strings.Contains(channel, "PowerShell"):
		return 80
	default:
		return 70
	}
}

func buildSummary(t event.EventType, log *event.LogEvent) string {
	return fmt.Sprintf("%s detected on %s (EventID %d, Channel %s)",
		t.String(), log.Host, log.EventID, log.Channel)
}

func defaultTechniques(t event.EventType) []string {
	switch t {
	case event.TypeAuthenticationSuccess:
		return []string{"T1078"}
	case event.TypeAuthenticationFailure:
		return []string{"T1110"}
	case event.TypePrivilegeEscalation:
		return []string{"T1068", "T1078"}
	case event.TypeProcessCreation:
		return []string{"T1059"}
	case event.TypeNetworkConnection:
		return []string{"T1071"}
	case event.TypePowerShellExecution:
		return []string{"T1059.001"}
	case event.TypeServiceInstallation:
		return []string{"T1543.003"}
	case event.TypeScheduledTask:
		return []string{"T1053.005"}
	case event.TypeAccountManagement:
		return []string{"T1098"}
	case event.TypeSecurityPolicyChange:
		return []string{"T1562"}
	case event.TypeSuspiciousActivity:
		return []string{"T1055"}
	default:
		return nil
	}
}

func defaultActions(t event.EventType, risk event.RiskLevel) []string {
	var actions []string
	if risk >= event.RiskHigh {
		actions = append(actions,
			"Investigate immediately",
			"Review related events on the same host")
	}
	switch t {
	case event.TypeAuthenticationSuccess:
		actions = append(actions, "Verify logon is expected")
	case event.TypeAuthenticationFailure:
		actions = append(actions, "Check for repeated failures from the same source")
	case event.TypePrivilegeEscalation:
		actions = append(actions, "Verify privilege assignment is authorized")
	case event.TypeProcessCreation:
		actions = append(actions, "Review process command line and parent")
	case event.TypeNetworkConnection:
		actions = append(actions, "Review destination address reputation")
	case event.TypePowerShellExecution:
		actions = append(actions, "Review script block content")
	case event.TypeServiceInstallation:
		actions = append(actions, "Verify service installation is expected")
	case event.TypeScheduledTask:
		actions = append(actions, "Verify scheduled task is authorized")
	case event.TypeAccountManagement:
		actions = append(actions, "Verify account change was requested")
	case event.TypeSecurityPolicyChange:
		actions = append(actions, "Verify policy change is authorized")
	case event.TypeSuspiciousActivity:
		actions = append(actions, "Isolate host if activity is unexplained")
	default:
		actions = append(actions, "Monitor for unusual patterns")
	}
	return actions
}
