package rules

import (
	"strings"

	"github.com/MLidstrom/castellan/internal/domain/event"
)

// Legacy fallback catalog consulted when no database rule matches. Retained
// only for the Security and PowerShell operational channels; it is a
// compile-time constant table, never mutated.

const powerShellChannel = "Microsoft-Windows-PowerShell/Operational"

type fallbackKey struct {
	eventID int
	channel string
}

var fallbackRules = map[fallbackKey]Rule{
	{4624, "Security"}: {
		EventID: 4624, Channel: "Security",
		EventType: event.TypeAuthenticationSuccess, RiskLevel: event.RiskMedium,
		Confidence: 95, Summary: "An account was successfully logged on",
		MitreTechniques:    []string{"T1078"},
		RecommendedActions: []string{"Review logon context", "Verify account activity"},
		Priority:           0, IsEnabled: true,
	},
	{4625, "Security"}: {
		EventID: 4625, Channel: "Security",
		EventType: event.TypeAuthenticationFailure, RiskLevel: event.RiskHigh,
		Confidence: 95, Summary: "An account failed to log on",
		MitreTechniques:    []string{"T1110"},
		RecommendedActions: []string{"Review failed logon source", "Check for repeated failures"},
		Priority:           0, IsEnabled: true,
	},
	{4672, "Security"}: {
		EventID: 4672, Channel: "Security",
		EventType: event.TypePrivilegeEscalation, RiskLevel: event.RiskCritical,
		Confidence: 95, Summary: "Special privileges assigned to new logon",
		MitreTechniques:    []string{"T1068", "T1078"},
		RecommendedActions: []string{"Verify privilege assignment", "Review account authorization"},
		Priority:           0, IsEnabled: true,
	},
	{4688, "Security"}: {
		EventID: 4688, Channel: "Security",
		EventType: event.TypeProcessCreation, RiskLevel: event.RiskHigh,
		Confidence: 95, Summary: "A new process has been created",
		MitreTechniques:    []string{"T1059"},
		RecommendedActions: []string{"Review process lineage", "Check command line arguments"},
		Priority:           0, IsEnabled: true,
	},
	{4103, powerShellChannel}: {
		EventID: 4103, Channel: powerShellChannel,
		EventType: event.TypePowerShellExecution, RiskLevel: event.RiskHigh,
		Confidence: 80, Summary: "PowerShell module logging event",
		MitreTechniques:    []string{"T1059.001"},
		RecommendedActions: []string{"Review module usage"},
		Priority:           0, IsEnabled: true,
	},
	{4104, powerShellChannel}: {
		EventID: 4104, Channel: powerShellChannel,
		EventType: event.TypePowerShellExecution, RiskLevel: event.RiskHigh,
		Confidence: 80, Summary: "PowerShell script block executed",
		MitreTechniques:    []string{"T1059.001"},
		RecommendedActions: []string{"Review script block content"},
		Priority:           0, IsEnabled: true,
	},
}

// Fallback returns the built-in rule for the given key, or nil when the
// legacy catalog has no entry. Channel comparison is case-insensitive.
func Fallback(eventID int, channel string) *Rule {
	for key, r := range fallbackRules {
		if key.eventID == eventID && strings.EqualFold(key.channel, channel) {
			out := r
			return &out
		}
	}
	return nil
}
