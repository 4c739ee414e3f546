package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeRoundTrip(t *testing.T) {
	types := []EventType{
		TypeAuthenticationSuccess, TypeAuthenticationFailure,
		TypePrivilegeEscalation, TypeProcessCreation, TypeNetworkConnection,
		TypePowerShellExecution, TypeServiceInstallation, TypeScheduledTask,
		TypeAccountManagement, TypeSecurityPolicyChange, TypeSystemStartup,
		TypeSystemShutdown, TypeSuspiciousActivity,
	}
	for _, et := range types {
		assert.Equal(t, et, ParseEventType(et.String()), et.String())
	}
	assert.Equal(t, TypeUnknown, ParseEventType("NoSuchType"))
	assert.Equal(t, "Unknown", TypeUnknown.String())
}

func TestRiskLevelRoundTrip(t *testing.T) {
	for _, rl := range []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical} {
		assert.Equal(t, rl, ParseRiskLevel(rl.String()))
	}
	assert.Equal(t, RiskUnknown, ParseRiskLevel("severe"))
}

func TestRiskEscalate(t *testing.T) {
	tests := []struct {
		name  string
		start RiskLevel
		steps int
		want  RiskLevel
	}{
		{"one step", RiskLow, 1, RiskMedium},
		{"two steps", RiskMedium, 2, RiskCritical},
		{"saturates at critical", RiskHigh, 5, RiskCritical},
		{"critical stays critical", RiskCritical, 1, RiskCritical},
		{"zero steps", RiskMedium, 0, RiskMedium},
		{"unknown stays unknown", RiskUnknown, 3, RiskUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.start.Escalate(tt.steps))
		})
	}
}

func TestRiskAtLeast(t *testing.T) {
	assert.Equal(t, RiskHigh, RiskLow.AtLeast(RiskHigh))
	assert.Equal(t, RiskCritical, RiskCritical.AtLeast(RiskMedium))
}

func TestValidate(t *testing.T) {
	se := &SecurityEvent{Log: &LogEvent{}, Confidence: 50}
	require.NoError(t, se.Validate())

	assert.Error(t, (&SecurityEvent{Confidence: 50}).Validate())
	assert.Error(t, (&SecurityEvent{Log: &LogEvent{}, Confidence: 101}).Validate())

	correlated := &SecurityEvent{Log: &LogEvent{}, IsCorrelationBased: true}
	assert.Error(t, correlated.Validate())
	correlated.CorrelationIDs = []string{"abc"}
	assert.NoError(t, correlated.Validate())
}

func TestAddTechniquesDeduplicates(t *testing.T) {
	se := &SecurityEvent{}
	se.AddTechniques("T1110", "T1078")
	se.AddTechniques("T1078", "", "T1068")
	assert.Equal(t, []string{"T1110", "T1078", "T1068"}, se.MitreTechniques)
}

func TestBoostConfidence(t *testing.T) {
	se := &SecurityEvent{Confidence: 85}
	se.BoostConfidence(10, 95)
	assert.Equal(t, 95, se.Confidence)

	// Already above the cap: never lowered.
	se.Confidence = 97
	se.BoostConfidence(10, 95)
	assert.Equal(t, 97, se.Confidence)

	// Cap of zero means the hard ceiling.
	se.Confidence = 98
	se.BoostConfidence(10, 0)
	assert.Equal(t, 100, se.Confidence)
}
