package detection

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/domain/event"
)

func rawSecurity(eventID int) *event.RawEvent {
	return &event.RawEvent{
		UniqueID:  "raw-1",
		EventID:   eventID,
		Channel:   "Security",
		Level:     4,
		CreatedAt: time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC),
		Machine:   "WORKSTATION-01",
		Message:   "test message",
	}
}

func TestNormalizeClassification(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	tests := []struct {
		name     string
		channel  string
		eventID  int
		wantType event.EventType
		wantRisk event.RiskLevel
		wantConf int
	}{
		{"security logon", "Security", 4624, event.TypeAuthenticationSuccess, event.RiskMedium, 95},
		{"security failure", "Security", 4625, event.TypeAuthenticationFailure, event.RiskHigh, 95},
		{"special privileges", "Security", 4672, event.TypePrivilegeEscalation, event.RiskCritical, 95},
		{"process creation", "Security", 4688, event.TypeProcessCreation, event.RiskHigh, 95},
		{"other security id", "Security", 5140, event.TypeAuthenticationSuccess, event.RiskMedium, 70},
		{"sysmon process", "Microsoft-Windows-Sysmon/Operational", 1, event.TypeProcessCreation, event.RiskHigh, 90},
		{"sysmon network", "Microsoft-Windows-Sysmon/Operational", 3, event.TypeNetworkConnection, event.RiskHigh, 90},
		{"sysmon dns", "Microsoft-Windows-Sysmon/Operational", 22, event.TypeNetworkConnection, event.RiskHigh, 90},
		{"sysmon other", "Microsoft-Windows-Sysmon/Operational", 13, event.TypeSuspiciousActivity, event.RiskCritical, 90},
		{"powershell script block", "Microsoft-Windows-PowerShell/Operational", 4104, event.TypePowerShellExecution, event.RiskHigh, 80},
		{"powershell unrelated id", "Microsoft-Windows-PowerShell/Operational", 400, event.TypeUnknown, event.RiskLow, 80},
		{"defender", "Microsoft-Windows-Windows Defender/Operational", 1116, event.TypeSuspiciousActivity, event.RiskCritical, 85},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawSecurity(tt.eventID)
			raw.Channel = tt.channel
			se := n.Normalize(raw)
			require.NotNil(t, se)
			assert.Equal(t, tt.wantType, se.Type)
			assert.Equal(t, tt.wantRisk, se.Risk)
			assert.Equal(t, tt.wantConf, se.Confidence)
			assert.True(t, se.IsDeterministic)
			require.NotNil(t, se.Log)
			assert.Equal(t, raw.UniqueID, se.Log.UniqueID)
		})
	}
}

func TestNormalizeCarriesTechniquesAndActions(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	se := n.Normalize(rawSecurity(4625))
	assert.Contains(t, se.MitreTechniques, "T1110")
	assert.Contains(t, se.RecommendedActions, "Investigate immediately")

	se = n.Normalize(rawSecurity(4624))
	assert.Contains(t, se.MitreTechniques, "T1078")
	assert.NotContains(t, se.RecommendedActions, "Investigate immediately")
}

func TestFallbackEvent(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	raw := rawSecurity(1234)
	se := n.Fallback(raw, errors.New("boom"))
	assert.Equal(t, event.TypeUnknown, se.Type)
	assert.Equal(t, event.RiskUnknown, se.Risk)
	assert.Zero(t, se.Confidence)
	assert.Contains(t, se.Summary, "1234")
	require.NotNil(t, se.Log)
}
