package detection

import (
	"regexp"
	"strings"

	"github.com/MLidstrom/castellan/internal/domain/event"
)

// Context refinements are deterministic adjustments driven purely by the
// rendered message of a LogEvent, applied after any database rule. They are
// guarded by IsEnhanced so re-applying to an already refined event is a
// no-op, keeping refinement idempotent.

var adminMarkers = []string{
	"S-1-5-32-544",
	"Administrator",
	"Domain Admins",
	"Enterprise Admins",
}

var bruteForceMarkers = []string{
	"bad password",
	"unknown user name",
	"0xC000006A",
	"0xC000006D",
	"0xC0000064",
	"account locked out",
}

var highPrivilegeSIDs = []string{
	"S-1-5-18",     // LocalSystem
	"S-1-5-32-544", // Builtin Administrators
	"S-1-5-32-548", // Account Operators
	"S-1-5-32-549", // Server Operators
}

// normalPrivileges is the fixed set of privileges routinely asserted by
// ordinary service logons. A 4672 whose asserted privileges all fall in this
// set is downgraded.
var normalPrivileges = map[string]bool{
	"SeChangeNotifyPrivilege":       true,
	"SeImpersonatePrivilege":        true,
	"SeCreateGlobalPrivilege":       true,
	"SeIncreaseWorkingSetPrivilege": true,
	"SeIncreaseQuotaPrivilege":      true,
	"SeShutdownPrivilege":           true,
	"SeUndockPrivilege":             true,
	"SeTimeZonePrivilege":           true,
	"SeMachineAccountPrivilege":     true,
}

var suspiciousScriptMarkers = []string{
	"Invoke-Expression",
	"IEX",
	"DownloadString",
	"Invoke-Mimikatz",
	"Invoke-Shellcode",
	"FromBase64String",
	"Invoke-ReflectivePEInjection",
	"Add-Persistence",
}

var encodedCommandMarkers = []string{
	"-EncodedCommand",
	"-enc ",
	"-e JAB",
	"FromBase64String",
}

var downloadCmdletMarkers = []string{
	"DownloadString",
	"DownloadFile",
	"Invoke-WebRequest",
	"Start-BitsTransfer",
	"Net.WebClient",
}

var offensiveModuleMarkers = []string{
	"PowerSploit",
	"Mimikatz",
	"PowerView",
	"Empire",
	"Nishang",
	"BloodHound",
	"Invoke-Obfuscation",
}

var privilegeTokenRe = regexp.MustCompile(`Se[A-Za-z]+Privilege`)

// ApplyRefinements mutates se according to the message-content rules for its
// event id and marks it enhanced. Calling it again returns immediately.
func ApplyRefinements(se *event.SecurityEvent) bool {
	if se.IsEnhanced || se.Log == nil {
		return false
	}
	se.IsEnhanced = true

	switch se.Log.EventID {
	case 4624:
		return refineLogon(se)
	case 4625:
		return refineLogonFailure(se)
	case 4672:
		return refineSpecialPrivileges(se)
	case 4104:
		return refineScriptBlock(se)
	case 4103:
		return refineModuleLoad(se)
	default:
		return false
	}
}

func refineLogon(se *event.SecurityEvent) bool {
	msg := se.Log.Message
	if containsAny(msg, adminMarkers) {
		se.Risk = event.RiskHigh
		se.BoostConfidence(10, 95)
		se.AddTechniques("T1068")
		return true
	}
	hour := se.Log.Time.Hour()
	if hour < 6 || hour > 18 {
		se.Risk = event.RiskMedium
		se.BoostConfidence(5, 100)
		se.AddTechniques("T1078")
		return true
	}
	return false
}

func refineLogonFailure(se *event.SecurityEvent) bool {
	if !containsAnyFold(se.Log.Message, bruteForceMarkers) {
		return false
	}
	se.Risk = event.RiskCritical
	se.Confidence = 95
	se.AddTechniques("T1110.001")
	se.AddActions(
		"Block source IP address",
		"Enable account lockout policy",
		"Investigate origin of failed attempts",
	)
	return true
}

func refineSpecialPrivileges(se *event.SecurityEvent) bool {
	msg := se.Log.Message
	if containsAny(msg, highPrivilegeSIDs) {
		se.Risk = event.RiskCritical
		se.Confidence = 95
		se.AddTechniques("T1068")
		return true
	}

	privileges := privilegeTokenRe.FindAllString(msg, -1)
	if len(privileges) == 0 {
		return false
	}
	for _, p := range privileges {
		if !normalPrivileges[p] {
			return false
		}
	}
	// Routine service logon privileges only.
	se.Risk = event.RiskLow
	se.Confidence = 60
	se.MitreTechniques = []string{"T1078"}
	se.RecommendedActions = []string{"Monitor for unusual patterns"}
	return true
}

func refineScriptBlock(se *event.SecurityEvent) bool {
	msg := se.Log.Message
	switch {
	case containsAny(msg, suspiciousScriptMarkers):
		se.Risk = event.RiskHigh
		se.BoostConfidence(15, 95)
		se.AddTechniques("T1140", "T1027")
		se.AddActions(
			"Capture full script block for analysis",
			"Review PowerShell execution policy",
		)
		return true
	case containsAny(msg, encodedCommandMarkers):
		se.Risk = event.RiskHigh
		se.BoostConfidence(10, 100)
		se.AddTechniques("T1027", "T1140")
		return true
	case containsAny(msg, downloadCmdletMarkers):
		se.Risk = event.RiskMedium
		se.BoostConfidence(10, 100)
		se.AddTechniques("T1105")
		return true
	}
	return false
}

func refineModuleLoad(se *event.SecurityEvent) bool {
	if !containsAnyFold(se.Log.Message, offensiveModuleMarkers) {
		return false
	}
	se.Risk = event.RiskMedium
	se.BoostConfidence(10, 100)
	se.AddTechniques("T1562")
	return true
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func containsAnyFold(s string, markers []string) bool {
	lower := strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
