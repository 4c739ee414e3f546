package correlation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/domain/correlation"
	"github.com/MLidstrom/castellan/internal/domain/event"
)

func newTestEngine(scorer Scorer) *Engine {
	return NewEngine(DefaultConfig(), scorer, zap.NewNop())
}

func makeEvent(id string, t event.EventType, host, user string, at time.Time) *event.SecurityEvent {
	return &event.SecurityEvent{
		Type:       t,
		Risk:       event.RiskMedium,
		Confidence: 70,
		Log: &event.LogEvent{
			UniqueID: id,
			Host:     host,
			User:     user,
			Time:     at,
		},
	}
}

func TestEngineTemporalBurst(t *testing.T) {
	e := newTestEngine(nil)
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	var last correlation.Result
	for i := 0; i < 10; i++ {
		se := makeEvent(fmt.Sprintf("evt-%d", i), event.TypeAuthenticationFailure, "WS01", "alice", base.Add(time.Duration(i)*time.Second))
		last = e.Analyze(context.Background(), se)
		if i < 9 {
			assert.False(t, last.HasCorrelation, "event %d should not fire", i)
		} else {
			require.True(t, last.HasCorrelation, "threshold event should fire")
			assert.Equal(t, correlation.TypeTemporalBurst, last.Correlation.Type)
			assert.Len(t, last.Correlation.EventIDs, 10)
		}
	}
	assert.InDelta(t, 0.5, last.Confidence, 0.001)
}

func TestEngineBurstUpgradesEvent(t *testing.T) {
	e := newTestEngine(nil)
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	var se *event.SecurityEvent
	for i := 0; i < 12; i++ {
		se = makeEvent(fmt.Sprintf("evt-%d", i), event.TypeAuthenticationFailure, "WS01", "alice", base.Add(time.Duration(i)*time.Second))
		e.Analyze(context.Background(), se)
	}

	assert.True(t, se.IsCorrelationBased)
	assert.Len(t, se.CorrelationIDs, 12)
	assert.Equal(t, 75, se.Confidence)
	assert.InDelta(t, 0.6, se.BurstScore, 0.001)
	assert.Contains(t, se.CorrelationContext, "Part of temporalburst pattern")
	assert.Contains(t, se.CorrelationContext, "involving 12 related events")
	assert.Contains(t, se.CorrelationContext, "within 1 minute")
}

func TestEngineBurstWindowExpires(t *testing.T) {
	e := newTestEngine(nil)
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	// Nine failures, a gap past the burst window, then a tenth.
	for i := 0; i < 9; i++ {
		se := makeEvent(fmt.Sprintf("evt-%d", i), event.TypeAuthenticationFailure, "WS01", "alice", base.Add(time.Duration(i)*time.Second))
		res := e.Analyze(context.Background(), se)
		assert.False(t, res.HasCorrelation)
	}
	late := makeEvent("evt-late", event.TypeAuthenticationFailure, "WS01", "alice", base.Add(2*time.Minute))
	res := e.Analyze(context.Background(), late)
	assert.False(t, res.HasCorrelation, "events outside the window must not count")
}

func TestEngineLateralMovement(t *testing.T) {
	e := newTestEngine(nil)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	first := makeEvent("logon-1", event.TypeAuthenticationSuccess, "WS01", "bob", base)
	res := e.Analyze(context.Background(), first)
	assert.False(t, res.HasCorrelation)

	second := makeEvent("logon-2", event.TypeAuthenticationSuccess, "SRV02", "bob", base.Add(3*time.Minute))
	res = e.Analyze(context.Background(), second)
	require.True(t, res.HasCorrelation)
	assert.Equal(t, correlation.TypeLateralMovement, res.Correlation.Type)
	assert.ElementsMatch(t, []string{"logon-1", "logon-2"}, res.Correlation.EventIDs)

	assert.Equal(t, event.RiskHigh, second.Risk)
	assert.Equal(t, 80, second.Confidence)
	assert.Contains(t, second.CorrelationContext, "Part of lateralmovement pattern")
	assert.Contains(t, second.CorrelationContext, "as part of lateral movement")
	assert.Contains(t, second.MitreTechniques, "T1021")
}

func TestEngineLateralMovementSameHostDoesNotFire(t *testing.T) {
	e := newTestEngine(nil)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	e.Analyze(context.Background(), makeEvent("logon-1", event.TypeAuthenticationSuccess, "WS01", "bob", base))
	res := e.Analyze(context.Background(), makeEvent("logon-2", event.TypeAuthenticationSuccess, "WS01", "bob", base.Add(time.Minute)))
	assert.False(t, res.HasCorrelation)
}

func TestEnginePrivilegeEscalation(t *testing.T) {
	e := newTestEngine(nil)
	base := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)

	e.Analyze(context.Background(), makeEvent("logon", event.TypeAuthenticationSuccess, "WS01", "carol", base))
	esc := makeEvent("priv", event.TypePrivilegeEscalation, "WS01", "carol", base.Add(90*time.Second))
	res := e.Analyze(context.Background(), esc)

	// The auth-then-escalation pair also satisfies the privilege escalation
	// attack chain, which outranks the pairwise detector.
	require.True(t, res.HasCorrelation)
	assert.Equal(t, correlation.TypeAttackChain, res.Correlation.Type)
	assert.Equal(t, event.RiskCritical, esc.Risk)
	assert.True(t, esc.IsCorrelationBased)
}

func TestEnginePrivilegeEscalationOutsideWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AttackChainWindow = time.Minute
	e := NewEngine(cfg, nil, zap.NewNop())
	base := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)

	e.Analyze(context.Background(), makeEvent("logon", event.TypeAuthenticationSuccess, "WS01", "carol", base))
	esc := makeEvent("priv", event.TypePrivilegeEscalation, "WS01", "carol", base.Add(3*time.Minute))
	res := e.Analyze(context.Background(), esc)

	// Past the chain window but inside the escalation window.
	require.True(t, res.HasCorrelation)
	assert.Equal(t, correlation.TypePrivilegeEscalation, res.Correlation.Type)
}

func TestEnginePrivilegeEscalationRequiresSuccessfulLogon(t *testing.T) {
	e := newTestEngine(nil)
	base := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)

	e.Analyze(context.Background(), makeEvent("failed", event.TypeAuthenticationFailure, "WS01", "carol", base))
	esc := makeEvent("priv", event.TypePrivilegeEscalation, "WS01", "carol", base.Add(90*time.Second))
	res := e.Analyze(context.Background(), esc)

	// A failed logon is not an escalation precursor.
	assert.False(t, res.HasCorrelation)
}

func TestEngineAttackChainExecution(t *testing.T) {
	e := newTestEngine(nil)
	base := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)

	e.Analyze(context.Background(), makeEvent("logon", event.TypeAuthenticationSuccess, "WS01", "dave", base))
	e.Analyze(context.Background(), makeEvent("ps", event.TypePowerShellExecution, "WS01", "dave", base.Add(time.Minute)))
	net := makeEvent("net", event.TypeNetworkConnection, "WS01", "dave", base.Add(2*time.Minute))
	res := e.Analyze(context.Background(), net)

	require.True(t, res.HasCorrelation)
	assert.Equal(t, correlation.TypeAttackChain, res.Correlation.Type)
	assert.Equal(t, []string{"logon", "ps", "net"}, res.Correlation.EventIDs)
	assert.Equal(t, "execution", res.Correlation.AttackStage)

	assert.Equal(t, event.RiskCritical, net.Risk)
	assert.Equal(t, 90, net.Confidence)
	assert.Contains(t, net.RecommendedActions, "Initiate incident response")
	assert.Contains(t, net.CorrelationContext, "as part of execution")
	assert.Contains(t, net.CorrelationContext, "matching techniques: T1059.001, T1071")
}

func TestEngineDistinctHostsDoNotChain(t *testing.T) {
	e := newTestEngine(nil)
	base := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)

	e.Analyze(context.Background(), makeEvent("ps", event.TypePowerShellExecution, "WS01", "", base))
	res := e.Analyze(context.Background(), makeEvent("net", event.TypeNetworkConnection, "WS02", "", base.Add(time.Minute)))
	assert.False(t, res.HasCorrelation)
}

type fixedScorer struct{ score float64 }

func (f fixedScorer) Score(*event.SecurityEvent) float64 { return f.score }

func TestEngineMLDetection(t *testing.T) {
	e := newTestEngine(fixedScorer{score: 0.91})
	base := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)

	e.Analyze(context.Background(), makeEvent("a", event.TypeProcessCreation, "WS01", "eve", base))
	se := makeEvent("b", event.TypeAccountManagement, "WS01", "eve", base.Add(time.Minute))
	res := e.Analyze(context.Background(), se)

	require.True(t, res.HasCorrelation)
	assert.Equal(t, correlation.TypeMLDetected, res.Correlation.Type)
	assert.InDelta(t, 0.91, se.AnomalyScore, 0.001)
	// +5 for ml, +5 for confidence above 0.8.
	assert.Equal(t, 80, se.Confidence)
}

func TestEngineMLBelowThreshold(t *testing.T) {
	e := newTestEngine(fixedScorer{score: 0.5})
	base := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)

	e.Analyze(context.Background(), makeEvent("a", event.TypeProcessCreation, "WS01", "eve", base))
	res := e.Analyze(context.Background(), makeEvent("b", event.TypeAccountManagement, "WS01", "eve", base.Add(time.Minute)))
	assert.False(t, res.HasCorrelation)
}

func TestEngineNilLogEvent(t *testing.T) {
	e := newTestEngine(nil)
	res := e.Analyze(context.Background(), &event.SecurityEvent{})
	assert.False(t, res.HasCorrelation)
}

func TestFormatWindow(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "1 minute"},
		{60 * time.Second, "1 minute"},
		{5 * time.Minute, "5 minutes"},
		{time.Hour, "1 hour"},
		{90 * time.Minute, "1.5 hours"},
		{24 * time.Hour, "24 hours"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatWindow(tt.d), tt.d.String())
	}
}
