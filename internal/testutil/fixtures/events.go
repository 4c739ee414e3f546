package fixtures

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MLidstrom/castellan/internal/domain/event"
)

// LogEventBuilder builds normalized log events for tests.
type LogEventBuilder struct {
	t  *testing.T
	ev event.LogEvent
}

// NewLogEventBuilder creates a builder with a plausible Security-channel logon
// event as the default.
func NewLogEventBuilder(t *testing.T) *LogEventBuilder {
	t.Helper()
	return &LogEventBuilder{
		t: t,
		ev: event.LogEvent{
			Time:     time.Now().UTC(),
			Host:     "WORKSTATION-01",
			Channel:  "Security",
			EventID:  4624,
			Severity: "Information",
			User:     "alice",
			Message:  "An account was successfully logged on.\r\n\r\nLogon Type:\t\t2\r\n\r\nNew Logon:\r\n\tAccount Name:\t\talice\r\n\tSource Network Address:\t10.0.0.5",
			UniqueID: uuid.NewString(),
		},
	}
}

func (b *LogEventBuilder) WithTime(ts time.Time) *LogEventBuilder {
	b.ev.Time = ts
	return b
}

func (b *LogEventBuilder) WithHost(host string) *LogEventBuilder {
	b.ev.Host = host
	return b
}

func (b *LogEventBuilder) WithChannel(channel string) *LogEventBuilder {
	b.ev.Channel = channel
	return b
}

func (b *LogEventBuilder) WithEventID(id int) *LogEventBuilder {
	b.ev.EventID = id
	return b
}

func (b *LogEventBuilder) WithUser(user string) *LogEventBuilder {
	b.ev.User = user
	return b
}

func (b *LogEventBuilder) WithMessage(message string) *LogEventBuilder {
	b.ev.Message = message
	return b
}

func (b *LogEventBuilder) WithUniqueID(id string) *LogEventBuilder {
	b.ev.UniqueID = id
	return b
}

func (b *LogEventBuilder) Build() *event.LogEvent {
	ev := b.ev
	return &ev
}

// SecurityEventBuilder builds classified security events for tests.
type SecurityEventBuilder struct {
	t  *testing.T
	se event.SecurityEvent
}

func NewSecurityEventBuilder(t *testing.T) *SecurityEventBuilder {
	t.Helper()
	return &SecurityEventBuilder{
		t: t,
		se: event.SecurityEvent{
			ID:         uuid.NewString(),
			Log:        NewLogEventBuilder(t).Build(),
			Type:       event.TypeAuthenticationSuccess,
			Risk:       event.RiskLow,
			Confidence: 70,
			Summary:    "Successful account logon",
			CreatedAt:  time.Now().UTC(),
		},
	}
}

func (b *SecurityEventBuilder) WithLog(ev *event.LogEvent) *SecurityEventBuilder {
	b.se.Log = ev
	return b
}

func (b *SecurityEventBuilder) WithType(t event.EventType) *SecurityEventBuilder {
	b.se.Type = t
	return b
}

func (b *SecurityEventBuilder) WithRisk(r event.RiskLevel) *SecurityEventBuilder {
	b.se.Risk = r
	return b
}

func (b *SecurityEventBuilder) WithConfidence(c int) *SecurityEventBuilder {
	b.se.Confidence = c
	return b
}

func (b *SecurityEventBuilder) WithSummary(s string) *SecurityEventBuilder {
	b.se.Summary = s
	return b
}

func (b *SecurityEventBuilder) WithTechniques(techniques ...string) *SecurityEventBuilder {
	b.se.MitreTechniques = techniques
	return b
}

func (b *SecurityEventBuilder) WithCorrelation(ids ...string) *SecurityEventBuilder {
	b.se.IsCorrelationBased = true
	b.se.CorrelationIDs = ids
	return b
}

func (b *SecurityEventBuilder) Build() *event.SecurityEvent {
	se := b.se
	return &se
}
