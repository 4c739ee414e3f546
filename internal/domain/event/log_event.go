package event

import (
	"time"

	"github.com/google/uuid"
)

// LogEvent is the normalized, read-only input to detection. A LogEvent is
// shared by reference between the SecurityEvent that classifies it and any
// correlation work referring to it; it must not be mutated after creation.
type LogEvent struct {
	Time       time.Time `json:"time"`
	Host       string    `json:"host"`
	Channel    string    `json:"channel"`
	EventID    int       `json:"event_id"`
	Severity   string    `json:"severity"`
	User       string    `json:"user"`
	Message    string    `json:"message"`
	RawData    string    `json:"raw_data"`
	UniqueID   string    `json:"unique_id"`
}

// NewLogEvent normalizes a RawEvent. A missing unique id is replaced so the
// store always has an idempotency key.
func NewLogEvent(raw *RawEvent) *LogEvent {
	id := raw.UniqueID
	if id == "" {
		id = uuid.NewString()
	}
	ts := raw.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &LogEvent{
		Time:     ts,
		Host:     raw.Machine,
		Channel:  raw.Channel,
		EventID:  raw.EventID,
		Severity: raw.Severity(),
		User:     raw.UserID,
		Message:  raw.Message,
		RawData:  raw.SourceData,
		UniqueID: id,
	}
}
