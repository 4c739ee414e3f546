package event

import (
	"time"
)

// RawEvent is a single record captured from a host log channel before any
// classification. It is owned by the ingest pipeline from enqueue until the
// classified result is handed to the store.
type RawEvent struct {
	UniqueID   string    `json:"unique_id"`
	EventID    int       `json:"event_id"`
	Provider   string    `json:"provider"`
	Channel    string    `json:"channel"`
	Level      uint8     `json:"level"`
	CreatedAt  time.Time `json:"created_at"`
	Machine    string    `json:"machine"`
	UserID     string    `json:"user_id"`
	Opcode     uint16    `json:"opcode"`
	Task       uint16    `json:"task"`
	Keywords   uint64    `json:"keywords"`
	Message    string    `json:"message"`
	SourceData string    `json:"source_data"`
}

// Severity maps the numeric channel level onto the label used downstream.
func (r *RawEvent) Severity() string {
	switch r.Level {
	case 1:
		return "critical"
	case 2:
		return "error"
	case 3:
		return "warning"
	case 4:
		return "information"
	default:
		return "verbose"
	}
}
