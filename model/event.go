package model

import "time"

// EventType classifies a client event.
type EventType string

const (
	EventUnknown  EventType = "UNKNOWN"
	EventDebugLog EventType = "DEBUG_LOG"
	EventInfoLog  EventType = "INFO_LOG"
	EventWarnLog  EventType = "WARN_LOG"
	EventErrorLog EventType = "ERROR_LOG"
	EventLastPing EventType = "LAST_PING"
)

// ParseEventType maps a client supplied name to an EventType, falling back to
// EventUnknown for anything unrecognised.
func ParseEventType(s string) EventType {
	switch EventType(s) {
	case EventDebugLog, EventInfoLog, EventWarnLog, EventErrorLog, EventLastPing:
		return EventType(s)
	}
	return EventUnknown
}

// ClientEvent is a log or telemetry record sent by an exam client.
type ClientEvent struct {
	ID           int64     `json:"id"`
	ConnectionID int64     `json:"connection_id"`
	Type         EventType `json:"type"`
	ClientTime   time.Time `json:"client_time"`
	ServerTime   time.Time `json:"server_time"`
	NumValue     float64   `json:"num_value"`
	Text         string    `json:"text"`
}
