package model

import (
	"encoding/json"
	"time"
)

// EventStatus is the lifecycle state of a TriggeredEvent.
type EventStatus string

const (
	EventTriggered       EventStatus = "TRIGGERED"
	EventFailedToTrigger EventStatus = "FAILED_TO_TRIGGER"
	EventInProgress      EventStatus = "IN_PROGRESS"
	EventHandled         EventStatus = "HANDLED"
	EventFailedToHandle  EventStatus = "FAILED_TO_HANDLE"
	EventFailed          EventStatus = "FAILED"
)

// IsTerminal reports whether no further transition is expected out of the status.
func (s EventStatus) IsTerminal() bool {
	return s == EventHandled || s == EventFailed
}

// VersionMatch is the policy used to compare a registered handler version
// against the version recorded on an event.
type VersionMatch string

const (
	MatchExact   VersionMatch = "exact"
	MatchNot     VersionMatch = "not"
	MatchMinimum VersionMatch = "minimum"
)

// HandlerRef names the handler an event must be routed to and the version
// contract that handler must satisfy.
type HandlerRef struct {
	Name    string       `json:"name"`
	Match   VersionMatch `json:"match"`
	Version string       `json:"version"`
}

type TriggeredEvent struct {
	EventID       string          `json:"event_id"`
	Handler       HandlerRef      `json:"handler"`
	Status        EventStatus     `json:"status"`
	StatusHistory []EventStatus   `json:"status_history"`
	RetryAttempts int             `json:"retry_attempts"`
	Args          json.RawMessage `json:"args"`
	OperationID   string          `json:"operation_id,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// HistoryConsistent reports whether the last entry of the status history is
// the current status.
func (e *TriggeredEvent) HistoryConsistent() bool {
	if len(e.StatusHistory) == 0 {
		return false
	}
	return e.StatusHistory[len(e.StatusHistory)-1] == e.Status
}

// StatusStrings converts a list of statuses for array columns.
func StatusStrings(statuses []EventStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// ParseStatuses is the inverse of StatusStrings.
func ParseStatuses(values []string) []EventStatus {
	out := make([]EventStatus, len(values))
	for i, v := range values {
		out[i] = EventStatus(v)
	}
	return out
}
