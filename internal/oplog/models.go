package oplog

import (
	"encoding/json"
	"time"
)

// Operation states
const (
	StateQueued     = "queued"
	StateAdmitted   = "admitted"
	StateInFlight   = "in_flight"
	StateCompleted  = "completed"
	StateConflicted = "conflicted"
	StateFailed     = "failed"
)

// Priority levels (lower = higher priority)
const (
	PriorityCritical   = 0
	PriorityHigh       = 1
	PriorityMedium     = 2
	PriorityLow        = 3
	PriorityBackground = 4
)

// PriorityFromString converts a string priority name to its integer value.
func PriorityFromString(s string) (int, bool) {
	switch s {
	case "critical":
		return PriorityCritical, true
	case "high":
		return PriorityHigh, true
	case "medium":
		return PriorityMedium, true
	case "low":
		return PriorityLow, true
	case "background":
		return PriorityBackground, true
	}
	return PriorityMedium, false
}

// PriorityToString converts an integer priority to its string name.
func PriorityToString(p int) string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	}
	return "medium"
}

// IsTerminal reports whether a state is terminal. Terminal operations are
// never merged with, retried, or cancelled.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed
}

// Operation represents a pending local change awaiting transmission.
type Operation struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Key          string          `json:"key,omitempty"`
	Priority     int             `json:"priority"`
	State        string          `json:"state"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	DependsOn    []string        `json:"depends_on,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    *string         `json:"last_error,omitempty"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	Seq          int64           `json:"seq"` // journal seq at enqueue, FIFO tiebreak
	LocalVersion string          `json:"local_version,omitempty"`
	Role         string          `json:"role,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// QueueSnapshot is a point-in-time summary of the log.
type QueueSnapshot struct {
	ByState        map[string]int `json:"by_state"`
	ByPriority     map[string]int `json:"by_priority"`
	Total          int            `json:"total"`
	OldestQueuedAt *time.Time     `json:"oldest_queued_at,omitempty"`
}

// Conflict is an audit record of a detected local/remote divergence.
// Rows in the conflicts table are append-only.
type Conflict struct {
	ID            string          `json:"id"`
	OperationID   string          `json:"operation_id"`
	Key           string          `json:"key"`
	LocalVersion  json.RawMessage `json:"local_version"`
	RemoteVersion json.RawMessage `json:"remote_version"`
	Rule          string          `json:"rule"`
	Resolution    string          `json:"resolution"`
	ResolvedValue json.RawMessage `json:"resolved_value,omitempty"`
	AuditedAt     time.Time       `json:"audited_at"`
}
