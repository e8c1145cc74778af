package tasks

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusScheduled      Status = "scheduled"
	StatusTriggering     Status = "triggering"
	StatusAwaitingResult Status = "awaiting_result"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// AllStatuses lists every valid task status in a stable order.
var AllStatuses = []Status{
	StatusScheduled,
	StatusTriggering,
	StatusAwaitingResult,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var ErrUnknownStatus = errors.New("unknown task status")

func (s Status) String() string { return string(s) }

// ParseStatus converts a string into a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	for _, known := range AllStatuses {
		if s == string(known) {
			return known, nil
		}
	}
	return "", ErrUnknownStatus
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
)

// SlotRequest is one (time-slot label, quantity) pair of a booking request.
// Labels are unique within a task. Quantities above the configured per-slot
// maximum are rejected at creation; splitting across execution units is the
// executor's job.
type SlotRequest struct {
	Label    string `json:"label"`
	Quantity int    `json:"quantity"`
}

// ValidateSlots checks a slot list: at least one slot, labels set and unique
// within the list, quantities positive. Every path that creates or edits a
// booking goes through this.
func ValidateSlots(slots []SlotRequest) error {
	if len(slots) == 0 {
		return errors.New("at least one slot is required")
	}
	seen := make(map[string]struct{}, len(slots))
	for _, slot := range slots {
		if slot.Label == "" || slot.Quantity <= 0 {
			return errors.New("slot label must be set and quantity positive")
		}
		if _, dup := seen[slot.Label]; dup {
			return fmt.Errorf("duplicate slot label %q", slot.Label)
		}
		seen[slot.Label] = struct{}{}
	}
	return nil
}

// LogEntry is one line of a task's append-only activity log.
type LogEntry struct {
	At       time.Time `json:"at"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
}

// Task is a scheduled booking. The scheduler is the sole mutator; everyone
// else sees clones.
type Task struct {
	ID            string        `json:"id"`
	TargetURL     string        `json:"target_url"`
	CredentialRef string        `json:"credential_ref,omitempty"`
	BookingDate   string        `json:"booking_date"`
	TriggerAt     time.Time     `json:"trigger_at"`
	Slots         []SlotRequest `json:"slots"`
	Status        Status        `json:"status"`
	Message       string        `json:"message,omitempty"`
	Logs          []LogEntry    `json:"logs"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (t Task) Clone() Task {
	out := t
	if t.Slots != nil {
		out.Slots = make([]SlotRequest, len(t.Slots))
		copy(out.Slots, t.Slots)
	}
	if t.Logs != nil {
		out.Logs = make([]LogEntry, len(t.Logs))
		copy(out.Logs, t.Logs)
	}
	return out
}

func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
