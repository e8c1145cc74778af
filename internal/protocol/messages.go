package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/slotwatch/bookerd/internal/tasks"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Inbound.
	TypeHelloDashboard MessageType = "hello_dashboard"
	TypeHelloExecutor  MessageType = "hello_executor"
	TypeScheduleTask   MessageType = "schedule_task"
	TypeCancelTask     MessageType = "cancel_task"
	TypeTaskProgress   MessageType = "task_progress"
	TypeTaskResult     MessageType = "task_result"
	TypePing           MessageType = "ping"

	// Outbound.
	TypeWelcome       MessageType = "welcome"
	TypeTaskScheduled MessageType = "task_scheduled"
	TypeTaskUpdate    MessageType = "task_update"
	TypeTrigger       MessageType = "trigger"
	TypeErrorEvent    MessageType = "error_event"
	TypePong          MessageType = "pong"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type HelloDashboard struct {
	Type   MessageType `json:"type"`
	Client string      `json:"client,omitempty"`
}

type HelloExecutor struct {
	Type   MessageType `json:"type"`
	Client string      `json:"client,omitempty"`
}

// ScheduleTask creates a booking. TriggerAt is RFC 3339; an instant without a
// zone offset is interpreted in the server's configured timezone.
type ScheduleTask struct {
	Type          MessageType         `json:"type"`
	TargetURL     string              `json:"target_url"`
	CredentialRef string              `json:"credential_ref,omitempty"`
	BookingDate   string              `json:"booking_date"`
	TriggerAt     string              `json:"trigger_at"`
	Slots         []tasks.SlotRequest `json:"slots"`
}

type CancelTask struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
}

type TaskProgress struct {
	Type    MessageType `json:"type"`
	TaskID  string      `json:"task_id"`
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
}

// TaskResult reports the terminal outcome of a triggered booking.
// Status must be "completed" or "failed".
type TaskResult struct {
	Type    MessageType `json:"type"`
	TaskID  string      `json:"task_id"`
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
}

type Ping struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

type Welcome struct {
	Type    MessageType `json:"type"`
	Role    string      `json:"role"`
	Message string      `json:"message"`
}

type TaskScheduled struct {
	Type MessageType `json:"type"`
	Task tasks.Task  `json:"task"`
}

type TaskUpdate struct {
	Type    MessageType  `json:"type"`
	TaskID  string       `json:"task_id"`
	Status  tasks.Status `json:"status"`
	Message string       `json:"message,omitempty"`
}

// Credentials is the resolved secret attached to a trigger when the
// credential reference could be resolved. Never logged.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Trigger struct {
	Type          MessageType         `json:"type"`
	TaskID        string              `json:"task_id"`
	TargetURL     string              `json:"target_url"`
	CredentialRef string              `json:"credential_ref,omitempty"`
	Credentials   *Credentials        `json:"credentials,omitempty"`
	BookingDate   string              `json:"booking_date"`
	Slots         []tasks.SlotRequest `json:"slots"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

type Pong struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms"`
}

// ParseClientMessage decodes an inbound frame into its typed variant,
// validating required fields. Unknown types return ErrUnsupportedType.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeHelloDashboard:
		var msg HelloDashboard
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeHelloExecutor:
		var msg HelloExecutor
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeScheduleTask:
		var msg ScheduleTask
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TargetURL == "" || msg.BookingDate == "" || msg.TriggerAt == "" {
			return nil, errors.New("invalid schedule_task: target_url, booking_date and trigger_at are required")
		}
		if err := tasks.ValidateSlots(msg.Slots); err != nil {
			return nil, fmt.Errorf("invalid schedule_task: %w", err)
		}
		return msg, nil
	case TypeCancelTask:
		var msg CancelTask
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" {
			return nil, errors.New("invalid cancel_task: task_id is required")
		}
		return msg, nil
	case TypeTaskProgress:
		var msg TaskProgress
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" || msg.Status == "" {
			return nil, errors.New("invalid task_progress: task_id and status are required")
		}
		return msg, nil
	case TypeTaskResult:
		var msg TaskResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" {
			return nil, errors.New("invalid task_result: task_id is required")
		}
		if msg.Status != string(tasks.StatusCompleted) && msg.Status != string(tasks.StatusFailed) {
			return nil, fmt.Errorf("invalid task_result: status must be %q or %q", tasks.StatusCompleted, tasks.StatusFailed)
		}
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// MessageTypeOf reports the declared type of a parsed or outbound message.
func MessageTypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case HelloDashboard:
		return m.Type, true
	case HelloExecutor:
		return m.Type, true
	case ScheduleTask:
		return m.Type, true
	case CancelTask:
		return m.Type, true
	case TaskProgress:
		return m.Type, true
	case TaskResult:
		return m.Type, true
	case Ping:
		return m.Type, true
	case Welcome:
		return m.Type, true
	case TaskScheduled:
		return m.Type, true
	case TaskUpdate:
		return m.Type, true
	case Trigger:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	case Pong:
		return m.Type, true
	default:
		return "", false
	}
}
