// Package scheduler owns the booking lifecycle. All task-state mutation is
// serialized onto a single event loop, so the in-memory task map needs no
// locking; persistence completes before a transition is considered committed.
//
// A task stuck in awaiting_result has no built-in timeout: recovery is manual
// (the dashboard sees the last task_update and the operator intervenes).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/slotwatch/bookerd/internal/config"
	"github.com/slotwatch/bookerd/internal/hub"
	"github.com/slotwatch/bookerd/internal/observability"
	"github.com/slotwatch/bookerd/internal/protocol"
	"github.com/slotwatch/bookerd/internal/secrets"
	"github.com/slotwatch/bookerd/internal/store"
	"github.com/slotwatch/bookerd/internal/tasks"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrTriggerInPast     = errors.New("trigger instant must be in the future")
)

// Clock abstracts the wall-clock source so trigger scans are deterministic
// under test.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Scheduler struct {
	store    store.Store
	hub      *hub.Hub
	resolver secrets.Resolver
	metrics  *observability.Metrics
	clock    Clock

	scanInterval       time.Duration
	maxQuantityPerSlot int
	location           *time.Location
	recoveryPolicy     config.RecoveryPolicy

	// tasks is owned by the event loop; it is touched outside the loop only
	// during Bootstrap, before Run starts.
	tasks map[string]*tasks.Task
	cmds  chan func()
}

func New(cfg config.Config, st store.Store, h *hub.Hub, resolver secrets.Resolver, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		store:              st,
		hub:                h,
		resolver:           resolver,
		metrics:            metrics,
		clock:              systemClock{},
		scanInterval:       cfg.ScanInterval,
		maxQuantityPerSlot: cfg.MaxQuantityPerSlot,
		location:           cfg.Location(),
		recoveryPolicy:     cfg.RecoveryPolicy,
		tasks:              make(map[string]*tasks.Task),
		cmds:               make(chan func(), 64),
	}
}

// SetClock replaces the wall-clock source. Call before Run.
func (s *Scheduler) SetClock(c Clock) { s.clock = c }

// Bootstrap reloads persisted records into memory and reconciles any task
// left non-terminal with a trigger instant in the past. Call once, before Run.
func (s *Scheduler) Bootstrap(ctx context.Context) error {
	all, err := s.store.All(ctx)
	if err != nil {
		return fmt.Errorf("load persisted bookings: %w", err)
	}
	now := s.clock.Now()
	for _, t := range all {
		task := t.Clone()
		if !task.Terminal() && task.TriggerAt.Before(now) {
			switch s.recoveryPolicy {
			case config.RecoveryFail:
				s.applyStatus(&task, tasks.StatusFailed,
					"trigger time passed while the service was down", tasks.SeverityError, now)
				if err := s.persist(ctx, &task); err != nil {
					return err
				}
			default:
				// The task's own log records the outage, whether or not the
				// status needs to move back.
				s.applyStatus(&task, tasks.StatusScheduled,
					"re-entered schedule after restart; trigger may fire late", tasks.SeverityWarning, now)
				if err := s.persist(ctx, &task); err != nil {
					return err
				}
				log.Printf("scheduler: booking %s past due, will re-trigger on next scan", task.ID)
			}
		}
		s.tasks[task.ID] = &task
	}
	log.Printf("scheduler: restored %d booking(s)", len(s.tasks))
	return nil
}

// Run processes the periodic trigger scan and all state-mutating commands on
// one goroutine until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		case fn := <-s.cmds:
			fn()
		}
	}
}

// exec runs fn on the event loop and waits for it to finish.
func (s *Scheduler) exec(fn func()) {
	done := make(chan struct{})
	s.cmds <- func() {
		defer close(done)
		fn()
	}
	<-done
}

// ScanNow forces one trigger-scan pass. Used by tests with a mocked clock.
func (s *Scheduler) ScanNow(ctx context.Context) {
	s.exec(func() { s.scan(ctx) })
}

// validateRequest checks everything a schedule or edit command must satisfy,
// regardless of whether it arrived over the websocket or the REST surface.
func (s *Scheduler) validateRequest(req protocol.ScheduleTask) (time.Time, error) {
	triggerAt, err := ParseTriggerInstant(req.TriggerAt, s.location)
	if err != nil {
		return time.Time{}, err
	}
	if _, err := time.Parse("2006-01-02", req.BookingDate); err != nil {
		return time.Time{}, fmt.Errorf("invalid booking_date %q: expected YYYY-MM-DD", req.BookingDate)
	}
	if err := tasks.ValidateSlots(req.Slots); err != nil {
		return time.Time{}, fmt.Errorf("invalid slots: %w", err)
	}
	for _, slot := range req.Slots {
		if slot.Quantity > s.maxQuantityPerSlot {
			return time.Time{}, fmt.Errorf("slot %q quantity %d exceeds the per-slot maximum of %d",
				slot.Label, slot.Quantity, s.maxQuantityPerSlot)
		}
	}
	return triggerAt, nil
}

// Schedule validates and creates a booking in the scheduled state. The record
// is persisted before the task_scheduled echo reaches any dashboard.
func (s *Scheduler) Schedule(ctx context.Context, req protocol.ScheduleTask) (tasks.Task, error) {
	triggerAt, err := s.validateRequest(req)
	if err != nil {
		return tasks.Task{}, err
	}

	var (
		created tasks.Task
		execErr error
	)
	s.exec(func() {
		now := s.clock.Now()
		if !triggerAt.After(now) {
			execErr = ErrTriggerInPast
			return
		}
		task := tasks.Task{
			ID:            uuid.NewString(),
			TargetURL:     req.TargetURL,
			CredentialRef: req.CredentialRef,
			BookingDate:   req.BookingDate,
			TriggerAt:     triggerAt,
			Slots:         append([]tasks.SlotRequest(nil), req.Slots...),
			Status:        tasks.StatusScheduled,
			Message:       "booking scheduled",
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		task.Logs = append(task.Logs, tasks.LogEntry{
			At:       now,
			Message:  fmt.Sprintf("scheduled for %s (%d slot(s))", triggerAt.Format(time.RFC3339), len(task.Slots)),
			Severity: tasks.SeverityInfo,
		})
		if err := s.persist(ctx, &task); err != nil {
			execErr = err
			return
		}
		s.tasks[task.ID] = &task
		s.countTransition(tasks.StatusScheduled)
		s.hub.Broadcast(protocol.TaskScheduled{Type: protocol.TypeTaskScheduled, Task: task.Clone()}, hub.RoleDashboard)
		created = task.Clone()
	})
	return created, execErr
}

// Update replaces the editable fields of a booking that has not fired yet.
// Only scheduled tasks can be edited; anything past that is rejected.
func (s *Scheduler) Update(ctx context.Context, id string, req protocol.ScheduleTask) (tasks.Task, error) {
	triggerAt, err := s.validateRequest(req)
	if err != nil {
		return tasks.Task{}, err
	}

	var (
		out     tasks.Task
		execErr error
	)
	s.exec(func() {
		task, ok := s.tasks[id]
		if !ok {
			execErr = ErrTaskNotFound
			return
		}
		if task.Status != tasks.StatusScheduled {
			execErr = fmt.Errorf("%w: cannot edit a %s booking", ErrInvalidTransition, task.Status)
			return
		}
		now := s.clock.Now()
		if !triggerAt.After(now) {
			execErr = ErrTriggerInPast
			return
		}
		rollback := task.Clone()
		task.TargetURL = req.TargetURL
		task.CredentialRef = req.CredentialRef
		task.BookingDate = req.BookingDate
		task.TriggerAt = triggerAt
		task.Slots = append([]tasks.SlotRequest(nil), req.Slots...)
		task.Message = "booking updated"
		task.UpdatedAt = now
		task.Logs = append(task.Logs, tasks.LogEntry{
			At:       now,
			Message:  fmt.Sprintf("updated, now scheduled for %s (%d slot(s))", triggerAt.Format(time.RFC3339), len(task.Slots)),
			Severity: tasks.SeverityInfo,
		})
		if err := s.persist(ctx, task); err != nil {
			*task = rollback
			execErr = err
			return
		}
		s.mirrorUpdate(task)
		out = task.Clone()
	})
	return out, execErr
}

// Cancel moves a booking to cancelled. Only scheduled and triggering tasks
// can be cancelled; a terminal task is rejected without mutating state.
func (s *Scheduler) Cancel(ctx context.Context, id string) (tasks.Task, error) {
	var (
		out     tasks.Task
		execErr error
	)
	s.exec(func() {
		task, ok := s.tasks[id]
		if !ok {
			execErr = ErrTaskNotFound
			return
		}
		switch task.Status {
		case tasks.StatusScheduled, tasks.StatusTriggering:
		default:
			execErr = fmt.Errorf("%w: cannot cancel a %s booking", ErrInvalidTransition, task.Status)
			return
		}
		rollback := task.Clone()
		s.applyStatus(task, tasks.StatusCancelled, "cancelled by user", tasks.SeverityWarning, s.clock.Now())
		if err := s.persist(ctx, task); err != nil {
			*task = rollback
			execErr = err
			return
		}
		s.countTransition(tasks.StatusCancelled)
		s.mirrorUpdate(task)
		out = task.Clone()
	})
	return out, execErr
}

// Progress records an executor progress report. Unknown or terminal task ids
// are logged and discarded.
func (s *Scheduler) Progress(ctx context.Context, id, status, message string) {
	s.exec(func() {
		task, ok := s.tasks[id]
		if !ok {
			log.Printf("scheduler: progress for unknown booking %s discarded", id)
			return
		}
		if task.Terminal() {
			log.Printf("scheduler: progress for terminal booking %s discarded", id)
			return
		}
		rollback := task.Clone()
		now := s.clock.Now()
		task.Message = message
		task.UpdatedAt = now
		task.Logs = append(task.Logs, tasks.LogEntry{
			At:       now,
			Message:  fmt.Sprintf("executor progress (%s): %s", status, message),
			Severity: tasks.SeverityInfo,
		})
		if err := s.persist(ctx, task); err != nil {
			*task = rollback
			return
		}
		s.mirrorUpdate(task)
	})
}

// Result ingests an executor's terminal report for a booking. Duplicate or
// stale results produce no state change and no duplicate log entry.
func (s *Scheduler) Result(ctx context.Context, id, status, message string) {
	s.exec(func() {
		task, ok := s.tasks[id]
		if !ok {
			log.Printf("scheduler: result for unknown booking %s discarded", id)
			return
		}
		if task.Terminal() {
			log.Printf("scheduler: duplicate result for booking %s discarded", id)
			return
		}
		switch task.Status {
		case tasks.StatusTriggering, tasks.StatusAwaitingResult:
		default:
			log.Printf("scheduler: result for booking %s in state %s discarded", id, task.Status)
			return
		}

		final := tasks.StatusFailed
		severity := tasks.SeverityError
		if status == string(tasks.StatusCompleted) {
			final = tasks.StatusCompleted
			severity = tasks.SeveritySuccess
		}
		if message == "" {
			message = "booking " + string(final)
		}
		rollback := task.Clone()
		s.applyStatus(task, final, message, severity, s.clock.Now())
		if err := s.persist(ctx, task); err != nil {
			*task = rollback
			return
		}
		s.countTransition(final)
		s.mirrorUpdate(task)
	})
}

// Get returns a clone of one booking.
func (s *Scheduler) Get(id string) (tasks.Task, error) {
	var (
		out     tasks.Task
		execErr error
	)
	s.exec(func() {
		task, ok := s.tasks[id]
		if !ok {
			execErr = ErrTaskNotFound
			return
		}
		out = task.Clone()
	})
	return out, execErr
}

// List returns clones of all bookings, optionally filtered by status.
func (s *Scheduler) List(status tasks.Status) []tasks.Task {
	var out []tasks.Task
	s.exec(func() {
		for _, task := range s.tasks {
			if status != "" && task.Status != status {
				continue
			}
			out = append(out, task.Clone())
		}
	})
	return out
}

// Delete removes a booking from memory, durable storage and any future scan.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	var execErr error
	s.exec(func() {
		if _, ok := s.tasks[id]; !ok {
			execErr = ErrTaskNotFound
			return
		}
		if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.notePersistenceError(err)
			execErr = err
			return
		}
		delete(s.tasks, id)
		log.Printf("scheduler: booking %s deleted", id)
	})
	return execErr
}

// AppendLog attaches an external log entry to a booking's activity log.
func (s *Scheduler) AppendLog(ctx context.Context, id string, entry tasks.LogEntry) error {
	var execErr error
	s.exec(func() {
		task, ok := s.tasks[id]
		if !ok {
			execErr = ErrTaskNotFound
			return
		}
		if entry.At.IsZero() {
			entry.At = s.clock.Now()
		}
		if entry.Severity == "" {
			entry.Severity = tasks.SeverityInfo
		}
		task.Logs = append(task.Logs, entry)
		task.UpdatedAt = entry.At
		if err := s.store.AppendLog(ctx, id, entry); err != nil {
			task.Logs = task.Logs[:len(task.Logs)-1]
			s.notePersistenceError(err)
			execErr = err
		}
	})
	return execErr
}

// scan fires every booking whose trigger instant has been reached. Runs on
// the event loop only.
func (s *Scheduler) scan(ctx context.Context) {
	started := time.Now()
	now := s.clock.Now()
	for _, task := range s.tasks {
		if task.Status != tasks.StatusScheduled {
			continue
		}
		if task.TriggerAt.After(now) {
			continue
		}
		s.trigger(ctx, task, now)
	}
	if s.metrics != nil {
		s.metrics.ObserveScanDuration(time.Since(started))
	}
}

// trigger walks one booking through scheduled → triggering → awaiting_result.
// Each transition is persisted before the next step; a persist failure leaves
// the task where it was and the next scan retries.
func (s *Scheduler) trigger(ctx context.Context, task *tasks.Task, now time.Time) {
	rollback := task.Clone()
	s.applyStatus(task, tasks.StatusTriggering, "trigger time reached", tasks.SeverityInfo, now)
	if err := s.persist(ctx, task); err != nil {
		*task = rollback
		return
	}
	s.countTransition(tasks.StatusTriggering)
	s.mirrorUpdate(task)

	msg := protocol.Trigger{
		Type:          protocol.TypeTrigger,
		TaskID:        task.ID,
		TargetURL:     task.TargetURL,
		CredentialRef: task.CredentialRef,
		BookingDate:   task.BookingDate,
		Slots:         append([]tasks.SlotRequest(nil), task.Slots...),
	}
	if s.resolver != nil {
		cred, err := s.resolver.Resolve(task.CredentialRef)
		if err != nil {
			log.Printf("scheduler: credential resolution failed for booking %s: %v", task.ID, err)
			s.hub.Broadcast(protocol.TaskUpdate{
				Type:    protocol.TypeTaskUpdate,
				TaskID:  task.ID,
				Status:  task.Status,
				Message: "credential resolution failed; trigger sent with reference only",
			}, hub.RoleDashboard)
		} else {
			msg.Credentials = &protocol.Credentials{Email: cred.Email, Password: cred.Password}
		}
	}

	delivered := s.hub.Broadcast(msg, hub.RoleExecutor)

	// Zero recipients still advances the state: a late-connecting executor is
	// expected to fetch outstanding bookings itself.
	rollback = task.Clone()
	line := fmt.Sprintf("trigger sent to %d executor(s)", delivered)
	severity := tasks.SeverityInfo
	if delivered == 0 {
		line = "trigger sent, no executor connected yet"
		severity = tasks.SeverityWarning
	}
	s.applyStatus(task, tasks.StatusAwaitingResult, line, severity, s.clock.Now())
	if err := s.persist(ctx, task); err != nil {
		*task = rollback
		return
	}
	s.countTransition(tasks.StatusAwaitingResult)
	s.mirrorUpdate(task)
}

func (s *Scheduler) applyStatus(task *tasks.Task, status tasks.Status, message string, severity tasks.Severity, now time.Time) {
	task.Status = status
	task.Message = message
	task.UpdatedAt = now
	task.Logs = append(task.Logs, tasks.LogEntry{At: now, Message: message, Severity: severity})
}

func (s *Scheduler) persist(ctx context.Context, task *tasks.Task) error {
	if err := s.store.Put(ctx, task.Clone()); err != nil {
		s.notePersistenceError(err)
		return fmt.Errorf("persist booking %s: %w", task.ID, err)
	}
	return nil
}

func (s *Scheduler) notePersistenceError(err error) {
	log.Printf("scheduler: persistence error: %v", err)
	if s.metrics != nil {
		s.metrics.PersistenceErrors.Inc()
	}
}

func (s *Scheduler) mirrorUpdate(task *tasks.Task) {
	s.hub.Broadcast(protocol.TaskUpdate{
		Type:    protocol.TypeTaskUpdate,
		TaskID:  task.ID,
		Status:  task.Status,
		Message: task.Message,
	}, hub.RoleDashboard)
}

func (s *Scheduler) countTransition(status tasks.Status) {
	if s.metrics != nil {
		s.metrics.TaskTransitions.WithLabelValues(string(status)).Inc()
	}
}

// ParseTriggerInstant parses an RFC 3339 trigger instant. An instant without
// a zone offset is interpreted in loc.
func ParseTriggerInstant(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid trigger_at %q: expected RFC 3339", v)
}
