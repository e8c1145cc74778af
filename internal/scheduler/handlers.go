package scheduler

import (
	"context"
	"log"

	"github.com/slotwatch/bookerd/internal/hub"
	"github.com/slotwatch/bookerd/internal/protocol"
)

// Register wires the scheduler's command handlers into the hub's dispatch
// table. Dashboards schedule and cancel; executors report progress and
// results.
func (s *Scheduler) Register(ctx context.Context, h *hub.Hub) {
	h.Handle(hub.RoleDashboard, protocol.TypeScheduleTask, func(c *hub.Conn, msg any) {
		req := msg.(protocol.ScheduleTask)
		if _, err := s.Schedule(ctx, req); err != nil {
			log.Printf("scheduler: schedule rejected: %v", err)
			h.SendTo(c, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "schedule_failed",
				Detail: err.Error(),
			})
		}
	})

	h.Handle(hub.RoleDashboard, protocol.TypeCancelTask, func(c *hub.Conn, msg any) {
		req := msg.(protocol.CancelTask)
		if _, err := s.Cancel(ctx, req.TaskID); err != nil {
			log.Printf("scheduler: cancel rejected for %s: %v", req.TaskID, err)
			h.SendTo(c, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "cancel_failed",
				Detail: err.Error(),
			})
		}
	})

	h.Handle(hub.RoleExecutor, protocol.TypeTaskProgress, func(_ *hub.Conn, msg any) {
		req := msg.(protocol.TaskProgress)
		s.Progress(ctx, req.TaskID, req.Status, req.Message)
	})

	h.Handle(hub.RoleExecutor, protocol.TypeTaskResult, func(_ *hub.Conn, msg any) {
		req := msg.(protocol.TaskResult)
		s.Result(ctx, req.TaskID, req.Status, req.Message)
	})
}
