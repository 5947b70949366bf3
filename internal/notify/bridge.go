package notify

import (
	"context"
	"fmt"

	"cronflow/internal/core"
	"cronflow/internal/eventbus"
	logx "cronflow/pkg/logx"
)

// Bridge turns domain events into owner notifications. It is the only
// coupling between the engine and the delivery pipeline; the engine just
// publishes events.
type Bridge struct {
	bus eventbus.Bus
	svc *Service
	log logx.Logger
}

func NewBridge(bus eventbus.Bus, svc *Service, log logx.Logger) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{bus: bus, svc: svc, log: log.With(logx.String("svc", "notify-bridge"))}
}

// Run consumes bus events until ctx is done. Intended to be run under the
// supervisor.
func (b *Bridge) Run(ctx context.Context) error {
	ch, unsub := b.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if n, ok := translate(e); ok {
				// Fire and forget: a full queue is the pipeline's problem.
				if err := b.svc.Notify(ctx, n); err != nil {
					b.log.Debug("enqueue failed", logx.String("type", string(e.Type)), logx.Err(err))
				}
			}
		}
	}
}

func translate(e eventbus.Event) (Notification, bool) {
	switch e.Type {
	case eventbus.WorkflowCreated, eventbus.WorkflowUpdated,
		eventbus.WorkflowActivated, eventbus.WorkflowDeactivated,
		eventbus.WorkflowDeleted:
		w, _ := e.Data.(*core.Workflow)
		if w == nil {
			return Notification{}, false
		}
		return Notification{
			Owner: w.Owner,
			Event: string(e.Type),
			Title: fmt.Sprintf("Workflow %q %s", w.Name, pastTense(e.Type)),
			Payload: map[string]string{
				"workflow_id": w.ID,
			},
		}, true

	case eventbus.ExecutionFinished:
		x, _ := e.Data.(*core.Execution)
		if x == nil {
			return Notification{}, false
		}
		n := Notification{
			Owner: x.Owner,
			Event: string(e.Type),
			Title: fmt.Sprintf("Run %s: %s", x.ID, x.Status),
			Body:  x.Output,
			Payload: map[string]string{
				"task_id":   x.TaskID,
				"exec_id":   x.ID,
				"status":    string(x.Status),
				"trigger":   x.Context["trigger"],
				"test":      x.Context["test"],
				"error":     x.Error,
				"failed_at": x.Context["failed_step_id"],
			},
		}
		return n, true
	}
	return Notification{}, false
}

func pastTense(t eventbus.Type) string {
	switch t {
	case eventbus.WorkflowCreated:
		return "created"
	case eventbus.WorkflowUpdated:
		return "updated"
	case eventbus.WorkflowActivated:
		return "activated"
	case eventbus.WorkflowDeactivated:
		return "deactivated"
	case eventbus.WorkflowDeleted:
		return "deleted"
	}
	return string(t)
}
