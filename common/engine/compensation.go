package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/common/engine/executor"
)

// runCompensations sweeps the registered compensation handlers in reverse
// registration order: the last completed activity is undone first. The
// registry is cleared as part of the sweep.
func (e *Engine) runCompensations(ctx context.Context, inst *Instance, scope *executor.Scope) error {
	entries := inst.takeCompensations()
	if len(entries) == 0 {
		e.log.Info("compensation throw with nothing to compensate", "instance_id", inst.ID)
		return nil
	}

	for _, entry := range entries {
		b := entry.boundary
		e.log.Info("compensating activity",
			"activity_id", entry.activity.ID, "boundary_id", b.ID)
		e.broker.ElementActivated(b.ID, b.Type, b.Name)

		if err := e.followFlows(ctx, inst, entry.graph, entry.graph.Outgoing(b.ID), scope, uuid.NewString(), false); err != nil {
			return err
		}
		e.broker.ElementCompleted(b.ID, 0)
	}
	return nil
}
