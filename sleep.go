package datp

import (
	"context"
	"fmt"
	"time"
)

// Sleep suspends the transaction until wakeTime: status moves to
// sleeping via a delta, and the wake columns (wake_time, wake_node_group,
// wake_step_id) are recorded so the wake sweep of the named node group
// can later hand stepID back to the execution engine.
//
// Short naps should instead be handled by an in-process timer on the
// node that owns the step; the sweep deliberately ignores wake times
// less than its buffer in the past.
func (r *TransactionRecord) Sleep(ctx context.Context, wakeTime time.Time, nodeGroup, stepID string) error {
	if nodeGroup == "" {
		return fmt.Errorf("datp: sleep requires a node group")
	}
	if err := r.ApplyDelta(ctx, "", Patch{fieldStatus: Set(StatusSleeping)}, false); err != nil {
		return err
	}
	if err := r.store.SetSleep(ctx, r.owner, r.txID, wakeTime, nodeGroup, stepID); err != nil {
		return fmt.Errorf("record sleep state: %w", err)
	}
	return nil
}
