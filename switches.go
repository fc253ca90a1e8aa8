package datp

import (
	"context"
	"fmt"
)

// Switches are a small named-value store per transaction, used to signal
// a waiting step without changing transaction status. They are persisted
// as a single document with their own sequence number, independent of
// the transaction's core sequence_of_update.

// GetSwitches returns the switch values and the switch sequence number.
func (c *TransactionCache) GetSwitches(ctx context.Context, owner, txID string) (map[string]any, int, error) {
	data, seq, found, err := c.store.GetSwitches(ctx, owner, txID)
	if err != nil {
		return nil, 0, fmt.Errorf("get switches: %w", err)
	}
	if !found {
		return nil, 0, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}

	switches := map[string]any{}
	if len(data) > 0 {
		if err := c.codec.Unmarshal(data, &switches); err != nil {
			return nil, 0, fmt.Errorf("decode switches: %w", err)
		}
	}
	return switches, seq, nil
}

// SetSwitch sets, replaces or (with a nil value) deletes one switch.
//
// The write carries a compare-and-swap on the switch sequence read just
// before; a concurrent writer causes ErrConcurrentSwitchUpdate and the
// caller must re-read and retry if desired.
//
// With notify set, a step currently suspended waiting on this
// transaction is nudged to retry immediately. The nudge is dispatched
// fire-and-forget and is not required to be synchronous.
func (c *TransactionCache) SetSwitch(ctx context.Context, owner, txID, name string, value any, notify bool) error {
	if err := validateSwitchValue(value); err != nil {
		return err
	}

	switches, seq, err := c.GetSwitches(ctx, owner, txID)
	if err != nil {
		return err
	}

	if value == nil {
		delete(switches, name)
	} else {
		switches[name] = value
	}

	data, err := c.codec.Marshal(switches)
	if err != nil {
		return fmt.Errorf("encode switches: %w", err)
	}

	rows, err := c.store.UpdateSwitches(ctx, owner, txID, data, seq)
	if err != nil {
		return fmt.Errorf("update switches: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: switch %q on %s", ErrConcurrentSwitchUpdate, name, txID)
	}

	if notify {
		c.nudgeWaitingStep(ctx, owner, txID)
	}
	return nil
}

func validateSwitchValue(value any) error {
	switch v := value.(type) {
	case nil, bool,
		int, int32, int64, float32, float64:
		return nil
	case string:
		if len(v) > maxSwitchValueLength {
			return fmt.Errorf("%w: %d characters, maximum is %d", ErrSwitchTooLong, len(v), maxSwitchValueLength)
		}
		return nil
	default:
		return fmt.Errorf("%w: got %T", ErrInvalidSwitchValue, value)
	}
}

// nudgeWaitingStep asks the execution engine to restart the step the
// transaction is sleeping on, if any. Failures are logged, never
// surfaced: the switch write already succeeded.
func (c *TransactionCache) nudgeWaitingStep(ctx context.Context, owner, txID string) {
	row, err := c.store.GetTransaction(ctx, owner, txID)
	if err != nil || row == nil {
		c.logger.Error("switch notify: read transaction", "txId", txID, "error", err)
		return
	}
	if !row.WakeStepID.Valid {
		return
	}
	err = c.dispatcher.EnqueueStepRestart(ctx, row.WakeNodeGroup.String, txID, row.WakeStepID.String)
	if err != nil {
		c.logger.Error("switch notify: enqueue step restart", "txId", txID, "error", err)
		return
	}
	// The step is being restarted now; cancel its scheduled wake so the
	// sweep does not restart it a second time.
	if err := c.store.ClearSleep(ctx, owner, txID); err != nil {
		c.logger.Error("switch notify: clear sleep", "txId", txID, "error", err)
	}
}
