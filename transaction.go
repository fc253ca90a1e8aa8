package datp

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/tooltwist/datp-sub001/internal/storage"
)

// Core fields recognized in a root-level delta. These are the subset of
// transaction state mirrored into the durable root row and protected by
// sequence_of_update.
const (
	fieldStatus            = "status"
	fieldProgressReport    = "progressReport"
	fieldTransactionOutput = "transactionOutput"
	fieldCompletionTime    = "completionTime"
)

// Delta is one journaled mutation applied to a transaction or one of its
// steps. StepID "" means the patch applies to the transaction root.
type Delta struct {
	Sequence int
	StepID   string
	Patch    Patch
	Time     time.Time
}

// TransactionRecord is the in-memory, event-sourced representation of one
// transaction. All fields are private; mutation happens only through
// ApplyDelta, and the full state can be reconstructed by replaying the
// persisted delta journal in sequence order.
//
// A record is never shared across processes. Cross-process consistency
// comes from the durable store's compare-and-swap semantics, not from
// this type.
type TransactionRecord struct {
	// applyMu serializes ApplyDelta. It is a try-lock: a second concurrent
	// caller gets ErrReentrantApply instead of blocking, because two
	// in-flight applications against one record is a contract violation
	// upstream, not a condition to wait out.
	applyMu sync.Mutex

	txID            string
	owner           string
	externalID      string
	transactionType string

	status            Status
	progressReport    map[string]any
	transactionOutput map[string]any
	completionTime    *time.Time

	// deltaCounter increments once per accepted delta and is never reused.
	// sequenceOfUpdate moves only when a core field actually changes value.
	deltaCounter     int
	sequenceOfUpdate int

	transactionData map[string]any
	steps           map[string]map[string]any

	// pending is the ordered journal of deltas applied since the last
	// Persist. Delta rows are written through as they are applied; this
	// list only tracks what Persist will drain.
	pending []*Delta

	notifyOnChange bool
	changeQueue    string

	store      Gateway
	dispatcher Dispatcher
	codec      Codec
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time
}

func newTransactionRecord(store Gateway, owner, txID, externalID, transactionType string) (*TransactionRecord, error) {
	if store == nil {
		return nil, fmt.Errorf("datp: store must not be nil")
	}
	if owner == "" {
		return nil, fmt.Errorf("datp: owner must not be empty")
	}
	if txID == "" {
		return nil, fmt.Errorf("datp: txID must not be empty")
	}
	return &TransactionRecord{
		txID:            txID,
		owner:           owner,
		externalID:      externalID,
		transactionType: transactionType,
		status:          StatusRunning,
		transactionData: map[string]any{},
		steps:           map[string]map[string]any{},
		store:           store,
		codec:           JSONCodec{},
		logger:          slog.Default(),
		now:             time.Now,
	}, nil
}

func (r *TransactionRecord) TxID() string            { return r.txID }
func (r *TransactionRecord) Owner() string           { return r.owner }
func (r *TransactionRecord) ExternalID() string      { return r.externalID }
func (r *TransactionRecord) TransactionType() string { return r.transactionType }
func (r *TransactionRecord) Status() Status          { return r.status }
func (r *TransactionRecord) DeltaCounter() int       { return r.deltaCounter }
func (r *TransactionRecord) SequenceOfUpdate() int   { return r.sequenceOfUpdate }

// CompletionTime returns when the transaction reached a terminal status,
// or nil while it has not.
func (r *TransactionRecord) CompletionTime() *time.Time {
	if r.completionTime == nil {
		return nil
	}
	t := *r.completionTime
	return &t
}

// ProgressReport returns a copy of the current progress report.
func (r *TransactionRecord) ProgressReport() map[string]any {
	if r.progressReport == nil {
		return nil
	}
	return deepCopyMap(r.progressReport)
}

// TransactionOutput returns a copy of the current output.
func (r *TransactionRecord) TransactionOutput() map[string]any {
	if r.transactionOutput == nil {
		return nil
	}
	return deepCopyMap(r.transactionOutput)
}

// TransactionData returns a copy of the merged view of all root-level deltas.
func (r *TransactionRecord) TransactionData() map[string]any {
	return deepCopyMap(r.transactionData)
}

// StepData returns a copy of a step's private data, or nil if the step
// has never received a delta.
func (r *TransactionRecord) StepData(stepID string) map[string]any {
	step, ok := r.steps[stepID]
	if !ok {
		return nil
	}
	return deepCopyMap(step)
}

// StepIDs lists the steps that have received deltas.
func (r *TransactionRecord) StepIDs() []string {
	ids := make([]string, 0, len(r.steps))
	for id := range r.steps {
		ids = append(ids, id)
	}
	return ids
}

// PendingDeltaCount reports how many deltas Persist would drain.
func (r *TransactionRecord) PendingDeltaCount() int { return len(r.pending) }

// NotifyOnChange arranges for a transaction-change event to be published
// on queue whenever a delta changes a core field.
func (r *TransactionRecord) NotifyOnChange(queue string) {
	r.notifyOnChange = true
	r.changeQueue = queue
}

// coreUpdate holds the validated new values of the core fields named in
// a root-level patch.
type coreUpdate struct {
	status         *Status
	progressReport *map[string]any
	output         *map[string]any
	completionTime **time.Time
}

func (u *coreUpdate) empty() bool {
	return u.status == nil && u.progressReport == nil && u.output == nil && u.completionTime == nil
}

// validateCoreFields checks the recognized core fields of a root-level
// patch and returns their materialized new values. It must not mutate
// the record: a validation failure leaves the transaction unchanged.
func (r *TransactionRecord) validateCoreFields(patch Patch) (*coreUpdate, error) {
	update := &coreUpdate{}

	if op, ok := patch[fieldStatus]; ok {
		if op.IsDelete() {
			return nil, invalidStatus(fieldStatus, "status cannot be deleted")
		}
		var status Status
		switch v := op.Value().(type) {
		case Status:
			status = v
		case string:
			status = Status(v)
		default:
			return nil, invalidStatus(fieldStatus, fmt.Sprintf("unexpected type %T", op.Value()))
		}
		if !status.IsValid() {
			return nil, invalidStatus(fieldStatus, fmt.Sprintf("unrecognized status %q", status))
		}
		update.status = &status
	}

	for _, field := range []string{fieldProgressReport, fieldTransactionOutput} {
		op, ok := patch[field]
		if !ok {
			continue
		}
		current := r.progressReport
		if field == fieldTransactionOutput {
			current = r.transactionOutput
		}
		value := op.materialize(current)
		var newMap map[string]any
		if value != nil {
			m, ok := value.(map[string]any)
			if !ok {
				return nil, invalidShape(field, fmt.Sprintf("must be an object, got %T", op.Value()))
			}
			newMap = m
		}
		if field == fieldProgressReport {
			update.progressReport = &newMap
		} else {
			update.output = &newMap
		}
	}

	if op, ok := patch[fieldCompletionTime]; ok {
		var newTime *time.Time
		switch v := op.Value().(type) {
		case nil:
			// Delete and explicit nil both clear the completion time.
		case time.Time:
			newTime = &v
		case *time.Time:
			newTime = v
		default:
			return nil, invalidShape(fieldCompletionTime, fmt.Sprintf("must be a timestamp or null, got %T", op.Value()))
		}
		if op.IsDelete() {
			newTime = nil
		}
		update.completionTime = &newTime
	}

	return update, nil
}

// applyCoreUpdate moves the validated values into the record and reports
// whether any core field actually changed.
func (r *TransactionRecord) applyCoreUpdate(update *coreUpdate) bool {
	changed := false

	if update.status != nil && *update.status != r.status {
		r.status = *update.status
		changed = true
	}
	if update.progressReport != nil && !reflect.DeepEqual(*update.progressReport, r.progressReport) {
		r.progressReport = *update.progressReport
		changed = true
	}
	if update.output != nil && !reflect.DeepEqual(*update.output, r.transactionOutput) {
		r.transactionOutput = *update.output
		changed = true
	}
	if update.completionTime != nil && !timesEqual(*update.completionTime, r.completionTime) {
		r.completionTime = *update.completionTime
		changed = true
	}

	return changed
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// ApplyDelta records one mutation against the transaction.
//
// stepID "" applies the patch to the transaction root, where the core
// fields (status, progressReport, transactionOutput, completionTime) are
// recognized, validated and, when changed, written through to the durable
// row with a fresh sequence_of_update. A non-empty stepID patches the
// named step's private data.
//
// With replay true the delta comes from the persisted journal: no rows
// are written, only in-memory state is rebuilt.
func (r *TransactionRecord) ApplyDelta(ctx context.Context, stepID string, patch Patch, replay bool) error {
	if !r.applyMu.TryLock() {
		return ErrReentrantApply
	}
	defer r.applyMu.Unlock()

	if patch == nil {
		return invalidShape("patch", "patch must not be nil")
	}

	var update *coreUpdate
	if stepID == "" {
		var err error
		update, err = r.validateCoreFields(patch)
		if err != nil {
			return err
		}
	}

	r.deltaCounter++

	coreChanged := false
	if update != nil && !update.empty() {
		if coreChanged = r.applyCoreUpdate(update); coreChanged {
			r.sequenceOfUpdate = r.deltaCounter
		}
	}

	if coreChanged && !replay {
		if err := r.persistCoreFields(ctx); err != nil {
			return err
		}
		if r.notifyOnChange && r.dispatcher != nil {
			ev := ChangeEvent{Owner: r.owner, TxID: r.txID}
			if err := r.dispatcher.EnqueueTransactionChangeEvent(ctx, r.changeQueue, ev); err != nil {
				r.logger.Error("enqueue transaction change event", "txId", r.txID, "error", err)
			}
		}
	}

	delta := &Delta{
		Sequence: r.deltaCounter,
		StepID:   stepID,
		Patch:    patch,
		Time:     r.now(),
	}
	r.pending = append(r.pending, delta)

	if !replay {
		if err := r.persistDelta(ctx, delta); err != nil {
			return err
		}
	}

	if stepID == "" {
		patch.apply(r.transactionData)
	} else {
		step, ok := r.steps[stepID]
		if !ok {
			step = map[string]any{}
			r.steps[stepID] = step
		}
		patch.apply(step)
	}

	if r.metrics != nil {
		r.metrics.DeltasApplied.Inc()
	}
	return nil
}

func (r *TransactionRecord) persistCoreFields(ctx context.Context) error {
	progressJSON, err := r.codec.Marshal(r.progressReport)
	if err != nil {
		return fmt.Errorf("marshal progress report: %w", err)
	}
	outputJSON, err := r.codec.Marshal(r.transactionOutput)
	if err != nil {
		return fmt.Errorf("marshal transaction output: %w", err)
	}

	rows, err := r.store.UpdateTransactionCore(ctx, r.owner, r.txID,
		string(r.status), progressJSON, outputJSON, r.completionTime, r.sequenceOfUpdate)
	if err != nil {
		return fmt.Errorf("persist core fields: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: transaction %s", ErrLostUpdate, r.txID)
	}
	return nil
}

func (r *TransactionRecord) persistDelta(ctx context.Context, delta *Delta) error {
	dataJSON, err := r.codec.Marshal(delta.Patch.Wire())
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}

	row := &storage.DeltaRow{
		Owner:     r.owner,
		TxID:      r.txID,
		Sequence:  delta.Sequence,
		StepID:    storage.TextOrNull(delta.StepID),
		Data:      dataJSON,
		EventTime: delta.Time,
	}
	if err := r.store.InsertDelta(ctx, row); err != nil {
		return fmt.Errorf("persist delta %d: %w", delta.Sequence, err)
	}
	return nil
}

// drainPending clears the pending journal and returns its length. The
// delta rows were written through at apply time; nothing else to flush.
func (r *TransactionRecord) drainPending() int {
	n := len(r.pending)
	r.pending = nil
	return n
}
