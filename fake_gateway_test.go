package datp

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/tooltwist/datp-sub001/internal/storage"
)

// fakeGateway is an honest in-memory Gateway: conditional updates check
// their predicates the way the SQL would, so CAS races behave like the
// real store.
type fakeGateway struct {
	mu           sync.Mutex
	transactions map[string]*storage.TransactionRow // keyed by txID
	deltas       map[string][]*storage.DeltaRow
	webhooks     map[string]*storage.WebhookRow

	nodes map[string]time.Time

	resolveCalls   int
	getCalls       int
	failCoreUpdate bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		transactions: map[string]*storage.TransactionRow{},
		deltas:       map[string][]*storage.DeltaRow{},
		webhooks:     map[string]*storage.WebhookRow{},
		nodes:        map[string]time.Time{},
	}
}

func (f *fakeGateway) InsertTransaction(ctx context.Context, tx *storage.TransactionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *tx
	f.transactions[tx.TxID] = &cp
	return nil
}

func (f *fakeGateway) GetTransaction(ctx context.Context, owner, txID string) (*storage.TransactionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	row, ok := f.transactions[txID]
	if !ok || row.Owner != owner {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (f *fakeGateway) GetTransactionByID(ctx context.Context, txID string) (*storage.TransactionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.transactions[txID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (f *fakeGateway) ResolveExternalID(ctx context.Context, owner, externalID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	for _, row := range f.transactions {
		if row.Owner == owner && row.ExternalID.Valid && row.ExternalID.String == externalID {
			return row.TxID, nil
		}
	}
	return "", nil
}

func (f *fakeGateway) UpdateTransactionCore(ctx context.Context, owner, txID string, status string,
	progressReport, transactionOutput json.RawMessage, completionTime *time.Time, sequenceOfUpdate int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.transactions[txID]
	if !ok || row.Owner != owner || f.failCoreUpdate {
		return 0, nil
	}
	row.Status = status
	row.ProgressReport = progressReport
	row.TransactionOutput = transactionOutput
	row.CompletionTime = storage.TimeOrNull(completionTime)
	row.SequenceOfUpdate = sequenceOfUpdate
	return 1, nil
}

func (f *fakeGateway) InsertDelta(ctx context.Context, d *storage.DeltaRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.deltas[d.TxID] = append(f.deltas[d.TxID], &cp)
	return nil
}

func (f *fakeGateway) ListDeltas(ctx context.Context, owner, txID string) ([]*storage.DeltaRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]*storage.DeltaRow(nil), f.deltas[txID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (f *fakeGateway) GetSwitches(ctx context.Context, owner, txID string) (json.RawMessage, int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.transactions[txID]
	if !ok || row.Owner != owner {
		return nil, 0, false, nil
	}
	return row.Switches, row.SwitchSequence, true, nil
}

func (f *fakeGateway) UpdateSwitches(ctx context.Context, owner, txID string, data json.RawMessage, oldSequence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.transactions[txID]
	if !ok || row.Owner != owner || row.SwitchSequence != oldSequence {
		return 0, nil
	}
	row.Switches = data
	row.SwitchSequence++
	return 1, nil
}

func (f *fakeGateway) SetSleep(ctx context.Context, owner, txID string, wakeTime time.Time, nodeGroup, stepID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.transactions[txID]
	if !ok || row.Owner != owner {
		return nil
	}
	row.WakeTime = storage.TimeOrNull(&wakeTime)
	row.WakeNodeGroup = storage.TextOrNull(nodeGroup)
	row.WakeStepID = storage.TextOrNull(stepID)
	row.SleepCounter++
	return nil
}

func (f *fakeGateway) ClearSleep(ctx context.Context, owner, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.transactions[txID]
	if !ok || row.Owner != owner {
		return nil
	}
	row.WakeTime = storage.TimeOrNull(nil)
	row.WakeNodeGroup = storage.TextOrNull("")
	row.WakeStepID = storage.TextOrNull("")
	return nil
}

func (f *fakeGateway) ListWakeCandidates(ctx context.Context, nodeGroup string, before time.Time, limit int) ([]*storage.TransactionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.TransactionRow
	for _, row := range f.transactions {
		if row.WakeNodeGroup.String != nodeGroup || row.Status != string(StatusSleeping) {
			continue
		}
		if !row.WakeTime.Valid || !row.WakeTime.Time.Before(before) {
			continue
		}
		cp := *row
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeGateway) ClaimWake(ctx context.Context, owner, txID, status string, wakeTime time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.transactions[txID]
	if !ok || row.Owner != owner || row.Status != status {
		return 0, nil
	}
	if !row.WakeTime.Valid || !row.WakeTime.Time.Equal(wakeTime) {
		return 0, nil
	}
	row.WakeTime = storage.TimeOrNull(nil)
	return 1, nil
}

func (f *fakeGateway) UpsertNode(ctx context.Context, nodeGroup, nodeID string, lastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[nodeGroup+"/"+nodeID] = lastSeen
	return nil
}

func (f *fakeGateway) UpsertWebhook(ctx context.Context, wh *storage.WebhookRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *wh
	if prev, ok := f.webhooks[wh.TxID]; ok {
		cp.InitialAttempt = prev.InitialAttempt
	}
	f.webhooks[wh.TxID] = &cp
	return nil
}

func (f *fakeGateway) GetWebhook(ctx context.Context, owner, txID string) (*storage.WebhookRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wh, ok := f.webhooks[txID]
	if !ok {
		return nil, nil
	}
	cp := *wh
	return &cp, nil
}

func (f *fakeGateway) UpdateWebhookResult(ctx context.Context, owner, txID, status, message string, nextAttempt time.Time, retryCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wh, ok := f.webhooks[txID]
	if !ok {
		return nil
	}
	wh.Status = status
	wh.Message = message
	wh.NextAttempt = nextAttempt
	wh.RetryCount = retryCount
	return nil
}

func (f *fakeGateway) ListDueWebhooks(ctx context.Context, now time.Time, limit int) ([]*storage.WebhookRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.WebhookRow
	for _, wh := range f.webhooks {
		if wh.Status != webhookStatusPending || wh.NextAttempt.After(now) {
			continue
		}
		cp := *wh
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

var _ Gateway = (*fakeGateway)(nil)

// captureDispatcher records every dispatch for assertions.
type captureDispatcher struct {
	mu       sync.Mutex
	restarts []string
	events   []ChangeEvent
}

func (d *captureDispatcher) EnqueueStepRestart(ctx context.Context, nodeGroup, txID, stepID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restarts = append(d.restarts, nodeGroup+"/"+txID+"/"+stepID)
	return nil
}

func (d *captureDispatcher) EnqueueTransactionChangeEvent(ctx context.Context, queue string, ev ChangeEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

func (d *captureDispatcher) restartCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.restarts)
}
