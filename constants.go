package datp

import "time"

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusRunning       Status = "running"
	StatusSuccess       Status = "success"
	StatusFailed        Status = "failed"
	StatusAborted       Status = "aborted"
	StatusSleeping      Status = "sleeping"
	StatusTimeout       Status = "timeout"
	StatusInternalError Status = "internal_error"
)

// validStatuses gates the status values a delta may set.
var validStatuses = map[Status]bool{
	StatusQueued:        true,
	StatusRunning:       true,
	StatusSuccess:       true,
	StatusFailed:        true,
	StatusAborted:       true,
	StatusSleeping:      true,
	StatusTimeout:       true,
	StatusInternalError: true,
}

// IsValid reports whether s is a recognized status.
func (s Status) IsValid() bool { return validStatuses[s] }

// IsTerminal reports whether s is a final state. Terminal transactions
// never change again; their output may be exposed to callers.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSleeping:
		return false
	}
	return validStatuses[s]
}

// Webhook event types.
const (
	EventTransactionComplete = "transaction.complete"
	EventTransactionProgress = "transaction.progress"
)

// Webhook delivery states.
const (
	webhookStatusPending   = "pending"
	webhookStatusComplete  = "complete"
	webhookStatusCancelled = "cancelled"
)

// Webhook retry schedule: min(maxWebhookRetry, minWebhookRetry * webhookRetryExponent^n),
// rounded to the nearest second. Retries continue until success or cancellation.
const (
	minWebhookRetry      = 10 * time.Second
	maxWebhookRetry      = 600 * time.Second
	webhookRetryExponent = 1.4
)

const (
	// defaultLongPollTimeout bounds how long a reply is held open.
	defaultLongPollTimeout = 15 * time.Second

	// defaultWakeInterval is how often the maintenance loop runs.
	defaultWakeInterval = 5 * time.Second

	// defaultWakeBuffer keeps the sweep away from wakes that an in-process
	// timer already covers. Short sleeps never reach the sweep.
	defaultWakeBuffer = 10 * time.Second

	// maxSwitchValueLength caps string switch values.
	maxSwitchValueLength = 32
)
