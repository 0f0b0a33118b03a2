package bus

import "time"

// Event kinds. Subscribers filter by prefix, so "message." receives every
// per-message event and "remote." every inbound event.
const (
	KindQueueEnqueued       = "queue.enqueued"
	KindQueueRecovered      = "queue.recovered"
	KindMessageSubmitted    = "message.submitted"
	KindMessageSynced       = "message.synced"
	KindMessageUpserted     = "message.upserted"
	KindRetryScheduled      = "message.retry_scheduled"
	KindSyncExhausted       = "message.sync_exhausted"
	KindReceiptApplied      = "message.receipt_applied"
	KindConnectivityChanged = "connectivity.changed"
	KindRemoteMessage       = "remote.message"
	KindRemoteReceipt       = "remote.receipt"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
