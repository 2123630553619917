package bus

// Request lifecycle topics.
const (
	TopicRequestCreated   = "request.created"
	TopicRequestState     = "request.state_changed"
	TopicRequestCancelled = "request.cancelled"
)

// Sync topics.
const (
	TopicSyncCycle        = "sync.cycle"
	TopicSyncLostMutation = "sync.lost_mutation"
	TopicRemoteChanged    = "sync.remote_changed"
)

// RequestStateEvent is published whenever a request's durable status changes.
type RequestStateEvent struct {
	RequestID string
	EntryID   string
	OldStatus string
	NewStatus string
	Reason    string
}

// SyncCycleEvent summarises one upload+download pass.
type SyncCycleEvent struct {
	CycleID    string
	Uploaded   int
	Retried    int
	Dropped    int
	Downloaded int
	Discarded  int
	QueueDepth int
	Err        string
}

// LostMutationEvent is published when a queued mutation is dropped without
// reaching the remote store.
type LostMutationEvent struct {
	EntryID string
	Attempt int
	Reason  string
}

// RemoteChangedEvent carries a change notification from the remote feed.
type RemoteChangedEvent struct {
	Scope  string
	Cursor int64
}
