package console

import (
	"context"
	"sync"
	"time"
)

// DefaultReadDebounce batches visibility-driven read marks before they are
// reported to the server.
const DefaultReadDebounce = 500 * time.Millisecond

// ============================================================================
// ReadReceiptTracker
// ============================================================================

// ReadReceiptTracker derives read-state transitions from viewport visibility.
//
// When the operator's viewport reveals messages, the tracker escalates their
// local state immediately and reports them upstream in a debounced batch:
// once over HTTP (PATCH comments/read) and once on the push channel so the
// participants' clients update without a refetch. A message is reported at
// most once; the operator's own messages are never reported.
type ReadReceiptTracker struct {
	client   *Client
	store    *MessageStore
	push     *PushChannel
	notifier *Notifier

	debounce time.Duration

	mu       sync.Mutex
	pending  map[string]bool
	reported map[string]bool
	timer    *time.Timer
}

// TrackerOption configures a ReadReceiptTracker.
type TrackerOption func(*ReadReceiptTracker)

// WithReadDebounce overrides the batching delay. Zero flushes synchronously.
func WithReadDebounce(d time.Duration) TrackerOption {
	return func(t *ReadReceiptTracker) { t.debounce = d }
}

// NewReadReceiptTracker creates a tracker bound to one conversation store.
// push may be nil when the channel is not connected.
func NewReadReceiptTracker(client *Client, store *MessageStore, push *PushChannel, notifier *Notifier, opts ...TrackerOption) *ReadReceiptTracker {
	t := &ReadReceiptTracker{
		client:   client,
		store:    store,
		push:     push,
		notifier: notifier,
		debounce: DefaultReadDebounce,
		pending:  make(map[string]bool),
		reported: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MarkVisible records that the viewport revealed the given messages. Eligible
// ones are escalated locally at once and queued for the batched report.
func (t *ReadReceiptTracker) MarkVisible(ctx context.Context, messageIDs ...string) {
	operatorID := t.client.Operator().UserID

	var eligible []string
	for _, id := range messageIDs {
		m := t.store.Get(id)
		if m == nil || m.Provisional() {
			continue
		}
		if m.SenderID == operatorID {
			continue
		}
		if m.ReadByUser(operatorID) {
			continue
		}
		eligible = append(eligible, id)
	}
	if len(eligible) == 0 {
		return
	}

	for _, id := range eligible {
		t.store.ApplyDelta(Delta{Kind: DeltaReadAck, MessageID: id, UserID: operatorID})
	}

	t.mu.Lock()
	queued := false
	for _, id := range eligible {
		if t.reported[id] || t.pending[id] {
			continue
		}
		t.pending[id] = true
		queued = true
	}
	if !queued {
		t.mu.Unlock()
		return
	}
	if t.debounce <= 0 {
		t.mu.Unlock()
		t.Flush(ctx)
		return
	}
	if t.timer == nil {
		t.timer = time.AfterFunc(t.debounce, func() { t.Flush(context.Background()) })
	} else {
		t.timer.Reset(t.debounce)
	}
	t.mu.Unlock()
}

// Flush reports the pending batch now. A failed report re-queues the batch so
// the next visibility event retries it; local state is already escalated and
// is not rolled back.
func (t *ReadReceiptTracker) Flush(ctx context.Context) {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	batch := make([]string, 0, len(t.pending))
	for id := range t.pending {
		batch = append(batch, id)
	}
	t.pending = make(map[string]bool)
	t.mu.Unlock()

	if err := t.client.MarkCommentsRead(ctx, t.store.BookingID(), batch); err != nil {
		t.mu.Lock()
		for _, id := range batch {
			t.pending[id] = true
		}
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	for _, id := range batch {
		t.reported[id] = true
	}
	t.mu.Unlock()

	if t.push != nil {
		_ = t.push.EmitMessageRead(ctx, t.store.BookingID(), batch)
	}
}

// PendingCount reports queued-but-unreported reads, for tests and
// diagnostics.
func (t *ReadReceiptTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
