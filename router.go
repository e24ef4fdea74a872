package console

import (
	"context"
	"sync"
	"time"
)

// DefaultReceiptTTL bounds how long a receipt for an unknown message id is
// buffered before it is dropped.
const DefaultReceiptTTL = 30 * time.Second

// ============================================================================
// Router
// ============================================================================

// Router subscribes to the push channel and forwards normalized deltas to the
// MessageStore.
//
// Delivery on the channel is at-least-once and unordered across event kinds.
// The router therefore tolerates receipts that arrive before the message they
// acknowledge: they are buffered per message id and replayed exactly once when
// the message materializes, or dropped after a bounded timeout.
//
// Events describing an action the operator just performed are suppressed;
// the operator's own optimistic path already applied the change.
type Router struct {
	store      *MessageStore
	notifier   *Notifier
	operatorID string
	receiptTTL time.Duration

	mu      sync.Mutex
	orphans map[string][]orphanReceipt

	onCallEnded func(callID string)
	onResync    func(bookingID string)
}

type orphanReceipt struct {
	delta   Delta
	expires time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithReceiptTTL overrides the orphan receipt timeout.
func WithReceiptTTL(ttl time.Duration) RouterOption {
	return func(r *Router) { r.receiptTTL = ttl }
}

// NewRouter creates a router feeding one conversation store.
func NewRouter(store *MessageStore, notifier *Notifier, operator Identity, opts ...RouterOption) *Router {
	r := &Router{
		store:      store,
		notifier:   notifier,
		operatorID: operator.UserID,
		receiptTTL: DefaultReceiptTTL,
		orphans:    make(map[string][]orphanReceipt),
	}
	for _, opt := range opts {
		opt(r)
	}
	// A confirmed send materializes a server id that buffered receipts may
	// already reference.
	store.Subscribe(func(c Change) {
		if c.Kind == ChangeConfirm && c.MessageID != "" {
			r.replayOrphans(c.MessageID)
		}
	})
	return r
}

// OnCallEnded registers the dependent refetch of call records triggered by a
// call-ended event.
func (r *Router) OnCallEnded(h func(callID string)) {
	r.mu.Lock()
	r.onCallEnded = h
	r.mu.Unlock()
}

// OnResync registers the snapshot refetch triggered by booking-level events.
func (r *Router) OnResync(h func(bookingID string)) {
	r.mu.Lock()
	r.onResync = h
	r.mu.Unlock()
}

// Bind subscribes the router to a push channel.
func (r *Router) Bind(pc *PushChannel) {
	pc.OnCommentUpdate(r.HandleCommentUpdate)
	pc.OnCommentDelivered(func(p ReceiptPayload) { r.HandleReceipt(DeltaDeliveryAck, p) })
	pc.OnCommentRead(func(p ReceiptPayload) { r.HandleReceipt(DeltaReadAck, p) })
	pc.OnCallEnded(r.HandleCallEnded)
	pc.OnBookingEvent(r.HandleBookingEvent)
}

// Run sweeps expired orphan receipts until ctx is done.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.receiptTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// ============================================================================
// Handlers
// ============================================================================

// HandleCommentUpdate applies a message create/edit/delete event.
func (r *Router) HandleCommentUpdate(p CommentUpdatePayload) {
	if p.BookingID != "" && p.BookingID != r.store.BookingID() {
		return
	}
	d, err := normalizeCommentUpdate(&p)
	if err != nil {
		return
	}

	// Self-echo suppression: the optimistic send/edit path already applied
	// the operator's own action. Deletions have no optimistic path and are
	// applied regardless of author.
	suppressed := d.Kind != DeltaDeleteMessage && d.Message.SenderID == r.operatorID
	if !suppressed {
		r.store.ApplyDelta(d)
	}

	// Buffered receipts replay even for a suppressed echo: the message may
	// have materialized through the confirmation path instead. The store
	// check keeps the buffer intact when the echo beat the confirmation.
	if d.Kind == DeltaNewMessage && r.store.Has(d.Message.ID) {
		r.replayOrphans(d.Message.ID)
	}
}

// HandleReceipt applies a delivery or read receipt, buffering it when the
// message is not known yet.
func (r *Router) HandleReceipt(kind DeltaKind, p ReceiptPayload) {
	if p.BookingID != "" && p.BookingID != r.store.BookingID() {
		return
	}
	if p.UserID == r.operatorID && kind == DeltaReadAck {
		// The read tracker already escalated the operator's own reads.
		return
	}
	deltas, err := normalizeReceipt(kind, &p)
	if err != nil {
		return
	}
	for _, d := range deltas {
		if r.store.Has(d.MessageID) {
			r.store.ApplyDelta(d)
			continue
		}
		r.buffer(d)
	}
}

// HandleCallEnded triggers the dependent call-record refetch.
func (r *Router) HandleCallEnded(p CallEndedPayload) {
	if p.BookingID != "" && p.BookingID != r.store.BookingID() {
		return
	}
	r.mu.Lock()
	h := r.onCallEnded
	r.mu.Unlock()
	if h != nil {
		h(p.CallID)
	}
}

// HandleBookingEvent reacts to booking-level events. chatCleared empties the
// confirmed portion of the store before the resync; the other kinds only
// schedule a resync.
func (r *Router) HandleBookingEvent(eventType string, p BookingEventPayload) {
	if p.BookingID != "" && p.BookingID != r.store.BookingID() {
		return
	}
	if eventType == EventChatCleared {
		r.store.ApplyDelta(Delta{Kind: DeltaClear})
	}
	r.mu.Lock()
	h := r.onResync
	r.mu.Unlock()
	if h != nil {
		h(r.store.BookingID())
	}
}

// ============================================================================
// Orphan receipts
// ============================================================================

func (r *Router) buffer(d Delta) {
	r.mu.Lock()
	r.orphans[d.MessageID] = append(r.orphans[d.MessageID], orphanReceipt{
		delta:   d,
		expires: time.Now().Add(r.receiptTTL),
	})
	r.mu.Unlock()
}

// replayOrphans applies buffered receipts for a message that just
// materialized. Each buffered receipt is applied at most once.
func (r *Router) replayOrphans(messageID string) {
	r.mu.Lock()
	buffered := r.orphans[messageID]
	delete(r.orphans, messageID)
	r.mu.Unlock()

	now := time.Now()
	for _, o := range buffered {
		if now.After(o.expires) {
			continue
		}
		r.store.ApplyDelta(o.delta)
	}
}

func (r *Router) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, buffered := range r.orphans {
		kept := buffered[:0]
		for _, o := range buffered {
			if now.After(o.expires) {
				continue
			}
			kept = append(kept, o)
		}
		if len(kept) == 0 {
			delete(r.orphans, id)
		} else {
			r.orphans[id] = kept
		}
	}
}

// orphanCount reports buffered receipts, for tests and diagnostics.
func (r *Router) orphanCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, buffered := range r.orphans {
		n += len(buffered)
	}
	return n
}
