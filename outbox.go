package console

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// timeNow is swapped out in tests that need deterministic timestamps.
var timeNow = time.Now

// ============================================================================
// SendQueue
// ============================================================================

// DraftRestoreHandler receives the draft of a failed send so the UI can put
// it back into the input buffer.
type DraftRestoreHandler func(Draft)

// SendQueue creates provisional message entries for operator-initiated sends
// and edits ahead of server confirmation, then reconciles them with the
// server truth.
//
// Each operation gets an independent temp id; concurrent sends are allowed.
// A failed operation is rolled back and surfaced once; the queue never
// retries on its own.
type SendQueue struct {
	client   *Client
	store    *MessageStore
	notifier *Notifier

	mu        sync.Mutex
	onRestore DraftRestoreHandler
	inFlight  map[string]context.CancelFunc // temp id -> abort
}

// NewSendQueue creates a send queue bound to one conversation store.
func NewSendQueue(client *Client, store *MessageStore, notifier *Notifier) *SendQueue {
	return &SendQueue{
		client:   client,
		store:    store,
		notifier: notifier,
		inFlight: make(map[string]context.CancelFunc),
	}
}

// OnDraftRestore registers the handler invoked with the original draft when a
// send fails.
func (q *SendQueue) OnDraftRestore(h DraftRestoreHandler) {
	q.mu.Lock()
	q.onRestore = h
	q.mu.Unlock()
}

// InFlight returns the number of sends awaiting confirmation.
func (q *SendQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Send inserts a provisional entry for draft and issues the create request in
// the background. It returns the temp id immediately so the UI reflects the
// send with zero latency, plus a channel that resolves with the outcome.
func (q *SendQueue) Send(ctx context.Context, draft Draft) (string, <-chan error) {
	tempID := "local-" + uuid.NewString()

	operator := q.client.Operator()
	q.store.InsertProvisional(&Message{
		TempID:         tempID,
		ConversationID: q.store.BookingID(),
		SenderID:       operator.UserID,
		Sender:         operator,
		Body:           draft.Body,
		Attachment:     draft.Attachment,
		CreatedAt:      timeNow(),
		Status:         StatusSending,
		ReplyToID:      draft.ReplyToID,
	})

	sendCtx, cancel := context.WithCancel(ctx)
	q.track(tempID, cancel)

	done := make(chan error, 1)
	go func() {
		defer q.untrack(tempID)
		done <- q.deliver(sendCtx, tempID, draft)
	}()
	return tempID, done
}

// Abort cancels an in-flight send or upload. The rollback path then removes
// the provisional entry and restores the draft.
func (q *SendQueue) Abort(tempID string) {
	q.mu.Lock()
	cancel := q.inFlight[tempID]
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (q *SendQueue) deliver(ctx context.Context, tempID string, draft Draft) error {
	payload := &CommentPayload{Body: draft.Body, Attachment: draft.Attachment}
	if draft.ReplyToID != "" && !isCallReply(draft.ReplyToID) {
		payload.ReplyToID = draft.ReplyToID
	}

	list, err := q.client.CreateComment(ctx, q.store.BookingID(), payload)
	if err != nil {
		q.rollback(tempID, draft, err)
		return err
	}

	confirmed := q.pickConfirmed(list, draft)
	if confirmed == nil {
		err := fmt.Errorf("send confirmation missing from server response")
		q.rollback(tempID, draft, err)
		return err
	}

	q.store.Confirm(tempID, confirmed)
	// The create response carries the whole authoritative list; fold in
	// whatever else changed while the send was in flight.
	q.store.Apply(list, true)
	return nil
}

// pickConfirmed finds the entry of the returned comment list that confirms
// this send: an operator-authored message matching the draft that the store
// does not know yet. Draft content is matched before recency so concurrent
// sends with different bodies cannot cross-associate temp ids; for identical
// in-flight drafts the association is arbitrary and converges on the next
// snapshot. A concurrent send's full-list merge may have absorbed this
// send's server copy already, so the last pass matches the draft among
// known entries; Confirm collapses the duplicate either way.
func (q *SendQueue) pickConfirmed(list []*Message, draft Draft) *Message {
	operator := q.client.Operator()
	newest := func(wantUnknown, wantDraft bool) *Message {
		var best *Message
		for _, m := range list {
			if m == nil || m.ID == "" || m.SenderID != operator.UserID {
				continue
			}
			if wantUnknown && q.store.Has(m.ID) {
				continue
			}
			if !wantUnknown && !q.store.Has(m.ID) {
				continue
			}
			if wantDraft && (m.Body != draft.Body || m.Attachment.URL != draft.Attachment.URL) {
				continue
			}
			if best == nil || m.CreatedAt.After(best.CreatedAt) {
				best = m
			}
		}
		return best
	}
	if m := newest(true, true); m != nil {
		return m
	}
	if m := newest(true, false); m != nil {
		return m
	}
	return newest(false, true)
}

func (q *SendQueue) rollback(tempID string, draft Draft, err error) {
	q.store.RemoveProvisional(tempID)

	q.mu.Lock()
	restore := q.onRestore
	q.mu.Unlock()
	if restore != nil {
		restore(draft)
	}
	if q.notifier != nil {
		q.notifier.Errorf("message could not be sent", err)
	}
}

// ============================================================================
// Edits
// ============================================================================

// Edit rewrites a message body optimistically and issues the edit request in
// the background. On failure the prior state is restored and the new body is
// handed back as a draft.
func (q *SendQueue) Edit(ctx context.Context, messageID, body string) <-chan error {
	done := make(chan error, 1)

	prev := q.store.OptimisticEdit(messageID, body)
	if prev == nil {
		done <- fmt.Errorf("edit: unknown message %s", messageID)
		return done
	}

	go func() {
		list, err := q.client.EditComment(ctx, q.store.BookingID(), messageID, &CommentPayload{Body: body})
		if err != nil {
			q.store.Restore(prev)
			q.mu.Lock()
			restore := q.onRestore
			q.mu.Unlock()
			if restore != nil {
				restore(Draft{Body: body})
			}
			if q.notifier != nil {
				q.notifier.Errorf("edit could not be saved", err)
			}
			done <- err
			return
		}
		q.store.Apply(list, true)
		done <- nil
	}()
	return done
}

// ============================================================================
// Annotations
// ============================================================================

// React toggles the operator's emoji reaction optimistically, then confirms
// it with the server. A failed request reverts the local toggle.
func (q *SendQueue) React(ctx context.Context, messageID, emoji string) <-chan error {
	done := make(chan error, 1)
	if _, ok := q.store.ToggleReaction(messageID, emoji); !ok {
		done <- fmt.Errorf("react: unknown message %s", messageID)
		return done
	}
	go func() {
		err := q.client.ReactComment(ctx, q.store.BookingID(), messageID, emoji)
		if err != nil {
			q.store.RevertOp(messageID)
			if q.notifier != nil {
				q.notifier.Errorf("reaction could not be saved", err)
			}
		}
		done <- err
	}()
	return done
}

// Star toggles the operator's star optimistically, then confirms it with the
// server. A failed request reverts the local toggle.
func (q *SendQueue) Star(ctx context.Context, messageID string) <-chan error {
	done := make(chan error, 1)
	starred, ok := q.store.ToggleStar(messageID)
	if !ok {
		done <- fmt.Errorf("star: unknown message %s", messageID)
		return done
	}
	go func() {
		err := q.client.StarComment(ctx, q.store.BookingID(), messageID, starred)
		if err != nil {
			q.store.RevertOp(messageID)
			if q.notifier != nil {
				q.notifier.Errorf("star could not be saved", err)
			}
		}
		done <- err
	}()
	return done
}

// ============================================================================
// Helpers
// ============================================================================

func (q *SendQueue) track(tempID string, cancel context.CancelFunc) {
	q.mu.Lock()
	q.inFlight[tempID] = cancel
	q.mu.Unlock()
}

func (q *SendQueue) untrack(tempID string) {
	q.mu.Lock()
	if cancel, ok := q.inFlight[tempID]; ok {
		cancel()
		delete(q.inFlight, tempID)
	}
	q.mu.Unlock()
}

func isCallReply(replyTo string) bool {
	return len(replyTo) > len(CallReplyPrefix) && replyTo[:len(CallReplyPrefix)] == CallReplyPrefix
}
