package console

import (
	"testing"
	"time"
)

func newTestRouter(opts ...RouterOption) (*Router, *MessageStore) {
	store := newTestStore()
	router := NewRouter(store, NewNotifier(), testOperator, opts...)
	return router, store
}

// ============================================================================
// Comment updates
// ============================================================================

func TestHandleCommentUpdate(t *testing.T) {
	t.Run("new message", func(t *testing.T) {
		r, store := newTestRouter()
		r.HandleCommentUpdate(CommentUpdatePayload{
			BookingID: "booking-1",
			Action:    CommentNew,
			Message:   serverMsg("m1", "buyer-1", "hello", 0),
		})
		if !store.Has("m1") {
			t.Fatal("new message not applied")
		}
	})

	t.Run("other booking is ignored", func(t *testing.T) {
		r, store := newTestRouter()
		r.HandleCommentUpdate(CommentUpdatePayload{
			BookingID: "booking-OTHER",
			Action:    CommentNew,
			Message:   serverMsg("m1", "buyer-1", "hello", 0),
		})
		if store.Len() != 0 {
			t.Fatal("event for another booking leaked into the store")
		}
	})

	t.Run("operator's own new message is suppressed", func(t *testing.T) {
		r, store := newTestRouter()
		r.HandleCommentUpdate(CommentUpdatePayload{
			BookingID: "booking-1",
			Action:    CommentNew,
			Message:   serverMsg("m1", testOperator.UserID, "own echo", 0),
		})
		if store.Len() != 0 {
			t.Fatal("self-echo was not suppressed")
		}
	})

	t.Run("deletes apply regardless of author", func(t *testing.T) {
		r, store := newTestRouter()
		store.ApplyDelta(Delta{Kind: DeltaNewMessage, Message: serverMsg("m1", testOperator.UserID, "hi", 0)})

		r.HandleCommentUpdate(CommentUpdatePayload{
			BookingID: "booking-1",
			Action:    CommentDeleted,
			Message:   &Message{ID: "m1", SenderID: testOperator.UserID},
			DeletedBy: "admin-2",
		})
		got := store.Get("m1")
		if !got.Deleted || got.DeletedBy != "admin-2" {
			t.Fatalf("delete not applied: %+v", got)
		}
	})

	t.Run("malformed payload is dropped", func(t *testing.T) {
		r, store := newTestRouter()
		r.HandleCommentUpdate(CommentUpdatePayload{BookingID: "booking-1", Action: CommentNew})
		r.HandleCommentUpdate(CommentUpdatePayload{BookingID: "booking-1", Action: "???"})
		if store.Len() != 0 {
			t.Fatal("malformed payloads should be dropped")
		}
	})
}

// ============================================================================
// Receipts and orphan buffering
// ============================================================================

func TestHandleReceipt(t *testing.T) {
	t.Run("known message", func(t *testing.T) {
		r, store := newTestRouter()
		store.ApplyDelta(Delta{Kind: DeltaNewMessage, Message: serverMsg("m1", testOperator.UserID, "hi", 0)})

		r.HandleReceipt(DeltaReadAck, ReceiptPayload{
			BookingID:  "booking-1",
			MessageIDs: []string{"m1"},
			UserID:     "buyer-1",
		})
		if store.Get("m1").Status != StatusRead {
			t.Fatal("read ack not applied")
		}
	})

	t.Run("receipt before message replays once", func(t *testing.T) {
		r, store := newTestRouter()

		// The read ack races ahead of the message it acknowledges.
		r.HandleReceipt(DeltaReadAck, ReceiptPayload{
			BookingID: "booking-1",
			MessageID: "m1",
			UserID:    "buyer-1",
		})
		if store.Len() != 0 {
			t.Fatal("orphan receipt should not create entries")
		}
		if r.orphanCount() != 1 {
			t.Fatalf("expected 1 buffered receipt, got %d", r.orphanCount())
		}

		// A suppressed self-echo for a message the store has never seen
		// leaves the buffer untouched.
		r.HandleCommentUpdate(CommentUpdatePayload{
			BookingID: "booking-1",
			Action:    CommentNew,
			Message:   serverMsg("m1", testOperator.UserID, "hi", 0),
		})
		if r.orphanCount() != 1 {
			t.Fatal("echo without a store entry must keep the buffer")
		}

		r.HandleCommentUpdate(CommentUpdatePayload{
			BookingID: "booking-1",
			Action:    CommentNew,
			Message:   serverMsg("m1", "seller-1", "hi", 0),
		})

		if store.Get("m1").Status != StatusRead {
			t.Fatal("buffered receipt was not replayed")
		}
		if r.orphanCount() != 0 {
			t.Fatal("replayed receipt should leave the buffer")
		}
	})

	t.Run("receipt before the operator's own send replays on confirmation", func(t *testing.T) {
		r, store := newTestRouter()

		// The participant's delivery ack outruns the push echo of the send.
		r.HandleReceipt(DeltaDeliveryAck, ReceiptPayload{
			BookingID: "booking-1",
			MessageID: "srv-1",
			UserID:    "buyer-1",
		})
		if r.orphanCount() != 1 {
			t.Fatalf("expected 1 buffered receipt, got %d", r.orphanCount())
		}

		prov := serverMsg("", testOperator.UserID, "hello", 0)
		prov.TempID = "local-t1"
		prov.Status = StatusSending
		store.InsertProvisional(prov)
		store.Confirm("local-t1", serverMsg("srv-1", testOperator.UserID, "hello", 0))

		if got := store.Get("srv-1"); got == nil || got.Status != StatusDelivered {
			t.Fatalf("confirmation did not replay the buffered ack: %+v", got)
		}
		if r.orphanCount() != 0 {
			t.Fatal("replayed receipt should leave the buffer")
		}

		// The late suppressed echo must not disturb the merged state.
		r.HandleCommentUpdate(CommentUpdatePayload{
			BookingID: "booking-1",
			Action:    CommentNew,
			Message:   serverMsg("srv-1", testOperator.UserID, "hello", 0),
		})
		if store.Get("srv-1").Status != StatusDelivered {
			t.Fatal("suppressed echo regressed the delivery status")
		}
	})

	t.Run("suppressed echo replays when a refresh absorbed the send", func(t *testing.T) {
		r, store := newTestRouter()

		r.HandleReceipt(DeltaReadAck, ReceiptPayload{
			BookingID: "booking-1",
			MessageID: "srv-2",
			UserID:    "buyer-1",
		})

		// A full refresh picks the confirmed send up before its echo.
		store.Apply([]*Message{serverMsg("srv-2", testOperator.UserID, "hello", 0)}, true)

		r.HandleCommentUpdate(CommentUpdatePayload{
			BookingID: "booking-1",
			Action:    CommentNew,
			Message:   serverMsg("srv-2", testOperator.UserID, "hello", 0),
		})
		if store.Get("srv-2").Status != StatusRead {
			t.Fatal("suppressed echo did not replay the buffered receipt")
		}
	})

	t.Run("expired orphan is swept", func(t *testing.T) {
		r, _ := newTestRouter(WithReceiptTTL(time.Millisecond))
		r.HandleReceipt(DeltaDeliveryAck, ReceiptPayload{
			BookingID: "booking-1",
			MessageID: "m1",
			UserID:    "buyer-1",
		})
		time.Sleep(5 * time.Millisecond)
		r.sweep(time.Now())
		if r.orphanCount() != 0 {
			t.Fatal("expired orphan receipt was not swept")
		}
	})

	t.Run("expired orphan is not replayed", func(t *testing.T) {
		r, store := newTestRouter(WithReceiptTTL(time.Millisecond))
		r.HandleReceipt(DeltaReadAck, ReceiptPayload{
			BookingID: "booking-1",
			MessageID: "m1",
			UserID:    "buyer-1",
		})
		time.Sleep(5 * time.Millisecond)

		r.HandleCommentUpdate(CommentUpdatePayload{
			BookingID: "booking-1",
			Action:    CommentNew,
			Message:   serverMsg("m1", "seller-1", "hi", 0),
		})
		if store.Get("m1").Status == StatusRead {
			t.Fatal("expired receipt must not be replayed")
		}
	})

	t.Run("operator's own read ack is skipped", func(t *testing.T) {
		r, store := newTestRouter()
		store.ApplyDelta(Delta{Kind: DeltaNewMessage, Message: serverMsg("m1", "buyer-1", "hi", 0)})

		r.HandleReceipt(DeltaReadAck, ReceiptPayload{
			BookingID: "booking-1",
			MessageID: "m1",
			UserID:    testOperator.UserID,
		})
		if store.Get("m1").Status == StatusRead {
			t.Fatal("operator's own read echo should be suppressed")
		}
	})

	t.Run("multi-id read receipt", func(t *testing.T) {
		r, store := newTestRouter()
		store.ApplyDelta(Delta{Kind: DeltaNewMessage, Message: serverMsg("m1", testOperator.UserID, "a", 0)})
		store.ApplyDelta(Delta{Kind: DeltaNewMessage, Message: serverMsg("m2", testOperator.UserID, "b", time.Second)})

		r.HandleReceipt(DeltaReadAck, ReceiptPayload{
			BookingID:  "booking-1",
			MessageIDs: []string{"m1", "m2"},
			UserID:     "buyer-1",
		})
		if store.Get("m1").Status != StatusRead || store.Get("m2").Status != StatusRead {
			t.Fatal("multi-id receipt not fully applied")
		}
	})
}

// ============================================================================
// Booking-level events
// ============================================================================

func TestHandleBookingEvent(t *testing.T) {
	t.Run("chat cleared empties confirmed entries and resyncs", func(t *testing.T) {
		r, store := newTestRouter()
		store.ApplyDelta(Delta{Kind: DeltaNewMessage, Message: serverMsg("m1", "buyer-1", "hi", 0)})

		var resynced string
		r.OnResync(func(bookingID string) { resynced = bookingID })

		r.HandleBookingEvent(EventChatCleared, BookingEventPayload{BookingID: "booking-1"})
		if store.Len() != 0 {
			t.Fatal("chat clear did not empty the store")
		}
		if resynced != "booking-1" {
			t.Fatal("chat clear did not schedule a resync")
		}
	})

	t.Run("appointment update only resyncs", func(t *testing.T) {
		r, store := newTestRouter()
		store.ApplyDelta(Delta{Kind: DeltaNewMessage, Message: serverMsg("m1", "buyer-1", "hi", 0)})

		resynced := false
		r.OnResync(func(string) { resynced = true })

		r.HandleBookingEvent(EventAppointmentUpdate, BookingEventPayload{BookingID: "booking-1"})
		if store.Len() != 1 {
			t.Fatal("non-clearing booking event must not touch the store")
		}
		if !resynced {
			t.Fatal("booking event did not schedule a resync")
		}
	})
}

func TestHandleCallEnded(t *testing.T) {
	r, _ := newTestRouter()
	var gotCallID string
	r.OnCallEnded(func(callID string) { gotCallID = callID })

	r.HandleCallEnded(CallEndedPayload{BookingID: "booking-1", CallID: "call-3"})
	if gotCallID != "call-3" {
		t.Fatal("call-ended hook not invoked")
	}

	gotCallID = ""
	r.HandleCallEnded(CallEndedPayload{BookingID: "booking-OTHER", CallID: "call-4"})
	if gotCallID != "" {
		t.Fatal("call-ended for another booking leaked through")
	}
}
