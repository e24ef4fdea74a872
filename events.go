package console

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Push Channel Wire Format
// ============================================================================

// Envelope is the wire format for all push-channel traffic, both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server push-channel message.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// Consumed event types.
const (
	EventCommentUpdate        = "commentUpdate"
	EventAppointmentUpdate    = "appointmentUpdate"
	EventPaymentStatusUpdated = "paymentStatusUpdated"
	EventAppointmentCreated   = "appointmentCreated"
	EventChatCleared          = "chatCleared"
	EventCommentDelivered     = "commentDelivered"
	EventCommentRead          = "commentRead"
	EventCallEnded            = "call-ended"
	EventMonitorStarted       = "admin-monitor-started"
	EventMonitorOffer         = "webrtc-offer-monitor"
	EventMonitorCandidate     = "ice-candidate-monitor"
	EventMonitorError         = "call-monitor-error"
	EventForceEndSuccess      = "call-force-end-success"
	EventForceEndError        = "call-force-end-error"
)

// Emitted command types.
const (
	CmdPresence         = "adminAppointmentsActive"
	CmdMessageRead      = "messageRead"
	CmdMonitorJoin      = "admin-monitor-join"
	CmdMonitorAnswer    = "webrtc-answer-monitor"
	CmdMonitorCandidate = "ice-candidate-monitor"
	CmdForceEndCall     = "admin-force-end-call"
)

// ============================================================================
// Consumed Payloads
// ============================================================================

// CommentAction distinguishes the three shapes of a commentUpdate event.
type CommentAction string

const (
	CommentNew     CommentAction = "new"
	CommentEdited  CommentAction = "edited"
	CommentDeleted CommentAction = "deleted"
)

// CommentUpdatePayload is sent when a message is created, edited or
// soft-deleted in a booking conversation.
type CommentUpdatePayload struct {
	BookingID string        `json:"bookingId"`
	Action    CommentAction `json:"action"`
	Message   *Message      `json:"message"`
	DeletedBy string        `json:"deletedBy,omitempty"`
}

// ReceiptPayload acknowledges delivery or reading of messages by a user.
// commentDelivered carries a single message id; commentRead may carry many.
type ReceiptPayload struct {
	BookingID  string   `json:"bookingId"`
	MessageID  string   `json:"messageId,omitempty"`
	MessageIDs []string `json:"messageIds,omitempty"`
	UserID     string   `json:"userId"`
	At         string   `json:"at,omitempty"`
}

// ids merges the single- and multi-id forms of the payload.
func (p *ReceiptPayload) ids() []string {
	if p.MessageID != "" {
		return append([]string{p.MessageID}, p.MessageIDs...)
	}
	return p.MessageIDs
}

// BookingEventPayload covers the booking-level events that only carry the
// booking id: appointmentUpdate, paymentStatusUpdated, appointmentCreated,
// chatCleared.
type BookingEventPayload struct {
	BookingID string `json:"bookingId"`
}

// CallEndedPayload is sent when a monitored or unmonitored call terminates.
type CallEndedPayload struct {
	CallID    string `json:"callId"`
	BookingID string `json:"bookingId,omitempty"`
}

// MonitorStartedPayload confirms that the monitor-join was accepted.
type MonitorStartedPayload struct {
	CallID string `json:"callId"`
}

// MonitorOfferPayload carries one participant leg's media offer.
type MonitorOfferPayload struct {
	CallID string   `json:"callId"`
	Role   CallRole `json:"role"`
	SDP    string   `json:"sdp"`
}

// MonitorCandidatePayload carries one network-path candidate, either
// direction, for one leg.
type MonitorCandidatePayload struct {
	CallID    string       `json:"callId"`
	Role      CallRole     `json:"role"`
	Candidate ICECandidate `json:"candidate"`
}

// MonitorErrorPayload reports a server-side monitor failure, including
// authorization rejection of the join request.
type MonitorErrorPayload struct {
	CallID  string `json:"callId"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ForceEndResultPayload resolves a pending admin-force-end-call command.
type ForceEndResultPayload struct {
	CallID  string `json:"callId"`
	Message string `json:"message,omitempty"`
}

// ============================================================================
// Emitted Payloads
// ============================================================================

// MonitorJoinPayload requests passive observation of an active call.
type MonitorJoinPayload struct {
	CallID string `json:"callId"`
}

// MonitorAnswerPayload returns the passive answer for one leg.
type MonitorAnswerPayload struct {
	CallID string   `json:"callId"`
	Role   CallRole `json:"role"`
	SDP    string   `json:"sdp"`
}

// ForceEndPayload requests authoritative termination of a call.
type ForceEndPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// MessageReadPayload mirrors the mark-as-read HTTP call on the push channel
// so participants see the read state without refetching.
type MessageReadPayload struct {
	BookingID  string   `json:"bookingId"`
	MessageIDs []string `json:"messageIds"`
	UserID     string   `json:"userId"`
}

// PresencePayload is the operator presence heartbeat.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// ============================================================================
// Normalized Deltas
// ============================================================================

// DeltaKind tags a Delta.
type DeltaKind string

const (
	DeltaNewMessage     DeltaKind = "new-message"
	DeltaEditMessage    DeltaKind = "edit-message"
	DeltaDeleteMessage  DeltaKind = "delete-message"
	DeltaDeliveryAck    DeltaKind = "delivery-ack"
	DeltaReadAck        DeltaKind = "read-ack"
	DeltaClear          DeltaKind = "clear"
	DeltaConfirmMessage DeltaKind = "confirm-message"
)

// Delta is one normalized, validated store mutation. Raw push payloads are
// converted into Deltas exactly once, at the router boundary; the store never
// inspects wire shapes.
type Delta struct {
	Kind      DeltaKind
	Message   *Message // new/edit/confirm
	MessageID string   // delete and receipts
	TempID    string   // confirm only
	UserID    string   // receipt acker, or deletedBy on deletes
	At        time.Time
}

// normalizeCommentUpdate validates a commentUpdate payload and converts it to
// a Delta.
func normalizeCommentUpdate(p *CommentUpdatePayload) (Delta, error) {
	switch p.Action {
	case CommentNew, CommentEdited:
		if p.Message == nil || p.Message.ID == "" {
			return Delta{}, fmt.Errorf("commentUpdate %s: missing message", p.Action)
		}
		kind := DeltaNewMessage
		if p.Action == CommentEdited {
			kind = DeltaEditMessage
		}
		return Delta{Kind: kind, Message: p.Message}, nil
	case CommentDeleted:
		id := p.DeletedMessageID()
		if id == "" {
			return Delta{}, fmt.Errorf("commentUpdate deleted: missing message id")
		}
		return Delta{Kind: DeltaDeleteMessage, MessageID: id, UserID: p.DeletedBy}, nil
	default:
		return Delta{}, fmt.Errorf("commentUpdate: unknown action %q", p.Action)
	}
}

// DeletedMessageID returns the id of the deleted message. Deletion payloads
// may carry a full message or only its id.
func (p *CommentUpdatePayload) DeletedMessageID() string {
	if p.Message != nil {
		return p.Message.ID
	}
	return ""
}

// normalizeReceipt validates a receipt payload and converts it into one Delta
// per message id.
func normalizeReceipt(kind DeltaKind, p *ReceiptPayload) ([]Delta, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("receipt: missing userId")
	}
	ids := p.ids()
	if len(ids) == 0 {
		return nil, fmt.Errorf("receipt: no message ids")
	}
	at := time.Now()
	if p.At != "" {
		if t, err := time.Parse(time.RFC3339Nano, p.At); err == nil {
			at = t
		}
	}
	deltas := make([]Delta, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		deltas = append(deltas, Delta{Kind: kind, MessageID: id, UserID: p.UserID, At: at})
	}
	if len(deltas) == 0 {
		return nil, fmt.Errorf("receipt: no message ids")
	}
	return deltas, nil
}
