package console

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Identity
// ============================================================================

// Identity is the resolved display identity of a message sender, attached at
// normalization time so nothing downstream re-derives it from raw payloads.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role,omitempty"` // "buyer", "seller" or "admin"
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery status of a message from the sender's
// perspective. Values are ordered; a message's status never goes backwards.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// AtLeast reports whether s is at or past other in the delivery progression.
func (s MessageStatus) AtLeast(other MessageStatus) bool {
	return statusRank[s] >= statusRank[other]
}

// AttachmentKind tags the Attachment variant.
type AttachmentKind string

const (
	AttachmentNone     AttachmentKind = ""
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment is the media payload of a message, if any.
type Attachment struct {
	Kind     AttachmentKind `json:"kind,omitempty"`
	URL      string         `json:"url,omitempty"`
	ThumbURL string         `json:"thumbUrl,omitempty"`
	FileName string         `json:"fileName,omitempty"`
	Caption  string         `json:"caption,omitempty"`
}

// Reaction is one (emoji, user) pair on a message.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// Message is one conversational unit in a booking conversation.
//
// ID is the stable server identifier; before confirmation only TempID is set.
// A deleted message keeps its original body and attachment so privileged
// viewers can still inspect it.
type Message struct {
	ID             string        `json:"id,omitempty"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Sender         Identity      `json:"sender"`
	Body           string        `json:"body,omitempty"`
	Attachment     Attachment    `json:"attachment,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`
	Deleted        bool          `json:"deleted,omitempty"`
	DeletedBy      string        `json:"deletedBy,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	StarredBy      []string      `json:"starredBy,omitempty"`
	ReadBy         []string      `json:"readBy,omitempty"`
	// ReplyToID references another message, or a call record via the
	// synthetic "call:<id>" scheme. Weak reference: resolved by lookup at
	// render time and allowed to dangle.
	ReplyToID string `json:"replyToId,omitempty"`
}

// Key returns the identity used for store lookups: the server id once
// confirmed, the temp id before that.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Provisional reports whether the message has not been server-confirmed yet.
func (m *Message) Provisional() bool {
	return m.ID == "" && m.TempID != ""
}

// HasReaction reports whether the (emoji, userID) pair is present.
func (m *Message) HasReaction(emoji, userID string) bool {
	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.UserID == userID {
			return true
		}
	}
	return false
}

// StarredByUser reports whether userID has starred the message.
func (m *Message) StarredByUser(userID string) bool {
	for _, u := range m.StarredBy {
		if u == userID {
			return true
		}
	}
	return false
}

// ReadByUser reports whether userID is in the read set.
func (m *Message) ReadByUser(userID string) bool {
	for _, u := range m.ReadBy {
		if u == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy; slices are never shared with the original.
func (m *Message) Clone() *Message {
	c := *m
	if m.Reactions != nil {
		c.Reactions = append([]Reaction{}, m.Reactions...)
	}
	if m.StarredBy != nil {
		c.StarredBy = append([]string{}, m.StarredBy...)
	}
	if m.ReadBy != nil {
		c.ReadBy = append([]string{}, m.ReadBy...)
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	return &c
}

// Draft is the operator-entered content of an unsent message.
type Draft struct {
	Body       string     `json:"body,omitempty"`
	Attachment Attachment `json:"attachment,omitempty"`
	ReplyToID  string     `json:"replyToId,omitempty"`
}

// ============================================================================
// Calls
// ============================================================================

// CallStatus is the lifecycle status of a call record.
type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallRinging   CallStatus = "ringing"
	CallAccepted  CallStatus = "accepted"
	CallEnded     CallStatus = "ended"
	CallMissed    CallStatus = "missed"
	CallRejected  CallStatus = "rejected"
	CallCancelled CallStatus = "cancelled"
)

// CallRecord is a call between the two booking participants. The console
// treats it as read-only except for the monitor's force-termination command.
type CallRecord struct {
	ID        string     `json:"id"`
	BookingID string     `json:"bookingId"`
	Caller    Identity   `json:"caller"`
	Receiver  Identity   `json:"receiver"`
	Status    CallStatus `json:"status"`
	Duration  int        `json:"duration,omitempty"` // seconds
	StartTime time.Time  `json:"startTime"`
	Video     bool       `json:"video,omitempty"`
}

// CallReplyPrefix is the synthetic id scheme for replies that reference a
// call record rather than a message.
const CallReplyPrefix = "call:"

// CallReplyID builds the synthetic reply reference for a call record.
func CallReplyID(callID string) string {
	return CallReplyPrefix + callID
}

// ============================================================================
// Snapshots
// ============================================================================

// BookingSnapshot is the full server-authoritative state of one booking
// conversation.
type BookingSnapshot struct {
	BookingID string     `json:"bookingId"`
	Buyer     Identity   `json:"buyer"`
	Seller    Identity   `json:"seller"`
	Messages  []*Message `json:"messages"`
}
