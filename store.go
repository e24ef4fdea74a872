package console

import (
	"reflect"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Change Notifications
// ============================================================================

// ChangeKind says which entry point produced a store change.
type ChangeKind string

const (
	ChangeSnapshot   ChangeKind = "snapshot"
	ChangeDelta      ChangeKind = "delta"
	ChangeOptimistic ChangeKind = "optimistic"
	ChangeConfirm    ChangeKind = "confirm"
)

// Change describes one observable store mutation. Silent changes must not
// move the scroll position or clear in-progress drafts in the bound UI.
// Confirm changes carry the server id the provisional entry resolved to.
type Change struct {
	Kind      ChangeKind
	Silent    bool
	MessageID string
}

// ChangeHandler observes store changes.
type ChangeHandler func(Change)

// ============================================================================
// Local Optimistic Mutations
// ============================================================================

type localOpKind string

const (
	opReactAdd    localOpKind = "react-add"
	opReactRemove localOpKind = "react-remove"
	opStarAdd     localOpKind = "star-add"
	opStarRemove  localOpKind = "star-remove"
	opReplyRef    localOpKind = "reply-ref"
)

// localOp is one optimistic field-level mutation applied ahead of the server
// round-trip. It is re-applied over every incoming server version of the
// message until the server payload already reflects it, then retired.
type localOp struct {
	kind    localOpKind
	emoji   string
	userID  string
	replyTo string
}

// acked reports whether the server version already reflects the op.
func (op *localOp) acked(m *Message) bool {
	switch op.kind {
	case opReactAdd:
		return m.HasReaction(op.emoji, op.userID)
	case opReactRemove:
		return !m.HasReaction(op.emoji, op.userID)
	case opStarAdd:
		return m.StarredByUser(op.userID)
	case opStarRemove:
		return !m.StarredByUser(op.userID)
	case opReplyRef:
		// UI-only field the server never persists.
		return false
	}
	return true
}

// apply mutates m to reflect the op.
func (op *localOp) apply(m *Message) {
	switch op.kind {
	case opReactAdd:
		if !m.HasReaction(op.emoji, op.userID) {
			m.Reactions = append(m.Reactions, Reaction{Emoji: op.emoji, UserID: op.userID})
		}
	case opReactRemove:
		out := m.Reactions[:0]
		for _, r := range m.Reactions {
			if r.Emoji != op.emoji || r.UserID != op.userID {
				out = append(out, r)
			}
		}
		m.Reactions = out
	case opStarAdd:
		if !m.StarredByUser(op.userID) {
			m.StarredBy = append(m.StarredBy, op.userID)
		}
	case opStarRemove:
		out := m.StarredBy[:0]
		for _, u := range m.StarredBy {
			if u != op.userID {
				out = append(out, u)
			}
		}
		m.StarredBy = out
	case opReplyRef:
		m.ReplyToID = op.replyTo
	}
}

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore holds the authoritative in-memory ordered message list for one
// booking conversation. Apply and ApplyDelta are the only mutators fed by
// server truth; optimistic entry points are used exclusively by the send
// queue. All mutations are serialized behind one mutex, so the store is
// effectively single-writer.
//
// Both server-truth mutators are idempotent: re-applying the same snapshot or
// delta leaves the state untouched and triggers no change notification.
type MessageStore struct {
	mu        sync.Mutex
	bookingID string
	operator  Identity

	messages []*Message
	arrival  map[string]int // message key -> insertion order, for tie-breaks
	nextSeq  int
	pending  map[string][]localOp // server id -> unacknowledged local ops

	subs []ChangeHandler
}

// NewMessageStore creates an empty store for one booking conversation.
func NewMessageStore(bookingID string, operator Identity) *MessageStore {
	return &MessageStore{
		bookingID: bookingID,
		operator:  operator,
		arrival:   make(map[string]int),
		pending:   make(map[string][]localOp),
	}
}

// BookingID returns the conversation this store belongs to.
func (s *MessageStore) BookingID() string {
	return s.bookingID
}

// Subscribe registers a change handler.
func (s *MessageStore) Subscribe(h ChangeHandler) {
	s.mu.Lock()
	s.subs = append(s.subs, h)
	s.mu.Unlock()
}

// Messages returns the ordered message list. The returned slice and its
// entries are copies; mutating them does not affect the store.
func (s *MessageStore) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Get returns a copy of the message with the given key, or nil.
func (s *MessageStore) Get(key string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.find(key); m != nil {
		return m.Clone()
	}
	return nil
}

// Has reports whether a message with the given key is present.
func (s *MessageStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(key) != nil
}

// Len returns the number of messages in the store.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *MessageStore) find(key string) *Message {
	for _, m := range s.messages {
		if m.Key() == key {
			return m
		}
	}
	return nil
}

func (s *MessageStore) seqFor(key string) int {
	if seq, ok := s.arrival[key]; ok {
		return seq
	}
	s.nextSeq++
	s.arrival[key] = s.nextSeq
	return s.nextSeq
}

// resort orders messages by CreatedAt ascending; ties break by insertion
// order. This is the store's sole ordering guarantee.
func (s *MessageStore) resort() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		a, b := s.messages[i], s.messages[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return s.arrival[a.Key()] < s.arrival[b.Key()]
	})
}

func (s *MessageStore) notify(c Change) {
	s.mu.Lock()
	handlers := append([]ChangeHandler{}, s.subs...)
	s.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(c)
		}()
	}
}

func messagesEqual(a, b []*Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// ============================================================================
// Apply: full snapshot merge
// ============================================================================

// Apply merges a server-authoritative snapshot into the store.
//
// Confirmed entries are replaced wholesale with the snapshot, then pending
// local field mutations the server does not yet reflect are re-applied over
// the replacements. Provisional entries whose send has not completed are
// re-appended untouched. Returns true when observable state changed.
func (s *MessageStore) Apply(snapshot []*Message, silent bool) bool {
	s.mu.Lock()

	before := s.messages

	var provisional []*Message
	prior := make(map[string]*Message, len(s.messages))
	for _, m := range s.messages {
		if m.Provisional() {
			provisional = append(provisional, m)
			continue
		}
		prior[m.ID] = m
	}

	next := make([]*Message, 0, len(snapshot)+len(provisional))
	for _, sm := range snapshot {
		if sm == nil || sm.ID == "" {
			continue
		}
		m := sm.Clone()
		s.carryForward(m, prior[m.ID])
		s.seqFor(m.Key())
		next = append(next, m)
	}
	next = append(next, provisional...)

	s.messages = next
	s.resort()
	s.gcArrival()

	changed := !messagesEqual(before, s.messages)
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeSnapshot, Silent: silent})
	}
	return changed
}

// carryForward layers local knowledge the server payload does not yet carry
// onto an incoming server version: unacknowledged optimistic field ops, a
// locally observed higher delivery status, and locally known read acks.
// Per-field freshness, never a blanket overwrite.
func (s *MessageStore) carryForward(m, existing *Message) {
	// Retire acked ops, reapply the rest.
	ops := s.pending[m.ID]
	kept := ops[:0]
	for i := range ops {
		op := ops[i]
		if op.acked(m) {
			continue
		}
		op.apply(m)
		kept = append(kept, op)
	}
	if len(kept) == 0 {
		delete(s.pending, m.ID)
	} else {
		s.pending[m.ID] = kept
	}

	if existing == nil {
		return
	}
	// Delivery status never regresses: a receipt applied locally may be ahead
	// of the snapshot the server rendered.
	if existing.Status.AtLeast(m.Status) && existing.Status != m.Status {
		m.Status = existing.Status
	}
	for _, u := range existing.ReadBy {
		if !m.ReadByUser(u) {
			m.ReadBy = append(m.ReadBy, u)
		}
	}
	// UI-only call reply references are never persisted server-side.
	if m.ReplyToID == "" && len(existing.ReplyToID) > len(CallReplyPrefix) &&
		existing.ReplyToID[:len(CallReplyPrefix)] == CallReplyPrefix {
		m.ReplyToID = existing.ReplyToID
	}
}

// gcArrival drops tie-break bookkeeping for keys no longer present.
func (s *MessageStore) gcArrival() {
	live := make(map[string]bool, len(s.messages))
	for _, m := range s.messages {
		live[m.Key()] = true
	}
	for k := range s.arrival {
		if !live[k] {
			delete(s.arrival, k)
		}
	}
}

// ============================================================================
// ApplyDelta: incremental push merge
// ============================================================================

// ApplyDelta applies one normalized push delta. Returns true when observable
// state changed; re-delivery of an already-applied delta returns false and
// emits no notification.
func (s *MessageStore) ApplyDelta(d Delta) bool {
	s.mu.Lock()
	changed := s.applyDeltaLocked(d)
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeDelta, Silent: true})
	}
	return changed
}

func (s *MessageStore) applyDeltaLocked(d Delta) bool {
	switch d.Kind {
	case DeltaNewMessage, DeltaEditMessage:
		return s.upsert(d.Message)

	case DeltaDeleteMessage:
		m := s.find(d.MessageID)
		if m == nil || m.Deleted {
			return false
		}
		// Soft delete with content preservation: body and attachment stay.
		m.Deleted = true
		m.DeletedBy = d.UserID
		return true

	case DeltaDeliveryAck:
		m := s.find(d.MessageID)
		if m == nil {
			return false
		}
		return escalate(m, StatusDelivered)

	case DeltaReadAck:
		m := s.find(d.MessageID)
		if m == nil {
			return false
		}
		changed := escalate(m, StatusRead)
		if d.UserID != "" && !m.ReadByUser(d.UserID) {
			m.ReadBy = append(m.ReadBy, d.UserID)
			changed = true
		}
		return changed

	case DeltaClear:
		kept := s.messages[:0]
		removed := false
		for _, m := range s.messages {
			if m.Provisional() {
				kept = append(kept, m)
				continue
			}
			removed = true
		}
		s.messages = kept
		s.gcArrival()
		s.pending = make(map[string][]localOp)
		return removed

	case DeltaConfirmMessage:
		return s.confirmLocked(d.TempID, d.Message)
	}
	return false
}

// upsert inserts a server message or merges it into the existing entry by id,
// preserving locally-known fields the payload may omit.
func (s *MessageStore) upsert(incoming *Message) bool {
	if incoming == nil || incoming.ID == "" {
		return false
	}
	m := incoming.Clone()
	existing := s.find(m.ID)
	s.carryForward(m, existing)

	if existing == nil {
		s.seqFor(m.Key())
		s.messages = append(s.messages, m)
		s.resort()
		return true
	}

	// Edit payloads can be sparse: keep preserved attachment URLs and the
	// annotation sets the payload does not carry.
	if m.Attachment.Kind == AttachmentNone && existing.Attachment.Kind != AttachmentNone {
		m.Attachment = existing.Attachment
	}
	if m.StarredBy == nil {
		m.StarredBy = existing.StarredBy
	}
	if m.Reactions == nil {
		m.Reactions = existing.Reactions
	}
	if m.Deleted && m.Body == "" {
		m.Body = existing.Body
	}
	if !m.Deleted && existing.Deleted {
		// Deletion is terminal; a stale edit cannot resurrect the message.
		m.Deleted = existing.Deleted
		m.DeletedBy = existing.DeletedBy
	}

	if reflect.DeepEqual(existing, m) {
		return false
	}
	*existing = *m
	s.resort()
	return true
}

func escalate(m *Message, to MessageStatus) bool {
	if m.Status.AtLeast(to) {
		return false
	}
	m.Status = to
	return true
}

// ============================================================================
// Optimistic entry points (send queue only)
// ============================================================================

// InsertProvisional adds a client-created entry awaiting server confirmation.
// At most one in-flight provisional exists per logical send; the send queue
// generates a fresh temp id per operation.
func (s *MessageStore) InsertProvisional(m *Message) {
	s.mu.Lock()
	if m.TempID == "" || s.find(m.TempID) != nil {
		s.mu.Unlock()
		return
	}
	c := m.Clone()
	c.ID = ""
	c.Status = StatusSending
	s.seqFor(c.TempID)
	s.messages = append(s.messages, c)
	s.resort()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeOptimistic})
}

// Confirm replaces the provisional entry for tempID with the server-confirmed
// message, preserving UI-only fields. The provisional is merged away, never
// duplicated: any copy of the server message that raced in through the push
// channel is collapsed into a single entry.
func (s *MessageStore) Confirm(tempID string, server *Message) bool {
	s.mu.Lock()
	changed := s.confirmLocked(tempID, server)
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeConfirm, MessageID: server.ID})
	}
	return changed
}

func (s *MessageStore) confirmLocked(tempID string, server *Message) bool {
	if server == nil || server.ID == "" {
		return false
	}
	prov := s.find(tempID)
	if prov == nil {
		// Already confirmed, or the provisional was rolled back.
		return false
	}

	m := server.Clone()
	if m.Status == StatusSending || m.Status == "" {
		m.Status = StatusSent
	}
	// UI-only reply references to call records are not persisted server-side.
	if m.ReplyToID == "" && prov.ReplyToID != "" {
		m.ReplyToID = prov.ReplyToID
	}

	// Drop any duplicate that arrived by id before the confirmation.
	kept := s.messages[:0]
	for _, cur := range s.messages {
		if cur.Key() == tempID || cur.Key() == m.ID {
			continue
		}
		kept = append(kept, cur)
	}
	s.messages = append(kept, m)

	// The confirmed entry inherits the provisional's slot in arrival order.
	if seq, ok := s.arrival[tempID]; ok {
		s.arrival[m.ID] = seq
		delete(s.arrival, tempID)
	} else {
		s.seqFor(m.ID)
	}
	s.resort()
	s.gcArrival()
	return true
}

// RemoveProvisional rolls back a failed optimistic send.
func (s *MessageStore) RemoveProvisional(tempID string) bool {
	s.mu.Lock()
	kept := s.messages[:0]
	removed := false
	for _, m := range s.messages {
		if m.Key() == tempID && m.Provisional() {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	if removed {
		s.gcArrival()
	}
	s.mu.Unlock()

	if removed {
		s.notify(Change{Kind: ChangeOptimistic})
	}
	return removed
}

// ============================================================================
// Optimistic field mutations
// ============================================================================

// ToggleReaction applies the operator's reaction optimistically and records
// it for carry-forward until the server reflects it. Returns the new state
// (true = reaction now present) so the caller knows which request to issue.
func (s *MessageStore) ToggleReaction(messageID, emoji string) (bool, bool) {
	s.mu.Lock()
	m := s.find(messageID)
	if m == nil {
		s.mu.Unlock()
		return false, false
	}
	op := localOp{kind: opReactAdd, emoji: emoji, userID: s.operator.UserID}
	if m.HasReaction(emoji, s.operator.UserID) {
		op.kind = opReactRemove
	}
	op.apply(m)
	s.recordOp(messageID, op)
	added := op.kind == opReactAdd
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeOptimistic})
	return added, true
}

// ToggleStar applies the operator's star optimistically, like ToggleReaction.
func (s *MessageStore) ToggleStar(messageID string) (bool, bool) {
	s.mu.Lock()
	m := s.find(messageID)
	if m == nil {
		s.mu.Unlock()
		return false, false
	}
	op := localOp{kind: opStarAdd, userID: s.operator.UserID}
	if m.StarredByUser(s.operator.UserID) {
		op.kind = opStarRemove
	}
	op.apply(m)
	s.recordOp(messageID, op)
	starred := op.kind == opStarAdd
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeOptimistic})
	return starred, true
}

// SetCallReply attaches a UI-only reply reference to a call record.
func (s *MessageStore) SetCallReply(messageID, callID string) bool {
	s.mu.Lock()
	m := s.find(messageID)
	if m == nil {
		s.mu.Unlock()
		return false
	}
	op := localOp{kind: opReplyRef, replyTo: CallReplyID(callID)}
	op.apply(m)
	s.recordOp(messageID, op)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeOptimistic})
	return true
}

// OptimisticEdit rewrites a message body ahead of server confirmation and
// returns a copy of the prior state for rollback, or nil if the message is
// unknown.
func (s *MessageStore) OptimisticEdit(messageID, body string) *Message {
	s.mu.Lock()
	m := s.find(messageID)
	if m == nil {
		s.mu.Unlock()
		return nil
	}
	prev := m.Clone()
	m.Body = body
	now := time.Now()
	m.EditedAt = &now
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeOptimistic})
	return prev
}

// Restore puts a previously captured message state back, rolling back a
// failed optimistic edit.
func (s *MessageStore) Restore(prev *Message) {
	if prev == nil {
		return
	}
	s.mu.Lock()
	m := s.find(prev.Key())
	if m == nil {
		s.mu.Unlock()
		return
	}
	*m = *prev.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeOptimistic})
}

// RevertOp undoes the most recent pending optimistic op on a message after
// its network request failed.
func (s *MessageStore) RevertOp(messageID string) {
	s.mu.Lock()
	ops := s.pending[messageID]
	if len(ops) == 0 {
		s.mu.Unlock()
		return
	}
	last := ops[len(ops)-1]
	s.pending[messageID] = ops[:len(ops)-1]
	if len(s.pending[messageID]) == 0 {
		delete(s.pending, messageID)
	}
	if m := s.find(messageID); m != nil {
		inv := inverse(last)
		inv.apply(m)
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeOptimistic})
}

func (s *MessageStore) recordOp(messageID string, op localOp) {
	// Replacing a pending op with its inverse coalesces to nothing.
	ops := s.pending[messageID]
	if len(ops) > 0 {
		last := ops[len(ops)-1]
		if inverse(op).kind == last.kind && op.emoji == last.emoji && op.userID == last.userID {
			s.pending[messageID] = ops[:len(ops)-1]
			if len(s.pending[messageID]) == 0 {
				delete(s.pending, messageID)
			}
			return
		}
	}
	s.pending[messageID] = append(ops, op)
}

func inverse(op localOp) localOp {
	inv := op
	switch op.kind {
	case opReactAdd:
		inv.kind = opReactRemove
	case opReactRemove:
		inv.kind = opReactAdd
	case opStarAdd:
		inv.kind = opStarRemove
	case opStarRemove:
		inv.kind = opStarAdd
	case opReplyRef:
		inv.replyTo = ""
	}
	return inv
}
