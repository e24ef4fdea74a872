package console

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// RefreshMode distinguishes background reconciliation from operator-initiated
// refreshes.
type RefreshMode int

const (
	// RefreshSilent reconciles in the background: the bound UI must not move
	// the scroll position or clear in-progress drafts.
	RefreshSilent RefreshMode = iota
	// RefreshExplicit is operator-initiated and may reset the view.
	RefreshExplicit
)

// MaxPasswordAttempts is the number of rejected password re-checks tolerated
// before the forced sign-out escalation fires.
const MaxPasswordAttempts = 3

// ============================================================================
// SnapshotSync
// ============================================================================

// SnapshotSync performs full-state refetches of one booking conversation and
// merges them non-destructively with pending optimistic entries, all through
// MessageStore.Apply.
//
// Concurrent refreshes are serialized, never dropped: a refresh requested
// while another is in flight runs after it.
type SnapshotSync struct {
	client   *Client
	store    *MessageStore
	notifier *Notifier

	fetchMu sync.Mutex // serializes refreshes

	mu               sync.Mutex
	calls            []*CallRecord
	passwordFailures int
	unlocked         bool
	onSignOut        func()
}

// NewSnapshotSync creates a sync bound to one conversation store.
func NewSnapshotSync(client *Client, store *MessageStore, notifier *Notifier) *SnapshotSync {
	return &SnapshotSync{
		client:   client,
		store:    store,
		notifier: notifier,
	}
}

// OnForcedSignOut registers the escalation invoked after repeated password
// rejections.
func (ss *SnapshotSync) OnForcedSignOut(h func()) {
	ss.mu.Lock()
	ss.onSignOut = h
	ss.mu.Unlock()
}

// Refresh fetches the full conversation snapshot and applies it. Both modes
// funnel through MessageStore.Apply; the mode only controls how the resulting
// change is surfaced.
func (ss *SnapshotSync) Refresh(ctx context.Context, mode RefreshMode) error {
	ss.fetchMu.Lock()
	defer ss.fetchMu.Unlock()

	snap, err := ss.client.GetBooking(ctx, ss.store.BookingID())
	if err != nil {
		if mode == RefreshExplicit && ss.notifier != nil {
			ss.notifier.Errorf("refresh failed", err)
		}
		return fmt.Errorf("snapshot refresh: %w", err)
	}

	ss.store.Apply(snap.Messages, mode == RefreshSilent)
	if mode == RefreshExplicit && ss.notifier != nil {
		ss.notifier.Info("conversation refreshed")
	}
	return nil
}

// ============================================================================
// Call records
// ============================================================================

// RefreshCalls refetches the call records for the booking. The router's
// call-ended hook points here.
func (ss *SnapshotSync) RefreshCalls(ctx context.Context) error {
	calls, err := ss.client.CallHistory(ctx, ss.store.BookingID())
	if err != nil {
		return fmt.Errorf("call history refresh: %w", err)
	}
	ss.mu.Lock()
	ss.calls = calls
	ss.mu.Unlock()
	return nil
}

// Calls returns the last fetched call records for timeline merging.
func (ss *SnapshotSync) Calls() []*CallRecord {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return append([]*CallRecord{}, ss.calls...)
}

// ResolveCallReply resolves a synthetic "call:<id>" reply reference against
// the cached call records. The reference is weak and may dangle.
func (ss *SnapshotSync) ResolveCallReply(replyToID string) *CallRecord {
	if !isCallReply(replyToID) {
		return nil
	}
	callID := replyToID[len(CallReplyPrefix):]
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for _, c := range ss.calls {
		if c.ID == callID {
			return c
		}
	}
	return nil
}

// ============================================================================
// Password gate
// ============================================================================

// Unlocked reports whether the password gate has been passed.
func (ss *SnapshotSync) Unlocked() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.unlocked
}

// Unlock re-checks the operator's password and, on success, performs the
// gated explicit refresh. A rejection is a blocking failure; the attempt
// counter escalates to forced sign-out after MaxPasswordAttempts rejections.
func (ss *SnapshotSync) Unlock(ctx context.Context, password string) error {
	err := ss.client.VerifyPassword(ctx, password)
	if err == nil {
		ss.mu.Lock()
		ss.passwordFailures = 0
		ss.unlocked = true
		ss.mu.Unlock()
		return ss.Refresh(ctx, RefreshExplicit)
	}

	if !errors.Is(err, ErrPasswordRejected) {
		// Transport failure, not a rejection: no escalation.
		if ss.notifier != nil {
			ss.notifier.Errorf("password check failed", err)
		}
		return err
	}

	ss.mu.Lock()
	ss.passwordFailures++
	failures := ss.passwordFailures
	signOut := ss.onSignOut
	ss.mu.Unlock()

	if failures >= MaxPasswordAttempts {
		if ss.notifier != nil {
			ss.notifier.Block("too many failed password attempts, signing out", err)
		}
		if signOut != nil {
			signOut()
		}
		return fmt.Errorf("unlock: %w (attempts exhausted)", err)
	}

	if ss.notifier != nil {
		ss.notifier.Block("password rejected", err)
	}
	return err
}
