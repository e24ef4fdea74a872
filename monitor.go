package console

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Peer Session Model
// ============================================================================

// CallRole identifies which call participant a monitored leg belongs to.
type CallRole string

const (
	RoleCaller   CallRole = "caller"
	RoleReceiver CallRole = "receiver"
)

// SessionState is the per-role monitor state machine.
type SessionState string

const (
	SessionIdle          SessionState = "idle"
	SessionAwaitingOffer SessionState = "awaiting-offer"
	SessionConnected     SessionState = "connected"
	SessionClosed        SessionState = "closed"
)

// ICECandidate is one network-path candidate on the wire.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// RemoteTrack is one received media track. The concrete type depends on the
// transport; the monitor only reports arrival and releases it on teardown.
type RemoteTrack interface {
	ID() string
	Kind() string // "audio" or "video"
}

// TransportState is the connection state reported by a PeerTransport.
type TransportState string

const (
	TransportConnecting TransportState = "connecting"
	TransportConnected  TransportState = "connected"
	TransportFailed     TransportState = "failed"
	TransportClosed     TransportState = "closed"
)

// PeerTransport is the narrow seam to a peer-connection implementation:
// offer-in, answer-out, candidates both ways, tracks out, close. The monitor
// never initiates; it only answers.
type PeerTransport interface {
	// Answer applies the remote offer and returns the local answer SDP.
	Answer(ctx context.Context, offerSDP string) (string, error)
	// AddCandidate applies a remote network-path candidate.
	AddCandidate(c ICECandidate) error
	// OnCandidate registers the local candidate callback.
	OnCandidate(func(ICECandidate))
	// OnTrack registers the media arrival callback.
	OnTrack(func(RemoteTrack))
	// OnStateChange registers the connection-state callback.
	OnStateChange(func(TransportState))
	// Close releases the connection and any received streams.
	Close() error
}

// TransportFactory builds one PeerTransport per monitored leg.
type TransportFactory func(role CallRole) (PeerTransport, error)

// PeerSession is one passive, receive-only media connection to a single call
// participant. It exclusively owns its remote tracks until torn down. Never
// persisted; destroyed on call end, monitor close, or signaling error.
type PeerSession struct {
	Role      CallRole
	State     SessionState
	Tracks    []RemoteTrack
	Muted     bool // local presentation flag, never sent upstream
	Hidden    bool // local presentation flag, never sent upstream
	transport PeerTransport
	epoch     int // guards against callbacks from a replaced session
}

// SessionView is the UI-facing snapshot of one leg.
type SessionView struct {
	Role      CallRole
	State     SessionState
	HasStream bool
	Muted     bool
	Hidden    bool
}

// ============================================================================
// CallMonitor
// ============================================================================

// DefaultForceEndTimeout bounds the wait for a force-termination outcome.
const DefaultForceEndTimeout = 10 * time.Second

// CallMonitor joins an active call as a third, non-participating observer:
// one passive peer session per participant leg plus the push-channel control
// commands. At most one session exists per role; a replacement offer tears
// the old session down first. Closing the monitor synchronously tears down
// every open session.
type CallMonitor struct {
	push     *PushChannel
	notifier *Notifier
	factory  TransportFactory

	mu          sync.Mutex
	callID      string
	active      bool
	epoch       int
	states      map[CallRole]SessionState
	sessions    map[CallRole]*PeerSession
	earlyCands  map[CallRole][]ICECandidate
	errSurfaced bool
	onState     func(CallRole, SessionState)

	pendingMu    sync.Mutex
	pendingForce map[string]chan error
}

// NewCallMonitor creates a monitor using the given transport factory and
// subscribes it to the push channel's monitor events.
func NewCallMonitor(push *PushChannel, notifier *Notifier, factory TransportFactory) *CallMonitor {
	m := &CallMonitor{
		push:         push,
		notifier:     notifier,
		factory:      factory,
		states:       map[CallRole]SessionState{RoleCaller: SessionIdle, RoleReceiver: SessionIdle},
		sessions:     make(map[CallRole]*PeerSession),
		earlyCands:   make(map[CallRole][]ICECandidate),
		pendingForce: make(map[string]chan error),
	}
	push.OnMonitorStarted(func(p MonitorStartedPayload) {
		if m.notifier != nil && m.Active() {
			m.notifier.Info("monitoring call " + p.CallID)
		}
	})
	push.OnMonitorOffer(m.HandleOffer)
	push.OnMonitorCandidate(m.HandleRemoteCandidate)
	push.OnMonitorError(m.HandleMonitorError)
	push.OnCallEnded(func(p CallEndedPayload) { m.HandleCallEnded(p.CallID) })
	push.OnForceEndResult(m.handleForceEndResult)
	return m
}

// OnSessionState registers the UI binding for per-role state transitions.
func (m *CallMonitor) OnSessionState(h func(CallRole, SessionState)) {
	m.mu.Lock()
	m.onState = h
	m.mu.Unlock()
}

// Join requests passive observation of callID. Both roles move to
// awaiting-offer; sessions are created as each leg's offer arrives.
func (m *CallMonitor) Join(ctx context.Context, callID string) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return fmt.Errorf("monitor already active for call %s", m.callID)
	}
	m.callID = callID
	m.active = true
	m.epoch++
	m.errSurfaced = false
	m.earlyCands = make(map[CallRole][]ICECandidate)
	m.setStateLocked(RoleCaller, SessionAwaitingOffer)
	m.setStateLocked(RoleReceiver, SessionAwaitingOffer)
	m.mu.Unlock()

	err := m.push.Send(ctx, &Command{
		Type:    CmdMonitorJoin,
		Payload: MonitorJoinPayload{CallID: callID},
	})
	if err != nil {
		m.Close()
		return fmt.Errorf("monitor join: %w", err)
	}
	return nil
}

// CallID returns the call under observation, if any.
func (m *CallMonitor) CallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callID
}

// Active reports whether the monitor is observing a call.
func (m *CallMonitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Sessions returns a per-role snapshot for UI binding.
func (m *CallMonitor) Sessions() map[CallRole]SessionView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[CallRole]SessionView, 2)
	for _, role := range []CallRole{RoleCaller, RoleReceiver} {
		v := SessionView{Role: role, State: m.states[role]}
		if s := m.sessions[role]; s != nil {
			v.HasStream = len(s.Tracks) > 0
			v.Muted = s.Muted
			v.Hidden = s.Hidden
		}
		out[role] = v
	}
	return out
}

// ActiveSessions returns the number of live peer sessions.
func (m *CallMonitor) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SetMuted toggles the local audio flag for one leg. Presentation only: the
// flag never leaves the client and does not affect the participants.
func (m *CallMonitor) SetMuted(role CallRole, muted bool) {
	m.mu.Lock()
	if s := m.sessions[role]; s != nil {
		s.Muted = muted
	}
	m.mu.Unlock()
}

// SetHidden toggles the local video flag for one leg, like SetMuted.
func (m *CallMonitor) SetHidden(role CallRole, hidden bool) {
	m.mu.Lock()
	if s := m.sessions[role]; s != nil {
		s.Hidden = hidden
	}
	m.mu.Unlock()
}

// ============================================================================
// Inbound signaling
// ============================================================================

// HandleOffer answers one leg's media offer with a passive session. An offer
// for a role that already has a session replaces it, but only after the old
// session is torn down.
func (m *CallMonitor) HandleOffer(p MonitorOfferPayload) {
	m.mu.Lock()
	if !m.active || p.CallID != m.callID {
		m.mu.Unlock()
		return
	}
	if old := m.sessions[p.Role]; old != nil {
		m.teardownLocked(old)
	}
	m.epoch++

	transport, err := m.factory(p.Role)
	if err != nil {
		m.setStateLocked(p.Role, SessionClosed)
		m.mu.Unlock()
		if m.notifier != nil {
			m.notifier.Errorf("could not open monitor session", err)
		}
		return
	}

	session := &PeerSession{
		Role:      p.Role,
		State:     SessionAwaitingOffer,
		transport: transport,
		epoch:     m.epoch,
	}
	m.sessions[p.Role] = session
	epoch := m.epoch
	callID := m.callID
	role := p.Role

	transport.OnCandidate(func(c ICECandidate) {
		_ = m.push.Send(context.Background(), &Command{
			Type:    CmdMonitorCandidate,
			Payload: MonitorCandidatePayload{CallID: callID, Role: role, Candidate: c},
		})
	})
	transport.OnTrack(func(t RemoteTrack) {
		m.trackArrived(role, epoch, t)
	})
	transport.OnStateChange(func(ts TransportState) {
		m.transportStateChanged(role, epoch, ts)
	})

	early := m.earlyCands[role]
	delete(m.earlyCands, role)
	m.mu.Unlock()

	answer, err := transport.Answer(context.Background(), p.SDP)
	if err != nil {
		m.closeRole(role, epoch)
		if m.notifier != nil {
			m.notifier.Errorf("monitor negotiation failed", err)
		}
		return
	}
	for _, c := range early {
		_ = transport.AddCandidate(c)
	}

	_ = m.push.Send(context.Background(), &Command{
		Type:    CmdMonitorAnswer,
		Payload: MonitorAnswerPayload{CallID: callID, Role: role, SDP: answer},
	})
}

// HandleRemoteCandidate routes a remote candidate to its leg. Candidates that
// race ahead of the offer are held until the session exists.
func (m *CallMonitor) HandleRemoteCandidate(p MonitorCandidatePayload) {
	m.mu.Lock()
	if !m.active || p.CallID != m.callID {
		m.mu.Unlock()
		return
	}
	s := m.sessions[p.Role]
	if s == nil {
		m.earlyCands[p.Role] = append(m.earlyCands[p.Role], p.Candidate)
		m.mu.Unlock()
		return
	}
	transport := s.transport
	m.mu.Unlock()

	_ = transport.AddCandidate(p.Candidate)
}

// HandleMonitorError reacts to a server-side monitor failure, including
// rejection of the join. Everything closes; the failure surfaces exactly
// once and is never retried.
func (m *CallMonitor) HandleMonitorError(p MonitorErrorPayload) {
	m.mu.Lock()
	if !m.active || (p.CallID != "" && p.CallID != m.callID) {
		m.mu.Unlock()
		return
	}
	surfaced := m.errSurfaced
	m.errSurfaced = true
	m.mu.Unlock()

	m.Close()
	if !surfaced && m.notifier != nil {
		m.notifier.Block("call monitor rejected: "+p.Message, &APIError{Code: p.Code, Message: p.Message})
	}
}

// HandleCallEnded tears the monitor down when the observed call terminates.
func (m *CallMonitor) HandleCallEnded(callID string) {
	m.mu.Lock()
	match := m.active && callID == m.callID
	m.mu.Unlock()
	if !match {
		return
	}
	m.Close()
	if m.notifier != nil {
		m.notifier.Info("monitored call ended")
	}
}

func (m *CallMonitor) trackArrived(role CallRole, epoch int, t RemoteTrack) {
	m.mu.Lock()
	s := m.sessions[role]
	if s == nil || s.epoch != epoch || s.State == SessionClosed {
		m.mu.Unlock()
		return
	}
	s.Tracks = append(s.Tracks, t)
	if s.State != SessionConnected {
		s.State = SessionConnected
		m.setStateLocked(role, SessionConnected)
	}
	m.mu.Unlock()
}

func (m *CallMonitor) transportStateChanged(role CallRole, epoch int, ts TransportState) {
	if ts != TransportFailed {
		return
	}
	m.mu.Lock()
	s := m.sessions[role]
	if s == nil || s.epoch != epoch || s.State == SessionClosed {
		// Teardown noise from a session already being closed is expected;
		// ignore it silently.
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.closeRole(role, epoch)
	if m.notifier != nil {
		m.notifier.Errorf(fmt.Sprintf("monitor connection lost (%s)", role), nil)
	}
}

// ============================================================================
// Teardown
// ============================================================================

// Close tears down every open peer session before returning, releasing the
// received streams. Safe to call from any state and idempotent.
func (m *CallMonitor) Close() {
	m.mu.Lock()
	var transports []PeerTransport
	for role, s := range m.sessions {
		if s.transport != nil {
			transports = append(transports, s.transport)
		}
		s.State = SessionClosed
		s.Tracks = nil
		delete(m.sessions, role)
		m.setStateLocked(role, SessionClosed)
	}
	if m.states[RoleCaller] != SessionClosed && m.states[RoleCaller] != SessionIdle {
		m.setStateLocked(RoleCaller, SessionClosed)
	}
	if m.states[RoleReceiver] != SessionClosed && m.states[RoleReceiver] != SessionIdle {
		m.setStateLocked(RoleReceiver, SessionClosed)
	}
	m.active = false
	m.callID = ""
	m.earlyCands = make(map[CallRole][]ICECandidate)
	m.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
}

// closeRole tears down a single leg.
func (m *CallMonitor) closeRole(role CallRole, epoch int) {
	m.mu.Lock()
	s := m.sessions[role]
	if s == nil || s.epoch != epoch {
		m.mu.Unlock()
		return
	}
	transport := s.transport
	s.State = SessionClosed
	s.Tracks = nil
	delete(m.sessions, role)
	m.setStateLocked(role, SessionClosed)
	m.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
}

// teardownLocked closes a session being replaced. Called with m.mu held; the
// transport close is deferred out of the lock by the caller holding the only
// reference.
func (m *CallMonitor) teardownLocked(s *PeerSession) {
	s.State = SessionClosed
	s.Tracks = nil
	delete(m.sessions, s.Role)
	if s.transport != nil {
		t := s.transport
		s.transport = nil
		go func() { _ = t.Close() }()
	}
}

func (m *CallMonitor) setStateLocked(role CallRole, state SessionState) {
	m.states[role] = state
	if m.onState != nil {
		h := m.onState
		go h(role, state)
	}
}

// ============================================================================
// Force termination
// ============================================================================

// ForceEnd sends the authoritative termination command for callID and waits
// for the outcome. Success closes the monitor; failure leaves it open and
// surfaces the error without retrying.
func (m *CallMonitor) ForceEnd(ctx context.Context, callID, reason string) error {
	ch := make(chan error, 1)
	m.pendingMu.Lock()
	if _, dup := m.pendingForce[callID]; dup {
		m.pendingMu.Unlock()
		return fmt.Errorf("force end already pending for call %s", callID)
	}
	m.pendingForce[callID] = ch
	m.pendingMu.Unlock()

	err := m.push.Send(ctx, &Command{
		Type:    CmdForceEndCall,
		Payload: ForceEndPayload{CallID: callID, Reason: reason},
	})
	if err != nil {
		m.dropPending(callID)
		return fmt.Errorf("force end: %w", err)
	}

	select {
	case res := <-ch:
		if res != nil {
			if m.notifier != nil {
				m.notifier.Errorf("force end failed", res)
			}
			return res
		}
		m.Close()
		return nil
	case <-time.After(DefaultForceEndTimeout):
		m.dropPending(callID)
		err := fmt.Errorf("force end: no response for call %s", callID)
		if m.notifier != nil {
			m.notifier.Errorf("force end timed out", err)
		}
		return err
	case <-ctx.Done():
		m.dropPending(callID)
		return ctx.Err()
	}
}

func (m *CallMonitor) handleForceEndResult(ok bool, p ForceEndResultPayload) {
	m.pendingMu.Lock()
	ch := m.pendingForce[p.CallID]
	delete(m.pendingForce, p.CallID)
	m.pendingMu.Unlock()
	if ch == nil {
		return
	}
	if ok {
		ch <- nil
		return
	}
	msg := p.Message
	if msg == "" {
		msg = "call could not be terminated"
	}
	ch <- fmt.Errorf("force end rejected: %s", msg)
}

func (m *CallMonitor) dropPending(callID string) {
	m.pendingMu.Lock()
	delete(m.pendingForce, callID)
	m.pendingMu.Unlock()
}
