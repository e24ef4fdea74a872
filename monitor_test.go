package console

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeTrack struct {
	id   string
	kind string
}

func (f fakeTrack) ID() string   { return f.id }
func (f fakeTrack) Kind() string { return f.kind }

type fakeTransport struct {
	mu        sync.Mutex
	offerSDP  string
	answerErr error
	added     []ICECandidate
	closed    bool

	onCandidate func(ICECandidate)
	onTrack     func(RemoteTrack)
	onState     func(TransportState)
}

func (f *fakeTransport) Answer(ctx context.Context, offerSDP string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answerErr != nil {
		return "", f.answerErr
	}
	f.offerSDP = offerSDP
	return "fake-answer", nil
}

func (f *fakeTransport) AddCandidate(c ICECandidate) error {
	f.mu.Lock()
	f.added = append(f.added, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnCandidate(h func(ICECandidate)) {
	f.mu.Lock()
	f.onCandidate = h
	f.mu.Unlock()
}

func (f *fakeTransport) OnTrack(h func(RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = h
	f.mu.Unlock()
}

func (f *fakeTransport) OnStateChange(h func(TransportState)) {
	f.mu.Lock()
	f.onState = h
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

func (f *fakeTransport) emitTrack(id, kind string) {
	f.mu.Lock()
	h := f.onTrack
	f.mu.Unlock()
	if h != nil {
		h(fakeTrack{id: id, kind: kind})
	}
}

func (f *fakeTransport) emitState(ts TransportState) {
	f.mu.Lock()
	h := f.onState
	f.mu.Unlock()
	if h != nil {
		h(ts)
	}
}

func (f *fakeTransport) emitCandidate(c ICECandidate) {
	f.mu.Lock()
	h := f.onCandidate
	f.mu.Unlock()
	if h != nil {
		h(c)
	}
}

type fakeFactory struct {
	mu     sync.Mutex
	byRole map[CallRole][]*fakeTransport
	err    error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{byRole: make(map[CallRole][]*fakeTransport)}
}

func (ff *fakeFactory) new(role CallRole) (PeerTransport, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.err != nil {
		return nil, ff.err
	}
	ft := &fakeTransport{}
	ff.byRole[role] = append(ff.byRole[role], ft)
	return ft, nil
}

// latest returns the most recent transport for a role, or nil.
func (ff *fakeFactory) latest(role CallRole) *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	list := ff.byRole[role]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (ff *fakeFactory) count(role CallRole) int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.byRole[role])
}

// newMonitorFixture joins a monitor to call-1 over a live push channel.
func newMonitorFixture(t *testing.T) (*CallMonitor, *fakeFactory, *pushServer, *Notifier) {
	t.Helper()
	ps := newPushServer(t)
	pc := ps.connect(t, nil)
	ff := newFakeFactory()
	notifier := NewNotifier()
	m := NewCallMonitor(pc, notifier, ff.new)

	if err := m.Join(context.Background(), "call-1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	ps.awaitCommand(t, CmdMonitorJoin)
	return m, ff, ps, notifier
}

func offer(role CallRole) MonitorOfferPayload {
	return MonitorOfferPayload{CallID: "call-1", Role: role, SDP: "offer-" + string(role)}
}

// ============================================================================
// Join and offer handling
// ============================================================================

func TestMonitorJoin(t *testing.T) {
	m, _, _, _ := newMonitorFixture(t)

	sessions := m.Sessions()
	for _, role := range []CallRole{RoleCaller, RoleReceiver} {
		if sessions[role].State != SessionAwaitingOffer {
			t.Fatalf("%s should await its offer, got %s", role, sessions[role].State)
		}
	}

	if err := m.Join(context.Background(), "call-2"); err == nil {
		t.Fatal("joining a second call while active should fail")
	}
}

func TestMonitorOffer(t *testing.T) {
	t.Run("answers passively and connects on media", func(t *testing.T) {
		m, ff, ps, _ := newMonitorFixture(t)

		m.HandleOffer(offer(RoleCaller))

		ft := ff.latest(RoleCaller)
		if ft == nil {
			t.Fatal("no transport created for the caller leg")
		}
		if ft.offerSDP != "offer-caller" {
			t.Fatalf("offer not applied: %q", ft.offerSDP)
		}

		cmd := ps.awaitCommand(t, CmdMonitorAnswer)
		var answer MonitorAnswerPayload
		decodeCommandPayload(t, cmd, &answer)
		if answer.Role != RoleCaller || answer.SDP != "fake-answer" {
			t.Fatalf("unexpected answer: %+v", answer)
		}

		if m.Sessions()[RoleCaller].State != SessionAwaitingOffer {
			t.Fatal("session should not be connected before media arrives")
		}
		ft.emitTrack("track-1", "video")
		if got := m.Sessions()[RoleCaller]; got.State != SessionConnected || !got.HasStream {
			t.Fatalf("media arrival should connect the session: %+v", got)
		}
	})

	t.Run("legs are independent", func(t *testing.T) {
		m, ff, _, _ := newMonitorFixture(t)

		m.HandleOffer(offer(RoleCaller))
		ff.latest(RoleCaller).emitTrack("t1", "audio")

		sessions := m.Sessions()
		if sessions[RoleCaller].State != SessionConnected {
			t.Fatal("caller leg should be connected")
		}
		if sessions[RoleReceiver].State != SessionAwaitingOffer {
			t.Fatal("receiver leg must be unaffected")
		}
	})

	t.Run("replacement offer tears the old session down first", func(t *testing.T) {
		m, ff, _, _ := newMonitorFixture(t)

		m.HandleOffer(offer(RoleCaller))
		first := ff.latest(RoleCaller)

		m.HandleOffer(offer(RoleCaller))
		if ff.count(RoleCaller) != 2 {
			t.Fatalf("expected a second transport, got %d", ff.count(RoleCaller))
		}
		waitFor(t, "old transport to close", first.isClosed)
		if m.ActiveSessions() != 1 {
			t.Fatalf("exactly one caller session may exist, got %d active", m.ActiveSessions())
		}

		// A late track on the replaced transport must not touch the new
		// session.
		first.emitTrack("stale", "video")
		if m.Sessions()[RoleCaller].HasStream {
			t.Fatal("stale track from the replaced session leaked through")
		}
	})

	t.Run("offer for another call is ignored", func(t *testing.T) {
		m, ff, _, _ := newMonitorFixture(t)
		m.HandleOffer(MonitorOfferPayload{CallID: "call-OTHER", Role: RoleCaller, SDP: "x"})
		if ff.count(RoleCaller) != 0 {
			t.Fatal("offer for a different call created a session")
		}
	})
}

func TestMonitorEarlyCandidates(t *testing.T) {
	m, ff, _, _ := newMonitorFixture(t)

	// Candidates race ahead of the offer.
	m.HandleRemoteCandidate(MonitorCandidatePayload{
		CallID: "call-1", Role: RoleCaller,
		Candidate: ICECandidate{Candidate: "cand-1"},
	})
	m.HandleRemoteCandidate(MonitorCandidatePayload{
		CallID: "call-1", Role: RoleCaller,
		Candidate: ICECandidate{Candidate: "cand-2"},
	})

	m.HandleOffer(offer(RoleCaller))
	ft := ff.latest(RoleCaller)
	if ft.candidateCount() != 2 {
		t.Fatalf("early candidates not applied after the offer, got %d", ft.candidateCount())
	}

	// Later candidates go straight through.
	m.HandleRemoteCandidate(MonitorCandidatePayload{
		CallID: "call-1", Role: RoleCaller,
		Candidate: ICECandidate{Candidate: "cand-3"},
	})
	if ft.candidateCount() != 3 {
		t.Fatal("late candidate not forwarded")
	}
}

func TestMonitorLocalCandidateForwarding(t *testing.T) {
	m, ff, ps, _ := newMonitorFixture(t)

	m.HandleOffer(offer(RoleReceiver))
	ps.awaitCommand(t, CmdMonitorAnswer)

	ff.latest(RoleReceiver).emitCandidate(ICECandidate{Candidate: "local-cand"})

	cmd := ps.awaitCommand(t, CmdMonitorCandidate)
	var p MonitorCandidatePayload
	decodeCommandPayload(t, cmd, &p)
	if p.Role != RoleReceiver || p.Candidate.Candidate != "local-cand" {
		t.Fatalf("unexpected candidate payload: %+v", p)
	}
}

// ============================================================================
// Teardown
// ============================================================================

func TestMonitorCallEnded(t *testing.T) {
	m, ff, _, _ := newMonitorFixture(t)
	m.HandleOffer(offer(RoleCaller))
	m.HandleOffer(offer(RoleReceiver))

	m.HandleCallEnded("call-1")

	if m.Active() {
		t.Fatal("monitor should deactivate when the call ends")
	}
	if m.ActiveSessions() != 0 {
		t.Fatal("call end left sessions open")
	}
	if !ff.latest(RoleCaller).isClosed() || !ff.latest(RoleReceiver).isClosed() {
		t.Fatal("transports not released on call end")
	}
}

func TestMonitorClose(t *testing.T) {
	m, ff, _, _ := newMonitorFixture(t)
	m.HandleOffer(offer(RoleCaller))
	m.HandleOffer(offer(RoleReceiver))

	m.Close()
	if m.ActiveSessions() != 0 {
		t.Fatal("Close must leave zero active sessions")
	}
	if !ff.latest(RoleCaller).isClosed() || !ff.latest(RoleReceiver).isClosed() {
		t.Fatal("Close did not release the transports")
	}

	// Idempotent.
	m.Close()
	if m.Active() {
		t.Fatal("monitor active after Close")
	}
}

func TestMonitorError(t *testing.T) {
	m, ff, _, notifier := newMonitorFixture(t)
	m.HandleOffer(offer(RoleCaller))

	var mu sync.Mutex
	var notices []Notice
	notifier.OnNotice(func(n Notice) {
		mu.Lock()
		notices = append(notices, n)
		mu.Unlock()
	})

	m.HandleMonitorError(MonitorErrorPayload{CallID: "call-1", Code: "NOT_AUTHORIZED", Message: "nope"})

	if m.Active() {
		t.Fatal("monitor should close on a server-side rejection")
	}
	if !ff.latest(RoleCaller).isClosed() {
		t.Fatal("rejection did not release the transport")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(notices) != 1 || notices[0].Severity != SeverityBlocking {
		t.Fatalf("expected one blocking notice, got %+v", notices)
	}
}

func TestMonitorTransportFailure(t *testing.T) {
	m, ff, _, _ := newMonitorFixture(t)
	m.HandleOffer(offer(RoleCaller))
	m.HandleOffer(offer(RoleReceiver))

	ff.latest(RoleCaller).emitState(TransportFailed)

	sessions := m.Sessions()
	if sessions[RoleCaller].State != SessionClosed {
		t.Fatal("failed leg should close")
	}
	if sessions[RoleReceiver].State != SessionAwaitingOffer {
		t.Fatal("failure must not spill onto the other leg")
	}

	// Close noise from an already-closed leg is ignored.
	ff.latest(RoleCaller).emitState(TransportClosed)
}

// ============================================================================
// Force termination
// ============================================================================

func TestForceEnd(t *testing.T) {
	t.Run("success closes the monitor", func(t *testing.T) {
		m, _, ps, _ := newMonitorFixture(t)
		m.HandleOffer(offer(RoleCaller))
		ps.awaitCommand(t, CmdMonitorAnswer)

		done := make(chan error, 1)
		go func() { done <- m.ForceEnd(context.Background(), "call-1", "policy violation") }()

		cmd := ps.awaitCommand(t, CmdForceEndCall)
		var p ForceEndPayload
		decodeCommandPayload(t, cmd, &p)
		if p.CallID != "call-1" || p.Reason != "policy violation" {
			t.Fatalf("unexpected force-end payload: %+v", p)
		}

		ps.emit(t, EventForceEndSuccess, ForceEndResultPayload{CallID: "call-1"})
		if err := <-done; err != nil {
			t.Fatalf("force end failed: %v", err)
		}
		if m.Active() || m.ActiveSessions() != 0 {
			t.Fatal("successful force end should close the monitor")
		}
	})

	t.Run("failure leaves the monitor open", func(t *testing.T) {
		m, _, ps, _ := newMonitorFixture(t)
		m.HandleOffer(offer(RoleCaller))
		ps.awaitCommand(t, CmdMonitorAnswer)

		done := make(chan error, 1)
		go func() { done <- m.ForceEnd(context.Background(), "call-1", "") }()
		ps.awaitCommand(t, CmdForceEndCall)

		ps.emit(t, EventForceEndError, ForceEndResultPayload{CallID: "call-1", Message: "already ended"})
		if err := <-done; err == nil {
			t.Fatal("expected force end error")
		}
		if !m.Active() || m.ActiveSessions() != 1 {
			t.Fatal("failed force end must not tear the monitor down")
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		m, _, ps, _ := newMonitorFixture(t)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() { done <- m.ForceEnd(ctx, "call-1", "") }()
		ps.awaitCommand(t, CmdForceEndCall)

		cancel()
		if err := <-done; err == nil {
			t.Fatal("cancelled force end should error")
		}
	})

	t.Run("duplicate pending request is rejected", func(t *testing.T) {
		m, _, ps, _ := newMonitorFixture(t)

		done := make(chan error, 1)
		go func() { done <- m.ForceEnd(context.Background(), "call-1", "") }()
		ps.awaitCommand(t, CmdForceEndCall)

		if err := m.ForceEnd(context.Background(), "call-1", ""); err == nil {
			t.Fatal("second pending force end for the same call should fail")
		}

		ps.emit(t, EventForceEndSuccess, ForceEndResultPayload{CallID: "call-1"})
		if err := <-done; err != nil {
			t.Fatalf("original force end failed: %v", err)
		}
	})
}

func TestMonitorFactoryFailure(t *testing.T) {
	ps := newPushServer(t)
	pc := ps.connect(t, nil)
	ff := newFakeFactory()
	ff.err = fmt.Errorf("no media devices")
	m := NewCallMonitor(pc, NewNotifier(), ff.new)

	if err := m.Join(context.Background(), "call-1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	m.HandleOffer(offer(RoleCaller))
	if m.Sessions()[RoleCaller].State != SessionClosed {
		t.Fatal("factory failure should close the leg")
	}
	if m.ActiveSessions() != 0 {
		t.Fatal("factory failure left a session behind")
	}
}
