package console

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// defaultICEServers are the public STUN servers used for candidate gathering.
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// pionTrack adapts a received pion track to RemoteTrack.
type pionTrack struct {
	track *webrtc.TrackRemote
}

func (t *pionTrack) ID() string   { return t.track.ID() }
func (t *pionTrack) Kind() string { return t.track.Kind().String() }

// pionTransport is the production PeerTransport: a recv-only pion peer
// connection that answers the participant's offer and never sends media.
type pionTransport struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	onCandidate func(ICECandidate)
	onTrack     func(RemoteTrack)
	onState     func(TransportState)
}

// NewPionTransportFactory returns a TransportFactory backed by pion peer
// connections. Pass it to NewCallMonitor.
func NewPionTransportFactory() TransportFactory {
	return func(CallRole) (PeerTransport, error) {
		return newPionTransport()
	}
}

func newPionTransport() (*pionTransport, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: defaultICEServers})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	t := &pionTransport{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		t.mu.Lock()
		h := t.onCandidate
		t.mu.Unlock()
		if h == nil {
			return
		}
		init := c.ToJSON()
		h(ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.mu.Lock()
		h := t.onTrack
		t.mu.Unlock()
		if h != nil {
			h(&pionTrack{track: tr})
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.mu.Lock()
		h := t.onState
		t.mu.Unlock()
		if h == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnecting:
			h(TransportConnecting)
		case webrtc.PeerConnectionStateConnected:
			h(TransportConnected)
		case webrtc.PeerConnectionStateFailed:
			h(TransportFailed)
		case webrtc.PeerConnectionStateClosed:
			h(TransportClosed)
		}
	})
	return t, nil
}

func (t *pionTransport) OnCandidate(h func(ICECandidate)) {
	t.mu.Lock()
	t.onCandidate = h
	t.mu.Unlock()
}

func (t *pionTransport) OnTrack(h func(RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = h
	t.mu.Unlock()
}

func (t *pionTransport) OnStateChange(h func(TransportState)) {
	t.mu.Lock()
	t.onState = h
	t.mu.Unlock()
}

// Answer applies the remote offer, declares recv-only transceivers, and
// returns the local answer after ICE gathering has started.
func (t *pionTransport) Answer(ctx context.Context, offerSDP string) (string, error) {
	// Recv-only transceivers go in first so they pair with the offer's
	// media sections instead of adding new ones.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		_, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return "", fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return t.pc.LocalDescription().SDP, nil
}

func (t *pionTransport) AddCandidate(c ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
