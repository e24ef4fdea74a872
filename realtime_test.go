package console

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Server
// ============================================================================

// pushServer is a websocket endpoint that records client commands and can
// inject server events.
type pushServer struct {
	t    *testing.T
	srv  *httptest.Server
	cmds chan Command

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{t: t, cmds: make(chan Command, 64)}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ps.mu.Lock()
		ps.conns = append(ps.conns, conn)
		ps.mu.Unlock()

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd Command
			if json.Unmarshal(data, &cmd) == nil {
				ps.cmds <- cmd
			}
		}
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) newClient() *Client {
	return NewClient("test-token", WithBaseURL(ps.srv.URL), WithOperator(testOperator))
}

// connect dials a push channel against the server and tears it down with the
// test.
func (ps *pushServer) connect(t *testing.T, config *PushConfig) *PushChannel {
	t.Helper()
	pc := NewPushChannel(ps.newClient(), config)
	if err := pc.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { _ = pc.Disconnect() })
	return pc
}

// emit pushes one server event to every connected client.
func (ps *pushServer) emit(t *testing.T, eventType string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env, _ := json.Marshal(Envelope{Type: eventType, Payload: data})

	ps.mu.Lock()
	conns := append([]*websocket.Conn{}, ps.conns...)
	ps.mu.Unlock()
	for _, conn := range conns {
		if err := conn.Write(context.Background(), websocket.MessageText, env); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}
}

// awaitCommand returns the next non-presence command of the given type.
func (ps *pushServer) awaitCommand(t *testing.T, cmdType string) Command {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case cmd := <-ps.cmds:
			if cmd.Type == cmdType {
				return cmd
			}
			if cmd.Type == CmdPresence {
				continue
			}
			t.Fatalf("expected command %q, got %q", cmdType, cmd.Type)
		case <-deadline:
			t.Fatalf("timed out waiting for command %q", cmdType)
		}
	}
}

func decodeCommandPayload(t *testing.T, cmd Command, v interface{}) {
	t.Helper()
	data, err := json.Marshal(cmd.Payload)
	if err != nil {
		t.Fatalf("re-marshal payload: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestPushChannelConnect(t *testing.T) {
	ps := newPushServer(t)
	pc := ps.connect(t, nil)

	if pc.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", pc.State())
	}

	// Connecting twice is a no-op.
	if err := pc.Connect(context.Background()); err != nil {
		t.Fatalf("second connect errored: %v", err)
	}

	if err := pc.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if pc.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", pc.State())
	}
}

func TestPushChannelPresenceHeartbeat(t *testing.T) {
	ps := newPushServer(t)
	ps.connect(t, &PushConfig{PresenceInterval: 10 * time.Millisecond})

	// The first beat goes out immediately on connect.
	cmd := ps.awaitCommand(t, CmdPresence)
	var p PresencePayload
	decodeCommandPayload(t, cmd, &p)
	if p.UserID != testOperator.UserID {
		t.Fatalf("heartbeat carries wrong user: %q", p.UserID)
	}
}

// ============================================================================
// Event dispatch
// ============================================================================

func TestPushChannelDispatch(t *testing.T) {
	t.Run("typed comment update handler", func(t *testing.T) {
		ps := newPushServer(t)
		pc := ps.connect(t, nil)

		got := make(chan CommentUpdatePayload, 1)
		pc.OnCommentUpdate(func(p CommentUpdatePayload) { got <- p })

		ps.emit(t, EventCommentUpdate, CommentUpdatePayload{
			BookingID: "booking-1",
			Action:    CommentNew,
			Message:   serverMsg("m1", "buyer-1", "hello", 0),
		})

		select {
		case p := <-got:
			if p.Message.ID != "m1" || p.Action != CommentNew {
				t.Fatalf("unexpected payload: %+v", p)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("comment update never dispatched")
		}
	})

	t.Run("generic handler sees raw payload", func(t *testing.T) {
		ps := newPushServer(t)
		pc := ps.connect(t, nil)

		got := make(chan json.RawMessage, 1)
		pc.On(EventChatCleared, func(eventType string, payload json.RawMessage) { got <- payload })

		ps.emit(t, EventChatCleared, BookingEventPayload{BookingID: "booking-1"})

		select {
		case raw := <-got:
			var p BookingEventPayload
			if err := json.Unmarshal(raw, &p); err != nil || p.BookingID != "booking-1" {
				t.Fatalf("unexpected raw payload: %s", raw)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("generic handler never dispatched")
		}
	})

	t.Run("bound router applies events to the store", func(t *testing.T) {
		ps := newPushServer(t)
		pc := ps.connect(t, nil)

		store := newTestStore()
		router := NewRouter(store, NewNotifier(), testOperator)
		router.Bind(pc)

		ps.emit(t, EventCommentUpdate, CommentUpdatePayload{
			BookingID: "booking-1",
			Action:    CommentNew,
			Message:   serverMsg("m1", "buyer-1", "hello", 0),
		})
		waitFor(t, "message to reach the store", func() bool { return store.Has("m1") })

		ps.emit(t, EventCommentRead, ReceiptPayload{
			BookingID: "booking-1",
			MessageID: "m1",
			UserID:    "buyer-1",
		})
		waitFor(t, "read receipt to apply", func() bool {
			m := store.Get("m1")
			return m != nil && m.Status == StatusRead
		})
	})
}

// ============================================================================
// Outbound commands
// ============================================================================

func TestEmitMessageRead(t *testing.T) {
	ps := newPushServer(t)
	pc := ps.connect(t, nil)

	err := pc.EmitMessageRead(context.Background(), "booking-1", []string{"m1", "m2"})
	if err != nil {
		t.Fatalf("emit failed: %v", err)
	}

	cmd := ps.awaitCommand(t, CmdMessageRead)
	var p MessageReadPayload
	decodeCommandPayload(t, cmd, &p)
	if p.BookingID != "booking-1" || len(p.MessageIDs) != 2 || p.UserID != testOperator.UserID {
		t.Fatalf("unexpected read payload: %+v", p)
	}
}

func TestSendWhenDisconnected(t *testing.T) {
	pc := NewPushChannel(NewClient("tok"), nil)
	if err := pc.Send(context.Background(), &Command{Type: CmdMessageRead}); err == nil {
		t.Fatal("send on disconnected channel should fail")
	}
}

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	cfg := &PushConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: time.Second, MaxReconnectAttempts: 3}
	r := newReconnector(cfg)

	var prev time.Duration
	for i := 0; i < 3; i++ {
		if !r.shouldReconnect() {
			t.Fatalf("attempt %d should be allowed", i)
		}
		d := r.nextDelay()
		if d < prev {
			t.Fatalf("delay went backwards: %v after %v", d, prev)
		}
		if d > cfg.ReconnectMaxDelay {
			t.Fatalf("delay exceeds cap: %v", d)
		}
		prev = d
	}
	if r.shouldReconnect() {
		t.Fatal("attempts should be exhausted")
	}
}
