package console

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// PushConfig configures the push channel.
type PushConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	PresenceInterval     time.Duration
}

func (c *PushConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.PresenceInterval == 0 {
		c.PresenceInterval = 25 * time.Second
	}
}

// PushState represents the connection state.
type PushState string

const (
	StateDisconnected PushState = "disconnected"
	StateConnecting   PushState = "connecting"
	StateConnected    PushState = "connected"
	StateReconnecting PushState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// PushEventHandler is the generic event callback type.
type PushEventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu      sync.RWMutex
	generic map[string][]PushEventHandler

	onCommentUpdate    []func(CommentUpdatePayload)
	onCommentDelivered []func(ReceiptPayload)
	onCommentRead      []func(ReceiptPayload)
	onBooking          []func(string, BookingEventPayload)
	onCallEnded        []func(CallEndedPayload)
	onMonitorStarted   []func(MonitorStartedPayload)
	onMonitorOffer     []func(MonitorOfferPayload)
	onMonitorCandidate []func(MonitorCandidatePayload)
	onMonitorError     []func(MonitorErrorPayload)
	onForceEndResult   []func(bool, ForceEndResultPayload)

	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]PushEventHandler),
	}
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case EventCommentUpdate:
		var p CommentUpdatePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onCommentUpdate {
				go h(p)
			}
		}
	case EventCommentDelivered:
		var p ReceiptPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onCommentDelivered {
				go h(p)
			}
		}
	case EventCommentRead:
		var p ReceiptPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onCommentRead {
				go h(p)
			}
		}
	case EventAppointmentUpdate, EventPaymentStatusUpdated, EventAppointmentCreated, EventChatCleared:
		var p BookingEventPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			event := env.Type
			for _, h := range d.onBooking {
				go h(event, p)
			}
		}
	case EventCallEnded:
		var p CallEndedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onCallEnded {
				go h(p)
			}
		}
	case EventMonitorStarted:
		var p MonitorStartedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMonitorStarted {
				go h(p)
			}
		}
	case EventMonitorOffer:
		var p MonitorOfferPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMonitorOffer {
				go h(p)
			}
		}
	case EventMonitorCandidate:
		var p MonitorCandidatePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMonitorCandidate {
				go h(p)
			}
		}
	case EventMonitorError:
		var p MonitorErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMonitorError {
				go h(p)
			}
		}
	case EventForceEndSuccess, EventForceEndError:
		var p ForceEndResultPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			ok := env.Type == EventForceEndSuccess
			for _, h := range d.onForceEndResult {
				go h(ok, p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		handler := h // capture
		go handler(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *PushConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// PushChannel
// ============================================================================

// PushChannel is the persistent websocket connection carrying asynchronous
// events from the backend and admin commands to it, with auto-reconnect and a
// presence heartbeat.
type PushChannel struct {
	client           *Client
	config           *PushConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            PushState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewPushChannel creates a push channel for the client's account. Call
// Connect to establish the connection.
func NewPushChannel(client *Client, config *PushConfig) *PushChannel {
	cfg := PushConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &PushChannel{
		client:     client,
		config:     &cfg,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// OnCommentUpdate registers a handler for message create/edit/delete events.
func (pc *PushChannel) OnCommentUpdate(h func(CommentUpdatePayload)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onCommentUpdate = append(pc.dispatcher.onCommentUpdate, h)
	pc.dispatcher.mu.Unlock()
}

// OnCommentDelivered registers a handler for delivery receipts.
func (pc *PushChannel) OnCommentDelivered(h func(ReceiptPayload)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onCommentDelivered = append(pc.dispatcher.onCommentDelivered, h)
	pc.dispatcher.mu.Unlock()
}

// OnCommentRead registers a handler for read receipts.
func (pc *PushChannel) OnCommentRead(h func(ReceiptPayload)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onCommentRead = append(pc.dispatcher.onCommentRead, h)
	pc.dispatcher.mu.Unlock()
}

// OnBookingEvent registers a handler for booking-level events
// (appointmentUpdate, paymentStatusUpdated, appointmentCreated, chatCleared).
func (pc *PushChannel) OnBookingEvent(h func(eventType string, p BookingEventPayload)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onBooking = append(pc.dispatcher.onBooking, h)
	pc.dispatcher.mu.Unlock()
}

// OnCallEnded registers a handler for call termination events.
func (pc *PushChannel) OnCallEnded(h func(CallEndedPayload)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onCallEnded = append(pc.dispatcher.onCallEnded, h)
	pc.dispatcher.mu.Unlock()
}

// OnMonitorStarted registers a handler for monitor-join confirmations.
func (pc *PushChannel) OnMonitorStarted(h func(MonitorStartedPayload)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onMonitorStarted = append(pc.dispatcher.onMonitorStarted, h)
	pc.dispatcher.mu.Unlock()
}

// OnMonitorOffer registers a handler for inbound media offers.
func (pc *PushChannel) OnMonitorOffer(h func(MonitorOfferPayload)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onMonitorOffer = append(pc.dispatcher.onMonitorOffer, h)
	pc.dispatcher.mu.Unlock()
}

// OnMonitorCandidate registers a handler for inbound network-path candidates.
func (pc *PushChannel) OnMonitorCandidate(h func(MonitorCandidatePayload)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onMonitorCandidate = append(pc.dispatcher.onMonitorCandidate, h)
	pc.dispatcher.mu.Unlock()
}

// OnMonitorError registers a handler for monitor failures.
func (pc *PushChannel) OnMonitorError(h func(MonitorErrorPayload)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onMonitorError = append(pc.dispatcher.onMonitorError, h)
	pc.dispatcher.mu.Unlock()
}

// OnForceEndResult registers a handler for force-termination outcomes.
func (pc *PushChannel) OnForceEndResult(h func(ok bool, p ForceEndResultPayload)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onForceEndResult = append(pc.dispatcher.onForceEndResult, h)
	pc.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (pc *PushChannel) OnConnected(h func()) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onConnected = append(pc.dispatcher.onConnected, h)
	pc.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (pc *PushChannel) OnDisconnected(h func(code int, reason string)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onDisconnected = append(pc.dispatcher.onDisconnected, h)
	pc.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (pc *PushChannel) OnReconnecting(h func(attempt int, delay time.Duration)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onReconnecting = append(pc.dispatcher.onReconnecting, h)
	pc.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (pc *PushChannel) On(eventType string, h PushEventHandler) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.generic[eventType] = append(pc.dispatcher.generic[eventType], h)
	pc.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (pc *PushChannel) State() PushState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// Connect establishes the websocket connection and starts the read and
// presence loops.
func (pc *PushChannel) Connect(ctx context.Context) error {
	pc.mu.Lock()
	if pc.state == StateConnected || pc.state == StateConnecting {
		pc.mu.Unlock()
		return nil
	}
	pc.state = StateConnecting
	pc.intentionalClose = false
	pc.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, pc.client.PushURL(), nil)
	if err != nil {
		pc.mu.Lock()
		pc.state = StateDisconnected
		pc.mu.Unlock()
		return fmt.Errorf("push channel dial: %w", err)
	}

	pc.mu.Lock()
	pc.conn = conn
	pc.state = StateConnected
	pc.mu.Unlock()
	pc.recon.markConnected()

	pc.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	pc.mu.Lock()
	pc.cancelFn = cancel
	pc.mu.Unlock()

	go pc.readLoop(connCtx)
	go pc.presenceLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (pc *PushChannel) Disconnect() error {
	pc.mu.Lock()
	pc.intentionalClose = true
	if pc.cancelFn != nil {
		pc.cancelFn()
		pc.cancelFn = nil
	}
	conn := pc.conn
	pc.conn = nil
	pc.state = StateDisconnected
	pc.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	pc.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// Send sends a raw command over the push channel.
func (pc *PushChannel) Send(ctx context.Context, cmd *Command) error {
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// EmitMessageRead mirrors a mark-as-read on the push channel so the
// participants' clients update without a refetch.
func (pc *PushChannel) EmitMessageRead(ctx context.Context, bookingID string, messageIDs []string) error {
	return pc.Send(ctx, &Command{
		Type: CmdMessageRead,
		Payload: MessageReadPayload{
			BookingID:  bookingID,
			MessageIDs: messageIDs,
			UserID:     pc.client.Operator().UserID,
		},
	})
}

func (pc *PushChannel) readLoop(ctx context.Context) {
	for {
		pc.mu.Lock()
		conn := pc.conn
		pc.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			pc.mu.Lock()
			intentional := pc.intentionalClose
			pc.mu.Unlock()
			if intentional {
				return
			}

			pc.mu.Lock()
			pc.state = StateDisconnected
			pc.conn = nil
			pc.mu.Unlock()

			pc.dispatcher.emitDisconnected(0, err.Error())

			if pc.config.AutoReconnect && pc.recon.shouldReconnect() {
				pc.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		pc.dispatcher.dispatch(env)
	}
}

// presenceLoop emits the operator presence heartbeat while connected.
func (pc *PushChannel) presenceLoop(ctx context.Context) {
	beat := func() {
		_ = pc.Send(ctx, &Command{
			Type:    CmdPresence,
			Payload: PresencePayload{UserID: pc.client.Operator().UserID},
		})
	}
	beat()

	ticker := time.NewTicker(pc.config.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pc.mu.Lock()
			s := pc.state
			pc.mu.Unlock()
			if s != StateConnected {
				return
			}
			beat()
		}
	}
}

func (pc *PushChannel) scheduleReconnect(ctx context.Context) {
	delay := pc.recon.nextDelay()
	pc.mu.Lock()
	pc.state = StateReconnecting
	pc.mu.Unlock()

	pc.dispatcher.emitReconnecting(pc.recon.attempt, delay)

	time.Sleep(delay)

	if err := pc.Connect(context.Background()); err != nil {
		if pc.config.AutoReconnect && pc.recon.shouldReconnect() {
			pc.scheduleReconnect(ctx)
		} else {
			pc.mu.Lock()
			pc.state = StateDisconnected
			pc.mu.Unlock()
		}
	}
}
