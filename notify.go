package console

import "sync"

// ============================================================================
// Operator Notifications
// ============================================================================

// Severity classifies a user-visible notification.
//
// Transient notices are non-blocking toasts; blocking notices halt further
// action until resolved (authorization failures only).
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityError    Severity = "error"
	SeverityBlocking Severity = "blocking"
)

// Notice is one user-visible notification.
type Notice struct {
	Severity Severity
	Message  string
	Err      error
}

// NoticeHandler receives notices for display.
type NoticeHandler func(Notice)

// Notifier fans notices out to registered handlers. Handlers are invoked
// synchronously; a panicking handler is recovered so one bad listener cannot
// take down the event path.
type Notifier struct {
	mu       sync.RWMutex
	handlers []NoticeHandler
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// OnNotice registers a handler.
func (n *Notifier) OnNotice(h NoticeHandler) {
	n.mu.Lock()
	n.handlers = append(n.handlers, h)
	n.mu.Unlock()
}

// Notify delivers a notice to every handler.
func (n *Notifier) Notify(notice Notice) {
	n.mu.RLock()
	handlers := append([]NoticeHandler{}, n.handlers...)
	n.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(notice)
		}()
	}
}

// Info emits a transient informational notice.
func (n *Notifier) Info(msg string) {
	n.Notify(Notice{Severity: SeverityInfo, Message: msg})
}

// Errorf emits a transient error notice.
func (n *Notifier) Errorf(msg string, err error) {
	n.Notify(Notice{Severity: SeverityError, Message: msg, Err: err})
}

// Block emits a blocking notice.
func (n *Notifier) Block(msg string, err error) {
	n.Notify(Notice{Severity: SeverityBlocking, Message: msg, Err: err})
}
