// Package notify implements a fire-and-forget push of mutation
// events to a locally running dashboard. It never blocks the
// transaction that produced the event and never surfaces its own
// failures to the caller: a missing dashboard is the normal case,
// not an error.
package notify

import (
	"encoding/json"
	"net"
	"strconv"
	"time"

	"intentengine/internal/logging"
)

// EventKind names the mutation kinds the Dashboard Service relays to
// connected WebSocket clients.
type EventKind string

const (
	EventTaskCreated       EventKind = "task_created"
	EventTaskUpdated       EventKind = "task_updated"
	EventTaskFocused       EventKind = "task_focused"
	EventTaskUnfocused     EventKind = "task_unfocused"
	EventTaskDeleted       EventKind = "task_deleted"
	EventAdded             EventKind = "event_added"
	EventDependencyAdded   EventKind = "dependency_added"
	EventDependencyRemoved EventKind = "dependency_removed"
)

// Payload is the JSON object pushed to the dashboard's notify socket,
// using the same {version, type, payload, timestamp} envelope the
// Dashboard Service relays verbatim to its WebSocket clients.
type Payload struct {
	Version   string    `json:"version"`
	Type      EventKind `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp string    `json:"timestamp"`
}

// Notifier pushes payloads to a loopback TCP listener the Dashboard
// Service owns. Its zero value is usable; Disabled notifiers are a
// normal configuration (no dashboard running).
type Notifier struct {
	addr    string
	timeout time.Duration
}

// New builds a Notifier targeting 127.0.0.1:port, bounding every
// push attempt to timeout so a stalled or absent dashboard never
// delays the CLI command that triggered it.
func New(port int, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Notifier{addr: addrFor(port), timeout: timeout}
}

func addrFor(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// Push sends payload in a new goroutine and returns immediately. Any
// connection failure is swallowed and logged at debug level only: a
// notification must never surface an error to the caller or block
// the transaction that triggered it.
func (n *Notifier) Push(kind EventKind, data any) {
	go n.push(kind, data)
}

func (n *Notifier) push(kind EventKind, data any) {
	body, err := json.Marshal(Payload{
		Version:   "1.0",
		Type:      kind,
		Payload:   data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logging.NotifyDebug("marshal payload: %v", err)
		return
	}

	conn, err := net.DialTimeout("tcp", n.addr, n.timeout)
	if err != nil {
		logging.NotifyDebug("dial %s: %v", n.addr, err)
		return
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(n.timeout))
	framed := append(body, '\n')
	if _, err := conn.Write(framed); err != nil {
		logging.NotifyDebug("write to %s: %v", n.addr, err)
		return
	}
	logging.NotifyDebug("pushed %s to %s (%d bytes)", kind, n.addr, len(body))
}

