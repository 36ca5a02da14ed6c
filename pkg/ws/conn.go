package ws

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type connState int

const (
	statePending connState = iota
	stateAuthenticated
	stateClosed
)

// Conn is an opaque handle to one transport-level peer link. Only the
// registry that owns it may change its state.
type Conn struct {
	id string
	ws *websocket.Conn

	// mu guards state and authTimer. Auth-timer expiry and promotion both
	// check the state under this lock, which is what makes cancellation and
	// promotion a single atomic step.
	mu        sync.Mutex
	state     connState
	authTimer *time.Timer

	writeMu sync.Mutex
}

func newConn(wsConn *websocket.Conn) *Conn {
	return &Conn{
		id:    uuid.NewString(),
		ws:    wsConn,
		state: statePending,
	}
}

// ID returns the connection's unique identity.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// IsAuthenticated reports whether the connection passed the handshake.
func (c *Conn) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state == stateAuthenticated
}

func (c *Conn) isLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state != stateClosed
}

func (c *Conn) send(msg *Message) error {
	data, err := msg.Build()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// close sends a close frame and tears the socket down. Safe to call more
// than once.
func (c *Conn) close(code int, reason string) {
	frame := websocket.FormatCloseMessage(code, reason)

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	_ = c.ws.Close()
}
