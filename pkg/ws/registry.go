package ws

import (
	"crypto/subtle"
	"log/slog"
	"sync"
	"time"
)

// DefaultAuthTimeout is how long a connection may stay pending before the
// server rejects it.
const DefaultAuthTimeout = 5 * time.Second

type authResult int

const (
	authOK authResult = iota
	authBadSecret
	authMalformed
)

// validateAuth classifies an auth envelope against the shared secret. Pure
// validation; the caller applies the reply and close side effects.
func validateAuth(secret string, msg *Message) authResult {
	received, ok := msg.BodyString("secret")
	if !ok {
		return authMalformed
	}

	if subtle.ConstantTimeCompare([]byte(received), []byte(secret)) != 1 {
		return authBadSecret
	}

	return authOK
}

// registry owns every connection and is the only component that moves them
// between the pending and authenticated sets.
type registry struct {
	authTimeout time.Duration
	logger      *slog.Logger

	mu            sync.RWMutex
	pending       map[string]*Conn
	authenticated map[string]*Conn

	// onAuthTimeout runs outside the registry locks when a pending
	// connection's timer fires.
	onAuthTimeout func(conn *Conn)
}

func newRegistry(authTimeout time.Duration, logger *slog.Logger, onAuthTimeout func(*Conn)) *registry {
	if authTimeout <= 0 {
		authTimeout = DefaultAuthTimeout
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &registry{
		authTimeout:   authTimeout,
		logger:        logger,
		pending:       make(map[string]*Conn),
		authenticated: make(map[string]*Conn),
		onAuthTimeout: onAuthTimeout,
	}
}

// add registers a fresh connection as pending and arms its one-shot auth
// timer.
func (r *registry) add(conn *Conn) {
	r.mu.Lock()
	r.pending[conn.id] = conn
	r.mu.Unlock()

	conn.mu.Lock()
	conn.authTimer = time.AfterFunc(r.authTimeout, func() { r.expire(conn) })
	conn.mu.Unlock()
}

// expire runs when the auth timer elapses. Expiry and promotion both take
// conn.mu and re-check the state under it, so a timer that lost the race to
// promote is a no-op and can never close an authenticated connection.
func (r *registry) expire(conn *Conn) {
	conn.mu.Lock()
	if conn.state != statePending {
		conn.mu.Unlock()
		return
	}
	conn.state = stateClosed
	conn.mu.Unlock()

	r.mu.Lock()
	delete(r.pending, conn.id)
	r.mu.Unlock()

	if r.onAuthTimeout != nil {
		r.onAuthTimeout(conn)
	}
}

// promote atomically cancels the auth timer and marks the connection
// authenticated. Returns false when the connection is no longer pending, in
// which case nothing changed.
func (r *registry) promote(conn *Conn) bool {
	conn.mu.Lock()
	if conn.state != statePending {
		conn.mu.Unlock()
		return false
	}
	conn.state = stateAuthenticated
	if conn.authTimer != nil {
		conn.authTimer.Stop()
	}
	conn.mu.Unlock()

	r.mu.Lock()
	delete(r.pending, conn.id)
	r.authenticated[conn.id] = conn
	r.mu.Unlock()

	return true
}

// reject marks a pending connection closed after a failed handshake and drops
// it from the sets.
func (r *registry) reject(conn *Conn) {
	conn.mu.Lock()
	if conn.state == stateClosed {
		conn.mu.Unlock()
		return
	}
	conn.state = stateClosed
	if conn.authTimer != nil {
		conn.authTimer.Stop()
	}
	conn.mu.Unlock()

	r.mu.Lock()
	delete(r.pending, conn.id)
	delete(r.authenticated, conn.id)
	r.mu.Unlock()
}

// remove drops a connection from both sets once its transport closed, local
// or remote.
func (r *registry) remove(conn *Conn) {
	conn.mu.Lock()
	conn.state = stateClosed
	if conn.authTimer != nil {
		conn.authTimer.Stop()
	}
	conn.mu.Unlock()

	r.mu.Lock()
	delete(r.pending, conn.id)
	delete(r.authenticated, conn.id)
	r.mu.Unlock()
}

// authenticatedSnapshot copies the authenticated set so broadcast iteration
// tolerates concurrent membership changes.
func (r *registry) authenticatedSnapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.authenticated))
	for _, conn := range r.authenticated {
		conns = append(conns, conn)
	}

	return conns
}

// allSnapshot copies both sets, for shutdown.
func (r *registry) allSnapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.pending)+len(r.authenticated))
	for _, conn := range r.pending {
		conns = append(conns, conn)
	}
	for _, conn := range r.authenticated {
		conns = append(conns, conn)
	}

	return conns
}

func (r *registry) pendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.pending)
}

func (r *registry) authenticatedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.authenticated)
}
