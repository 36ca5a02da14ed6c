package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type ServerConfig struct {
	// Secret is the deployment-wide token clients must present. Never logged.
	Secret string
	// CertDir is where the TLS identity is persisted and reloaded from.
	CertDir string
	// AuthTimeout bounds how long a connection may stay unauthenticated.
	AuthTimeout     time.Duration
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Logger          *slog.Logger

	// OnMessage receives envelopes from authenticated connections only.
	OnMessage func(conn *Conn, msg *Message)
	// OnConnectionClose fires once per connection after its transport closed,
	// whether locally, remotely or by auth timeout.
	OnConnectionClose func(conn *Conn, code int, reason string)
}

func DefaultServerConfig(secret, certDir string) ServerConfig {
	return ServerConfig{
		Secret:          secret,
		CertDir:         certDir,
		AuthTimeout:     DefaultAuthTimeout,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
		Logger:          slog.Default(),
	}
}

// Server accepts TLS WebSocket connections on /ws, runs the auth handshake
// and fans envelopes out to authenticated peers.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	registry *registry
	logger   *slog.Logger

	mu         sync.Mutex
	running    bool
	listener   net.Listener
	httpServer *http.Server

	wg sync.WaitGroup
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(r *http.Request) bool { return true }
	}

	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger: cfg.Logger,
	}
	s.registry = newRegistry(cfg.AuthTimeout, cfg.Logger, s.handleAuthTimeout)

	return s
}

// Start builds the TLS identity, binds the listener and begins accepting.
// Any failure leaves the server fully stopped; there is no partial-listening
// state. Starting an already running server is an error.
func (s *Server) Start(port int, address, san string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	identity, err := NewCertStore(s.cfg.CertDir, s.logger).Ensure(san)
	if err != nil {
		return fmt.Errorf("tls setup failed: %w", err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to bind %s:%d: %w", address, port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	})

	s.listener = tls.NewListener(ln, ServerTLSConfig(identity))
	s.httpServer = &http.Server{Handler: mux}
	s.running = true

	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped unexpectedly", "error", err)
		}
	}(s.httpServer, s.listener)

	s.logger.Info("websocket server started", "addr", s.listener.Addr().String())

	return nil
}

// Stop sends a close frame to every live connection, closes the listener and
// waits up to timeout for the connection handlers to drain. Stopping a server
// that is not running is a no-op with a warning.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Warn("stop requested but server is not running")
		return nil
	}
	s.running = false
	httpServer := s.httpServer
	s.listener = nil
	s.httpServer = nil
	s.mu.Unlock()

	for _, conn := range s.registry.allSnapshot() {
		conn.close(websocket.CloseGoingAway, "server shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrShutdownTimeout, err)
	}

	// Shutdown does not wait for hijacked WebSocket connections; their read
	// loops are tracked separately.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ErrShutdownTimeout
	}

	s.logger.Info("websocket server stopped")

	return nil
}

// IsRunning reports whether the listener is bound and accepting.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// Addr returns the bound listener address, or nil when not running. Useful
// when starting on port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Send writes an envelope to a single connection. A connection that is not
// live is a warning, not an error.
func (s *Server) Send(msg *Message, conn *Conn) {
	if conn == nil || !conn.isLive() {
		s.logger.Warn("cannot send message, connection is not live")
		return
	}

	if err := conn.send(msg); err != nil {
		s.logger.Error("failed to write message", "id", conn.id, "error", err)
	}
}

// BroadcastExceptSender delivers the envelope to every currently
// authenticated connection except sender, exactly once each.
func (s *Server) BroadcastExceptSender(msg *Message, sender *Conn) {
	for _, conn := range s.registry.authenticatedSnapshot() {
		if sender != nil && conn.id == sender.id {
			continue
		}
		s.Send(msg, conn)
	}

	s.logger.Debug("broadcast client message", "type", msg.Type)
}

// BroadcastAll delivers the envelope to every currently authenticated
// connection.
func (s *Server) BroadcastAll(msg *Message) {
	for _, conn := range s.registry.authenticatedSnapshot() {
		s.Send(msg, conn)
	}

	s.logger.Debug("broadcast server message", "type", msg.Type)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	conn := newConn(wsConn)
	s.registry.add(conn)

	s.logger.Info("client connected", "id", conn.id, "remote_addr", conn.RemoteAddr())

	s.wg.Add(1)
	s.readLoop(conn)
}

func (s *Server) readLoop(conn *Conn) {
	defer s.wg.Done()

	closeCode := websocket.CloseNormalClosure
	closeReason := "Disconnected"

	defer func() {
		s.registry.remove(conn)
		_ = conn.ws.Close()

		if s.cfg.OnConnectionClose != nil {
			s.cfg.OnConnectionClose(conn, closeCode, closeReason)
		}

		s.logger.Info("client disconnected", "id", conn.id)
	}()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				closeCode, closeReason = closeErr.Code, closeErr.Text
			} else {
				closeCode, closeReason = websocket.CloseAbnormalClosure, err.Error()
			}

			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
			) {
				s.logger.Error("read error", "id", conn.id, "error", err)
			}

			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			s.logger.Error("failed to parse message", "id", conn.id, "error", err)
			conn.close(websocket.CloseInvalidFramePayloadData, "malformed message")

			return
		}

		if msg.Type == TypeAuth {
			if !s.handleAuth(conn, msg) {
				return
			}

			continue
		}

		if conn.IsAuthenticated() {
			if s.cfg.OnMessage != nil {
				go s.cfg.OnMessage(conn, msg)
			}
		} else {
			s.logger.Debug("dropping message from unauthenticated connection",
				"id", conn.id, "type", msg.Type)
		}
	}
}

// handleAuth consumes an auth envelope; auth envelopes are never forwarded to
// OnMessage. Returns false once the connection has been rejected and closed.
// Rejections always reply with a status before the socket closes, so the peer
// can tell "rejected" apart from a network failure.
func (s *Server) handleAuth(conn *Conn, msg *Message) bool {
	if conn.IsAuthenticated() {
		s.logger.Debug("ignoring auth envelope from authenticated connection", "id", conn.id)
		return true
	}

	if validateAuth(s.cfg.Secret, msg) == authOK {
		if !s.registry.promote(conn) {
			// Lost the race against the auth timer.
			return false
		}

		s.Send(NewMessage(TypeAuth).WithStatus(StatusAuthenticated), conn)
		s.logger.Info("client authenticated successfully",
			"id", conn.id, "remote_addr", conn.RemoteAddr())

		return true
	}

	s.registry.reject(conn)

	if err := conn.send(NewMessage(TypeAuth).WithStatus(StatusUnauthenticated)); err != nil {
		s.logger.Error("failed to send auth reply", "id", conn.id, "error", err)
	}
	conn.close(websocket.ClosePolicyViolation, "authentication failed")

	s.logger.Warn("client failed to authenticate",
		"id", conn.id, "remote_addr", conn.RemoteAddr())

	return false
}

// handleAuthTimeout sends the timeout notice and closes the socket. The read
// loop then observes the closed transport and runs the shared teardown.
func (s *Server) handleAuthTimeout(conn *Conn) {
	s.logger.Warn("authentication timeout", "id", conn.id, "remote_addr", conn.RemoteAddr())

	notice := NewMessage(TypeAuth).
		AddToBody("message", "Authentication timeout.").
		WithStatus(StatusError)

	if err := conn.send(notice); err != nil {
		s.logger.Error("failed to send timeout notice", "id", conn.id, "error", err)
	}
	conn.close(websocket.ClosePolicyViolation, "authentication timeout")
}
