package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type ClientConfig struct {
	// Secret is sent in the auth envelope right after the transport opens.
	Secret string
	// PinnedCertPath points at the exact server certificate to trust.
	PinnedCertPath string
	// Insecure trusts any certificate. Development only.
	Insecure         bool
	HandshakeTimeout time.Duration
	Logger           *slog.Logger

	// OnMessage receives post-auth application envelopes.
	OnMessage func(msg *Message)
	// AfterAuth fires once the server confirms authentication.
	AfterAuth func()
}

func DefaultClientConfig(secret, pinnedCertPath string) ClientConfig {
	return ClientConfig{
		Secret:           secret,
		PinnedCertPath:   pinnedCertPath,
		HandshakeTimeout: 45 * time.Second,
		Logger:           slog.Default(),
	}
}

// Client holds one outgoing TLS WebSocket connection. There is no automatic
// reconnection; after Done() closes the caller decides whether to dial again
// with a fresh Client.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	authenticated atomic.Bool
	done          chan struct{}
	closed        bool
	closedMu      sync.RWMutex
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}
}

// Connect dials wss://host:port/ws and immediately sends the auth envelope.
// Dial and TLS failures surface to the caller; there is no retry.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	tlsCfg, err := ClientTLSConfig(c.cfg.PinnedCertPath, c.cfg.Insecure)
	if err != nil {
		return fmt.Errorf("tls setup failed: %w", err)
	}

	u := fmt.Sprintf("wss://%s/ws", net.JoinHostPort(host, strconv.Itoa(port)))

	c.logger.Info("connecting to server", slog.String("url", u))

	dialer := websocket.Dialer{
		Proxy:            nil, // never go through HTTP_PROXY for peer links
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		TLSClientConfig:  tlsCfg,
	}

	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	auth := NewMessage(TypeAuth).AddToBody("secret", c.cfg.Secret)
	if err := c.write(auth); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to send auth message: %w", err)
	}

	c.logger.Info("connected to server", "url", u)

	go c.readLoop()

	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.authenticated.Store(false)

		c.closedMu.Lock()
		c.closed = true
		c.closedMu.Unlock()

		close(c.done)
	}()

	for {
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.ClosePolicyViolation,
			) {
				c.logger.Error("read error", "error", err)
			}

			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			c.logger.Error("failed to parse message", "error", err)
			continue
		}

		if msg.Type == TypeAuth {
			c.handleAuthReply(msg)
			continue
		}

		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(msg)
		}
	}
}

// handleAuthReply dispatches on the server's handshake verdict. An "error"
// status is logged and left to the caller; the server closes the socket on
// its side when it means to.
func (c *Client) handleAuthReply(msg *Message) {
	switch msg.Status {
	case StatusAuthenticated:
		c.logger.Info("authentication succeeded")
		c.authenticated.Store(true)

		if c.cfg.AfterAuth != nil {
			c.cfg.AfterAuth()
		}
	case StatusUnauthenticated:
		c.logger.Error("authentication failed")
		_ = c.Disconnect()
	case StatusError:
		reason, _ := msg.BodyString("message")
		c.logger.Warn("received error from server", "message", reason)
	default:
		c.logger.Error("received invalid auth status", "status", msg.Status)
	}
}

// SendMessage writes if connected and open; otherwise a no-op with a warning.
func (c *Client) SendMessage(msg *Message) {
	if c.IsClosed() {
		c.logger.Warn("client is not connected, so cannot send message")
		return
	}

	if err := c.write(msg); err != nil {
		c.logger.Warn("client is not connected, so cannot send message", "error", err)
	}
}

func (c *Client) write(msg *Message) error {
	data, err := msg.Build()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return ErrConnectionClosed
	}

	return conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect closes the transport if open.
func (c *Client) Disconnect() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		c.logger.Warn("client is not connected, so no need to disconnect")
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn == nil {
		return nil
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := conn.Close()
	c.logger.Info("disconnected successfully")

	return err
}

// Done closes once the connection has shut down for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// IsAuthenticated reports whether the server confirmed the handshake.
func (c *Client) IsAuthenticated() bool {
	return c.authenticated.Load()
}

func (c *Client) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()

	return c.closed
}
