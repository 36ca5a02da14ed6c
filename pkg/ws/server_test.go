package ws_test

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodefoundry/wslink/pkg/ws"
)

const testSecret = "correct-horse-battery-staple"

func startTestServer(t *testing.T, cfg ws.ServerConfig) (*ws.Server, int, string) {
	t.Helper()

	srv := ws.NewServer(cfg)
	if err := srv.Start(0, "127.0.0.1", "localhost"); err != nil {
		t.Fatalf("start server: %v", err)
	}

	t.Cleanup(func() {
		_ = srv.Stop(5 * time.Second)
	})

	addr, ok := srv.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected listener address type %T", srv.Addr())
	}

	return srv, addr.Port, filepath.Join(cfg.CertDir, "cert.pem")
}

// rawDial opens a WebSocket connection without the client handshake logic, so
// tests can drive the protocol by hand.
func rawDial(t *testing.T, port int) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
	}

	conn, _, err := dialer.Dial(fmt.Sprintf("wss://127.0.0.1:%d/ws", port), nil)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn
}

func rawSend(t *testing.T, conn *websocket.Conn, msg *ws.Message) {
	t.Helper()

	data, err := msg.Build()
	if err != nil {
		t.Fatalf("build message: %v", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func rawRead(t *testing.T, conn *websocket.Conn) *ws.Message {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}

	msg, err := ws.ParseMessage(data)
	if err != nil {
		t.Fatalf("parse message: %v", err)
	}

	return msg
}

func connectClient(t *testing.T, port int, certPath string, cfg ws.ClientConfig) (*ws.Client, chan struct{}) {
	t.Helper()

	authed := make(chan struct{}, 1)
	cfg.PinnedCertPath = certPath
	cfg.AfterAuth = func() { authed <- struct{}{} }

	client := ws.NewClient(cfg)
	if err := client.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("connect client: %v", err)
	}

	t.Cleanup(func() {
		_ = client.Disconnect()
	})

	return client, authed
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestServer_StartTwice(t *testing.T) {
	srv, _, _ := startTestServer(t, ws.DefaultServerConfig(testSecret, t.TempDir()))

	if err := srv.Start(0, "127.0.0.1", "localhost"); !errors.Is(err, ws.ErrAlreadyRunning) {
		t.Fatalf("second start: got %v, want ErrAlreadyRunning", err)
	}
}

func TestServer_StopIdempotent(t *testing.T) {
	srv, _, _ := startTestServer(t, ws.DefaultServerConfig(testSecret, t.TempDir()))

	if err := srv.Stop(5 * time.Second); err != nil {
		t.Fatalf("first stop: %v", err)
	}

	if srv.IsRunning() {
		t.Fatal("server still reports running after stop")
	}

	if err := srv.Stop(5 * time.Second); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestServer_PingEndpoint(t *testing.T) {
	_, port, certPath := startTestServer(t, ws.DefaultServerConfig(testSecret, t.TempDir()))

	tlsCfg, err := ws.ClientTLSConfig(certPath, false)
	if err != nil {
		t.Fatalf("client tls config: %v", err)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
		Timeout:   5 * time.Second,
	}

	resp, err := httpClient.Get(fmt.Sprintf("https://127.0.0.1:%d/ping", port))
	if err != nil {
		t.Fatalf("probe request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read probe body: %v", err)
	}

	if string(body) != "pong" {
		t.Fatalf("probe body: got %q, want %q", body, "pong")
	}
}

func TestClient_Authenticates(t *testing.T) {
	_, port, certPath := startTestServer(t, ws.DefaultServerConfig(testSecret, t.TempDir()))

	client, authed := connectClient(t, port, certPath, ws.DefaultClientConfig(testSecret, ""))

	waitSignal(t, authed, "auth confirmation")

	if !client.IsAuthenticated() {
		t.Fatal("client does not report authenticated")
	}
}

func TestServer_RejectsWrongSecret(t *testing.T) {
	_, port, _ := startTestServer(t, ws.DefaultServerConfig(testSecret, t.TempDir()))

	conn := rawDial(t, port)
	rawSend(t, conn, ws.NewMessage(ws.TypeAuth).AddToBody("secret", "wrong"))

	reply := rawRead(t, conn)
	if reply.Type != ws.TypeAuth || reply.Status != ws.StatusUnauthenticated {
		t.Fatalf("reply: got type=%q status=%q, want auth/unauthenticated", reply.Type, reply.Status)
	}

	// The server closes the socket right after the verdict.
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("after rejection: got %v, want policy violation close", err)
	}
}

func TestServer_AuthTimeout(t *testing.T) {
	cfg := ws.DefaultServerConfig(testSecret, t.TempDir())
	cfg.AuthTimeout = 100 * time.Millisecond

	_, port, _ := startTestServer(t, cfg)

	conn := rawDial(t, port)

	notice := rawRead(t, conn)
	if notice.Type != ws.TypeAuth || notice.Status != ws.StatusError {
		t.Fatalf("notice: got type=%q status=%q, want auth/error", notice.Type, notice.Status)
	}

	reason, _ := notice.BodyString("message")
	if reason != "Authentication timeout." {
		t.Fatalf("notice message: got %q", reason)
	}

	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("after timeout: got %v, want policy violation close", err)
	}
}

func TestServer_DropsPendingEnvelopes(t *testing.T) {
	received := make(chan *ws.Message, 1)

	cfg := ws.DefaultServerConfig(testSecret, t.TempDir())
	cfg.OnMessage = func(_ *ws.Conn, msg *ws.Message) { received <- msg }

	_, port, _ := startTestServer(t, cfg)

	conn := rawDial(t, port)
	rawSend(t, conn, ws.NewMessage("chat").AddToBody("text", "too early"))

	select {
	case msg := <-received:
		t.Fatalf("unauthenticated envelope reached handler: type=%q", msg.Type)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestServer_BroadcastExceptSender(t *testing.T) {
	var srv *ws.Server

	cfg := ws.DefaultServerConfig(testSecret, t.TempDir())
	cfg.OnMessage = func(conn *ws.Conn, msg *ws.Message) {
		srv.BroadcastExceptSender(msg, conn)
	}

	srv, port, certPath := startTestServer(t, cfg)

	senderGot := make(chan *ws.Message, 1)
	senderCfg := ws.DefaultClientConfig(testSecret, "")
	senderCfg.OnMessage = func(msg *ws.Message) { senderGot <- msg }
	sender, senderAuthed := connectClient(t, port, certPath, senderCfg)

	receiverGot := make(chan *ws.Message, 1)
	receiverCfg := ws.DefaultClientConfig(testSecret, "")
	receiverCfg.OnMessage = func(msg *ws.Message) { receiverGot <- msg }
	_, receiverAuthed := connectClient(t, port, certPath, receiverCfg)

	waitSignal(t, senderAuthed, "sender auth")
	waitSignal(t, receiverAuthed, "receiver auth")

	sender.SendMessage(ws.NewMessage("chat").AddToBody("text", "hello"))

	select {
	case msg := <-receiverGot:
		if msg.Type != "chat" {
			t.Fatalf("receiver got type %q, want chat", msg.Type)
		}
		if text, _ := msg.BodyString("text"); text != "hello" {
			t.Fatalf("receiver got text %q, want hello", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receiver never got the broadcast")
	}

	select {
	case msg := <-senderGot:
		t.Fatalf("broadcast echoed back to sender: type=%q", msg.Type)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestServer_BroadcastAll(t *testing.T) {
	srv, port, certPath := startTestServer(t, ws.DefaultServerConfig(testSecret, t.TempDir()))

	got := make(chan *ws.Message, 2)
	for i := 0; i < 2; i++ {
		cfg := ws.DefaultClientConfig(testSecret, "")
		cfg.OnMessage = func(msg *ws.Message) { got <- msg }

		_, authed := connectClient(t, port, certPath, cfg)
		waitSignal(t, authed, "client auth")
	}

	srv.BroadcastAll(ws.NewMessage("announce").AddToBody("text", "maintenance"))

	for i := 0; i < 2; i++ {
		select {
		case msg := <-got:
			if msg.Type != "announce" {
				t.Fatalf("client %d got type %q, want announce", i, msg.Type)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("client %d never got the broadcast", i)
		}
	}
}

func TestServer_AuthenticatedSurvivesTimeoutWindow(t *testing.T) {
	cfg := ws.DefaultServerConfig(testSecret, t.TempDir())
	cfg.AuthTimeout = 100 * time.Millisecond

	srv, port, certPath := startTestServer(t, cfg)

	got := make(chan *ws.Message, 1)
	clientCfg := ws.DefaultClientConfig(testSecret, "")
	clientCfg.OnMessage = func(msg *ws.Message) { got <- msg }

	client, authed := connectClient(t, port, certPath, clientCfg)
	waitSignal(t, authed, "client auth")

	// Well past the auth deadline; a promoted connection must stay open.
	time.Sleep(300 * time.Millisecond)

	select {
	case <-client.Done():
		t.Fatal("authenticated connection was closed by the auth timer")
	default:
	}

	srv.BroadcastAll(ws.NewMessage("still-here"))

	select {
	case msg := <-got:
		if msg.Type != "still-here" {
			t.Fatalf("got type %q, want still-here", msg.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connection stopped delivering after the timeout window")
	}
}

func TestServer_OnConnectionClose(t *testing.T) {
	type closeEvent struct {
		code   int
		reason string
	}

	closed := make(chan closeEvent, 1)

	cfg := ws.DefaultServerConfig(testSecret, t.TempDir())
	cfg.OnConnectionClose = func(_ *ws.Conn, code int, reason string) {
		closed <- closeEvent{code: code, reason: reason}
	}

	_, port, certPath := startTestServer(t, cfg)

	client, authed := connectClient(t, port, certPath, ws.DefaultClientConfig(testSecret, ""))
	waitSignal(t, authed, "client auth")

	if err := client.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	select {
	case ev := <-closed:
		if ev.code != websocket.CloseNormalClosure {
			t.Fatalf("close code: got %d, want %d", ev.code, websocket.CloseNormalClosure)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close callback never fired")
	}
}

func TestServer_MalformedMessageClosesConnection(t *testing.T) {
	_, port, _ := startTestServer(t, ws.DefaultServerConfig(testSecret, t.TempDir()))

	conn := rawDial(t, port)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write malformed payload: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInvalidFramePayloadData) {
		t.Fatalf("after malformed payload: got %v, want invalid payload close", err)
	}
}
