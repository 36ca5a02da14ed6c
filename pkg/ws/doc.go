// Package ws links independently-running server processes over an
// authenticated TLS 1.3 WebSocket channel:
//   - Self-signed TLS identity, generated once and pinned by clients
//   - Shared-secret auth handshake with a per-connection timeout
//   - Unicast and broadcast fan-out to authenticated peers
//   - Callback extension points on both sides (OnMessage, OnConnectionClose,
//     AfterAuth)
//
// # Server
//
//	cfg := ws.DefaultServerConfig(secret, "/var/lib/relay/tls")
//	cfg.OnMessage = func(conn *ws.Conn, msg *ws.Message) {
//	    server.BroadcastExceptSender(msg, conn)
//	}
//	server := ws.NewServer(cfg)
//	server.Start(8443, "0.0.0.0", "relay.internal")
//	defer server.Stop(5 * time.Second)
//
// # Client
//
//	cfg := ws.DefaultClientConfig(secret, "/var/lib/relay/tls/cert.pem")
//	cfg.AfterAuth = func() { log.Println("linked") }
//	cfg.OnMessage = func(msg *ws.Message) { ... }
//	client := ws.NewClient(cfg)
//	client.Connect(ctx, "relay.internal", 8443)
//	defer client.Disconnect()
//
// # Protocol
//
// One JSON object per text frame:
//
//	{"type": string, "body": {...}, "timestamp": ISO-8601, "status"?: string}
//
// The type "auth" is reserved for the handshake. The client opens with
// {"type":"auth","body":{"secret":...}} and the server answers with status
// "authenticated", "unauthenticated" or "error" (carrying body.message).
// A connection that does not authenticate within the timeout (5 s by
// default) is told so and closed. Every other type is opaque to the
// transport and delivered to the caller's OnMessage callback; envelopes from
// unauthenticated connections are dropped.
package ws
