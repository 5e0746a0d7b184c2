// Package bridge exposes an initialized services.Services over a
// WebSocket JSON protocol and provides the matching remote client.
//
// The server side upgrades an HTTP request, issues a session id and
// then serves one operation at a time per connection. Every handle a
// session creates belongs to that session: other sessions cannot
// address it, and whatever is still open when the connection drops is
// disposed with it.
//
// Features:
//   - One frame per operation, JSON encoded, payloads as base64
//   - Resource-name and file-path allow lists (doublestar patterns)
//   - Per-connection token-bucket rate limiting
//   - Client circuit breaker so a dead daemon fails fast
//
// Frame shapes (client → server, server → client):
//
//	{"id":7,"op":"create_named_pipe","args":{"name":"p1","direction":2,"mode":1}}
//	{"id":7,"ok":true,"result":{"handle":3,"size":4096}}
//	{"id":8,"ok":false,"error":{"kind":"not_found","op":"open_mutex","name":"m1","message":"no such mutex"}}
//
// Mapped and shared data over the bridge are caller-local views. A
// file mapping carries its content to the client at map time and back
// to the daemon at flush; a shared region pulls at open and pushes at
// close. Two remote attaches therefore observe each other's writes
// only across those boundaries.
//
// Example Usage:
//
//	srv, _ := bridge.NewServer(svc, log, bridge.Config{})
//	router.GET("/v1/bridge", func(c *gin.Context) { srv.Handle(c.Writer, c.Request) })
//
//	client, _ := bridge.Dial("ws://127.0.0.1:8090/v1/bridge", log)
//	region, _ := client.MapMemory(4096, platform.PrivateMapping, platform.ReadWrite)
package bridge
