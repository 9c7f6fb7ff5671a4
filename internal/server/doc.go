// Package server exposes the client websocket endpoint and the HTTP
// monitoring API. Each client socket gets one reader goroutine that handles
// messages to completion and one writer goroutine that drains the session
// outbox and sends keepalive pings.
package server
