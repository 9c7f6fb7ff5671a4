// Package upstream maintains the websocket connection to the realtime API.
//
// Dial authenticates with a bearer token, then runs a read loop and a ping
// loop under one errgroup. Events are handed to a Handler in arrival order.
// Send serializes writes so any goroutine may call it. A lost connection is
// reported once through Handler.HandleClose and is never re-dialed.
package upstream
