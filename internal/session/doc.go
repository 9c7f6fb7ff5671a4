// Package session implements the per-connection bridge between a client
// socket and an upstream realtime session.
//
// A Bridge moves through Idle, Connecting, Configured, Streaming, Stopping
// and Closed. It buffers response audio deltas until the response audio is
// done, then re-encodes the utterance and hands it to the client writer
// through a ClientHandle such as Outbox. A Registry owns the bridges of one
// server and optionally reaps idle ones.
package session
