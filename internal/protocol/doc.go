// Package protocol defines the JSON messages exchanged with the client
// socket and with the upstream realtime API.
// Client frames are classified by ParseClientMessage; upstream frames are
// decoded lazily by ParseEvent and the typed accessors on Event.
package protocol
