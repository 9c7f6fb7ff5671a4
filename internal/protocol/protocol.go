package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Client message types and commands
const (
	ClientTypeAudioData = "audio_data"
	ClientTypeCommand   = "command"
	ClientTypePing      = "ping"

	CommandStop = "stop"
)

// Client response statuses and event types
const (
	StatusReceived = "received"
	StatusComplete = "complete"
	StatusIgnored  = "ignored"
	StatusError    = "error"

	EventTypeAudioResponse = "audio_response_transmitting"
	EventTypeConnectivity  = "checking connectivity"

	// DefaultEchoPrefix is how many characters of an untyped message are echoed back
	DefaultEchoPrefix = 50
)

// ErrNotJSON is returned for client text that is not valid JSON
var ErrNotJSON = errors.New("message is not valid JSON")

// ClientKind classifies a parsed client message
type ClientKind int

const (
	KindUntyped ClientKind = iota
	KindAudioData
	KindStop
	KindPing
	KindUnsupported
)

// String returns a label suitable for logs and metrics
func (k ClientKind) String() string {
	switch k {
	case KindAudioData:
		return "audio_data"
	case KindStop:
		return "stop"
	case KindPing:
		return "ping"
	case KindUnsupported:
		return "unsupported"
	default:
		return "untyped"
	}
}

// ClientMessage represents an inbound message from the client socket
type ClientMessage struct {
	Kind    ClientKind
	Type    string
	Format  string
	Data    string
	Command string
}

// clientEnvelope mirrors the JSON objects the client sends
type clientEnvelope struct {
	Type    *json.RawMessage `json:"type"`
	Format  string           `json:"format"`
	Data    string           `json:"data"`
	Command string           `json:"command"`
}

// ParseClientMessage classifies a client text frame.
// JSON that is not an object, or an object without "type", is KindUntyped.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	if !json.Valid(data) {
		return nil, ErrNotJSON
	}

	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Valid JSON that is not an object, or an object with oddly typed fields
		var probe map[string]json.RawMessage
		if json.Unmarshal(data, &probe) != nil {
			return &ClientMessage{Kind: KindUntyped}, nil
		}
		if _, ok := probe["type"]; !ok {
			return &ClientMessage{Kind: KindUntyped}, nil
		}
		return &ClientMessage{Kind: KindUnsupported}, nil
	}

	if env.Type == nil {
		return &ClientMessage{Kind: KindUntyped}, nil
	}

	msg := &ClientMessage{
		Kind:    KindUnsupported,
		Format:  env.Format,
		Data:    env.Data,
		Command: env.Command,
	}

	var typ string
	if err := json.Unmarshal(*env.Type, &typ); err != nil {
		return msg, nil
	}
	msg.Type = typ

	switch {
	case typ == ClientTypeAudioData:
		msg.Kind = KindAudioData
		if msg.Format == "" {
			msg.Format = "unknown"
		}
	case typ == ClientTypeCommand && env.Command == CommandStop:
		msg.Kind = KindStop
	case typ == ClientTypePing:
		msg.Kind = KindPing
	}

	return msg, nil
}

// Status is the acknowledgment/completion shape sent to the client
type Status struct {
	Status    string  `json:"status"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

// ClientEvent is the event shape sent to the client
type ClientEvent struct {
	EventType string `json:"event_type"`
	EventData string `json:"event_data"`
}

// Timestamp converts t to fractional Unix seconds
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// NewAck acknowledges an audio_data message carrying dataLen characters
func NewAck(dataLen int, now time.Time) Status {
	return Status{
		Status:    StatusReceived,
		Message:   fmt.Sprintf("Received audio chunk (%d chars)", dataLen),
		Timestamp: Timestamp(now),
	}
}

// NewCompletion confirms a stop command
func NewCompletion(now time.Time) Status {
	return Status{
		Status:    StatusComplete,
		Message:   "Recording stopped",
		Timestamp: Timestamp(now),
	}
}

// NewIgnored answers a typed message the bridge does not handle
func NewIgnored(messageType string, now time.Time) Status {
	return Status{
		Status:    StatusIgnored,
		Message:   fmt.Sprintf("Unsupported message type %q", messageType),
		Timestamp: Timestamp(now),
	}
}

// NewError reports a session failure to the client
func NewError(message string, now time.Time) Status {
	return Status{
		Status:    StatusError,
		Message:   message,
		Timestamp: Timestamp(now),
	}
}

// NewAudioResponse carries a re-encoded utterance to the client
func NewAudioResponse(fragment string) ClientEvent {
	return ClientEvent{
		EventType: EventTypeAudioResponse,
		EventData: fragment,
	}
}

// NewConnectivityProbe is the diagnostic reply to a client ping
func NewConnectivityProbe() ClientEvent {
	return ClientEvent{
		EventType: EventTypeConnectivity,
		EventData: "connection established",
	}
}

// EchoUntyped builds the diagnostic reply for JSON without a type field
func EchoUntyped(raw string, limit int) string {
	return fmt.Sprintf("Message received: %s...", Prefix(raw, limit))
}

// NonJSONNotice builds the diagnostic reply for non-JSON text
func NonJSONNotice(raw string) string {
	return fmt.Sprintf("Received non-JSON data of length %d", utf8.RuneCountInString(raw))
}

// Prefix returns at most limit characters of s
func Prefix(s string, limit int) string {
	if limit <= 0 {
		limit = DefaultEchoPrefix
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
