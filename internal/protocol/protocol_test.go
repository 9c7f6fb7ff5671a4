package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name         string
		data         string
		expectedKind ClientKind
		expectedType string
		expectError  bool
	}{
		{
			name:         "audio data",
			data:         `{"type":"audio_data","format":"pcm16","data":"AAAA"}`,
			expectedKind: KindAudioData,
			expectedType: ClientTypeAudioData,
		},
		{
			name:         "stop command",
			data:         `{"type":"command","command":"stop"}`,
			expectedKind: KindStop,
			expectedType: ClientTypeCommand,
		},
		{
			name:         "other command is unsupported",
			data:         `{"type":"command","command":"pause"}`,
			expectedKind: KindUnsupported,
			expectedType: ClientTypeCommand,
		},
		{
			name:         "ping",
			data:         `{"type":"ping"}`,
			expectedKind: KindPing,
			expectedType: ClientTypePing,
		},
		{
			name:         "unknown type",
			data:         `{"type":"video_data"}`,
			expectedKind: KindUnsupported,
			expectedType: "video_data",
		},
		{
			name:         "non-string type",
			data:         `{"type":42}`,
			expectedKind: KindUnsupported,
		},
		{
			name:         "object without type",
			data:         `{"hello":"world"}`,
			expectedKind: KindUntyped,
		},
		{
			name:         "JSON array",
			data:         `[1,2,3]`,
			expectedKind: KindUntyped,
		},
		{
			name:         "JSON string",
			data:         `"just a string"`,
			expectedKind: KindUntyped,
		},
		{
			name:        "not JSON",
			data:        `hello there`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseClientMessage([]byte(tt.data))
			if tt.expectError {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrNotJSON))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expectedKind, msg.Kind)
			assert.Equal(t, tt.expectedType, msg.Type)
		})
	}
}

func TestParseClientMessageAudioFields(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"audio_data","data":"AAAA"}`))
	require.NoError(t, err)

	assert.Equal(t, "AAAA", msg.Data)
	assert.Equal(t, "unknown", msg.Format, "missing format defaults to unknown")
}

func TestStatusMessages(t *testing.T) {
	now := time.Unix(1700000000, 500000000)

	ack := NewAck(1234, now)
	assert.Equal(t, StatusReceived, ack.Status)
	assert.Equal(t, "Received audio chunk (1234 chars)", ack.Message)
	assert.InDelta(t, 1700000000.5, ack.Timestamp, 1e-3)

	done := NewCompletion(now)
	assert.Equal(t, StatusComplete, done.Status)
	assert.Equal(t, "Recording stopped", done.Message)

	ignored := NewIgnored("video_data", now)
	assert.Equal(t, StatusIgnored, ignored.Status)
	assert.Contains(t, ignored.Message, "video_data")

	failed := NewError("upstream connection lost", now)
	assert.Equal(t, StatusError, failed.Status)

	raw, err := json.Marshal(ack)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"received","message":"Received audio chunk (1234 chars)","timestamp":1700000000.5}`, string(raw))
}

func TestClientEvents(t *testing.T) {
	raw, err := json.Marshal(NewAudioResponse("AAAA"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event_type":"audio_response_transmitting","event_data":"AAAA"}`, string(raw))

	probe := NewConnectivityProbe()
	assert.Equal(t, "checking connectivity", probe.EventType)
}

func TestDiagnosticReplies(t *testing.T) {
	long := strings.Repeat("x", 80)
	assert.Equal(t, "Message received: "+strings.Repeat("x", 50)+"...", EchoUntyped(long, DefaultEchoPrefix))
	assert.Equal(t, "Message received: {}...", EchoUntyped("{}", DefaultEchoPrefix))

	assert.Equal(t, "Received non-JSON data of length 5", NonJSONNotice("hello"))
	assert.Equal(t, "Received non-JSON data of length 2", NonJSONNotice("é!"))
}

func TestPrefix(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		limit    int
		expected string
	}{
		{"shorter than limit", "abc", 5, "abc"},
		{"exact limit", "abcde", 5, "abcde"},
		{"truncated", "abcdefgh", 3, "abc"},
		{"multibyte", "héllo", 2, "hé"},
		{"zero limit uses default", strings.Repeat("a", 60), 0, strings.Repeat("a", 50)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Prefix(tt.input, tt.limit))
		})
	}
}

func TestClientKindString(t *testing.T) {
	assert.Equal(t, "audio_data", KindAudioData.String())
	assert.Equal(t, "stop", KindStop.String())
	assert.Equal(t, "ping", KindPing.String())
	assert.Equal(t, "unsupported", KindUnsupported.String())
	assert.Equal(t, "untyped", KindUntyped.String())
}
