// Package upstreamtest provides an in-process fake of the realtime API.
package upstreamtest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/protocol"
)

// Options controls how the fake behaves
type Options struct {
	// APIKey, when set, is required as a bearer token
	APIKey string
	// SkipSessionCreated suppresses the greeting sent on connect
	SkipSessionCreated bool
	// TurnAfter emits a transcription after this many appended fragments (0 disables)
	TurnAfter int
	// AutoRespond answers response.create with the buffered caller audio
	AutoRespond bool
	// DeltaSize is the number of bytes per response.audio.delta
	DeltaSize int
	Logger    *slog.Logger
}

// Fake is a scripted realtime API server.
type Fake struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	conns    []*fakeConn
	received []protocol.Event
	headers  []http.Header
	notify   chan struct{}
}

type fakeConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	pending []byte
	appends int
	turns   int
}

// New creates a Fake
func New(opts Options) *Fake {
	if opts.DeltaSize <= 0 {
		opts.DeltaSize = 4800
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Fake{
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		notify: make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and runs the scripted session
func (f *Fake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.opts.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+f.opts.APIKey {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Error("Fake upstream upgrade failed", slog.String("error", err.Error()))
		return
	}

	fc := &fakeConn{ws: ws}
	f.mu.Lock()
	f.conns = append(f.conns, fc)
	f.headers = append(f.headers, r.Header.Clone())
	f.mu.Unlock()

	if !f.opts.SkipSessionCreated {
		_ = fc.write(map[string]any{
			"type":     protocol.EventSessionCreated,
			"event_id": protocol.NewEventID(),
			"session":  map[string]any{"id": "sess_fake", "model": r.URL.Query().Get("model")},
		})
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ev, err := protocol.ParseEvent(data)
		if err != nil {
			_ = fc.write(errorEvent("invalid_request_error", err.Error()))
			continue
		}
		f.record(ev)
		f.script(fc, ev)
	}
}

func (f *Fake) record(ev protocol.Event) {
	f.mu.Lock()
	f.received = append(f.received, ev)
	close(f.notify)
	f.notify = make(chan struct{})
	f.mu.Unlock()
}

func (f *Fake) script(fc *fakeConn, ev protocol.Event) {
	switch ev.Type {
	case protocol.EventSessionUpdate:
		var body struct {
			Session json.RawMessage `json:"session"`
		}
		_ = json.Unmarshal(ev.Raw, &body)
		_ = fc.write(map[string]any{"type": protocol.EventSessionUpdated, "session": body.Session})

	case protocol.EventInputAudioAppend:
		var body struct {
			Audio string `json:"audio"`
		}
		_ = json.Unmarshal(ev.Raw, &body)
		raw, err := base64.StdEncoding.DecodeString(body.Audio)
		if err != nil {
			_ = fc.write(errorEvent("invalid_request_error", "audio is not base64"))
			return
		}
		fc.pending = append(fc.pending, raw...)
		fc.appends++
		if f.opts.TurnAfter > 0 && fc.appends >= f.opts.TurnAfter {
			f.completeTurn(fc)
		}

	case protocol.EventInputAudioCommit:
		f.completeTurn(fc)

	case protocol.EventInputAudioClear:
		fc.pending = nil
		fc.appends = 0

	case protocol.EventResponseCreate:
		if f.opts.AutoRespond {
			f.respond(fc, ev)
		}
	}
}

func (f *Fake) completeTurn(fc *fakeConn) {
	fc.turns++
	itemID := fmt.Sprintf("item_%d", fc.turns)
	_ = fc.write(map[string]any{"type": protocol.EventSpeechStopped, "item_id": itemID})
	_ = fc.write(map[string]any{"type": protocol.EventInputAudioCommitted, "item_id": itemID})
	_ = fc.write(map[string]any{
		"type":       protocol.EventTranscriptionCompleted,
		"item_id":    itemID,
		"transcript": fmt.Sprintf("caller spoke %d fragments", fc.appends),
	})
	fc.appends = 0
}

// respond echoes the caller audio back as a streamed response
func (f *Fake) respond(fc *fakeConn, ev protocol.Event) {
	var body struct {
		Response struct {
			Metadata map[string]string `json:"metadata"`
		} `json:"response"`
	}
	_ = json.Unmarshal(ev.Raw, &body)

	audio := fc.pending
	fc.pending = nil
	responseID := fmt.Sprintf("resp_%d", fc.turns)

	size := f.opts.DeltaSize &^ 1
	for off := 0; off < len(audio); off += size {
		end := off + size
		if end > len(audio) {
			end = len(audio)
		}
		_ = fc.write(map[string]any{
			"type":        protocol.EventAudioDelta,
			"response_id": responseID,
			"delta":       base64.StdEncoding.EncodeToString(audio[off:end]),
		})
	}
	_ = fc.write(map[string]any{"type": protocol.EventAudioDone, "response_id": responseID})
	_ = fc.write(map[string]any{
		"type": protocol.EventResponseDone,
		"response": map[string]any{
			"id":       responseID,
			"status":   "completed",
			"metadata": body.Response.Metadata,
			"output": []any{map[string]any{
				"content": []any{map[string]any{"type": "audio", "transcript": "echo"}},
			}},
		},
	})
}

func errorEvent(kind, message string) map[string]any {
	return map[string]any{
		"type":  protocol.EventError,
		"error": map[string]any{"type": kind, "message": message},
	}
}

func (fc *fakeConn) write(v any) error {
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()
	_ = fc.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return fc.ws.WriteJSON(v)
}

// Push sends v to the most recent connection
func (f *Fake) Push(v any) error {
	f.mu.Lock()
	if len(f.conns) == 0 {
		f.mu.Unlock()
		return fmt.Errorf("no upstream connections")
	}
	fc := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	return fc.write(v)
}

// Drop abruptly closes every connection
func (f *Fake) Drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fc := range f.conns {
		_ = fc.ws.Close()
	}
}

// Connections returns how many sockets have been accepted
func (f *Fake) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Header returns the handshake headers of connection i
func (f *Fake) Header(i int) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.headers) {
		return nil
	}
	return f.headers[i]
}

// Received returns the events received so far, optionally filtered by type
func (f *Fake) Received(types ...string) []protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Event, 0, len(f.received))
	for _, ev := range f.received {
		if len(types) == 0 || contains(types, ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// WaitFor blocks until n events of the given type have been received
func (f *Fake) WaitFor(eventType string, n int, timeout time.Duration) []protocol.Event {
	deadline := time.After(timeout)
	for {
		f.mu.Lock()
		ch := f.notify
		f.mu.Unlock()

		if got := f.Received(eventType); len(got) >= n {
			return got
		}
		select {
		case <-ch:
		case <-deadline:
			return f.Received(eventType)
		}
	}
}

// URL converts an httptest server URL to a websocket URL
func URL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
