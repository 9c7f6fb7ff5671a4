package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Upstream server event types the bridge reacts to
const (
	EventSessionCreated         = "session.created"
	EventSessionUpdated         = "session.updated"
	EventAudioDelta             = "response.audio.delta"
	EventAudioDone              = "response.audio.done"
	EventResponseDone           = "response.done"
	EventTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"
	EventSpeechStarted          = "input_audio_buffer.speech_started"
	EventSpeechStopped          = "input_audio_buffer.speech_stopped"
	EventInputAudioCommitted    = "input_audio_buffer.committed"
	EventError                  = "error"
)

// Upstream client event types the bridge sends
const (
	EventSessionUpdate    = "session.update"
	EventInputAudioAppend = "input_audio_buffer.append"
	EventInputAudioCommit = "input_audio_buffer.commit"
	EventInputAudioClear  = "input_audio_buffer.clear"
	EventResponseCreate   = "response.create"
)

// Protocol errors
var (
	ErrMissingType  = errors.New("event has no type")
	ErrMissingField = errors.New("event is missing a required field")
)

// Event is a decoded upstream server event
type Event struct {
	Type    string
	EventID string
	Raw     json.RawMessage
}

type eventHeader struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

// ParseEvent decodes the type and id of an upstream event, keeping the raw body
func ParseEvent(data []byte) (Event, error) {
	var hdr eventHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return Event{}, fmt.Errorf("invalid event JSON: %w", err)
	}
	if hdr.Type == "" {
		return Event{}, ErrMissingType
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)

	return Event{Type: hdr.Type, EventID: hdr.EventID, Raw: raw}, nil
}

// AudioDelta is a response.audio.delta payload
type AudioDelta struct {
	ResponseID string
	ItemID     string
	Delta      string
}

// AudioDelta extracts the audio fragment from a response.audio.delta event
func (e Event) AudioDelta() (AudioDelta, error) {
	var body struct {
		ResponseID string  `json:"response_id"`
		ItemID     string  `json:"item_id"`
		Delta      *string `json:"delta"`
	}
	if err := json.Unmarshal(e.Raw, &body); err != nil {
		return AudioDelta{}, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	if body.Delta == nil {
		return AudioDelta{}, fmt.Errorf("%s: delta: %w", e.Type, ErrMissingField)
	}
	return AudioDelta{ResponseID: body.ResponseID, ItemID: body.ItemID, Delta: *body.Delta}, nil
}

// Transcription is the completed transcript of a user utterance
type Transcription struct {
	ItemID     string
	Transcript string
}

// Transcription extracts the transcript from a transcription-completed event
func (e Event) Transcription() (Transcription, error) {
	var body struct {
		ItemID     string  `json:"item_id"`
		Transcript *string `json:"transcript"`
	}
	if err := json.Unmarshal(e.Raw, &body); err != nil {
		return Transcription{}, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	if body.Transcript == nil {
		return Transcription{}, fmt.Errorf("%s: transcript: %w", e.Type, ErrMissingField)
	}
	return Transcription{ItemID: body.ItemID, Transcript: *body.Transcript}, nil
}

// ResponseSummary is the part of a response.done event the bridge inspects
type ResponseSummary struct {
	ResponseID string
	Status     string
	Topic      string
	Text       string
}

// ResponseDone summarizes a response.done event.
// Topic is read from either the event or the nested response metadata.
// Text joins every text or transcript content part of the output.
func (e Event) ResponseDone() ResponseSummary {
	var body struct {
		Metadata map[string]any `json:"metadata"`
		Response struct {
			ID       string          `json:"id"`
			Status   string          `json:"status"`
			Metadata map[string]any  `json:"metadata"`
			Output   json.RawMessage `json:"output"`
		} `json:"response"`
	}
	if err := json.Unmarshal(e.Raw, &body); err != nil {
		return ResponseSummary{}
	}

	summary := ResponseSummary{
		ResponseID: body.Response.ID,
		Status:     body.Response.Status,
		Topic:      stringField(body.Metadata, "topic"),
	}
	if summary.Topic == "" {
		summary.Topic = stringField(body.Response.Metadata, "topic")
	}

	for _, item := range objects(body.Response.Output) {
		var out struct {
			Content json.RawMessage `json:"content"`
		}
		if json.Unmarshal(item, &out) != nil {
			continue
		}
		for _, part := range objects(out.Content) {
			var c struct {
				Text       string `json:"text"`
				Transcript string `json:"transcript"`
			}
			if json.Unmarshal(part, &c) != nil {
				continue
			}
			switch {
			case c.Text != "":
				summary.Text += c.Text
			case c.Transcript != "":
				summary.Text += c.Transcript
			}
		}
	}

	return summary
}

// APIError is the payload of an upstream error event
type APIError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

func (e APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream %s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Type, e.Message)
}

// APIError extracts the error payload of an error event
func (e Event) APIError() APIError {
	var body struct {
		Error APIError `json:"error"`
	}
	_ = json.Unmarshal(e.Raw, &body)
	return body.Error
}

// objects accepts either a JSON array of objects or a single object
func objects(raw json.RawMessage) []json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var list []json.RawMessage
	if json.Unmarshal(raw, &list) == nil {
		return list
	}
	var single map[string]json.RawMessage
	if json.Unmarshal(raw, &single) == nil {
		return []json.RawMessage{raw}
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// NewEventID returns a client-generated event id
func NewEventID() string {
	return "evt_" + uuid.NewString()
}

// TranscriptionParams configures input audio transcription
type TranscriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// TurnDetection configures upstream voice activity detection
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

// SessionParams is the session object of a session.update event
type SessionParams struct {
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Modalities              []string             `json:"modalities,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
}

// SessionUpdate configures the upstream session
type SessionUpdate struct {
	EventID string        `json:"event_id,omitempty"`
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

// NewSessionUpdate builds a session.update event
func NewSessionUpdate(params SessionParams) SessionUpdate {
	return SessionUpdate{
		EventID: NewEventID(),
		Type:    EventSessionUpdate,
		Session: params,
	}
}

// InputAudioAppend forwards one caller audio fragment
type InputAudioAppend struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
	Audio   string `json:"audio"`
}

// NewInputAudioAppend builds an input_audio_buffer.append event
func NewInputAudioAppend(fragment string) InputAudioAppend {
	return InputAudioAppend{
		EventID: NewEventID(),
		Type:    EventInputAudioAppend,
		Audio:   fragment,
	}
}

// Bare is an event with no payload beyond its type
type Bare struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

// NewInputAudioCommit builds an input_audio_buffer.commit event
func NewInputAudioCommit() Bare {
	return Bare{EventID: NewEventID(), Type: EventInputAudioCommit}
}

// NewInputAudioClear builds an input_audio_buffer.clear event
func NewInputAudioClear() Bare {
	return Bare{EventID: NewEventID(), Type: EventInputAudioClear}
}

// ResponseParams is the response object of a response.create event
type ResponseParams struct {
	Modalities   []string          `json:"modalities,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
	Voice        string            `json:"voice,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ResponseCreate asks upstream to generate a response
type ResponseCreate struct {
	EventID  string         `json:"event_id,omitempty"`
	Type     string         `json:"type"`
	Response ResponseParams `json:"response"`
}

// NewResponseCreate builds a response.create event
func NewResponseCreate(params ResponseParams) ResponseCreate {
	return ResponseCreate{
		EventID:  NewEventID(),
		Type:     EventResponseCreate,
		Response: params,
	}
}
