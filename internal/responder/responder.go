package responder

import (
	"context"
	"errors"
	"strings"

	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/protocol"
)

// TopicRAG marks responses generated from a caller transcript
const TopicRAG = "rag"

// TranscriptPlaceholder is substituted with the caller transcript in templates
const TranscriptPlaceholder = "{transcript}"

// DefaultInstructions is the template used when none is configured
const DefaultInstructions = `The caller said: "{transcript}". Reply as the hospital receptionist in one or two short sentences.`

// ErrEmptyTranscript is returned when there is nothing to respond to
var ErrEmptyTranscript = errors.New("transcript is empty")

// Responder turns a completed caller transcript into an upstream event
// (normally a response.create) that the bridge sends verbatim.
type Responder interface {
	Respond(ctx context.Context, transcript, itemID string) (map[string]any, error)
}

// Template builds response.create events from an instructions template
type Template struct {
	instructions string
	modalities   []string
}

// NewTemplate creates a Template responder. An empty template uses DefaultInstructions.
func NewTemplate(instructions string) *Template {
	if strings.TrimSpace(instructions) == "" {
		instructions = DefaultInstructions
	}
	return &Template{
		instructions: instructions,
		modalities:   []string{"audio", "text"},
	}
}

// Respond implements Responder
func (t *Template) Respond(ctx context.Context, transcript, itemID string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil, ErrEmptyTranscript
	}

	metadata := map[string]any{"topic": TopicRAG}
	if itemID != "" {
		metadata["item_id"] = itemID
	}

	return map[string]any{
		"event_id": protocol.NewEventID(),
		"type":     protocol.EventResponseCreate,
		"response": map[string]any{
			"modalities":   t.modalities,
			"instructions": strings.ReplaceAll(t.instructions, TranscriptPlaceholder, transcript),
			"metadata":     metadata,
		},
	}, nil
}
