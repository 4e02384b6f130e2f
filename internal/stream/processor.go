package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jkaninda/threadvault/internal/accumulator"
)

// Event names understood by the Processor.
const (
	EventMessages         = "messages"
	EventMessagesPartial  = "messages/partial"
	EventMessagesComplete = "messages/complete"
	EventValues           = "values"
	EventUpdates          = "updates"
	EventMetadata         = "metadata"
	EventInfo             = "info"
	EventError            = "error"
)

// ErrMalformedEvent is returned when a known event carries data of the wrong shape.
var ErrMalformedEvent = errors.New("malformed stream event")

// StreamError is returned when the stream itself reports an error event.
type StreamError struct {
	Data json.RawMessage
}

func (e *StreamError) Error() string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(e.Data, &body) == nil {
		switch {
		case body.Error != "" && body.Message != "":
			return "stream error: " + body.Error + ": " + body.Message
		case body.Message != "":
			return "stream error: " + body.Message
		case body.Error != "":
			return "stream error: " + body.Error
		}
	}
	return "stream error: " + string(e.Data)
}

// Event is one server-sent stream event.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handlers receive events that do not only update messages. Nil handlers are skipped.
type Handlers struct {
	OnMetadata     func(data json.RawMessage)
	OnInfo         func(data json.RawMessage)
	OnError        func(data json.RawMessage)
	OnUpdates      func(data json.RawMessage)
	OnValues       func(data json.RawMessage)
	OnMessageChunk func(chunk Message, metadata accumulator.Metadata)
	OnCustomEvent  func(event string, data json.RawMessage)
}

// Processor applies stream events to a message accumulator. Not safe for
// concurrent Process calls.
type Processor struct {
	acc      *accumulator.Accumulator[Message]
	handlers Handlers
}

// NewProcessor creates a Processor whose accumulator merges with AppendChunk.
func NewProcessor(handlers Handlers, initial ...Message) *Processor {
	return &Processor{
		acc: accumulator.New(accumulator.Options[Message]{
			InitialMessages: initial,
			Merge:           AppendChunk,
		}),
		handlers: handlers,
	}
}

// Messages returns the merged messages in first-seen order.
func (p *Processor) Messages() []Message { return p.acc.Messages() }

// Metadata returns the per-message metadata collected from "messages" events.
func (p *Processor) Metadata() map[string]accumulator.Metadata { return p.acc.MetadataMap() }

// Reset drops all accumulated state.
func (p *Processor) Reset() { p.acc.Clear() }

type snapshot struct {
	Messages *[]Message `json:"messages"`
}

func malformed(event string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, event, err)
}

// Process applies ev and returns the current messages. An "error" event
// marks the last AI message incomplete and returns a *StreamError.
func (p *Processor) Process(ev Event) ([]Message, error) {
	switch ev.Event {
	case EventMessages:
		var tuple []json.RawMessage
		if err := json.Unmarshal(ev.Data, &tuple); err != nil {
			return nil, malformed(ev.Event, err)
		}
		if len(tuple) == 0 {
			return nil, malformed(ev.Event, errors.New("empty tuple"))
		}
		var chunk Message
		if err := json.Unmarshal(tuple[0], &chunk); err != nil {
			return nil, malformed(ev.Event, err)
		}
		metadata := accumulator.Metadata{}
		if len(tuple) > 1 {
			if err := json.Unmarshal(tuple[1], &metadata); err != nil {
				return nil, malformed(ev.Event, err)
			}
		}
		if p.handlers.OnMessageChunk != nil {
			p.handlers.OnMessageChunk(chunk, metadata)
		}
		return p.acc.AddMessageWithMetadata(chunk, metadata), nil

	case EventMessagesPartial, EventMessagesComplete:
		var msgs []Message
		if err := json.Unmarshal(ev.Data, &msgs); err != nil {
			return nil, malformed(ev.Event, err)
		}
		return p.acc.AddMessages(msgs), nil

	case EventValues, EventUpdates:
		var snap snapshot
		if err := json.Unmarshal(ev.Data, &snap); err != nil {
			return nil, malformed(ev.Event, err)
		}
		if ev.Event == EventValues && p.handlers.OnValues != nil {
			p.handlers.OnValues(ev.Data)
		}
		if ev.Event == EventUpdates && p.handlers.OnUpdates != nil {
			p.handlers.OnUpdates(ev.Data)
		}
		if snap.Messages == nil {
			return p.acc.Messages(), nil
		}
		return p.acc.ReplaceMessages(*snap.Messages), nil

	case EventMetadata:
		if p.handlers.OnMetadata != nil {
			p.handlers.OnMetadata(ev.Data)
		}
		return p.acc.Messages(), nil

	case EventInfo:
		if p.handlers.OnInfo != nil {
			p.handlers.OnInfo(ev.Data)
		}
		return p.acc.Messages(), nil

	case EventError:
		if p.handlers.OnError != nil {
			p.handlers.OnError(ev.Data)
		}
		return p.markIncomplete(ev.Data), &StreamError{Data: ev.Data}

	default:
		if p.handlers.OnCustomEvent != nil {
			p.handlers.OnCustomEvent(ev.Event, ev.Data)
		}
		return p.acc.Messages(), nil
	}
}

func (p *Processor) markIncomplete(data json.RawMessage) []Message {
	msgs := p.acc.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type != TypeAI {
			continue
		}
		return p.acc.AddMessages([]Message{{
			ID:   msgs[i].ID,
			Type: TypeAI,
			Status: &Status{
				Type:   "incomplete",
				Reason: "error",
				Error:  data,
			},
		}})
	}
	return msgs
}
