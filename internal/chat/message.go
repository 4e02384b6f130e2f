package chat

import (
	"encoding/json"
	"time"

	"github.com/jkaninda/threadvault/internal/format"
)

// Format is the storage tag for chat messages.
const Format = "chat/v1"

// Part is one piece of message content.
type Part struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is a finished chat message.
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
}

// MessageRole returns m.Role.
func MessageRole(m Message) string { return m.Role }

// Content is the stored form of a Message: everything but the id.
type Content struct {
	Role      string         `json:"role"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
}

// Adapter returns the chat/v1 codec. Decoded messages take their id from the
// stored record.
func Adapter() format.AdapterFuncs[Message, Content] {
	return format.AdapterFuncs[Message, Content]{
		Tag: Format,
		EncodeFunc: func(item format.Item[Message]) Content {
			m := item.Message
			return Content{Role: m.Role, Parts: m.Parts, Metadata: m.Metadata, CreatedAt: m.CreatedAt}
		},
		DecodeFunc: func(rec format.Stored[Content]) format.Item[Message] {
			c := rec.Content
			return format.Item[Message]{
				ParentID: rec.ParentID,
				Message: Message{
					ID:        rec.ID,
					Role:      c.Role,
					Parts:     c.Parts,
					Metadata:  c.Metadata,
					CreatedAt: c.CreatedAt,
				},
			}
		},
		IDFunc: func(m Message) string { return m.ID },
	}
}
