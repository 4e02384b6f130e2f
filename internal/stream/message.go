// Package stream turns LangGraph-style stream events into merged messages.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Type is a message author kind. Chunk spellings such as "AIMessageChunk"
// are normalized on decode.
type Type string

const (
	TypeHuman  Type = "human"
	TypeAI     Type = "ai"
	TypeTool   Type = "tool"
	TypeSystem Type = "system"
)

var chunkTypes = map[string]Type{
	"AIMessageChunk":     TypeAI,
	"HumanMessageChunk":  TypeHuman,
	"ToolMessageChunk":   TypeTool,
	"SystemMessageChunk": TypeSystem,
	"AIMessage":          TypeAI,
	"HumanMessage":       TypeHuman,
	"ToolMessage":        TypeTool,
	"SystemMessage":      TypeSystem,
}

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if n, ok := chunkTypes[s]; ok {
		*t = n
		return nil
	}
	*t = Type(strings.ToLower(s))
	return nil
}

// Part is one content part. Non-text parts keep their original JSON.
type Part struct {
	Type string
	Text string
	Raw  json.RawMessage
}

func TextPart(text string) Part { return Part{Type: "text", Text: text} }

func (p Part) MarshalJSON() ([]byte, error) {
	if p.Type == "text" {
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{p.Type, p.Text})
	}
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	return json.Marshal(struct {
		Type string `json:"type"`
	}{p.Type})
}

func (p *Part) UnmarshalJSON(b []byte) error {
	var head struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	p.Type, p.Text = head.Type, head.Text
	if head.Type != "text" {
		p.Raw = append(json.RawMessage(nil), b...)
	}
	return nil
}

// Content is either a plain string or a list of parts on the wire.
type Content struct {
	Parts []Part
	plain bool
}

// TextContent returns content that encodes as a plain string.
func TextContent(s string) Content {
	return Content{Parts: []Part{TextPart(s)}, plain: true}
}

// Text concatenates all text parts.
func (c Content) Text() string {
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// IsPlain reports whether the content encodes as a string.
func (c Content) IsPlain() bool {
	return c.plain || len(c.Parts) == 0
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsPlain() {
		return json.Marshal(c.Text())
	}
	return json.Marshal(c.Parts)
}

func (c *Content) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*c = Content{}
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = TextContent(s)
		return nil
	default:
		var parts []Part
		if err := json.Unmarshal(b, &parts); err != nil {
			return err
		}
		*c = Content{Parts: parts}
		return nil
	}
}

// ToolCall is a complete tool invocation.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolCallChunk is a streamed fragment of a tool call. Args is raw partial JSON.
type ToolCallChunk struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Args  string `json:"args,omitempty"`
	Index *int   `json:"index,omitempty"`
}

// Status marks a message the stream could not complete.
type Status struct {
	Type   string          `json:"type"`
	Reason string          `json:"reason,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Message is a streamed chat message or chunk.
type Message struct {
	ID               string          `json:"id,omitempty"`
	Type             Type            `json:"type"`
	Content          Content         `json:"content"`
	Name             string          `json:"name,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	ToolCalls        []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallChunks   []ToolCallChunk `json:"tool_call_chunks,omitempty"`
	AdditionalKwargs map[string]any  `json:"additional_kwargs,omitempty"`
	ResponseMetadata map[string]any  `json:"response_metadata,omitempty"`
	Status           *Status         `json:"status,omitempty"`
}

func (m Message) MessageID() string { return m.ID }

func (m Message) WithMessageID(id string) Message {
	m.ID = id
	return m
}

// Role returns the message type as a string, for role filtering.
func (m Message) Role() string { return string(m.Type) }
