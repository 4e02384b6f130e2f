package stream

import "github.com/jkaninda/threadvault/internal/format"

// Format is the storage tag for persisted stream messages.
const Format = "stream/v1"

// Adapter stores a stream message without its id and without raw tool call
// chunks; decoding takes the id from the stored record.
func Adapter() format.AdapterFuncs[Message, Message] {
	return format.AdapterFuncs[Message, Message]{
		Tag: Format,
		EncodeFunc: func(item format.Item[Message]) Message {
			m := item.Message
			m.ID = ""
			m.ToolCallChunks = nil
			return m
		},
		DecodeFunc: func(rec format.Stored[Message]) format.Item[Message] {
			m := rec.Content
			m.ID = rec.ID
			return format.Item[Message]{ParentID: rec.ParentID, Message: m}
		},
		IDFunc: Message.MessageID,
	}
}
