package stream

import (
	"encoding/json"
	"maps"
	"slices"
)

// AppendChunk folds curr into prev. A chunk with a different id or type than
// prev starts over. Slices and maps of prev are never modified in place.
func AppendChunk(prev Message, ok bool, curr Message) Message {
	if !ok || prev.ID != curr.ID || prev.Type != curr.Type {
		return curr
	}

	out := prev
	out.Content = mergeContent(prev.Content, curr.Content)
	out.ToolCallChunks = mergeToolCallChunks(prev.ToolCallChunks, curr.ToolCallChunks)
	out.ToolCalls = completeToolCalls(mergeToolCalls(prev.ToolCalls, curr.ToolCalls), curr.ToolCallChunks, out.ToolCallChunks)
	out.AdditionalKwargs = mergeMaps(prev.AdditionalKwargs, curr.AdditionalKwargs)
	out.ResponseMetadata = mergeMaps(prev.ResponseMetadata, curr.ResponseMetadata)
	if curr.Name != "" {
		out.Name = curr.Name
	}
	if curr.ToolCallID != "" {
		out.ToolCallID = curr.ToolCallID
	}
	if curr.Status != nil {
		out.Status = curr.Status
	}
	return out
}

// mergeContent appends text onto the trailing text part and every other part
// after it.
func mergeContent(prev, curr Content) Content {
	if len(curr.Parts) == 0 {
		return prev
	}
	if len(prev.Parts) == 0 {
		return curr
	}
	parts := slices.Clone(prev.Parts)
	for _, p := range curr.Parts {
		if n := len(parts); p.Type == "text" && n > 0 && parts[n-1].Type == "text" {
			parts[n-1].Text += p.Text
			continue
		}
		parts = append(parts, p)
	}
	return Content{Parts: parts, plain: prev.IsPlain() && curr.IsPlain()}
}

func sameChunk(a, b ToolCallChunk) bool {
	if a.Index != nil && b.Index != nil {
		return *a.Index == *b.Index
	}
	return a.ID != "" && a.ID == b.ID
}

func mergeToolCallChunks(prev, curr []ToolCallChunk) []ToolCallChunk {
	if len(curr) == 0 {
		return prev
	}
	out := slices.Clone(prev)
	for _, c := range curr {
		i := slices.IndexFunc(out, func(o ToolCallChunk) bool { return sameChunk(o, c) })
		if i < 0 {
			out = append(out, c)
			continue
		}
		merged := out[i]
		merged.Args += c.Args
		if c.ID != "" {
			merged.ID = c.ID
		}
		if c.Name != "" {
			merged.Name = c.Name
		}
		out[i] = merged
	}
	return out
}

func mergeToolCalls(prev, curr []ToolCall) []ToolCall {
	if len(curr) == 0 {
		return prev
	}
	out := slices.Clone(prev)
	for _, c := range curr {
		i := slices.IndexFunc(out, func(o ToolCall) bool { return o.ID == c.ID })
		if i < 0 {
			out = append(out, c)
			continue
		}
		merged := out[i]
		if c.Name != "" {
			merged.Name = c.Name
		}
		if c.Args != nil {
			merged.Args = c.Args
		}
		out[i] = merged
	}
	return out
}

// completeToolCalls promotes accumulated chunks touched by this delta whose
// args now parse as a JSON object into tool calls.
func completeToolCalls(calls []ToolCall, touched, chunks []ToolCallChunk) []ToolCall {
	if len(touched) == 0 {
		return calls
	}
	for _, t := range touched {
		i := slices.IndexFunc(chunks, func(c ToolCallChunk) bool { return sameChunk(c, t) })
		if i < 0 {
			continue
		}
		c := chunks[i]
		if c.ID == "" {
			continue
		}
		args := map[string]any{}
		if c.Args != "" {
			if err := json.Unmarshal([]byte(c.Args), &args); err != nil {
				continue
			}
		}
		calls = mergeToolCalls(calls, []ToolCall{{ID: c.ID, Name: c.Name, Args: args}})
	}
	return calls
}

func mergeMaps(prev, curr map[string]any) map[string]any {
	if len(curr) == 0 {
		return prev
	}
	out := make(map[string]any, len(prev)+len(curr))
	maps.Copy(out, prev)
	maps.Copy(out, curr)
	return out
}
