package dispatch

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// chunkRunes caps the content carried by one fake-stream delta.
const chunkRunes = 50

// fakeStream renders a buffered chat completion as the SSE byte stream a
// real streaming call would have produced: content deltas, one delta per
// tool call, a finish chunk per choice, a usage chunk when the source has
// usage, and the [DONE] terminator.
func fakeStream(body []byte) []byte {
	var buf bytes.Buffer

	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		id = "chatcmpl-" + uuid.Must(uuid.NewV7()).String()
	}
	model := gjson.GetBytes(body, "model").String()
	created := gjson.GetBytes(body, "created").Int()
	if created == 0 {
		created = time.Now().Unix()
	}

	pos := -1
	gjson.GetBytes(body, "choices").ForEach(func(_, choice gjson.Result) bool {
		pos++
		idx := pos
		if v := choice.Get("index"); v.Exists() {
			idx = int(v.Int())
		}

		for _, part := range splitRunes(choice.Get("message.content").String(), chunkRunes) {
			writeEvent(&buf, buildDeltaChunk(id, model, created, idx, map[string]any{"content": part}))
		}

		call := 0
		choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
			writeEvent(&buf, buildToolCallChunk(id, model, created, call, tc))
			call++
			return true
		})

		finish := choice.Get("finish_reason").String()
		if finish == "" {
			finish = "stop"
		}
		writeEvent(&buf, buildFinishChunk(id, model, created, idx, finish))
		return true
	})

	if usage := gjson.GetBytes(body, "usage"); usage.Exists() {
		writeEvent(&buf, buildUsageChunk(id, model, created, usage))
	}
	buf.WriteString("data: [DONE]\n\n")
	return buf.Bytes()
}

// buildDeltaChunk builds an OpenAI-format streaming chunk JSON.
func buildDeltaChunk(id, model string, created int64, index int, delta map[string]any) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index":         index,
			"delta":         delta,
			"finish_reason": nil,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// buildToolCallChunk builds one complete tool-call delta. Unlike a live
// stream that trickles arguments, the transcoder already has the whole call,
// so the single delta carries id, name, and arguments together.
func buildToolCallChunk(id, model string, created int64, call int, tc gjson.Result) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"delta": map[string]any{
				"tool_calls": []map[string]any{{
					"index": call,
					"id":    tc.Get("id").String(),
					"type":  "function",
					"function": map[string]any{
						"name":      tc.Get("function.name").String(),
						"arguments": tc.Get("function.arguments").String(),
					},
				}},
			},
			"finish_reason": nil,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// buildFinishChunk builds a chunk with finish_reason set and an empty delta.
func buildFinishChunk(id, model string, created int64, index int, finishReason string) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index":         index,
			"delta":         map[string]any{},
			"finish_reason": finishReason,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// buildUsageChunk builds a chunk with usage statistics and no choices.
func buildUsageChunk(id, model string, created int64, usage gjson.Result) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens":     usage.Get("prompt_tokens").Int(),
			"completion_tokens": usage.Get("completion_tokens").Int(),
			"total_tokens":      usage.Get("total_tokens").Int(),
		},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func writeEvent(buf *bytes.Buffer, chunk []byte) {
	buf.WriteString("data: ")
	buf.Write(chunk)
	buf.WriteString("\n\n")
}

// splitRunes cuts s into pieces of at most n runes without breaking UTF-8
// sequences.
func splitRunes(s string, n int) []string {
	if s == "" {
		return nil
	}
	var parts []string
	runes := []rune(s)
	for len(runes) > n {
		parts = append(parts, string(runes[:n]))
		runes = runes[n:]
	}
	return append(parts, string(runes))
}
