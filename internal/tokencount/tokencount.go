// Package tokencount extracts token usage from upstream responses and falls
// back to a character-based heuristic (~4 chars per token) when the upstream
// reports nothing, which is sufficient for usage accounting on streams.
package tokencount

import (
	"bufio"
	"bytes"

	"github.com/tidwall/gjson"

	relay "github.com/keymux/keymux/internal"
)

// Usage is a normalized token count triple.
type Usage struct {
	Prompt     int
	Completion int
	Total      int
}

func (u Usage) empty() bool {
	return u.Prompt == 0 && u.Completion == 0 && u.Total == 0
}

func (u Usage) normalized() Usage {
	if u.Total == 0 {
		u.Total = u.Prompt + u.Completion
	}
	return u
}

// FromResponse extracts usage from a non-streaming JSON response body.
// The second return is false when the body carries no usage.
func FromResponse(kind relay.ProviderKind, body []byte) (Usage, bool) {
	u := extract(kind, body)
	if u.empty() {
		return Usage{}, false
	}
	return u.normalized(), true
}

// FromSSE scans a captured SSE stream and merges usage from its data events.
// Later events carry cumulative counts, so each field keeps its maximum.
// Returns false when no event in the capture carried usage, e.g. when the
// usage-bearing tail chunk fell outside the captured prefix.
func FromSSE(kind relay.ProviderKind, body []byte) (Usage, bool) {
	var merged Usage
	found := false

	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		payload := line[len("data: "):]
		if bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		u := extract(kind, payload)
		if u.empty() {
			continue
		}
		found = true
		merged.Prompt = max(merged.Prompt, u.Prompt)
		merged.Completion = max(merged.Completion, u.Completion)
		merged.Total = max(merged.Total, u.Total)
	}
	if !found {
		return Usage{}, false
	}
	return merged.normalized(), true
}

func extract(kind relay.ProviderKind, body []byte) Usage {
	switch kind {
	case relay.KindAnthropic:
		u := Usage{
			Prompt:     int(gjson.GetBytes(body, "usage.input_tokens").Int()),
			Completion: int(gjson.GetBytes(body, "usage.output_tokens").Int()),
		}
		// Streaming puts the input count inside the message_start event.
		if u.Prompt == 0 {
			u.Prompt = int(gjson.GetBytes(body, "message.usage.input_tokens").Int())
		}
		return u
	case relay.KindGemini:
		return Usage{
			Prompt:     int(gjson.GetBytes(body, "usageMetadata.promptTokenCount").Int()),
			Completion: int(gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int()),
			Total:      int(gjson.GetBytes(body, "usageMetadata.totalTokenCount").Int()),
		}
	default:
		return Usage{
			Prompt:     int(gjson.GetBytes(body, "usage.prompt_tokens").Int()),
			Completion: int(gjson.GetBytes(body, "usage.completion_tokens").Int()),
			Total:      int(gjson.GetBytes(body, "usage.total_tokens").Int()),
		}
	}
}

// Estimate approximates the token count of text at ~4 bytes per token.
func Estimate(text string) int {
	return EstimateBytes(len(text))
}

// EstimateBytes approximates the token count of n bytes of text.
func EstimateBytes(n int) int {
	if n <= 0 {
		return 0
	}
	return max((n+3)/4, 1)
}
