package dispatch

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// sseEvents splits a rendered stream into its data payloads, [DONE] included.
func sseEvents(t *testing.T, b []byte) []string {
	t.Helper()
	var out []string
	for _, block := range strings.Split(strings.TrimSuffix(string(b), "\n\n"), "\n\n") {
		if !strings.HasPrefix(block, "data: ") {
			t.Fatalf("malformed event %q", block)
		}
		out = append(out, strings.TrimPrefix(block, "data: "))
	}
	return out
}

func TestFakeStreamShortContent(t *testing.T) {
	t.Parallel()

	src := `{"id":"chatcmpl-1","model":"gpt-4o","created":1700000000,"choices":[{"index":0,"message":{"role":"assistant","content":"Hello, world!"},"finish_reason":"stop"}]}`
	events := sseEvents(t, fakeStream([]byte(src)))

	// One content delta, one finish, the terminator.
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3: %v", len(events), events)
	}

	first := gjson.Parse(events[0])
	if first.Get("object").String() != "chat.completion.chunk" {
		t.Errorf("object = %q", first.Get("object").String())
	}
	if first.Get("id").String() != "chatcmpl-1" || first.Get("model").String() != "gpt-4o" {
		t.Errorf("identity fields lost: %s", events[0])
	}
	if first.Get("created").Int() != 1700000000 {
		t.Errorf("created = %d", first.Get("created").Int())
	}
	if got := first.Get("choices.0.delta.content").String(); got != "Hello, world!" {
		t.Errorf("delta content = %q", got)
	}
	if first.Get("choices.0.finish_reason").Type != gjson.Null {
		t.Errorf("content chunk finish_reason = %s, want null", first.Get("choices.0.finish_reason").Raw)
	}

	finish := gjson.Parse(events[1])
	if got := finish.Get("choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish_reason = %q", got)
	}
	if events[2] != "[DONE]" {
		t.Errorf("terminator = %q", events[2])
	}
}

func TestFakeStreamSplitsLongContent(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("x", 120)
	src := `{"id":"c","model":"m","created":1,"choices":[{"index":0,"message":{"content":"` + content + `"},"finish_reason":"stop"}]}`
	events := sseEvents(t, fakeStream([]byte(src)))

	// 50 + 50 + 20 runes, then finish and [DONE].
	if len(events) != 5 {
		t.Fatalf("events = %d, want 5", len(events))
	}
	var rebuilt strings.Builder
	lens := []int{50, 50, 20}
	for i, want := range lens {
		part := gjson.Parse(events[i]).Get("choices.0.delta.content").String()
		if utf8.RuneCountInString(part) != want {
			t.Errorf("chunk %d = %d runes, want %d", i, utf8.RuneCountInString(part), want)
		}
		rebuilt.WriteString(part)
	}
	if rebuilt.String() != content {
		t.Error("reassembled deltas differ from the source content")
	}
}

func TestFakeStreamMultibyteBoundary(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("é", 60)
	src := `{"id":"c","model":"m","created":1,"choices":[{"index":0,"message":{"content":"` + content + `"},"finish_reason":"stop"}]}`
	events := sseEvents(t, fakeStream([]byte(src)))

	var rebuilt strings.Builder
	for _, ev := range events {
		if ev == "[DONE]" {
			continue
		}
		part := gjson.Parse(ev).Get("choices.0.delta.content").String()
		if !utf8.ValidString(part) {
			t.Fatalf("chunk split inside a rune: %q", part)
		}
		rebuilt.WriteString(part)
	}
	if rebuilt.String() != content {
		t.Error("multibyte content mangled")
	}
}

func TestFakeStreamToolCalls(t *testing.T) {
	t.Parallel()

	src := `{"id":"c","model":"m","created":1,"choices":[{"index":0,"message":{"content":"","tool_calls":[` +
		`{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Oslo\"}"}},` +
		`{"id":"call_2","type":"function","function":{"name":"get_time","arguments":"{}"}}` +
		`]},"finish_reason":"tool_calls"}]}`
	events := sseEvents(t, fakeStream([]byte(src)))

	// Two tool-call deltas, one finish, [DONE]. Empty content emits nothing.
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4: %v", len(events), events)
	}

	first := gjson.Parse(events[0]).Get("choices.0.delta.tool_calls.0")
	if first.Get("index").Int() != 0 || first.Get("id").String() != "call_1" {
		t.Errorf("first call delta = %s", events[0])
	}
	if first.Get("function.name").String() != "get_weather" {
		t.Errorf("function name = %q", first.Get("function.name").String())
	}
	if first.Get("function.arguments").String() != `{"city":"Oslo"}` {
		t.Errorf("arguments = %q", first.Get("function.arguments").String())
	}

	second := gjson.Parse(events[1]).Get("choices.0.delta.tool_calls.0")
	if second.Get("index").Int() != 1 || second.Get("id").String() != "call_2" {
		t.Errorf("second call delta = %s", events[1])
	}

	if got := gjson.Parse(events[2]).Get("choices.0.finish_reason").String(); got != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", got)
	}
}

func TestFakeStreamUsageChunk(t *testing.T) {
	t.Parallel()

	src := `{"id":"c","model":"m","created":1,"choices":[{"index":0,"message":{"content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":11,"completion_tokens":22,"total_tokens":33}}`
	events := sseEvents(t, fakeStream([]byte(src)))

	// content, finish, usage, [DONE]
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	usage := gjson.Parse(events[2])
	if n := usage.Get("choices.#").Int(); n != 0 {
		t.Errorf("usage chunk carries %d choices, want 0", n)
	}
	if usage.Get("usage.prompt_tokens").Int() != 11 ||
		usage.Get("usage.completion_tokens").Int() != 22 ||
		usage.Get("usage.total_tokens").Int() != 33 {
		t.Errorf("usage = %s", usage.Get("usage").Raw)
	}
}

func TestFakeStreamMultipleChoices(t *testing.T) {
	t.Parallel()

	src := `{"id":"c","model":"m","created":1,"choices":[` +
		`{"index":0,"message":{"content":"a"},"finish_reason":"stop"},` +
		`{"index":1,"message":{"content":"b"},"finish_reason":"length"}]}`
	events := sseEvents(t, fakeStream([]byte(src)))

	// Per choice: one content delta and one finish; then [DONE].
	if len(events) != 5 {
		t.Fatalf("events = %d, want 5", len(events))
	}
	if idx := gjson.Parse(events[2]).Get("choices.0.index").Int(); idx != 1 {
		t.Errorf("second choice delta index = %d, want 1", idx)
	}
	if got := gjson.Parse(events[3]).Get("choices.0.finish_reason").String(); got != "length" {
		t.Errorf("second choice finish = %q", got)
	}
}

func TestFakeStreamFallbacks(t *testing.T) {
	t.Parallel()

	src := `{"choices":[{"index":0,"message":{"content":"hi"},"finish_reason":"stop"}]}`
	events := sseEvents(t, fakeStream([]byte(src)))

	first := gjson.Parse(events[0])
	if id := first.Get("id").String(); !strings.HasPrefix(id, "chatcmpl-") || len(id) <= len("chatcmpl-") {
		t.Errorf("generated id = %q", id)
	}
	if first.Get("created").Int() == 0 {
		t.Error("created should default to now")
	}
}

func TestSplitRunes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want []string
	}{
		{"", 3, nil},
		{"ab", 3, []string{"ab"}},
		{"abc", 3, []string{"abc"}},
		{"abcd", 3, []string{"abc", "d"}},
		{"日本語です", 2, []string{"日本", "語で", "す"}},
	}
	for _, tt := range tests {
		got := splitRunes(tt.in, tt.n)
		if len(got) != len(tt.want) {
			t.Errorf("splitRunes(%q,%d) = %v, want %v", tt.in, tt.n, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("splitRunes(%q,%d)[%d] = %q, want %q", tt.in, tt.n, i, got[i], tt.want[i])
			}
		}
	}
}
