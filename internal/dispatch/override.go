package dispatch

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	relay "github.com/keymux/keymux/internal"
)

// applyOverrides merges a group's parameter overrides into the request body.
// The override always wins over the client value; a JSON null override
// deletes the field. Keys are sjson paths, so dotted keys reach nested
// fields. The merge is idempotent.
func applyOverrides(body, overrides []byte) ([]byte, error) {
	if len(overrides) == 0 {
		return body, nil
	}
	parsed := gjson.ParseBytes(overrides)
	if !parsed.IsObject() {
		return body, nil
	}

	var err error
	parsed.ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.Null {
			body, err = sjson.DeleteBytes(body, k.Str)
		} else {
			body, err = sjson.SetRawBytes(body, k.Str, []byte(v.Raw))
		}
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply overrides: %w", err)
	}
	return body, nil
}

// prepareBody shapes the upstream request body for one group: parameter
// overrides merged, the alias-resolved model written back, and the stream
// flag stripped when fake-streaming will transcode a buffered response.
// Gemini carries the model and stream mode in the URL, so its body keeps the
// client's model field untouched.
func prepareBody(g *relay.Group, req Request) (body []byte, resolved string, upstreamStream bool, err error) {
	resolved = g.ResolveModel(req.Model)
	body = req.Body

	if len(g.ParamOverrides) > 0 {
		if body, err = applyOverrides(body, g.ParamOverrides); err != nil {
			return nil, "", false, err
		}
	}

	fake := req.Stream && g.FakeStreaming && g.Kind == relay.KindOpenAI
	upstreamStream = req.Stream && !fake

	if g.Kind != relay.KindGemini && resolved != req.Model {
		if body, err = sjson.SetBytes(body, "model", resolved); err != nil {
			return nil, "", false, fmt.Errorf("rewrite model: %w", err)
		}
	}
	if fake {
		if body, err = sjson.DeleteBytes(body, "stream"); err != nil {
			return nil, "", false, fmt.Errorf("strip stream flag: %w", err)
		}
	}
	return body, resolved, upstreamStream, nil
}
