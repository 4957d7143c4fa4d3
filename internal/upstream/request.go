package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	relay "github.com/keymux/keymux/internal"
)

// anthropicVersion is the pinned API version sent with every Anthropic call.
const anthropicVersion = "2023-06-01"

// Request describes one outbound upstream call. Endpoint is the
// schema-specific path for OpenAI- and Anthropic-kind groups
// (e.g. /v1/chat/completions); Gemini-kind groups derive their path from the
// model and stream flag instead.
type Request struct {
	Group    *relay.Group
	APIKey   string
	Endpoint string
	Model    string
	Body     []byte
	Stream   bool
}

// Build constructs the HTTP request with provider-specific URL and auth.
// Group base URLs carry no version segment; the schema path supplies it.
func Build(ctx context.Context, r Request) (*http.Request, error) {
	target, err := targetURL(r)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range r.Group.Headers {
		req.Header.Set(k, v)
	}

	switch r.Group.Kind {
	case relay.KindAnthropic:
		req.Header.Set("x-api-key", r.APIKey)
		req.Header.Set("anthropic-version", anthropicVersion)
	case relay.KindGemini:
		// Credential travels as the key query parameter; nothing to add here.
	default:
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}

	return req, nil
}

// BuildModelsList constructs the GET request for a group's model listing.
// Health probes use it two ways: with an empty key as a pure reachability
// check, and with a key to verify model availability.
func BuildModelsList(ctx context.Context, g *relay.Group, apiKey string) (*http.Request, error) {
	base := strings.TrimSuffix(g.BaseURL, "/")

	var target string
	if g.Kind == relay.KindGemini {
		target = base + "/v1beta/models"
		if apiKey != "" {
			target += "?key=" + url.QueryEscape(apiKey)
		}
	} else {
		target = base + "/v1/models"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}

	for k, v := range g.Headers {
		req.Header.Set(k, v)
	}
	if apiKey != "" {
		switch g.Kind {
		case relay.KindAnthropic:
			req.Header.Set("x-api-key", apiKey)
			req.Header.Set("anthropic-version", anthropicVersion)
		case relay.KindGemini:
		default:
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
	}
	return req, nil
}

func targetURL(r Request) (string, error) {
	base := strings.TrimSuffix(r.Group.BaseURL, "/")

	if r.Group.Kind == relay.KindGemini {
		action := "generateContent"
		q := url.Values{}
		if r.Stream {
			action = "streamGenerateContent"
			q.Set("alt", "sse")
		}
		q.Set("key", r.APIKey)
		return fmt.Sprintf("%s/v1beta/models/%s:%s?%s",
			base, url.PathEscape(r.Model), action, q.Encode()), nil
	}

	if r.Endpoint == "" || !strings.HasPrefix(r.Endpoint, "/") {
		return "", fmt.Errorf("invalid endpoint %q", r.Endpoint)
	}
	return base + r.Endpoint, nil
}
