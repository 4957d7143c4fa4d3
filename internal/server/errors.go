package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	relay "github.com/keymux/keymux/internal"
)

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

// writeJSON encodes v with the JSON content type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError emits a synthetic error body in the schema the caller's SDK
// expects, so client libraries surface it as a typed API error rather than
// a decode failure.
func writeError(w http.ResponseWriter, kind relay.ProviderKind, status int, msg string) {
	switch kind {
	case relay.KindAnthropic:
		writeJSON(w, status, anthropicError{
			Type: "error",
			Error: errorDetail{
				Type:    errorType(status),
				Message: msg,
			},
		})
	case relay.KindGemini:
		var e geminiError
		e.Error.Code = status
		e.Error.Message = msg
		e.Error.Status = googleStatus(status)
		writeJSON(w, status, e)
	default:
		writeJSON(w, status, openAIError{
			Error: errorDetail{
				Type:    errorType(status),
				Message: msg,
			},
		})
	}
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type openAIError struct {
	Error errorDetail `json:"error"`
}

type anthropicError struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// errorType maps a status code to the error-type token OpenAI- and
// Anthropic-schema clients switch on.
func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusGatewayTimeout:
		return "timeout_error"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// googleStatus maps an HTTP code to the canonical google.rpc.Code name
// Gemini clients expect in error.status.
func googleStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return "UNAVAILABLE"
	default:
		if status >= 500 {
			return "INTERNAL"
		}
		return "FAILED_PRECONDITION"
	}
}
