package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"

	relay "github.com/keymux/keymux/internal"
)

// verdict is the routing decision derived from a single attempt's outcome.
type verdict int8

const (
	// verdictSuccess: return to the client, key proven Valid.
	verdictSuccess verdict = iota
	// verdictBadKey: the upstream rejected the credential. Mark the key
	// Invalid and advance to the next key.
	verdictBadKey
	// verdictThrottled: per-key quota exhausted upstream. A sibling key may
	// have quota left, so prefer advancing; one same-key retry is allowed
	// when no sibling remains.
	verdictThrottled
	// verdictRetrySame: transient upstream fault. One same-key retry; a
	// sibling key talks to the same backend, so a second failure skips the
	// rest of the group.
	verdictRetrySame
	// verdictTerminal: the upstream answered with a client-shaped error.
	// Retrying cannot help; relay the response verbatim.
	verdictTerminal
	// verdictCancelled: the caller went away mid-attempt. Stop immediately
	// and record nothing against the key.
	verdictCancelled
)

func (v verdict) String() string {
	switch v {
	case verdictSuccess:
		return "success"
	case verdictBadKey:
		return "bad_key"
	case verdictThrottled:
		return "throttled"
	case verdictRetrySame:
		return "retry_same"
	case verdictTerminal:
		return "terminal"
	case verdictCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// classifyStatus maps an upstream HTTP status to a verdict.
func classifyStatus(code int) verdict {
	switch {
	case code >= 200 && code < 300:
		return verdictSuccess
	case code == 401 || code == 403:
		return verdictBadKey
	case code == 429:
		return verdictThrottled
	case code == 500 || code == 502 || code == 503 || code == 504:
		return verdictRetrySame
	default:
		// 400, 404, 422 and anything unlisted reflect the request, not the
		// key or the backend.
		return verdictTerminal
	}
}

// classifyErr maps a transport-level failure to a verdict plus the sentinel
// error reported if the request exhausts its budget here. The parent context
// distinguishes a client hang-up from a per-attempt deadline: when the parent
// is dead the client is gone and nothing is recorded.
func classifyErr(parent context.Context, err error) (verdict, error) {
	if parent.Err() != nil {
		return verdictCancelled, parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return verdictRetrySame, fmt.Errorf("%w: %v", relay.ErrTimeout, err)
	}
	// Dial failures, resets, and anything else transport-shaped.
	return verdictRetrySame, fmt.Errorf("%w: %v", relay.ErrUpstreamUnavailable, err)
}
