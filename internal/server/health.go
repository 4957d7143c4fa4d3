package server

import "net/http"

// Pre-allocated response bodies and header value slice for the probe
// endpoints, which load balancers hit constantly.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleReadyz reports ready only when storage answers and the log pipeline
// has not wedged. A relay that cannot persist logs should rotate out of the
// load balancer before the queue overflows.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ready := true
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			ready = false
		}
	}
	if ready && s.deps.Pipeline != nil && !s.deps.Pipeline.Stats().Healthy {
		ready = false
	}

	w.Header()["Content-Type"] = plainCT
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write(notReadyBody)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
