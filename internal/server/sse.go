package server

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/keymux/keymux/internal/dispatch"
)

// sseKeepAliveInterval is how often a comment line is written so that
// intermediaries (nginx, ELBs) do not buffer or sever an idle stream.
const sseKeepAliveInterval = 15 * time.Second

// sseKeepAlive is a pre-allocated SSE comment frame.
var sseKeepAlive = []byte(": keep-alive\n\n")

// sseAccelBuf disables nginx proxy buffering for event streams.
var sseAccelBuf = []string{"no"}

// streamChunk is one read handed from the body reader to the writer loop.
type streamChunk struct {
	data []byte
	err  error
}

// streamResult relays a streaming body to the client with flush-per-chunk
// and periodic keep-alive comments. A separate reader goroutine feeds the
// select loop so keep-alives fire while a Read blocks.
//
// Two fixed buffers alternate across an unbuffered channel: the writer only
// receives buffer B after it has finished writing buffer A, so the reader
// never refills a buffer the writer still holds.
func streamResult(w http.ResponseWriter, r *http.Request, res *dispatch.Result) {
	w.Header()["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(res.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	chunks := make(chan streamChunk)
	done := make(chan struct{})
	defer close(done)

	go func() {
		bufs := [2][]byte{make([]byte, 32*1024), make([]byte, 32*1024)}
		for i := 0; ; i ^= 1 {
			n, err := res.Body.Read(bufs[i])
			if n > 0 {
				select {
				case chunks <- streamChunk{data: bufs[i][:n]}:
				case <-done:
					return
				}
			}
			if err != nil {
				select {
				case chunks <- streamChunk{err: err}:
				case <-done:
				}
				return
			}
		}
	}()

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case chunk := <-chunks:
			if len(chunk.data) > 0 {
				if _, err := w.Write(chunk.data); err != nil {
					return
				}
				if canFlush {
					flusher.Flush()
				}
			}
			if chunk.err != nil {
				if chunk.err != io.EOF {
					slog.LogAttrs(r.Context(), slog.LevelWarn, "stream relay aborted",
						slog.String("error", chunk.err.Error()),
					)
				}
				return
			}

		case <-keepAlive.C:
			if _, err := w.Write(sseKeepAlive); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}

		case <-r.Context().Done():
			// The deferred body close in relayResult unblocks the reader.
			return
		}
	}
}
