package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/conclave-ai/conclave/council"
	"github.com/conclave-ai/conclave/internal/deliberation"
	pkgobs "github.com/conclave-ai/conclave/pkg/observability"
)

const (
	sseHeartbeatInterval = 15 * time.Second
	sseRetryInterval     = 5 * time.Second
)

var errSSENoFlusher = errors.New("sse response writer does not support flushing")

// handleRun advances the session by up to ?rounds=N rounds while streaming a
// coarse view of the event stream. Disconnecting stops advancement at the
// next safe point but leaves the session running.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	c, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}

	rounds := 0
	if v := r.URL.Query().Get("rounds"); v != "" {
		rounds, err = strconv.Atoi(v)
		if err != nil || rounds < 0 {
			writeError(w, http.StatusBadRequest, "rounds must be a non-negative integer")
			return
		}
	}

	events, detach, err := c.Attach()
	if err != nil {
		writeAPIError(w, err)
		return
	}
	defer detach()

	writer, err := startSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	pkgobs.TransportOpened("sse")
	defer pkgobs.TransportClosed("sse")

	if err := writer.WriteRetry(sseRetryInterval); err != nil {
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- c.RunRounds(r.Context(), rounds)
	}()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			<-done
			return
		case <-heartbeat.C:
			if err := writer.WriteComment("ping"); err != nil {
				<-done
				return
			}
		case ev := <-events:
			if err := writeCoarseEvent(writer, ev); err != nil {
				<-done
				return
			}
		case runErr := <-done:
			// Flush whatever the executor emitted before it returned.
			for {
				select {
				case ev := <-events:
					if err := writeCoarseEvent(writer, ev); err != nil {
						return
					}
				default:
					// Invoker failures were already streamed as error events
					// by the executor. Refusals happen before any event, so
					// the stream reports them itself.
					if errors.Is(runErr, deliberation.ErrInvalidTransition) || errors.Is(runErr, deliberation.ErrAlreadyRunning) {
						payload := council.NewEvent(council.EventError, c.ID())
						payload.Err = runErr.Error()
						if err := writer.WriteEvent(string(council.EventError), payload); err != nil {
							return
						}
					}
					return
				}
			}
		}
	}
}

// writeCoarseEvent translates the canonical stream to the one-shot wire
// granularity: token deltas are dropped, finished tool calls surface as
// tool_call, everything else passes through.
func writeCoarseEvent(writer *sseWriter, ev council.Event) error {
	switch ev.Type {
	case council.EventAgentToken, council.EventAgentToolStart:
		return nil
	case council.EventAgentToolDone:
		ev.Type = council.EventToolCall
	}
	return writer.WriteEvent(string(ev.Type), ev)
}

// sseWriter emits Server-Sent Events over a flushable response.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
}

func startSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errSSENoFlusher
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-store")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")

	flusher.Flush()
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (writer *sseWriter) WriteRetry(retry time.Duration) error {
	if retry <= 0 {
		return nil
	}
	if _, err := io.WriteString(writer.writer, "retry: "+strconv.FormatInt(retry.Milliseconds(), 10)+"\n\n"); err != nil {
		return err
	}
	writer.flusher.Flush()
	return nil
}

func (writer *sseWriter) WriteComment(comment string) error {
	if _, err := io.WriteString(writer.writer, ": "+comment+"\n\n"); err != nil {
		return err
	}
	writer.flusher.Flush()
	return nil
}

func (writer *sseWriter) WriteEvent(eventName string, payload any) error {
	if eventName != "" {
		if _, err := io.WriteString(writer.writer, "event: "+eventName+"\n"); err != nil {
			return err
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := writeSSEData(writer.writer, data); err != nil {
		return err
	}
	writer.flusher.Flush()
	return nil
}

// writeSSEData splits the payload across data: lines per the SSE framing.
func writeSSEData(w io.Writer, data []byte) error {
	if len(data) == 0 {
		_, err := io.WriteString(w, "data:\n\n")
		return err
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if _, err := io.WriteString(w, "data: "); err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}
