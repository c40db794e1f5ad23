package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conclave-ai/conclave/council"
	"github.com/conclave-ai/conclave/internal/deliberation"
	pkgobs "github.com/conclave-ai/conclave/pkg/observability"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsOutBuffer    = 64
)

// wsCommand is an inbound client command frame.
type wsCommand struct {
	Type string `json:"type"`
	// Message carries the butt_in text.
	Message string `json:"message,omitempty"`
	// Rounds bounds start_deliberation; zero means run to the ceiling.
	Rounds int `json:"rounds,omitempty"`
}

// handleWebSocket serves the persistent fine-grained stream. The client
// drives the session with command frames and receives the full canonical
// vocabulary, token deltas included. Protocol violations close the socket
// with close code 1008 so clients know not to retry as-is.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if !validateToken(r, s.cfg.AuthToken) {
		closePolicyViolation(conn, "unauthorized")
		return
	}

	c, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		closePolicyViolation(conn, "session not found")
		return
	}

	events, detach, err := c.Attach()
	if err != nil {
		closePolicyViolation(conn, err.Error())
		return
	}
	defer detach()

	pkgobs.TransportOpened("ws")
	defer pkgobs.TransportClosed("ws")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// out carries locally generated frames (connected, pong, command errors);
	// the writer goroutine is the only side writing to the socket.
	out := make(chan council.Event, wsOutBuffer)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var ev council.Event
			select {
			case <-ctx.Done():
				return
			case ev = <-events:
			case ev = <-out:
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				cancel()
				return
			}
		}
	}()

	hello := council.NewEvent(council.EventConnected, c.ID())
	out <- hello

	// runDone serializes start_deliberation: one loop at a time per socket.
	var runDone chan struct{}
	defer func() {
		cancel()
		if runDone != nil {
			<-runDone
		}
		<-writerDone
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Type == "" {
			closePolicyViolation(conn, "malformed command")
			return
		}

		switch cmd.Type {
		case "start_deliberation":
			if runDone != nil {
				select {
				case <-runDone:
					runDone = nil
				default:
					s.commandError(out, c.ID(), deliberation.ErrAlreadyRunning)
					continue
				}
			}
			runDone = make(chan struct{})
			go func(rounds int, done chan struct{}) {
				defer close(done)
				if err := c.RunRounds(ctx, rounds); err != nil && !streamedRunError(err) {
					s.commandError(out, c.ID(), err)
				}
			}(cmd.Rounds, runDone)
		case "pause":
			if err := c.Pause(ctx); err != nil {
				s.commandError(out, c.ID(), err)
			}
		case "resume":
			if err := c.Resume(ctx); err != nil {
				s.commandError(out, c.ID(), err)
			}
		case "stop":
			if err := c.Stop(ctx); err != nil {
				s.commandError(out, c.ID(), err)
			}
		case "butt_in":
			if cmd.Message == "" {
				closePolicyViolation(conn, "butt_in requires a message")
				return
			}
			if err := c.ButtIn(cmd.Message); err != nil {
				s.commandError(out, c.ID(), err)
			}
		case "ping":
			pong := council.NewEvent(council.EventPong, c.ID())
			select {
			case out <- pong:
			case <-ctx.Done():
				return
			}
		default:
			closePolicyViolation(conn, "unknown command "+cmd.Type)
			return
		}
	}
}

// streamedRunError reports whether the executor already surfaced the failure
// as an error event on the attached stream.
func streamedRunError(err error) bool {
	return !errors.Is(err, deliberation.ErrInvalidTransition) && !errors.Is(err, deliberation.ErrAlreadyRunning)
}

// commandError reports a rejected command without tearing down the socket.
func (s *Server) commandError(out chan council.Event, sessionID string, err error) {
	ev := council.NewEvent(council.EventError, sessionID)
	ev.Err = err.Error()
	select {
	case out <- ev:
	default:
		log.Printf("session %s: ws out buffer full, dropping error", sessionID)
	}
}

// closePolicyViolation ends the connection with close code 1008 so well
// behaved clients stop retrying.
func closePolicyViolation(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(wsWriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		log.Printf("ws close: %v", err)
	}
}
