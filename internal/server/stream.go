package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
)

const streamWriteTimeout = 5 * time.Second

// streamFilter selects which events a stream connection receives. Empty
// fields match everything.
type streamFilter struct {
	kinds     map[events.Kind]bool
	sandboxID string
	agentID   string
}

func (f streamFilter) match(ev events.Event) bool {
	if len(f.kinds) > 0 && !f.kinds[ev.Kind] {
		return false
	}
	if f.sandboxID != "" && ev.SandboxID != f.sandboxID {
		return false
	}
	if f.agentID != "" && ev.AgentID != f.agentID {
		return false
	}
	return true
}

// parseStreamFilter reads repeated ?kind= values plus ?sandbox= and ?agent=.
func parseStreamFilter(r *http.Request) (streamFilter, bool) {
	q := r.URL.Query()
	f := streamFilter{sandboxID: q.Get("sandbox"), agentID: q.Get("agent")}
	for _, v := range q["kind"] {
		k := events.Kind(v)
		if !k.Valid() {
			return f, false
		}
		if f.kinds == nil {
			f.kinds = make(map[events.Kind]bool)
		}
		f.kinds[k] = true
	}
	return f, true
}

// eventStream returns the websocket handler for /v1/events. Each connection
// gets its own bus subscription; events the client is too slow for are
// dropped by the bus rather than stalling publishers.
func (s *Server) eventStream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token != "" {
			token = "Bearer " + token
		} else {
			token = r.Header.Get("Authorization")
		}
		if !validToken(token, s.cfg.Token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		filter, ok := parseStreamFilter(r)
		if !ok {
			http.Error(w, "unknown event kind", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: s.cfg.OriginPatterns,
		})
		if err != nil {
			s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
			return
		}
		s.serveStream(r.Context(), conn, filter)
	})
}

func (s *Server) serveStream(ctx context.Context, conn *websocket.Conn, filter streamFilter) {
	ch, cancel := s.deps.Events.Subscribe(s.cfg.StreamBuffer)
	defer cancel()

	// The stream is one-way; CloseRead discards client frames and cancels
	// ctx once the client goes away.
	ctx = conn.CloseRead(ctx)
	s.logger.Debug("event stream opened")

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "stream closed")
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if !filter.match(ev) {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					s.logger.Warn("event stream write failed", slog.String("error", err.Error()))
				}
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
