package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lorachat/internal/auth"
	apperrors "lorachat/internal/errors"
	"lorachat/internal/events"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

const (
	wsSubprotocol    = "lorachat.v1"
	wsWriteTimeout   = 10 * time.Second
	wsMaxPingFailure = 3
)

// nextEvent turns a subscription into the sequence a client sees: a resync
// marker replaces whatever was dropped while the subscriber lagged.
func nextEvent(sub *events.Subscription, ev events.Event) []events.Event {
	if sub.Lagged() {
		sub.ResetLag()
		return []events.Event{events.ResyncEvent(ev.Seq - 1), ev}
	}
	return []events.Event{ev}
}

// snapshot is sent first so a new subscriber renders link state immediately.
func (s *Server) snapshot() events.Event {
	ev := events.QualityEvent(s.relay.Status())
	ev.At = time.Now().UTC()
	return ev
}

func writeSSE(w io.Writer, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func (s *Server) handleStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		// Streams outlive the server write timeout.
		_ = rc.SetWriteDeadline(time.Time{})

		sub := s.hub.Subscribe()
		defer sub.Close()

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		logger := s.logger.WithFields(logrus.Fields{
			"identity":   auth.IdentityFrom(r.Context()),
			"request_id": apperrors.RequestIDFromContext(r.Context()),
		})
		logger.Debug("Event stream opened")
		defer logger.Debug("Event stream closed")

		if err := writeSSE(w, s.snapshot()); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			logger.WithError(err).Warn("Event stream does not support flushing")
			return
		}

		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
					return
				}
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				for _, out := range nextEvent(sub, ev) {
					if err := writeSSE(w, out); err != nil {
						return
					}
				}
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{wsSubprotocol},
		})
		if err != nil {
			s.logger.WithError(err).Debug("WebSocket upgrade failed")
			return
		}
		defer func() { _ = conn.CloseNow() }()

		if conn.Subprotocol() != wsSubprotocol {
			_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol "+wsSubprotocol+" required")
			return
		}

		sub := s.hub.Subscribe()
		defer sub.Close()

		// The client never sends data frames; CloseRead handles control frames
		// and cancels ctx once the peer goes away.
		ctx := conn.CloseRead(r.Context())

		if err := s.writeWS(ctx, conn, s.snapshot()); err != nil {
			return
		}

		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		failures := 0

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
				err := conn.Ping(pingCtx)
				cancel()
				if err != nil {
					failures++
					if failures >= wsMaxPingFailure {
						_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			case ev, ok := <-sub.C:
				if !ok {
					_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
					return
				}
				for _, out := range nextEvent(sub, ev) {
					if err := s.writeWS(ctx, conn, out); err != nil {
						s.logger.WithError(err).Debug("WebSocket write failed")
						return
					}
				}
			}
		}
	}
}

func (s *Server) writeWS(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
