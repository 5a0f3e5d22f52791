package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/chatdigest/internal/bus"
)

const wsWriteTimeout = 5 * time.Second

// handleWS streams summary lifecycle events to the client until it
// disconnects or the server closes. Messages sent by the client are ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event feed unavailable"})
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: handshake failed", "error", err)
		return
	}
	sub := s.cfg.Bus.Subscribe(bus.TopicSummaryPrefix)
	s.logger.Info("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		s.logger.Info("ws: client disconnected", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				s.logger.Warn("ws: write failed, closing", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev bus.Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

// Close ends every open event stream. http.Server.Shutdown does not wait for
// hijacked connections, so call this first.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}
