package eventbridge

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  4096,
}

// handleStream upgrades to a websocket and pushes every event matching the
// query filter as a JSON EventView. With after=<position> the stored events
// past that position are replayed before live delivery starts, so a client
// can resume without gaps.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if s.router == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "live stream not configured"})
		return
	}
	f, err := ParseFilter(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	replay := r.URL.Query().Has("after")

	// Subscribe before replaying so nothing appended in between is missed.
	sub := s.router.Subscribe(f, false)
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("eventbridge: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var last int64
	if replay {
		history, err := s.log.Query(r.Context(), eventlog.Filter{
			Tags:          f.Tags,
			Types:         f.Types,
			Since:         f.Since,
			Until:         f.Until,
			AfterPosition: f.AfterPosition,
		})
		if err != nil {
			s.logger.Error("eventbridge: stream replay", "error", err)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "replay failed"),
				time.Now().Add(streamWriteWait))
			return
		}
		for _, ev := range history {
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			last = ev.Position
		}
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			if ev.Position <= last {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			last = ev.Position
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev eventlog.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(viewOf(ev))
}
