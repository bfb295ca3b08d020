package logserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// live streams newly appended envelopes of a room as JSON text messages.
// Nothing is replayed on connect; clients catch up through the events
// endpoint.
func (s *Server) live(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	// Subscribe before the handshake completes so that anything appended
	// after the client sees the upgrade is delivered.
	sub := s.hub.subscribe(room)
	defer s.hub.unsubscribe(sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "room", room, "error", err)
		return
	}
	defer conn.Close()
	s.logger.Debug("live subscriber joined", "room", room, "subscribers", s.hub.count(room))

	// Reader: handles pongs and detects the client going away.
	eof := make(chan struct{})
	go func() {
		defer close(eof)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case env := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				s.logger.Warn("live write failed", "room", room, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-sub.gone:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscriber dropped"),
				time.Now().Add(writeWait))
			return
		case <-eof:
			return
		case <-r.Context().Done():
			return
		}
	}
}
