package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait   = 10 * time.Second
	streamReadLimit   = 512
	defaultPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
}

// handleStream upgrades to a websocket and forwards hub events until the
// client goes away. ?symbols=BTC,ETH narrows price and alert events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "live stream is disabled"})
		return
	}
	owner, err := s.streamOwner(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		s.logger.Debug().Err(err).Msg("Stream upgrade failed")
		return
	}
	defer conn.Close()

	var symbols []string
	if raw := r.URL.Query().Get("symbols"); raw != "" {
		symbols = strings.Split(raw, ",")
	}
	sub := s.hub.Subscribe(owner, symbols)
	defer s.hub.Unsubscribe(sub)

	log := s.logger.With().Uint64("subscriber", sub.ID).Str("owner", owner).Logger()
	log.Info().Strs("symbols", symbols).Msg("Stream client connected")
	defer log.Info().Msg("Stream client disconnected")

	ping := s.cfg.Stream.PingInterval
	if ping <= 0 {
		ping = defaultPingPeriod
	}
	pongWait := ping * 2

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(streamReadLimit)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				log.Debug().Err(err).Msg("Stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// streamOwner resolves the owner like other endpoints, falling back to the
// token or user_id query parameter since browsers cannot set headers on
// websocket requests.
func (s *Server) streamOwner(r *http.Request) (string, error) {
	owner, err := s.owner(r)
	if err == nil {
		return owner, nil
	}
	q := r.URL.Query()
	if s.cfg.Auth.JWTSecret != "" {
		if token := q.Get("token"); token != "" {
			return subjectFromToken(token, s.cfg.Auth.JWTSecret)
		}
		return "", err
	}
	if id := strings.TrimSpace(q.Get("user_id")); id != "" {
		return id, nil
	}
	return "", err
}
