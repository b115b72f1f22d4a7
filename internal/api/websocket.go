package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"venue-gateway/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

func (s *Server) upgrader() *websocket.Upgrader {
	allowed := make(map[string]bool, len(s.auth.AllowedOrigins))
	for _, o := range s.auth.AllowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		},
	}
}

// parseTopics reads ?topics=a,b; empty means every topic.
func parseTopics(raw string) []events.Event {
	if raw == "" {
		return events.All
	}
	known := make(map[events.Event]bool, len(events.All))
	for _, e := range events.All {
		known[e] = true
	}
	var out []events.Event
	for _, t := range strings.Split(raw, ",") {
		if e := events.Event(strings.TrimSpace(t)); known[e] {
			out = append(out, e)
		}
	}
	return out
}

func (s *Server) websocket(c *gin.Context) {
	topics := parseTopics(c.Query("topics"))
	if len(topics) == 0 {
		respondError(c, http.StatusBadRequest, "INVALID_TOPICS", "no known topics requested")
		return
	}
	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	stream, unsub := s.gw.Bus().Subscribe(topics, 256)
	defer unsub()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug("ws write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
