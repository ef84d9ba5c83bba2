package server

import (
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/harun/toolmesh/pkg/agent"
	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ResultFrame is the last frame written for each message on a stream.
type ResultFrame struct {
	Type string `json:"type"`
	MessageResponse
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// stream runs messages received over a websocket on the session lane and
// streams their events as they happen. Each message ends with a result frame.
func (s *Server) stream(c echo.Context) error {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return nil
	}
	defer conn.Close()

	connID, _ := gonanoid.New()
	logger := s.logger.With().Str("conn_id", connID).Str("session_id", sess.ID()).Logger()
	logger.Info().Msg("Stream connected")

	var writeMu sync.Mutex
	write := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(v); err != nil {
			logger.Debug().Err(err).Msg("Failed to write frame")
		}
	}

	ctx := c.Request().Context()
	for {
		var req MessageRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error().Err(err).Msg("Stream read error")
			}
			break
		}

		message := strings.TrimSpace(req.Message)
		if message == "" {
			write(errorFrame{Type: "error", Error: "message is required"})
			continue
		}

		sink := func(e agent.Event) { write(e) }
		result, err := s.bridge.RunNonBlocking(ctx, sess, message, sink).Wait(ctx)
		if ctx.Err() != nil {
			break
		}
		write(ResultFrame{Type: "result", MessageResponse: s.render(result, err)})
	}

	logger.Info().Msg("Stream disconnected")
	return nil
}
