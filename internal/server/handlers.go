package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/harun/toolmesh/pkg/agent"
	"github.com/harun/toolmesh/pkg/session"
	"github.com/harun/toolmesh/pkg/toolprovider"
	"github.com/labstack/echo/v4"
)

// MessageRequest is the body of a message submission.
type MessageRequest struct {
	Message string `json:"message"`
}

// MessageResponse reports the outcome of one run.
type MessageResponse struct {
	SessionID string        `json:"session_id"`
	RunID     string        `json:"run_id,omitempty"`
	Response  string        `json:"response"`
	ToolCalls []string      `json:"tool_calls"`
	Events    []agent.Event `json:"events"`
	Status    agent.Status  `json:"status"`
	Error     string        `json:"error,omitempty"`
}

type toolsResponse struct {
	Tools []toolprovider.Descriptor `json:"tools"`
	Count int                       `json:"count"`
}

type historyResponse struct {
	SessionID string         `json:"session_id"`
	Turns     []session.Turn `json:"turns"`
}

func (s *Server) listTools(c echo.Context) error {
	tools := s.registry.Descriptors()
	return c.JSON(http.StatusOK, toolsResponse{Tools: tools, Count: len(tools)})
}

func (s *Server) listSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sessions.List())
}

func (s *Server) createSession(c echo.Context) error {
	sess, err := s.sessions.Create(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to create session: %v", err))
	}
	return c.JSON(http.StatusCreated, session.Info{
		ID:         sess.ID(),
		CreatedAt:  sess.CreatedAt(),
		LastActive: sess.LastActive(),
	})
}

func (s *Server) deleteSession(c echo.Context) error {
	id := c.Param("id")
	if err := s.sessions.Delete(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) resetSession(c echo.Context) error {
	if err := s.sessions.Reset(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getHistory(c echo.Context) error {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, historyResponse{SessionID: sess.ID(), Turns: sess.History()})
}

// sendMessage runs the message on the session lane and waits for its outcome.
// A client that goes away cancels the run. Runs that fail still answer 200
// with status "failed" and the partial events.
func (s *Server) sendMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}

	ctx := c.Request().Context()
	result, err := s.bridge.Send(ctx, sess, message)
	if err != nil && (errors.Is(err, session.ErrSessionBusy) || ctx.Err() != nil) {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s.render(result, err))
}

// render shapes a run result for web clients.
func (s *Server) render(result agent.RunResult, err error) MessageResponse {
	resp := MessageResponse{
		SessionID: result.SessionID,
		RunID:     result.RunID,
		Response:  result.FinalAnswer,
		ToolCalls: FormatToolCalls(result.Events, s.cfg.ExcerptLength),
		Events:    result.Events,
		Status:    result.Status,
	}
	if resp.Events == nil {
		resp.Events = []agent.Event{}
	}
	if err != nil {
		resp.Status = agent.StatusFailed
		resp.Error = err.Error()
	}
	return resp
}

// FormatToolCalls renders tool events as display lines, cutting results to
// excerptLength runes.
func FormatToolCalls(events []agent.Event, excerptLength int) []string {
	lines := []string{}
	for _, e := range events {
		switch e.Type {
		case agent.EventToolCallRequested:
			lines = append(lines, "🔧 Calling: "+e.Tool)
		case agent.EventToolCallCompleted:
			excerpt, _ := agent.Excerpt(e.Excerpt, excerptLength)
			if e.IsError {
				lines = append(lines, "❌ Error: "+excerpt+"...")
				continue
			}
			lines = append(lines, "✅ Result: "+excerpt+"...")
		}
	}
	return lines
}

func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrSessionBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
