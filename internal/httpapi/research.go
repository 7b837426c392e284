package httpapi

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/corvid-labs/deepsearch/internal/session"
	"github.com/corvid-labs/deepsearch/internal/stream"
)

// researchRequest is the Research API's request body, shaped like an OpenAI
// chat-completions request (spec.md §6).
type researchRequest struct {
	Model          string                `json:"model"`
	Messages       []session.Message     `json:"messages"`
	Stream         bool                  `json:"stream"`
	MaxIterations  int                   `json:"max_iterations"`
	MaxSearchItems int                   `json:"max_search_items"`
	DefaultModel   string                `json:"default_model"`
	ReasonModel    string                `json:"reason_model"`
	SessionID      *uuid.UUID            `json:"session_id,omitempty"`
	UserID         string                `json:"user_id,omitempty"`
	WithPlanning   *bool                 `json:"with_planning,omitempty"`
}

// researchResponse is the non-streaming response shape: a single JSON
// object carrying the final report, mirroring the non-streaming branch of
// an OpenAI-style chat-completions response.
type researchResponse struct {
	SessionID   uuid.UUID `json:"session_id"`
	Status      string    `json:"status"`
	FinalReport string    `json:"final_report,omitempty"`
}

func lastUserMessage(messages []session.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == session.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func (s *Server) handleResearch(c echo.Context) error {
	var req researchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	ctx := c.Request().Context()

	if req.SessionID != nil {
		sess, err := s.Store.Resume(ctx, *req.SessionID)
		if err != nil {
			return echo.NewHTTPError(storeErrStatus(err), err.Error())
		}
		return s.dispatch(c, sess, req.Stream)
	}

	settings := session.Settings{
		MaxIterations:  req.MaxIterations,
		MaxSearchItems: req.MaxSearchItems,
		DefaultModel:   req.DefaultModel,
		ReasonModel:    req.ReasonModel,
		WithPlanning:   true,
	}
	if req.WithPlanning != nil {
		settings.WithPlanning = *req.WithPlanning
	}
	if settings.DefaultModel == "" {
		settings.DefaultModel = req.Model
	}
	if settings.ReasonModel == "" {
		settings.ReasonModel = settings.DefaultModel
	}
	if err := settings.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sess := session.New(lastUserMessage(req.Messages), settings)
	sess.UserID = req.UserID
	sess.ChatHistory = req.Messages
	return s.dispatch(c, sess, req.Stream)
}

func (s *Server) dispatch(c echo.Context, sess *session.Session, streamed bool) error {
	if streamed {
		return s.stream(c, sess)
	}
	return s.runToCompletion(c, sess)
}

// stream drains the Orchestrator's chunk channel directly onto the HTTP
// response via the Streaming Protocol Adapter, flushing after every chunk
// the way internal/server's streamRuns flushes after every SSE event.
func (s *Server) stream(c echo.Context, sess *session.Session) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	w := stream.NewWriter(resp, flusher)
	if err := w.Announce(sess.ID); err != nil {
		return err
	}
	for chunk := range s.Orch.Run(c.Request().Context(), sess) {
		if chunk.Kind == stream.KindSessionID {
			continue // already announced above
		}
		if err := w.WriteChunk(chunk); err != nil {
			return err
		}
	}
	return w.Close()
}

// runToCompletion drains the Orchestrator's chunk channel without writing
// anything to the wire until the run finishes, then returns the final
// report as one JSON object (spec.md §6's stream=false branch).
func (s *Server) runToCompletion(c echo.Context, sess *session.Session) error {
	var report string
	for chunk := range s.Orch.Run(c.Request().Context(), sess) {
		if chunk.Kind == stream.KindReportFragment {
			report += chunk.Data
		}
	}
	reloaded, err := s.Store.Load(c.Request().Context(), sess.ID)
	if err != nil {
		return echo.NewHTTPError(storeErrStatus(err), err.Error())
	}
	resp := researchResponse{SessionID: reloaded.ID, Status: string(reloaded.Status)}
	if reloaded.FinalReport != nil {
		resp.FinalReport = *reloaded.FinalReport
	} else {
		resp.FinalReport = report
	}
	return c.JSON(http.StatusOK, resp)
}
