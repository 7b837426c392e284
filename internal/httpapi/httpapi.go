// Package httpapi binds the Research API and Session API (spec.md §6) onto
// echo, the way internal/server binds the teacher's own topic/run
// endpoints: a thin handler holding its dependencies by narrow interface,
// every route registered directly in New, a single JSON error handler.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/corvid-labs/deepsearch/internal/session"
	"github.com/corvid-labs/deepsearch/internal/sessionstore"
	"github.com/corvid-labs/deepsearch/internal/stream"
)

// Runner is the orchestrator's surface this package depends on, narrowed to
// the one operation a request handler needs.
type Runner interface {
	Run(ctx context.Context, sess *session.Session) <-chan stream.Chunk
}

// Server holds the Research API's and Session API's shared dependencies.
type Server struct {
	Store   sessionstore.Store
	Orch    Runner
	Echo    *echo.Echo
}

// New builds a Server with routes registered, ready for e.Start.
func New(store sessionstore.Store, orch Runner) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{Store: store, Orch: orch, Echo: e}
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.POST("/v1/research", s.handleResearch)
	e.GET("/sessions", s.listSessions)
	e.GET("/sessions/:id", s.getSession)
	e.DELETE("/sessions/:id", s.deleteSession)
	e.POST("/sessions/:id/resume", s.resumeSession)
	e.GET("/sessions/:id/history", s.sessionHistory)
	e.POST("/sessions/:id/rollback/:n", s.rollbackSession)
	return s
}

func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}

func parseSessionID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.UUID{}, echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	return id, nil
}

func storeErrStatus(err error) int {
	switch err {
	case sessionstore.ErrNotFound:
		return http.StatusNotFound
	case sessionstore.ErrCannotResume:
		return http.StatusConflict
	case sessionstore.ErrIterationOutOfRange:
		return http.StatusBadRequest
	case sessionstore.ErrCorrupt, sessionstore.ErrUnrecognisedSchema:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) listSessions(c echo.Context) error {
	summaries, err := s.Store.List(c.Request().Context(), c.QueryParam("user_id"))
	if err != nil {
		return echo.NewHTTPError(storeErrStatus(err), err.Error())
	}
	return c.JSON(http.StatusOK, summaries)
}

func (s *Server) getSession(c echo.Context) error {
	id, err := parseSessionID(c)
	if err != nil {
		return err
	}
	sess, err := s.Store.Load(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(storeErrStatus(err), err.Error())
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) deleteSession(c echo.Context) error {
	id, err := parseSessionID(c)
	if err != nil {
		return err
	}
	ok, err := s.Store.Delete(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(storeErrStatus(err), err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) sessionHistory(c echo.Context) error {
	id, err := parseSessionID(c)
	if err != nil {
		return err
	}
	hist, err := s.Store.History(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(storeErrStatus(err), err.Error())
	}
	return c.JSON(http.StatusOK, hist)
}

func (s *Server) rollbackSession(c echo.Context) error {
	id, err := parseSessionID(c)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid iteration number")
	}
	rolled, err := s.Store.Rollback(c.Request().Context(), id, n)
	if err != nil {
		return echo.NewHTTPError(storeErrStatus(err), err.Error())
	}
	return c.JSON(http.StatusOK, rolled)
}

func (s *Server) resumeSession(c echo.Context) error {
	id, err := parseSessionID(c)
	if err != nil {
		return err
	}
	sess, err := s.Store.Resume(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(storeErrStatus(err), err.Error())
	}
	return s.stream(c, sess)
}
