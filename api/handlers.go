package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/notify"
	"prism-board/reorder"
	"prism-board/taskapi"
	"prism-board/watch"
)

const defaultHeartbeat = 30 * time.Second

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Boards     Boards
	Inbox      Inbox
	Executions Executions
	Auth       Authenticator
	// Deduper is optional; without it Idempotency-Key headers are ignored.
	Deduper Deduper
	// Health lists dependencies checked by /healthz.
	Health    []Pinger
	Logger    *log.Logger
	Heartbeat time.Duration
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = defaultHeartbeat
	}
	e.GET("/api/projects/:projectId/board", getBoard(d.Boards, d.Auth))
	e.POST("/api/projects/:projectId/moves", postMove(d.Boards, d.Auth, d.Deduper, d.Logger))
	e.POST("/api/projects/:projectId/refresh", postRefresh(d.Boards, d.Auth))
	e.POST("/api/projects/:projectId/executions", postExecution(d.Executions, d.Auth))

	e.GET("/api/notifications", getNotifications(d.Inbox, d.Auth))
	e.GET("/api/notifications/unread-count", getUnreadCount(d.Inbox, d.Auth))
	e.GET("/api/notifications/stream", streamNotifications(d.Inbox, d.Auth, d.Heartbeat))
	e.POST("/api/notifications/read-all", postMarkAllRead(d.Inbox, d.Auth))
	e.GET("/api/notifications/:id", getNotification(d.Inbox, d.Auth))
	e.POST("/api/notifications/:id/read", postMarkRead(d.Inbox, d.Auth))
	e.DELETE("/api/notifications/:id", deleteNotification(d.Inbox, d.Auth))

	e.GET("/healthz", healthz(d.Health))
}

// requestScope authenticates the request and returns the user id plus a
// context that forwards the caller's bearer token upstream.
func requestScope(c echo.Context, auth Authenticator) (string, context.Context, error) {
	userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return "", nil, err
	}
	ctx := c.Request().Context()
	if token, err := bearerTokenFromHeader(c.Request().Header); err == nil {
		ctx = taskapi.WithBearer(ctx, string(token))
	}
	return userID, ctx, nil
}

func healthz(deps []Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		for _, p := range deps {
			if err := p.Ping(ctx); err != nil {
				return c.String(http.StatusServiceUnavailable, err.Error())
			}
		}
		return c.NoContent(http.StatusOK)
	}
}

func getBoard(boards Boards, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ctx, err := requestScope(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		scope := reorder.Scope{ProjectID: c.Param("projectId"), UserID: userID}
		groups, err := boards.Groups(ctx, scope)
		if err != nil {
			c.Logger().Error(err)
			return c.String(upstreamStatus(err), err.Error())
		}
		return c.JSON(http.StatusOK, groups)
	}
}

func postMove(boards Boards, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newMoveRequestMetrics(c.Request().Context(), logger)
		c.SetRequest(c.Request().WithContext(spanCtx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, ctx, authErr := requestScope(c, auth)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}
		projectID := c.Param("projectId")
		metrics.SetProject(projectID)

		lr := io.LimitReader(c.Request().Body, postMoveMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()
		var mv domain.Move
		if decErr := dec.Decode(&mv); decErr != nil || mv.ItemID == "" {
			metrics.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}

		key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
		metrics.SetIdempotencyKeyProvided(key != "")
		if key != "" && deduper != nil {
			added, dedupErr := deduper.Add(ctx, userID, key)
			if dedupErr != nil {
				logger.WithError(dedupErr).Warn("deduper unavailable; processing move")
			} else if !added {
				metrics.SetErrorStage("duplicate")
				return c.String(http.StatusConflict, "duplicate move")
			}
		}

		moveStart := time.Now()
		out, moveErr := boards.Move(ctx, reorder.Scope{ProjectID: projectID, UserID: userID}, mv)
		metrics.ObserveMove(time.Since(moveStart))
		if moveErr != nil || out.Status == reorder.OutcomeFailed {
			if key != "" && deduper != nil {
				if rmErr := deduper.Remove(context.WithoutCancel(ctx), userID, key); rmErr != nil {
					logger.WithError(rmErr).Warn("release idempotency key")
				}
			}
		}
		if moveErr != nil {
			metrics.SetErrorStage("load")
			c.Logger().Error(moveErr)
			return c.String(upstreamStatus(moveErr), moveErr.Error())
		}
		metrics.SetOutcome(string(out.Status), len(out.Updates), out.Completed)
		if out.Status == reorder.OutcomeFailed {
			metrics.SetErrorStage("persist")
		}

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, out)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postRefresh(boards Boards, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ctx, err := requestScope(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		scope := reorder.Scope{ProjectID: c.Param("projectId"), UserID: userID}
		if err := boards.Refresh(ctx, scope); err != nil {
			c.Logger().Error(err)
			return c.String(upstreamStatus(err), err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func postExecution(executions Executions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ctx, err := requestScope(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var body executionRequest
		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, postMoveMaxSize))
		if err := dec.Decode(&body); err != nil || !body.Kind.Valid() || body.ExecutionID == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		req := watch.Request{
			Kind:        body.Kind,
			ExecutionID: body.ExecutionID,
			ProjectID:   c.Param("projectId"),
			UserID:      userID,
		}
		// The poll loop outlives the request.
		if err := executions.Start(context.WithoutCancel(ctx), req); err != nil {
			if errors.Is(err, watch.ErrAlreadyWatching) {
				return c.NoContent(http.StatusAccepted)
			}
			return c.String(http.StatusBadRequest, err.Error())
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func getNotifications(inbox Inbox, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, _, err := requestScope(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		unreadOnly, _ := strconv.ParseBool(c.QueryParam("unread"))
		return c.JSON(http.StatusOK, inbox.List(userID, unreadOnly))
	}
}

func getNotification(inbox Inbox, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, _, err := requestScope(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		n, err := inbox.Get(userID, c.Param("id"))
		if err != nil {
			return inboxError(c, err)
		}
		return c.JSON(http.StatusOK, n)
	}
}

func getUnreadCount(inbox Inbox, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, _, err := requestScope(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		return c.JSON(http.StatusOK, unreadCountResponse{Count: inbox.UnreadCount(userID)})
	}
}

func postMarkRead(inbox Inbox, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, _, err := requestScope(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if err := inbox.MarkRead(userID, c.Param("id")); err != nil {
			return inboxError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func postMarkAllRead(inbox Inbox, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, _, err := requestScope(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		return c.JSON(http.StatusOK, markAllReadResponse{Updated: inbox.MarkAllRead(userID)})
	}
}

func deleteNotification(inbox Inbox, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, _, err := requestScope(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if err := inbox.Delete(userID, c.Param("id")); err != nil {
			return inboxError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func inboxError(c echo.Context, err error) error {
	if errors.Is(err, notify.ErrNotFound) {
		return c.String(http.StatusNotFound, err.Error())
	}
	c.Logger().Error(err)
	return c.String(http.StatusInternalServerError, err.Error())
}

// upstreamStatus maps task API failures to a gateway status.
func upstreamStatus(err error) int {
	var se *taskapi.StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusNotFound:
			return http.StatusNotFound
		case se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden:
			return se.Code
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
