package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

func streamNotifications(inbox Inbox, auth Authenticator, heartbeat time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		// EventSource cannot set headers, so the token may come as a query param.
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ch, unsubscribe := inbox.Subscribe(userID)
		defer unsubscribe()

		write := func(v any) error {
			data, err := sonic.Marshal(v)
			if err != nil {
				return err
			}
			if _, err := c.Response().Write([]byte("data: ")); err != nil {
				return err
			}
			if _, err := c.Response().Write(data); err != nil {
				return err
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}

		if err := write(streamControl{Type: "connected"}); err != nil {
			return nil
		}
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case n, ok := <-ch:
				if !ok {
					return nil
				}
				if err := write(n); err != nil {
					c.Logger().Error(err)
					return nil
				}
			case <-ticker.C:
				if err := write(streamControl{Type: "heartbeat"}); err != nil {
					return nil
				}
			}
		}
	}
}
