package api

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"taskflow/domain"
)

// streamSession pushes the session view to the browser on every transition so
// open tabs switch between the login page and the board together. Wake-ups are
// coalesced: a slow reader skips straight to the latest state.
func streamSession(sessions Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		wake := make(chan struct{}, 1)
		cancel := sessions.Subscribe(func(domain.Session) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		defer cancel()

		ctx := c.Request().Context()
		c.Response().WriteHeader(http.StatusOK)
		var last *sessionResponse
		for {
			view := sessionView(sessions.Current())
			if last == nil || *last != view {
				if err := writeSSE(c, view); err != nil {
					c.Logger().Error(err)
					return nil
				}
				flusher.Flush()
				last = &view
			}
			select {
			case <-ctx.Done():
				return nil
			case <-wake:
			}
		}
	}
}

func writeSSE(c echo.Context, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	w := c.Response()
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
