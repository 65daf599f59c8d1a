package api

import (
	"compress/gzip"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// GzipRequestMiddleware decompresses gzip-encoded request bodies so handlers can
// work with plain JSON payloads. Requests with invalid gzip payloads are
// rejected with a 400 response.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &gzipReadCloser{Reader: gr, body: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	if header == "" {
		return false
	}
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	var err error
	if g.Reader != nil {
		err = g.Reader.Close()
	}
	if g.body != nil {
		if cerr := g.body.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// RequireSession admits a request only while a session is held and the
// request presents that session's token as its bearer token.
func RequireSession(sessions Sessions) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !sessions.IsAuthenticated() {
				return c.String(http.StatusUnauthorized, "not signed in")
			}
			presented, err := bearerToken(c.Request().Header)
			if err != nil {
				return c.String(http.StatusUnauthorized, err.Error())
			}
			current := sessions.Current()
			if subtle.ConstantTimeCompare([]byte(presented), []byte(current.Token)) != 1 {
				return c.String(http.StatusUnauthorized, "session token mismatch")
			}
			c.Set(sessionUserKey, current.Username())
			return next(c)
		}
	}
}

const sessionUserKey = "sessionUser"

func sessionUser(c echo.Context) string {
	user, _ := c.Get(sessionUserKey).(string)
	return user
}

// loginLimiter throttles login attempts per client IP when deps.LoginRate is
// set.
func loginLimiter(deps Deps) []echo.MiddlewareFunc {
	if deps.LoginRate <= 0 {
		return nil
	}
	burst := deps.LoginBurst
	if burst < 1 {
		burst = 1
	}
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      deps.LoginRate,
		Burst:     burst,
		ExpiresIn: 10 * time.Minute,
	})
	return []echo.MiddlewareFunc{middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.String(http.StatusTooManyRequests, "too many login attempts")
		},
	})}
}
