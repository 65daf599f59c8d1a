package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerScheme = "Bearer"

// bearerToken returns the credentials of a "Bearer <token>" Authorization
// header. The scheme is matched case-insensitively; the token is opaque here.
func bearerToken(header http.Header) (string, error) {
	raw := strings.TrimSpace(header.Get(echo.HeaderAuthorization))
	if raw == "" {
		return "", errMissingAuthorization
	}
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return "", errBadAuthorization
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errBadAuthorization
	}
	return token, nil
}
