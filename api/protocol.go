package api

import (
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"taskflow/domain"
)

const (
	postMoveMaxSize    = 64 * 1024 // 64 KiB
	postSessionMaxSize = 16 * 1024 // 16 KiB
)

// POST /api/session request body
type loginRequest struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// GET|POST /api/session response body
type sessionResponse struct {
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
}

// POST /api/boards/:id/moves request body
type moveRequest struct {
	domain.Move
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// POST /api/boards/:id/moves response body
type moveResponse struct {
	Board          domain.Board `json:"board"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
	Duplicate      bool         `json:"duplicate,omitempty"`
	Error          string       `json:"error,omitempty"`
}

func sessionView(s domain.Session) sessionResponse {
	return sessionResponse{Authenticated: s.Authenticated(), Username: s.Username()}
}

// sonicSerializer replaces Echo's encoding/json serializer for c.JSON.
type sonicSerializer struct{}

func (sonicSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (sonicSerializer) Deserialize(c echo.Context, i any) error {
	return sonic.ConfigStd.NewDecoder(c.Request().Body).Decode(i)
}
