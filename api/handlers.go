package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskflow/domain"
	"taskflow/session"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, deps Deps, logger *log.Logger) {
	if deps.Sessions == nil || deps.Boards == nil {
		panic("api.Register: sessions and boards are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.JSONSerializer = sonicSerializer{}

	e.GET("/healthz", healthz())
	e.GET("/readyz", readyz(deps.Ready, logger))
	e.GET("/api/session", getSession(deps.Sessions))
	e.POST("/api/session", postSession(deps.Sessions, deps.Verifier, logger), loginLimiter(deps)...)
	e.DELETE("/api/session", deleteSession(deps.Sessions), RequireSession(deps.Sessions))
	e.GET("/api/session/stream", streamSession(deps.Sessions))

	boards := e.Group("/api/boards", RequireSession(deps.Sessions))
	boards.GET("/:id", getBoard(deps.Boards))
	boards.POST("/:id/moves", postMove(deps, logger))
	boards.POST("/:id/reload", reloadBoard(deps.Boards))
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func readyz(ready func(ctx context.Context) error, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if ready == nil {
			return c.NoContent(http.StatusOK)
		}
		if err := ready(c.Request().Context()); err != nil {
			logger.WithError(err).Warn("readiness check failed")
			return c.String(http.StatusServiceUnavailable, "not ready")
		}
		return c.NoContent(http.StatusOK)
	}
}

func getSession(sessions Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, sessionView(sessions.Current()))
	}
}

func postSession(sessions Sessions, verifier TokenVerifier, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req loginRequest
		if err := decodeBody(c, postSessionMaxSize, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.Token == "" || req.Username == "" {
			return c.String(http.StatusBadRequest, session.ErrEmptyCredentials.Error())
		}

		if verifier != nil {
			sub, err := verifier.Subject(req.Token)
			if err != nil {
				logger.WithField("user", req.Username).WithError(err).Warn("login token rejected")
				return c.String(http.StatusUnauthorized, "invalid token")
			}
			if sub != req.Username {
				logger.WithFields(log.Fields{"user": req.Username, "sub": sub}).Warn("login token issued to another user")
				return c.String(http.StatusUnauthorized, "token does not belong to user")
			}
		}

		if err := sessions.Login(c.Request().Context(), req.Token, req.Username); err != nil {
			if errors.Is(err, session.ErrEmptyCredentials) {
				return c.String(http.StatusBadRequest, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, sessionView(sessions.Current()))
	}
}

func deleteSession(sessions Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessions.Logout(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	}
}

func getBoard(boards Boards) echo.HandlerFunc {
	return func(c echo.Context) error {
		b, err := boards.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, b)
	}
}

func reloadBoard(boards Boards) echo.HandlerFunc {
	return func(c echo.Context) error {
		boards.Forget(c.Param("id"))
		return getBoard(boards)(c)
	}
}

func postMove(deps Deps, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMoveRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		var opErr error
		defer func() {
			if opErr == nil {
				opErr = err
			}
			metrics.Log(c.Response().Status, opErr)
		}()

		boardID := c.Param("id")
		userID := sessionUser(c)
		metrics.SetBoard(boardID)

		var req moveRequest
		if decodeErr := decodeBody(c, postMoveMaxSize, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		key := moveKey(req.IdempotencyKey)

		var added []string
		if deps.Deduper != nil {
			fresh, dedupeErr := deps.Deduper.Add(ctx, userID, key)
			switch {
			case dedupeErr != nil:
				logger.WithError(dedupeErr).Warn("dedupe unavailable; applying move without it")
			case !fresh:
				metrics.SetDuplicate(true)
				current, getErr := deps.Boards.Get(ctx, boardID)
				if getErr != nil {
					metrics.SetErrorStage("load")
					opErr = getErr
					return c.String(http.StatusInternalServerError, getErr.Error())
				}
				return c.JSON(http.StatusOK, moveResponse{Board: current, IdempotencyKey: key, Duplicate: true})
			default:
				added = []string{key}
			}
		}

		applyStart := time.Now()
		next, card, moveErr := deps.Boards.Move(ctx, boardID, req.Move)
		metrics.ObserveApply(time.Since(applyStart))
		if moveErr != nil {
			rollback(c, deps.Deduper, userID, added, logger)
			opErr = moveErr
			if errors.Is(moveErr, domain.ErrInvalidMove) {
				metrics.SetErrorStage("invalid_move")
				return c.JSON(http.StatusUnprocessableEntity, moveResponse{Board: next, IdempotencyKey: key, Error: moveErr.Error()})
			}
			metrics.SetErrorStage("apply")
			c.Logger().Error(moveErr)
			return c.String(http.StatusInternalServerError, moveErr.Error())
		}
		metrics.SetCard(card.ID, req.SourceColumnID != req.DestColumnID)

		if deps.Forwarder != nil && !req.IsNoop() {
			cmd := newMoveCommand(boardID, card.ID, key, req.Move)
			mode, fwdErr := deps.Forwarder.Forward(userID, []domain.MoveCommand{cmd})
			metrics.SetForwarded(mode)
			// the move is applied; its key stays claimed so a retry is a duplicate
			if fwdErr != nil {
				metrics.SetErrorStage("forward")
				opErr = fwdErr
				logger.WithFields(log.Fields{"board": boardID, "card": card.ID, "user": userID}).WithError(fwdErr).Error("forward move failed")
			}
		}

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, moveResponse{Board: next, IdempotencyKey: key})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func rollback(c echo.Context, deduper Deduper, userID string, keys []string, logger *log.Logger) {
	if deduper == nil {
		return
	}
	for _, k := range keys {
		if err := deduper.Remove(c.Request().Context(), userID, k); err != nil {
			logger.Errorf("dedupe rollback failed, err : %v, key: %s, user: %s", err, k, userID)
		}
	}
}

func decodeBody(c echo.Context, limit int64, v any) error {
	lr := io.LimitReader(c.Request().Body, limit)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
