package api

import (
	"context"

	"golang.org/x/time/rate"

	"taskflow/domain"
)

// Sessions is the session state the HTTP layer reads and mutates.
type Sessions interface {
	Current() domain.Session
	IsAuthenticated() bool
	Login(ctx context.Context, token, name string) error
	Logout(ctx context.Context)
	Subscribe(fn func(domain.Session)) (cancel func())
}

// Boards applies moves to boards.
type Boards interface {
	Get(ctx context.Context, boardID string) (domain.Board, error)
	Move(ctx context.Context, boardID string, m domain.Move) (domain.Board, domain.Card, error)
	// Forget drops the held copy so the next Get reloads it from storage.
	Forget(boardID string)
}

// MoveQueue forwards applied moves to the backend.
type MoveQueue interface {
	EnqueueMoves(ctx context.Context, userID string, cmds []domain.MoveCommand) error
}

// MoveForwarder hands applied moves to the backend without blocking the
// request for longer than a handoff. It is implemented by *Forwarder.
type MoveForwarder interface {
	Forward(userID string, cmds []domain.MoveCommand) (string, error)
}

// TokenVerifier is implemented by types able to validate a login token and
// return the user it was issued to.
type TokenVerifier interface {
	Subject(token string) (string, error)
}

// Deduper prevents applying the same move twice.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the move was rejected.
	Remove(ctx context.Context, userID, key string) error
}

// Deps groups the collaborators of the HTTP layer. Verifier, Deduper and
// Forwarder are optional.
type Deps struct {
	Sessions  Sessions
	Boards    Boards
	Forwarder MoveForwarder
	Verifier  TokenVerifier
	Deduper   Deduper

	// Ready reports whether backing services are reachable. Nil means
	// always ready.
	Ready func(ctx context.Context) error

	// LoginRate limits POST /api/session per client IP. Zero disables it.
	LoginRate  rate.Limit
	LoginBurst int
}
