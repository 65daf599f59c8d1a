// Package board holds the Kanban boards shown by the UI and applies card
// moves to them. The Service is the only writer of the boards it holds.
package board

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"taskflow/domain"
	"taskflow/storage"
)

// Repository persists boards.
type Repository interface {
	FetchBoard(ctx context.Context, boardID string) (domain.Board, error)
	SaveBoard(ctx context.Context, b domain.Board) error
}

// Service keeps the authoritative in-memory copy of each board.
type Service struct {
	repo   Repository
	logger *log.Logger

	mu     sync.Mutex
	boards map[string]domain.Board
}

// NewService creates a Service. repo may be nil, in which case boards live
// only in memory.
func NewService(repo Repository, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{repo: repo, logger: logger, boards: make(map[string]domain.Board)}
}

// Get returns the current board, loading or seeding it on first use.
func (s *Service) Get(ctx context.Context, boardID string) (domain.Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, boardID)
}

// Move applies m to the board. Invalid moves return the unchanged board along
// with an error matching domain.ErrInvalidMove. The moved card is returned so
// callers can describe the move to the backend.
func (s *Service) Move(ctx context.Context, boardID string, m domain.Move) (domain.Board, domain.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(ctx, boardID)
	if err != nil {
		return domain.Board{}, domain.Card{}, err
	}
	next, err := domain.MoveCard(current, m)
	if err != nil {
		return current, domain.Card{}, err
	}
	src, _ := current.Column(m.SourceColumnID)
	moved := src.Cards[m.SourceIndex]
	if m.IsNoop() {
		return current, moved, nil
	}

	s.boards[boardID] = next
	if s.repo != nil {
		if err := s.repo.SaveBoard(ctx, next); err != nil {
			s.logger.WithFields(log.Fields{"board": boardID, "card": moved.ID}).WithError(err).Error("persist board failed")
		}
	}
	s.logger.WithFields(log.Fields{
		"board": boardID,
		"card":  moved.ID,
		"from":  m.SourceColumnID,
		"to":    m.DestColumnID,
		"index": m.DestIndex,
	}).Debug("card moved")
	return next, moved, nil
}

// Forget drops the in-memory copy so the next access reloads it.
func (s *Service) Forget(boardID string) {
	s.mu.Lock()
	delete(s.boards, boardID)
	s.mu.Unlock()
}

// load returns the held board or fetches it. Callers hold mu.
func (s *Service) load(ctx context.Context, boardID string) (domain.Board, error) {
	if b, ok := s.boards[boardID]; ok {
		return b, nil
	}
	if s.repo == nil {
		b := domain.DefaultBoard(boardID)
		s.boards[boardID] = b
		return b, nil
	}

	b, err := s.repo.FetchBoard(ctx, boardID)
	switch {
	case errors.Is(err, storage.ErrBoardNotFound):
		b = domain.DefaultBoard(boardID)
		if err := s.repo.SaveBoard(ctx, b); err != nil {
			s.logger.WithField("board", boardID).WithError(err).Warn("seed board not persisted")
		}
	case err != nil:
		return domain.Board{}, err
	}
	s.boards[boardID] = b
	return b, nil
}
