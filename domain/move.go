package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidMove is returned when a move references an unknown column or a
// card index outside the source column.
var ErrInvalidMove = errors.New("invalid move")

// InvalidMoveError describes why a move was rejected. It matches
// ErrInvalidMove with errors.Is.
type InvalidMoveError struct {
	Move   Move
	Reason string
}

func (e *InvalidMoveError) Error() string {
	return fmt.Sprintf("invalid move: %s", e.Reason)
}

func (e *InvalidMoveError) Is(target error) bool {
	return target == ErrInvalidMove
}

// Move describes a single drag of one card.
type Move struct {
	SourceColumnID string `json:"sourceColumnId"`
	SourceIndex    int    `json:"sourceIndex"`
	DestColumnID   string `json:"destColumnId"`
	DestIndex      int    `json:"destIndex"`
}

// IsNoop reports whether the move drops a card back where it was picked up.
func (m Move) IsNoop() bool {
	return m.SourceColumnID == m.DestColumnID && m.SourceIndex == m.DestIndex
}

// MoveCard removes the card at m.SourceIndex from the source column and
// inserts it at m.DestIndex in the destination column. The input board is
// never modified; columns other than the source and destination are shared
// with the result. On error the input board is returned as is.
func MoveCard(board Board, m Move) (Board, error) {
	src, srcPos := board.Column(m.SourceColumnID)
	if src == nil {
		return board, &InvalidMoveError{Move: m, Reason: fmt.Sprintf("unknown source column %q", m.SourceColumnID)}
	}
	dst, dstPos := board.Column(m.DestColumnID)
	if dst == nil {
		return board, &InvalidMoveError{Move: m, Reason: fmt.Sprintf("unknown destination column %q", m.DestColumnID)}
	}
	if m.SourceIndex < 0 || m.SourceIndex >= len(src.Cards) {
		return board, &InvalidMoveError{
			Move:   m,
			Reason: fmt.Sprintf("source index %d out of range for column %q with %d cards", m.SourceIndex, src.ID, len(src.Cards)),
		}
	}
	if m.IsNoop() {
		return board, nil
	}

	card := src.Cards[m.SourceIndex]
	srcCards := make([]Card, 0, len(src.Cards))
	srcCards = append(srcCards, src.Cards[:m.SourceIndex]...)
	srcCards = append(srcCards, src.Cards[m.SourceIndex+1:]...)

	columns := make([]*Column, len(board.Columns))
	copy(columns, board.Columns)

	if srcPos == dstPos {
		columns[srcPos] = &Column{ID: src.ID, Title: src.Title, Cards: insertCard(srcCards, m.DestIndex, card)}
		return Board{ID: board.ID, Columns: columns}, nil
	}

	dstCards := make([]Card, len(dst.Cards))
	copy(dstCards, dst.Cards)
	columns[srcPos] = &Column{ID: src.ID, Title: src.Title, Cards: srcCards}
	columns[dstPos] = &Column{ID: dst.ID, Title: dst.Title, Cards: insertCard(dstCards, m.DestIndex, card)}
	return Board{ID: board.ID, Columns: columns}, nil
}

// insertCard places card at idx, clamped to [0, len(cards)]. cards must be
// owned by the caller.
func insertCard(cards []Card, idx int, card Card) []Card {
	if idx < 0 {
		idx = 0
	}
	if idx > len(cards) {
		idx = len(cards)
	}
	cards = append(cards, Card{})
	copy(cards[idx+1:], cards[idx:])
	cards[idx] = card
	return cards
}
