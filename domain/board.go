package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Priority ranks a card on the board.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority accepts the English names in any case as well as the labels
// shown by the board UI.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "niedrig":
		return PriorityLow, nil
	case "medium", "mittel":
		return PriorityMedium, nil
	case "high", "hoch":
		return PriorityHigh, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// UnmarshalJSON normalises stored priorities through ParsePriority so boards
// saved with UI labels load as the canonical values. An empty value stays
// empty.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("priority: %w", err)
	}
	if raw == "" {
		*p = ""
		return nil
	}
	parsed, err := ParsePriority(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Card represents a single task on the board.
type Card struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority"`
}

// Column is an ordered lane of cards.
type Column struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Cards []Card `json:"cards"`
}

// Board is an ordered sequence of columns. Boards are treated as immutable
// values once published: MoveCard builds a new Board and shares the columns
// it did not touch.
type Board struct {
	ID      string    `json:"id"`
	Columns []*Column `json:"columns"`
}

// Column returns the column with the given id and its position.
func (b Board) Column(id string) (*Column, int) {
	for i, c := range b.Columns {
		if c != nil && c.ID == id {
			return c, i
		}
	}
	return nil, -1
}

// CardCount returns the number of cards across all columns.
func (b Board) CardCount() int {
	n := 0
	for _, c := range b.Columns {
		if c != nil {
			n += len(c.Cards)
		}
	}
	return n
}

// CardIDs returns every card id in display order, column by column.
func (b Board) CardIDs() []string {
	ids := make([]string, 0, b.CardCount())
	for _, c := range b.Columns {
		if c == nil {
			continue
		}
		for _, card := range c.Cards {
			ids = append(ids, card.ID)
		}
	}
	return ids
}

// Validate reports duplicate column or card ids.
func (b Board) Validate() error {
	columns := make(map[string]struct{}, len(b.Columns))
	cards := make(map[string]string)
	for _, c := range b.Columns {
		if c == nil {
			return fmt.Errorf("board %s: nil column", b.ID)
		}
		if c.ID == "" {
			return fmt.Errorf("board %s: column without id", b.ID)
		}
		if _, dup := columns[c.ID]; dup {
			return fmt.Errorf("board %s: duplicate column %q", b.ID, c.ID)
		}
		columns[c.ID] = struct{}{}
		for _, card := range c.Cards {
			if card.ID == "" {
				return fmt.Errorf("board %s: card without id in column %q", b.ID, c.ID)
			}
			if owner, dup := cards[card.ID]; dup {
				return fmt.Errorf("board %s: card %q in both %q and %q", b.ID, card.ID, owner, c.ID)
			}
			cards[card.ID] = c.ID
		}
	}
	return nil
}

// DefaultBoard returns the initial board shown to a new project.
func DefaultBoard(id string) Board {
	return Board{
		ID: id,
		Columns: []*Column{
			{ID: "todo", Title: "Zu erledigen", Cards: []Card{
				{ID: "1", Title: "Homepage Design", Description: "Wireframes erstellen", Priority: PriorityHigh},
				{ID: "2", Title: "API Entwicklung", Description: "REST Endpoints", Priority: PriorityMedium},
			}},
			{ID: "inProgress", Title: "In Bearbeitung", Cards: []Card{
				{ID: "3", Title: "Datenbank Setup", Description: "MariaDB einrichten", Priority: PriorityHigh},
			}},
			{ID: "review", Title: "Review", Cards: []Card{
				{ID: "4", Title: "User Testing", Description: "Feedback sammeln", Priority: PriorityMedium},
			}},
			{ID: "done", Title: "Erledigt", Cards: []Card{
				{ID: "5", Title: "Projektplanung", Description: "Initial Setup", Priority: PriorityHigh},
			}},
		},
	}
}
