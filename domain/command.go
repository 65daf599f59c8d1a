package domain

// MoveCommand is the record of an applied move sent to the backend queue so
// the reordering outlives this process.
type MoveCommand struct {
	// ID carries the idempotency key when enqueued to the backend queue.
	ID             string `json:"id,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
	BoardID        string `json:"boardId"`
	CardID         string `json:"cardId"`
	Move           Move   `json:"move"`
	Timestamp      int64  `json:"timestamp"`
}

// MoveEnvelope wraps a move command with the user performing it.
type MoveEnvelope struct {
	UserID  string      `json:"userId"`
	Command MoveCommand `json:"command"`
}
