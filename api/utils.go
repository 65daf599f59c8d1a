package api

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskflow/domain"
)

var (
	lastTimestamp int64
)

func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}

// newMoveCommand stamps an applied move with the next timestamp. key must be
// set; see moveKey.
func newMoveCommand(boardID, cardID, key string, m domain.Move) domain.MoveCommand {
	return domain.MoveCommand{
		ID:             key,
		IdempotencyKey: key,
		BoardID:        boardID,
		CardID:         cardID,
		Move:           m,
		Timestamp:      nextTimestamp(),
	}
}

func moveKey(key string) string {
	if key == "" {
		return uuid.NewString()
	}
	return key
}
