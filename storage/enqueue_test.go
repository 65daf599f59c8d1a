package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"taskflow/domain"
)

type fakeQueue struct {
	mu       sync.Mutex
	inFlight int
	max      int
	count    int
	failAt   int
	sleep    time.Duration
	messages []string
	propsErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{failAt: -1, sleep: 1 * time.Millisecond}
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	idx := f.count
	f.count++
	f.inFlight++
	if f.inFlight > f.max {
		f.max = f.inFlight
	}
	f.messages = append(f.messages, content)
	f.mu.Unlock()

	if f.sleep > 0 {
		select {
		case <-time.After(f.sleep):
		case <-ctx.Done():
			f.mu.Lock()
			f.inFlight--
			f.mu.Unlock()
			return azqueue.EnqueueMessagesResponse{}, ctx.Err()
		}
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.failAt >= 0 && idx == f.failAt {
		return azqueue.EnqueueMessagesResponse{}, errors.New("enqueue failure")
	}

	return azqueue.EnqueueMessagesResponse{}, nil
}

func (f *fakeQueue) GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error) {
	return azqueue.GetQueuePropertiesResponse{}, f.propsErr
}

func moveCommands(n int) []domain.MoveCommand {
	cmds := make([]domain.MoveCommand, n)
	for i := range cmds {
		cmds[i] = domain.MoveCommand{
			IdempotencyKey: "k",
			BoardID:        "p1",
			CardID:         "A",
			Move:           domain.Move{SourceColumnID: "todo", DestColumnID: "done"},
		}
	}
	return cmds
}

func TestEnqueueMovesUsesConcurrency(t *testing.T) {
	fq := newFakeQueue()
	store := &Storage{
		moveQueue:        fq,
		queueConcurrency: 4,
	}
	cmds := moveCommands(8)

	if err := store.EnqueueMoves(context.Background(), "user", cmds); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if fq.max < 2 {
		t.Fatalf("expected concurrent sends, max in flight: %d", fq.max)
	}
	if fq.count != len(cmds) {
		t.Fatalf("expected %d sends, got %d", len(cmds), fq.count)
	}
}

func TestEnqueueMovesPropagatesErrors(t *testing.T) {
	fq := newFakeQueue()
	fq.failAt = 2
	store := &Storage{
		moveQueue:        fq,
		queueConcurrency: 3,
	}

	err := store.EnqueueMoves(context.Background(), "user", moveCommands(6))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestEnqueueMovesSequentialWhenConfigured(t *testing.T) {
	fq := newFakeQueue()
	store := &Storage{
		moveQueue:        fq,
		queueConcurrency: 1,
	}

	if err := store.EnqueueMoves(context.Background(), "user", moveCommands(5)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if fq.max != 1 {
		t.Fatalf("expected sequential sends, observed max in flight: %d", fq.max)
	}
}

func TestEnqueueMovesWrapsUser(t *testing.T) {
	fq := newFakeQueue()
	store := &Storage{moveQueue: fq, queueConcurrency: 1}

	if err := store.EnqueueMoves(context.Background(), "user-9", moveCommands(1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var env domain.MoveEnvelope
	if err := json.Unmarshal([]byte(fq.messages[0]), &env); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if env.UserID != "user-9" || env.Command.BoardID != "p1" || env.Command.Move.DestColumnID != "done" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}
