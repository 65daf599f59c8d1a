package board

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"taskflow/domain"
	"taskflow/storage"
)

type memRepo struct {
	mu       sync.Mutex
	boards   map[string]domain.Board
	fetchErr error
	saveErr  error
	fetches  int
	saves    int
}

func newMemRepo() *memRepo {
	return &memRepo{boards: make(map[string]domain.Board)}
}

func (r *memRepo) FetchBoard(_ context.Context, id string) (domain.Board, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	if r.fetchErr != nil {
		return domain.Board{}, r.fetchErr
	}
	b, ok := r.boards[id]
	if !ok {
		return domain.Board{}, storage.ErrBoardNotFound
	}
	return b, nil
}

func (r *memRepo) SaveBoard(_ context.Context, b domain.Board) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.saveErr != nil {
		return r.saveErr
	}
	r.boards[b.ID] = b
	return nil
}

func TestGetSeedsDefaultBoard(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil)

	b, err := svc.Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(b, domain.DefaultBoard("p1")) {
		t.Fatalf("expected default board, got %v", b.CardIDs())
	}
	if repo.saves != 1 {
		t.Fatalf("expected seeded board to be saved once, saves=%d", repo.saves)
	}

	if _, err := svc.Get(context.Background(), "p1"); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if repo.fetches != 1 {
		t.Fatalf("expected board to be loaded once, fetches=%d", repo.fetches)
	}
}

func TestGetPropagatesRepositoryErrors(t *testing.T) {
	repo := newMemRepo()
	repo.fetchErr = errors.New("table down")
	svc := NewService(repo, nil)

	if _, err := svc.Get(context.Background(), "p1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestMovePersistsNewBoard(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	b, moved, err := svc.Move(ctx, "p1", domain.Move{SourceColumnID: "todo", SourceIndex: 0, DestColumnID: "done", DestIndex: 0})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.ID != "1" {
		t.Fatalf("unexpected moved card: %+v", moved)
	}
	done, _ := b.Column("done")
	if done.Cards[0].ID != "1" {
		t.Fatalf("expected card 1 at top of done, got %v", done.Cards)
	}
	if !reflect.DeepEqual(repo.boards["p1"], b) {
		t.Fatal("expected moved board to be persisted")
	}

	current, err := svc.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(current, b) {
		t.Fatal("expected service to hold the moved board")
	}
}

func TestInvalidMoveLeavesBoard(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()
	before, err := svc.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	saves := repo.saves

	b, _, err := svc.Move(ctx, "p1", domain.Move{SourceColumnID: "todo", SourceIndex: 5, DestColumnID: "done", DestIndex: 0})
	if !errors.Is(err, domain.ErrInvalidMove) {
		t.Fatalf("expected ErrInvalidMove, got %v", err)
	}
	if !reflect.DeepEqual(b, before) {
		t.Fatal("expected unchanged board on invalid move")
	}
	if repo.saves != saves {
		t.Fatal("invalid move must not be persisted")
	}
}

func TestNoopMoveIsNotPersisted(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()
	if _, err := svc.Get(ctx, "p1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	saves := repo.saves

	_, moved, err := svc.Move(ctx, "p1", domain.Move{SourceColumnID: "todo", SourceIndex: 1, DestColumnID: "todo", DestIndex: 1})
	if err != nil {
		t.Fatalf("noop move: %v", err)
	}
	if moved.ID != "2" {
		t.Fatalf("unexpected card: %+v", moved)
	}
	if repo.saves != saves {
		t.Fatal("noop move must not be persisted")
	}
}

func TestMoveKeepsMemoryWhenSaveFails(t *testing.T) {
	repo := newMemRepo()
	logger, hook := test.NewNullLogger()
	svc := NewService(repo, logger)
	ctx := context.Background()
	if _, err := svc.Get(ctx, "p1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	repo.saveErr = errors.New("table down")

	b, _, err := svc.Move(ctx, "p1", domain.Move{SourceColumnID: "todo", SourceIndex: 0, DestColumnID: "review", DestIndex: 1})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	current, _ := svc.Get(ctx, "p1")
	if !reflect.DeepEqual(current, b) {
		t.Fatal("expected in-memory board to stay authoritative")
	}
	if entry := hook.LastEntry(); entry == nil || entry.Message != "persist board failed" {
		t.Fatalf("expected persist failure to be logged, got %#v", entry)
	}
}

func TestServiceWithoutRepository(t *testing.T) {
	svc := NewService(nil, nil)
	ctx := context.Background()
	if _, _, err := svc.Move(ctx, "p1", domain.Move{SourceColumnID: "todo", SourceIndex: 0, DestColumnID: "done", DestIndex: 0}); err != nil {
		t.Fatalf("move: %v", err)
	}
	b, err := svc.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done, _ := b.Column("done"); len(done.Cards) != 2 {
		t.Fatalf("expected two cards in done, got %v", done.Cards)
	}

	svc.Forget("p1")
	b, _ = svc.Get(ctx, "p1")
	if done, _ := b.Column("done"); len(done.Cards) != 1 {
		t.Fatalf("expected fresh default board after Forget, got %v", done.Cards)
	}
}

func TestConcurrentMovesKeepCardSet(t *testing.T) {
	svc := NewService(newMemRepo(), nil)
	ctx := context.Background()
	want := domain.DefaultBoard("p1").CardCount()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := domain.Move{SourceColumnID: "todo", SourceIndex: 0, DestColumnID: "done", DestIndex: i}
			if i%2 == 1 {
				m = domain.Move{SourceColumnID: "done", SourceIndex: 0, DestColumnID: "todo", DestIndex: i}
			}
			_, _, _ = svc.Move(ctx, "p1", m)
		}(i)
	}
	wg.Wait()

	b, err := svc.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.CardCount() != want {
		t.Fatalf("card count changed: %d", b.CardCount())
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("invalid board after concurrent moves: %v", err)
	}
}
