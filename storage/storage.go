package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"taskflow/domain"
)

// ErrBoardNotFound is returned when no board entity exists for an id.
var ErrBoardNotFound = errors.New("board not found")

const (
	boardRowKey = "board"

	defaultQueueConcurrency = 8
	queuePerCPU             = 10
	maxQueueConcurrency     = 64
)

type boardTable interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
}

type moveQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error)
}

// Storage keeps boards in Azure Table Storage and forwards applied moves to
// the backend through an Azure queue.
type Storage struct {
	boardTable       boardTable
	moveQueue        moveQueue
	queueConcurrency int
}

// New creates a Storage instance from the given connection string.
func New(connStr, boardsTable, movesQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	bt := svc.NewClient(boardsTable)
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	mq, err := azqueue.NewQueueClientFromConnectionString(connStr, movesQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		boardTable:       bt,
		moveQueue:        mq,
		queueConcurrency: queueConcurrencyForCPU(runtime.NumCPU()),
	}, nil
}

func queueConcurrencyForCPU(cpu int) int {
	if cpu < 1 {
		return defaultQueueConcurrency
	}
	n := cpu * queuePerCPU
	if n > maxQueueConcurrency {
		n = maxQueueConcurrency
	}
	return n
}

type boardEntity struct {
	aztables.Entity
	Columns string `json:"Columns"`
}

func decodeBoardEntity(data []byte) (domain.Board, error) {
	var ent boardEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Board{}, err
	}
	b := domain.Board{ID: ent.PartitionKey}
	if ent.Columns != "" {
		if err := json.Unmarshal([]byte(ent.Columns), &b.Columns); err != nil {
			return domain.Board{}, fmt.Errorf("decode columns: %w", err)
		}
	}
	if err := b.Validate(); err != nil {
		return domain.Board{}, err
	}
	return b, nil
}

func encodeBoardEntity(b domain.Board) ([]byte, error) {
	cols, err := json.Marshal(b.Columns)
	if err != nil {
		return nil, err
	}
	return json.Marshal(boardEntity{
		Entity:  aztables.Entity{PartitionKey: b.ID, RowKey: boardRowKey},
		Columns: string(cols),
	})
}

// FetchBoard loads the board with the given id.
func (s *Storage) FetchBoard(ctx context.Context, boardID string) (domain.Board, error) {
	resp, err := s.boardTable.GetEntity(ctx, boardID, boardRowKey, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return domain.Board{}, ErrBoardNotFound
		}
		return domain.Board{}, err
	}
	return decodeBoardEntity(resp.Value)
}

// SaveBoard replaces the stored board.
func (s *Storage) SaveBoard(ctx context.Context, b domain.Board) error {
	data, err := encodeBoardEntity(b)
	if err != nil {
		return err
	}
	_, err = s.boardTable.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// EnqueueMoves sends the given move commands to the moves queue, at most
// queueConcurrency at a time. The first failure is returned after all sends
// finish.
func (s *Storage) EnqueueMoves(ctx context.Context, userID string, cmds []domain.MoveCommand) error {
	if len(cmds) == 0 {
		return nil
	}
	limit := s.queueConcurrency
	if limit < 1 {
		limit = 1
	}
	if limit > len(cmds) {
		limit = len(cmds)
	}

	payloads := make([]string, len(cmds))
	for i, cmd := range cmds {
		data, err := json.Marshal(domain.MoveEnvelope{UserID: userID, Command: cmd})
		if err != nil {
			return err
		}
		payloads[i] = string(data)
	}

	if limit == 1 {
		for _, p := range payloads {
			if _, err := s.moveQueue.EnqueueMessage(ctx, p, nil); err != nil {
				return err
			}
		}
		return nil
	}

	sem := make(chan struct{}, limit)
	errCh := make(chan error, len(payloads))
	for _, p := range payloads {
		sem <- struct{}{}
		go func(p string) {
			defer func() { <-sem }()
			if _, err := s.moveQueue.EnqueueMessage(ctx, p, nil); err != nil {
				errCh <- err
			}
		}(p)
	}
	for i := 0; i < cap(sem); i++ {
		sem <- struct{}{}
	}
	close(errCh)
	return <-errCh
}

// Ping checks that the moves queue is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.moveQueue.GetProperties(ctx, nil)
	return err
}

// QueueConcurrency reports how many queue sends EnqueueMoves runs in parallel.
func (s *Storage) QueueConcurrency() int {
	return s.queueConcurrency
}
