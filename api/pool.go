package api

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskflow/domain"
)

const (
	// moves arrive at drag speed, one per request
	fallbackWorkers   = 4
	workersPerQueue   = 1
	workersPerCPU     = 2
	maxWorkers        = 32
	bufferPerWorker   = 64
	defaultEnqueueTTL = 60 * time.Second

	defaultSendAttempts = 3
	defaultRetryBackoff = 200 * time.Millisecond
)

// Forward modes recorded on the request span.
const (
	forwardAsync  = "async"
	forwardInline = "inline"
	forwardFailed = "failed"
)

// computeWorkerDefaults sizes the pool from the storage queue concurrency and
// CPU count, clamped to maxWorkers.
func computeWorkerDefaults(queueConcurrency, cpu int) (workers, buffer int) {
	workers = fallbackWorkers
	if n := queueConcurrency * workersPerQueue; n > workers {
		workers = n
	}
	if n := cpu * workersPerCPU; n > workers {
		workers = n
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}
	return workers, workers * bufferPerWorker
}

// ForwarderConfig sizes a Forwarder. Zero Workers or Buffer are derived from
// QueueConcurrency and the CPU count. SendAttempts and RetryBackoff bound how
// often a failed enqueue is retried; the backoff doubles per attempt.
type ForwarderConfig struct {
	Workers          int
	Buffer           int
	QueueConcurrency int
	EnqueueTimeout   time.Duration
	HandoffTimeout   time.Duration
	SendAttempts     int
	RetryBackoff     time.Duration
}

type moveJob struct {
	userID string
	cmds   []domain.MoveCommand
}

// Forwarder hands applied moves to the backend queue on a bounded worker
// pool. When the buffer stays full past the handoff timeout the move is
// forwarded inline on the request goroutine.
//
// Moves reach the Forwarder only after they were applied to the board, so a
// failed send never releases the move's idempotency key: a client retry must
// stay a duplicate. Sends are retried instead and a final failure is logged.
type Forwarder struct {
	queue  MoveQueue
	logger *log.Logger

	enqueueTimeout time.Duration
	handoffTimeout time.Duration
	sendAttempts   int
	retryBackoff   time.Duration

	jobs      chan moveJob
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewForwarder starts the worker pool.
func NewForwarder(queue MoveQueue, logger *log.Logger, cfg ForwarderConfig) *Forwarder {
	if queue == nil {
		panic("api.NewForwarder: queue is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.Workers <= 0 || cfg.Buffer <= 0 {
		w, b := computeWorkerDefaults(cfg.QueueConcurrency, runtime.NumCPU())
		if cfg.Workers <= 0 {
			cfg.Workers = w
		}
		if cfg.Buffer <= 0 {
			cfg.Buffer = b
		}
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTTL
	}
	if cfg.HandoffTimeout < 0 {
		cfg.HandoffTimeout = 0
	}
	if cfg.SendAttempts <= 0 {
		cfg.SendAttempts = defaultSendAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}

	f := &Forwarder{
		queue:          queue,
		logger:         logger,
		enqueueTimeout: cfg.EnqueueTimeout,
		handoffTimeout: cfg.HandoffTimeout,
		sendAttempts:   cfg.SendAttempts,
		retryBackoff:   cfg.RetryBackoff,
		jobs:           make(chan moveJob, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		f.wg.Add(1)
		go f.worker(i)
	}
	logger.Infof("move forwarder started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.EnqueueTimeout, cfg.HandoffTimeout)
	return f
}

// Forward queues cmds for a worker, falling back to an inline send when the
// pool is saturated. It returns the forward mode and the inline error, if any.
func (f *Forwarder) Forward(userID string, cmds []domain.MoveCommand) (string, error) {
	job := moveJob{userID: userID, cmds: cmds}
	if f.tryEnqueueJob(job) {
		return forwardAsync, nil
	}

	f.logger.Warn("move buffer saturated; forwarding inline")
	if err := f.send(job); err != nil {
		return forwardFailed, err
	}
	return forwardInline, nil
}

// Close stops accepting jobs and waits for queued ones to drain.
func (f *Forwarder) Close() {
	f.closeOnce.Do(func() {
		close(f.jobs)
	})
	f.wg.Wait()
}

func (f *Forwarder) worker(id int) {
	defer f.wg.Done()
	for j := range f.jobs {
		if err := f.send(j); err != nil {
			f.logger.Errorf("enqueue failed, err: %v, user: %s, count: %d, worker: %d", err, j.userID, len(j.cmds), id)
		}
	}
}

func (f *Forwarder) send(j moveJob) error {
	attempts := f.sendAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := f.retryBackoff
	var err error
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), f.enqueueTimeout)
		err = f.queue.EnqueueMoves(ctx, j.userID, j.cmds)
		cancel()
		if err == nil || attempt >= attempts {
			break
		}
		f.logger.Warnf("enqueue attempt %d failed, retrying in %v, err: %v, user: %s", attempt, backoff, err, j.userID)
		time.Sleep(backoff)
		backoff *= 2
	}
	if err != nil {
		return fmt.Errorf("enqueue %d move(s) after %d attempt(s): %w", len(j.cmds), attempts, err)
	}
	return nil
}

func (f *Forwarder) tryEnqueueJob(job moveJob) bool {
	if ok, closed := trySendNonBlocking(f.jobs, job); closed {
		return false
	} else if ok {
		return true
	}

	if f.handoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(f.handoffTimeout)
	defer timer.Stop()

	ok, closed := sendWithTimer(f.jobs, job, timer.C)
	if closed {
		return false
	}
	return ok
}

func trySendNonBlocking(ch chan moveJob, job moveJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan moveJob, job moveJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	case <-timer:
		return false, false
	}
}
