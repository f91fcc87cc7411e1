// ABOUTME: FIFO command queue with a single worker goroutine.
// ABOUTME: Serializes all imperative session mutations regardless of calling goroutine.

package command

import (
	"log/slog"
	"sync"
)

// Queue accepts commands from any goroutine and hands them to one Applier
// in enqueue order. Commands enqueued before Close are still applied.
type Queue struct {
	applier Applier
	logger  *slog.Logger

	mu      sync.Mutex
	pending []Command
	closed  bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewQueue starts the worker.
func NewQueue(applier Applier, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		applier: applier,
		logger:  logger.With("component", "command-queue"),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue appends a command. It never blocks on the applier. Commands
// enqueued after Close are dropped.
func (q *Queue) Enqueue(cmd Command) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Debug("command dropped after close", "action", cmd.Action)
		return
	}
	q.pending = append(q.pending, cmd)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of commands waiting to be applied.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops the worker after it finishes everything already enqueued.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		batch := q.take()
		for _, cmd := range batch {
			q.applier.Apply(cmd)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-q.wake:
		case <-q.done:
			// Drain what made it in before Close.
			for _, cmd := range q.take() {
				q.applier.Apply(cmd)
			}
			return
		}
	}
}

// take swaps out the pending slice.
func (q *Queue) take() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending
	q.pending = nil
	return batch
}
