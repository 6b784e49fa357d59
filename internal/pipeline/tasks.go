package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"mt5session/internal/logger"
)

// TaskQueue runs submitted handler tasks one at a time, in submission order,
// on a dedicated worker so slow handlers do not hold up frame decoding
type TaskQueue struct {
	queue    *queue[func()]
	done     chan struct{}
	once     sync.Once
	executed atomic.Int64
	failed   atomic.Int64
	logger   zerolog.Logger
}

// NewTaskQueue starts the worker
func NewTaskQueue() *TaskQueue {
	q := &TaskQueue{
		queue:  newQueue[func()](),
		done:   make(chan struct{}),
		logger: logger.GetLogger("pipeline.tasks"),
	}
	go q.run()
	return q
}

// Submit queues fn; it reports false once the queue is closed
func (q *TaskQueue) Submit(fn func()) bool {
	if fn == nil {
		return false
	}
	return q.queue.push(fn)
}

// Close stops accepting tasks, runs what is already queued and waits
func (q *TaskQueue) Close() {
	q.once.Do(q.queue.close)
	<-q.done
}

// Pending returns the number of queued tasks
func (q *TaskQueue) Pending() int {
	return q.queue.len()
}

func (q *TaskQueue) run() {
	defer close(q.done)
	for {
		task, ok := q.queue.pop(context.Background())
		if !ok {
			return
		}
		if err := q.execute(task); err != nil {
			q.failed.Add(1)
			q.logger.Error().Err(err).Msg("Handler task failed")
		}
		q.executed.Add(1)
	}
}

func (q *TaskQueue) execute(task func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	task()
	return nil
}
