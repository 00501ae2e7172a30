package workerpool

import (
	"context"
	"sync"

	"github.com/JonnyShabli/mediagrab/pkg/logster"
)

type WorkerPoolInterface[T any] interface {
	Start(ctx context.Context)
	AddJob(job T)
}

// WorkerPool runs a fixed number of workers over an unbounded FIFO queue.
// AddJob never blocks, so producers (HTTP handlers) are not coupled to worker speed.
type WorkerPool[T any] struct {
	name       string
	numWorkers int
	logger     logster.Logger
	handle     func(context.Context, T)

	mu     sync.Mutex
	queue  []T
	notify chan struct{}
	wg     sync.WaitGroup
}

func NewWorkerPool[T any](numWorkers int, logger logster.Logger, name string, handle func(context.Context, T)) *WorkerPool[T] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	logger.Infof("%s pool created with %d workers", name, numWorkers)
	return &WorkerPool[T]{
		name:       name,
		numWorkers: numWorkers,
		logger:     logger,
		handle:     handle,
		notify:     make(chan struct{}, 1),
	}
}

func (wp *WorkerPool[T]) AddJob(job T) {
	wp.mu.Lock()
	wp.queue = append(wp.queue, job)
	wp.mu.Unlock()
	wp.wake()
}

// Len reports the number of queued jobs not yet picked up by a worker.
func (wp *WorkerPool[T]) Len() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.queue)
}

func (wp *WorkerPool[T]) wake() {
	select {
	case wp.notify <- struct{}{}:
	default:
	}
}

func (wp *WorkerPool[T]) pop() (T, bool) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	var zero T
	if len(wp.queue) == 0 {
		return zero, false
	}
	job := wp.queue[0]
	wp.queue[0] = zero
	wp.queue = wp.queue[1:]
	if len(wp.queue) > 0 {
		// pass the wakeup on so idle workers drain the rest
		wp.wake()
	}
	return job, true
}

func (wp *WorkerPool[T]) Start(ctx context.Context) {
	wp.logger.Infof("Starting %s worker pool", wp.name)
	wp.wg.Add(wp.numWorkers)
	for range wp.numWorkers {
		go func() {
			defer wp.wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				job, ok := wp.pop()
				if !ok {
					select {
					case <-wp.notify:
						continue
					case <-ctx.Done():
						return
					}
				}
				wp.handle(ctx, job)
			}
		}()
	}
}

// Wait blocks until every worker has returned after ctx cancellation.
func (wp *WorkerPool[T]) Wait() {
	wp.wg.Wait()
	wp.logger.Infof("Stopping %s worker pool", wp.name)
}
