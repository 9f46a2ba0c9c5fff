// Package workerpool offloads slow teardown work off the event-loop
// thread (§5): deleting a sorted set with more members than
// k_large_container_size must not stall request processing, so its
// node-by-node teardown is handed to a fixed pool of background
// goroutines instead.
//
// Grounded on beelog/conctable.go's handleReduce goroutine, which reads
// work off a buffered channel; adapted here from a single dedicated
// goroutine into a fixed-size pool of N workers sharing one channel,
// the idiomatic Go equivalent of the FIFO task queue in
// _examples/original_source/redis/14/thread_pool.cpp (thread_pool_queue
// pushes under a mutex and signals a condvar; workers block on the
// condvar and pop the queue front). Close's wait-for-drain behavior
// mirrors thread_pool_destroy's pthread_join over every worker. Per
// spec.md §5 ("worker-pool tasks have no cancellation"), a worker's
// only shutdown signal is the task channel closing — there is no
// context plumbed into the read loop, so a queued task is never raced
// against an unrelated cancellation.
package workerpool

import (
	"context"
	"sync"
)

// Task is a unit of work handed to a worker goroutine.
type Task func()

// Pool is a fixed-size set of goroutines consuming tasks off a shared
// unbounded-ish (buffered) queue, FIFO.
type Pool struct {
	tasks chan Task
	wg    sync.WaitGroup
}

// New starts n worker goroutines, each pulling tasks off a shared queue
// of the given buffer size until the queue is closed via Close.
func New(n, queueSize int) *Pool {
	p := &Pool{tasks: make(chan Task, queueSize)}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues task for execution by some worker. Blocks if the
// queue is full; callers that must never block on the event-loop thread
// should size queueSize generously at construction instead of selecting
// on Submit.
func (p *Pool) Submit(task Task) {
	p.tasks <- task
}

// Close stops accepting new work and blocks until every already-queued
// task has run to completion, then returns. ctx bounds only how long
// Close itself is willing to wait for that drain — it never reaches
// into the workers to cancel a task in flight; if ctx is done first,
// Close returns ctx.Err() while the workers keep draining in the
// background.
func (p *Pool) Close(ctx context.Context) error {
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
