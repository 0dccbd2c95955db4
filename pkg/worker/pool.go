package worker

import (
	"errors"
	"fmt"
	"sync"
)

type poolState int

const (
	poolPending poolState = iota
	poolRunning
	poolClosed
)

var (
	ErrPoolRunning = errors.New("worker pool is already running")
	ErrPoolClosed  = errors.New("worker pool has been closed")
)

// WorkerPool owns a fixed set of Workers, each of which is run in it's own
// goroutine once the pool is started. A pool moves from pending, to running,
// to closed; it cannot be restarted.
type WorkerPool struct {
	mu      sync.Mutex
	workers []Worker
	state   poolState
	wg      sync.WaitGroup
}

func NewWorkerPool(workers ...Worker) *WorkerPool {
	return &WorkerPool{workers: workers}
}

// NewTaskPool constructs a pending pool of 'size' workers which all run the
// same task. Workers are labelled '<label>-<n>'.
func NewTaskPool(label string, size int, task WorkerTask) *WorkerPool {
	workers := make([]Worker, size)
	for i := range workers {
		workers[i] = NewWorker(fmt.Sprintf("%s-%d", label, i), task)
	}

	return NewWorkerPool(workers...)
}

// Start launches every worker. It does not block; use Close to stop the
// workers and wait for them to exit.
func (pool *WorkerPool) Start() error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if err := pool.stateError(poolPending); err != nil {
		return err
	}

	pool.state = poolRunning
	pool.wg.Add(len(pool.workers))
	for _, w := range pool.workers {
		go func() {
			defer pool.wg.Done()
			w.Start()
		}()
	}

	return nil
}

func (pool *WorkerPool) Size() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	return len(pool.workers)
}

// Statuses returns the current status of each worker, keyed by label.
func (pool *WorkerPool) Statuses() map[string]WorkerStatus {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	statuses := make(map[string]WorkerStatus, len(pool.workers))
	for _, w := range pool.workers {
		statuses[w.Label()] = w.Status()
	}

	return statuses
}

// Close stops the workers and blocks until each has exited. Closing a pool
// which was never started, or closing twice, is a no-op beyond marking the
// pool closed.
func (pool *WorkerPool) Close() {
	pool.mu.Lock()
	wasRunning := pool.state == poolRunning
	pool.state = poolClosed
	pool.mu.Unlock()

	if !wasRunning {
		return
	}

	for _, w := range pool.workers {
		w.Close()
	}
	pool.wg.Wait()
}

func (pool *WorkerPool) stateError(want poolState) error {
	if pool.state == want {
		return nil
	}

	if pool.state == poolClosed {
		return ErrPoolClosed
	}

	return ErrPoolRunning
}
