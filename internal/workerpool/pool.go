// Package workerpool runs submitted tasks on a fixed set of goroutines fed
// by a bounded queue. With one worker it is a serial queue: tasks run in
// submission order and never overlap.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/recorder/internal/logging"
)

var log = logging.L("workerpool")

// dropLogInterval bounds how often a full queue is reported.
const dropLogInterval = time.Second

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	name       string
	maxWorkers int
	queue      chan Task
	wg         sync.WaitGroup

	// mu orders Submit against the queue close in Drain.
	mu        sync.RWMutex
	accepting bool
	closed    bool

	stopOnce sync.Once
	stopChan chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	dropped     atomic.Uint64
	lastDropLog atomic.Int64
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	return NewNamed("", maxWorkers, queueSize)
}

// NewSerial creates a single-worker pool, used as an ordered handler queue.
func NewSerial(name string, queueSize int) *Pool {
	return NewNamed(name, 1, queueSize)
}

// NewNamed is New with a name attached to the pool's log lines.
func NewNamed(name string, maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:       name,
		maxWorkers: maxWorkers,
		queue:      make(chan Task, queueSize),
		accepting:  true,
		stopChan:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "pool", name, "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues a task. Returns false if the pool is stopped or the queue is full.
// wg.Add is called here (before enqueue) to prevent a race with Drain.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.accepting {
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done() // undo the Add since task was not enqueued
		total := p.dropped.Add(1)
		if p.shouldLogDrop() {
			log.Warn("worker pool queue full, task rejected", "pool", p.name, "rejectedTotal", total)
		}
		return false
	}
}

func (p *Pool) shouldLogDrop() bool {
	now := time.Now().UnixNano()
	last := p.lastDropLog.Load()
	if last != 0 && time.Duration(now-last) < dropLogInterval {
		return false
	}
	return p.lastDropLog.CompareAndSwap(last, now)
}

// Dropped returns how many tasks were rejected because the queue was full.
func (p *Pool) Dropped() uint64 {
	return p.dropped.Load()
}

// Context is cancelled once the pool has drained.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.mu.Lock()
	p.accepting = false
	p.mu.Unlock()
}

// Drain waits for all in-flight and queued tasks to complete, respecting the
// context deadline. It stops accepting new tasks first. After Drain returns,
// the queue channel is closed so worker goroutines exit.
func (p *Pool) Drain(ctx context.Context) {
	p.StopAccepting()
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained", "pool", p.name)
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pool", p.name)
	}

	// Close queue so worker goroutines exit and are not leaked
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.cancel()
}

// Shutdown is StopAccepting followed by Drain.
func (p *Pool) Shutdown(ctx context.Context) {
	p.Drain(ctx)
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(task)
		case <-p.stopChan:
			// Drain remaining queued tasks
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask executes a single task with panic recovery. wg.Done is called here
// to match the wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "pool", p.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
