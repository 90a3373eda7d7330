// Package pool implements the bounded worker pool the scheduling loop
// dispatches firings through: a fixed number of workers,
// one blocking acquisition primitive, and graceful or aborted shutdown.
package pool

import (
	"runtime/debug"
	"sync"

	"github.com/dendrite-sched/dendrite/pkg/logx"
)

// Pool is a bounded worker pool. The zero value is not usable; call New.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	size      int
	available int
	shutdown  bool

	running sync.WaitGroup
	log     logx.Logger
}

// Option mutates a Pool under construction.
type Option func(*Pool)

func WithLogger(l logx.Logger) Option { return func(p *Pool) { p.log = l } }

func New(size int, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{size: size, available: size, log: logx.Nop()}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the configured worker count.
func (p *Pool) Size() int { return p.size }

// BlockForAvailableThreads blocks until at least one worker is idle and
// returns the idle count, or 0 once the pool is shut down.
func (p *Pool) BlockForAvailableThreads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.available < 1 && !p.shutdown {
		p.cond.Wait()
	}
	if p.shutdown {
		return 0
	}
	return p.available
}

// RunInThread hands task to an idle worker, blocking if none is idle.
// Returns false only when the pool is shut down.
func (p *Pool) RunInThread(task func()) bool {
	if task == nil {
		return false
	}
	p.mu.Lock()
	for p.available < 1 && !p.shutdown {
		p.cond.Wait()
	}
	if p.shutdown {
		p.mu.Unlock()
		return false
	}
	p.available--
	p.running.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("worker panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
			p.mu.Lock()
			p.available++
			p.cond.Broadcast()
			p.mu.Unlock()
			p.running.Done()
		}()
		task()
	}()
	return true
}

// Shutdown stops accepting work. With waitForJobsToComplete it blocks
// until every in-flight task returns; otherwise in-flight tasks keep
// running but are no longer waited on.
func (p *Pool) Shutdown(waitForJobsToComplete bool) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		if waitForJobsToComplete {
			p.running.Wait()
		}
		return
	}
	p.shutdown = true
	p.cond.Broadcast()
	p.mu.Unlock()

	if waitForJobsToComplete {
		p.running.Wait()
	}
}
