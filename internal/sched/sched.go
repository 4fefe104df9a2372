// Package sched abstracts background task scheduling. The host may
// provide a real task runner; when it cannot, work runs inline so a
// failed schedule attempt never drops work.
package sched

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrClosed reports an enqueue after Close.
var ErrClosed = errors.New("task queue closed")

// Task is one schedulable unit. Tasks receive a background context:
// enqueued work outlives the request that triggered it.
type Task func(ctx context.Context)

// Queue enqueues tasks fire-and-forget. Enqueue returns an error only
// when the task could not be accepted; callers then fall back to
// running it synchronously.
type Queue interface {
	Enqueue(name string, task Task) error
}

// Run enqueues the task and falls back to synchronous execution when
// the queue refuses it. This is the engine's single scheduling choke
// point: work is never silently dropped.
func Run(ctx context.Context, q Queue, log zerolog.Logger, name string, task Task) {
	if q != nil {
		if err := q.Enqueue(name, task); err == nil {
			return
		} else {
			log.Warn().Str("task", name).Err(err).Msg("enqueue failed, running inline")
		}
	}
	task(ctx)
}

// Async runs each task on its own goroutine. Wait blocks until all
// accepted tasks finish; after Close, Enqueue refuses new work.
type Async struct {
	log zerolog.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewAsync builds a goroutine-backed queue.
func NewAsync(log zerolog.Logger) *Async {
	return &Async{log: log}
}

func (a *Async) Enqueue(name string, task Task) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		a.log.Debug().Str("task", name).Msg("task started")
		task(context.Background())
		a.log.Debug().Str("task", name).Msg("task finished")
	}()
	return nil
}

// Wait blocks until all in-flight tasks complete.
func (a *Async) Wait() { a.wg.Wait() }

// Close refuses further work and waits for in-flight tasks.
func (a *Async) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}
