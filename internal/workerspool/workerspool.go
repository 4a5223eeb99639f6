// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs the per-channel work of the checker in parallel.
//
// Channels are independent units: each one reduces and compares with only
// local accumulators and read-only access to the shared buffers, so the pool
// needs no coordination beyond limiting the number of goroutines in flight.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of concurrently running tasks.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
}

// New returns a Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{maxParallelism: runtime.NumCPU()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the soft target for parallelism.
// 0 means parallelism is disabled, negative means unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the parallelism target. Set it to 0 to disable
// parallelism (all work runs inline) or to a negative value for no limit.
//
// Only change the parallelism while no work is running.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// waitToStart blocks until a worker is available, then runs task in its own
// goroutine, keeping tabs on numRunning.
func (w *Pool) waitToStart(task func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.maxParallelism > 0 && w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// For runs fn(i) for every i in [0, n) and waits for all of them to finish.
//
// With parallelism disabled (MaxParallelism() == 0) it runs every call inline
// in index order. Otherwise calls run concurrently and fn must not write any
// state shared across indices.
func (w *Pool) For(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	if w.maxParallelism == 0 || n == 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		w.waitToStart(func() {
			defer wg.Done()
			fn(i)
		})
	}
	wg.Wait()
}
