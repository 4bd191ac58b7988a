// Package notify implements the notify pipeline: a single dedicated
// goroutine that takes notification jobs enqueued out of order (because the
// writer that produced revision N+1 can finish before the writer that
// produced revision N under per-key locking) and dispatches them to
// watchers in strict, global revision order.
//
// Out-of-order arrivals are parked in a min-heap keyed by revision until
// their predecessor has been dispatched. This keeps it simple for callers:
// Enqueue may be called concurrently, in any order, from any number of
// goroutines, and watchers still see a gap-free, monotonically increasing
// stream.
package notify

import (
	"container/heap"
	"sync/atomic"
)

// Target is one watcher's delivery channel plus its cancellation signal.
// Done must be closed when the watcher goes away, since sending on a
// closed Go channel panics (unlike Rust's mpsc, which reports a closed
// receiver as an error) — the pipeline selects on Done instead of ever
// closing Ch itself.
type Target[T any] struct {
	Ch   chan<- T
	Done <-chan struct{}
}

// Job is one pending notification: a payload to deliver, the set of
// watcher channels to deliver it to, and a revision that fixes its place in
// the global dispatch order.
type Job[T any] struct {
	Rev     int64
	Targets []Target[T]
	Payload T

	// OnDispatch, if non-nil, runs immediately before fan-out (e.g. to
	// append the corresponding WAL record). It runs on the pipeline's
	// single goroutine, so it executes in the same revision order the
	// fan-out does.
	OnDispatch func()
}

// Pipeline serializes Job dispatch by Rev and publishes a monotonic
// progress marker once every Job up to and including that revision has
// been fully fanned out.
type Pipeline[T any] struct {
	jobs chan Job[T]

	progressRev atomic.Int64

	// onFull is called when a non-blocking send to a watcher channel would
	// have blocked, just before the pipeline falls back to a blocking send
	// itself; it only lets callers attach metrics.
	onFull func(prefixHint string)
	// onClosed is called when a watcher's Done channel was found closed, so
	// the payload was dropped rather than delivered to it.
	onClosed func(prefixHint string)
}

// Option configures optional instrumentation hooks on a Pipeline.
type Option[T any] func(*Pipeline[T])

// WithFullHook registers a callback invoked whenever a watcher's channel
// was full at delivery time (so the pipeline had to fall back to a
// blocking send).
func WithFullHook[T any](f func(prefixHint string)) Option[T] {
	return func(p *Pipeline[T]) { p.onFull = f }
}

// WithClosedHook registers a callback invoked whenever a watcher's channel
// was closed at delivery time (so the message was dropped).
func WithClosedHook[T any](f func(prefixHint string)) Option[T] {
	return func(p *Pipeline[T]) { p.onClosed = f }
}

// New creates a Pipeline and starts its dispatch goroutine. startRev is the
// revision number the first dispatched Job must carry (ordinarily 1, or
// one past whatever revision was last durably dispatched before a
// restart).
func New[T any](startRev int64, queueSize int, opts ...Option[T]) *Pipeline[T] {
	p := &Pipeline[T]{
		jobs: make(chan Job[T], queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.progressRev.Store(startRev - 1)
	go p.run(startRev)
	return p
}

// Enqueue submits a job for eventual dispatch. It never blocks the caller
// on dispatch order — only on the pipeline's input queue being full, which
// a generously sized queue makes vanishingly rare.
func (p *Pipeline[T]) Enqueue(job Job[T]) {
	p.jobs <- job
}

// ProgressRevision returns the highest revision whose Job has been fully
// dispatched to every target channel.
func (p *Pipeline[T]) ProgressRevision() int64 {
	return p.progressRev.Load()
}

type jobHeap[T any] []Job[T]

func (h jobHeap[T]) Len() int            { return len(h) }
func (h jobHeap[T]) Less(i, j int) bool  { return h[i].Rev < h[j].Rev }
func (h jobHeap[T]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap[T]) Push(x interface{}) { *h = append(*h, x.(Job[T])) }
func (h *jobHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (p *Pipeline[T]) run(startRev int64) {
	nextRev := startRev
	spool := &jobHeap[T]{}
	heap.Init(spool)

	for job := range p.jobs {
		if job.Rev > nextRev {
			heap.Push(spool, job)
			continue
		}

		p.dispatch(job)
		nextRev++

		for spool.Len() > 0 && (*spool)[0].Rev == nextRev {
			p.dispatch(heap.Pop(spool).(Job[T]))
			nextRev++
		}

		// Only publish progress once every dispatch up through nextRev-1
		// has been enqueued onto its watcher channels.
		p.progressRev.Store(nextRev - 1)
	}
}

func (p *Pipeline[T]) dispatch(job Job[T]) {
	if job.OnDispatch != nil {
		job.OnDispatch()
	}
	if len(job.Targets) == 0 {
		return
	}
	for _, target := range job.Targets {
		select {
		case target.Ch <- job.Payload:
			continue
		case <-target.Done:
			if p.onClosed != nil {
				p.onClosed("")
			}
			continue
		default:
		}

		// Full: fall back to a blocking send so a slow watcher cannot
		// silently miss events, only slow down its own delivery. Still
		// race against Done so a watcher that cancels while we're
		// blocked doesn't wedge this goroutine forever.
		if p.onFull != nil {
			p.onFull("")
		}
		select {
		case target.Ch <- job.Payload:
		case <-target.Done:
			if p.onClosed != nil {
				p.onClosed("")
			}
		}
	}
}
