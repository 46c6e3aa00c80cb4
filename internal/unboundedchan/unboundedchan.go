// Package unboundedchan provides a FIFO queue with channel endpoints and no
// capacity limit, so that a producer never waits on a slow consumer.
package unboundedchan

import "sync/atomic"

// UnboundedChannel represents an unbounded queue, but data are entered and removed via channels.
// Beware! You almost certainly want T to be a small value type; use pointers for large objects.
type UnboundedChannel[T any] struct {
	in      chan T
	out     chan T
	queue   []T
	pending atomic.Int64
	closed  atomic.Bool
}

// NewUnboundedChannel creates and initializes an UnboundedChannel
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:    make(chan T),
		out:   make(chan T),
		queue: make([]T, 0),
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) run() {
	for {
		if len(uc.queue) == 0 {
			val, ok := <-uc.in
			if !ok {
				close(uc.out)
				return
			}
			uc.queue = append(uc.queue, val)
			continue
		}
		select {
		case uc.out <- uc.queue[0]:
			var zero T
			uc.queue[0] = zero // release the reference held by the backing array
			uc.queue = uc.queue[1:]
			uc.pending.Add(-1)
		case val, ok := <-uc.in:
			if !ok {
				// Input closed: deliver everything still queued, then close the output.
				for _, item := range uc.queue {
					uc.out <- item
					uc.pending.Add(-1)
				}
				uc.queue = nil
				close(uc.out)
				return
			}
			uc.queue = append(uc.queue, val)
		}
	}
}

// Send queues val. It returns false, dropping val, if the channel was closed.
// Send must not be called concurrently with Close.
func (uc *UnboundedChannel[T]) Send(val T) bool {
	if uc.closed.Load() {
		return false
	}
	uc.pending.Add(1)
	uc.in <- val
	return true
}

// Close stops accepting values. Values already queued are still delivered
// before Out() is closed. Calling Close more than once is harmless.
func (uc *UnboundedChannel[T]) Close() {
	if uc.closed.CompareAndSwap(false, true) {
		close(uc.in)
	}
}

// Len returns the number of values sent but not yet received.
func (uc *UnboundedChannel[T]) Len() int {
	return int(uc.pending.Load())
}

// In returns the input channel for sending data
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the output channel for receiving data
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}
