// Package stream provides the bounded producer/consumer primitive that every call
// shape is normalized onto. A Pipe carries one direction of one call: the producer
// pushes items in order, the consumer takes them with a blocking Next, and the
// producer ends the direction with Close.
package stream

import (
	"io"
	"iter"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/errors"
)

// ErrClosed is returned by Push after the pipe was closed.
var ErrClosed = errors.New("stream: push on closed pipe")

// Pipe is a bounded FIFO between one producer and one consumer.
// Push blocks while the buffer is full, which is how backpressure reaches the
// producer. Items are delivered in the order they were pushed.
type Pipe[T any] struct {
	items chan T
	done  chan struct{}

	once sync.Once
	err  error // set before done is closed
}

// NewPipe creates a pipe that buffers up to capacity items. A capacity of 0 makes
// every Push wait for the matching Next.
func NewPipe[T any](capacity int) *Pipe[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Pipe[T]{
		items: make(chan T, capacity),
		done:  make(chan struct{}),
	}
}

// Push adds v to the pipe. It returns ErrClosed (or the close error) if the pipe was
// closed, and the context's error if ctx ends first.
func (p *Pipe[T]) Push(ctx context.Context, v T) error {
	// Check closed first so a push racing a close never lands after it.
	select {
	case <-p.done:
		return p.closedErr()
	default:
	}

	select {
	case p.items <- v:
		return nil
	case <-p.done:
		return p.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe[T]) closedErr() error {
	if p.err != nil && p.err != io.EOF {
		return p.err
	}
	return ErrClosed
}

// Next returns the next item. After Close(nil) and once the buffer is drained it
// returns io.EOF. After Close(err) it returns err once drained. If ctx ends first it
// returns the context's error.
func (p *Pipe[T]) Next(ctx context.Context) (T, error) {
	var zero T

	select {
	case v := <-p.items:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.done:
	}

	// Closed: drain what the producer pushed before closing.
	select {
	case v := <-p.items:
		return v, nil
	default:
	}
	return zero, p.err
}

// Close ends the pipe. A nil err means the producer finished normally. Only the first
// call has an effect.
func (p *Pipe[T]) Close(err error) {
	p.once.Do(func() {
		if err == nil {
			err = io.EOF
		}
		p.err = err
		close(p.done)
	})
}

// Done is closed when the pipe is closed.
func (p *Pipe[T]) Done() <-chan struct{} {
	return p.done
}

// Seq adapts the consumer side of p to a sequence. The sequence ends at io.EOF. Any
// other error is yielded once as the final element.
func Seq[T any](ctx context.Context, p *Pipe[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, err := p.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(v, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}
