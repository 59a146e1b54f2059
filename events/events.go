// Package events provides the completion notification queue consumed by the
// channel layer. The channel layer only enqueues completions tagged with
// caller-supplied correlation tokens; it never inspects queue internals.
// Callers poll the queue (or block on it) to drive call progress.
package events

import (
	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tether/errors"
)

// Common errors for Queue.
var (
	ErrQueueClosed = errors.New("event queue is closed")
)

// Event is one completion notification. Tag is the opaque correlation token
// supplied when the operation was started. Err is nil on success, otherwise
// the operation's terminal error.
type Event struct {
	Tag any
	Err error
}

// Notifier receives completion events. The channel layer depends only on
// this interface, so callers may supply their own notification mechanism.
type Notifier interface {
	// Enqueue delivers one completion event. It must not block indefinitely.
	Enqueue(e Event)
}

// Queue is a channel-backed Notifier with a bounded buffer. It is safe for
// concurrent use.
type Queue struct {
	ch        chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a Queue that buffers up to size events. If size is <= 0,
// a default of 128 is used.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 128
	}
	return &Queue{
		ch:     make(chan Event, size),
		closed: make(chan struct{}),
	}
}

// Enqueue implements Notifier. Events enqueued after Close are dropped.
func (q *Queue) Enqueue(e Event) {
	select {
	case <-q.closed:
	case q.ch <- e:
	}
}

// Next blocks until an event is available, the queue is closed, or the
// context is done.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-q.closed:
		return Event{}, ErrQueueClosed
	case e := <-q.ch:
		return e, nil
	}
}

// Close shuts the queue down. Pending events are discarded.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	return nil
}
