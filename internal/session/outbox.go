package session

import (
	"context"
	"sync"
	"time"
)

// Outbox is a ClientHandle backed by a bounded queue. Producers on any
// goroutine enqueue with a bounded wait; a single writer drains Messages.
type Outbox struct {
	queue chan any
	wait  time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// NewOutbox creates an Outbox holding up to size messages. Send waits at
// most wait for space before giving up with ErrHandoffTimeout.
func NewOutbox(size int, wait time.Duration) *Outbox {
	if size <= 0 {
		size = 64
	}
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &Outbox{
		queue: make(chan any, size),
		wait:  wait,
		done:  make(chan struct{}),
	}
}

// Send enqueues msg for the writer
func (o *Outbox) Send(ctx context.Context, msg any) error {
	select {
	case <-o.done:
		return ErrClientGone
	default:
	}

	// Fast path
	select {
	case o.queue <- msg:
		return nil
	default:
	}

	timer := time.NewTimer(o.wait)
	defer timer.Stop()

	select {
	case o.queue <- msg:
		return nil
	case <-o.done:
		return ErrClientGone
	case <-timer.C:
		return ErrHandoffTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages is drained by the client writer
func (o *Outbox) Messages() <-chan any {
	return o.queue
}

// Done is closed when the outbox is closed
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Close rejects further sends. Queued messages stay readable.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}

// Len returns the number of queued messages
func (o *Outbox) Len() int {
	return len(o.queue)
}
