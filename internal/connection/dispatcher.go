package connection

import (
	"context"
	"sync"

	"github.com/srg/hrtrack/internal/groutine"
)

// dispatcher runs queued deliveries one at a time in FIFO order on its own
// goroutine. enqueue never blocks, so it is safe under the state lock.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   <-chan struct{}
}

func newDispatcher(name string) *dispatcher {
	d := &dispatcher{wake: make(chan struct{}, 1)}
	d.done = groutine.Go(context.Background(), name, d.run)
	return d
}

func (d *dispatcher) enqueue(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	d.signal()
	return true
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run(_ context.Context) {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) == 0 {
			if closed {
				return
			}
			<-d.wake
		}
	}
}

// sync waits until everything queued before the call has been delivered.
// It must not be called from a delivery.
func (d *dispatcher) sync() {
	reached := make(chan struct{})
	if !d.enqueue(func() { close(reached) }) {
		return
	}
	<-reached
}

// close drains the queue and stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.signal()
	<-d.done
}
