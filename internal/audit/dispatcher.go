package audit

import (
	"context"
	"sync"
	"sync/atomic"

	"tokenforge.org/internal/obs"
)

// Dispatcher delivers events asynchronously so audit I/O never sits on the
// request path. Emit never blocks: if the buffer is full the event is
// dropped and counted. Implements Sink.
type Dispatcher struct {
	sink      Sink
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// NewDispatcher starts the delivery goroutine. A buffer of zero falls back
// to a single slot.
func NewDispatcher(sink Sink, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	if sink == nil {
		sink = LogSink{}
	}
	d := &Dispatcher{
		sink: sink,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	if err := d.sink.Emit(context.Background(), event); err != nil {
		obs.Warn("audit delivery failed", map[string]any{
			"event": event.Type,
			"error": err.Error(),
		})
	}
}

// Emit enqueues the event. Always returns nil: audit delivery failures are
// never operation failures.
func (d *Dispatcher) Emit(_ context.Context, event Event) error {
	if d == nil {
		return nil
	}
	select {
	case d.ch <- event:
	case <-d.done:
	default:
		d.dropped.Add(1)
	}
	return nil
}

// Dropped reports how many events were discarded due to a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close drains buffered events and stops the delivery goroutine.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}
