package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stellarlinkco/salud/internal/fatigue"
)

var (
	ErrFull   = errors.New("alert bus full")
	ErrClosed = errors.New("alert bus closed")
)

// AlertBus is the bounded, ordered hand-off between alert producers and the
// single guidance consumer. Publish never blocks: detection loops must not
// stall behind voice delivery.
type AlertBus struct {
	mu     sync.RWMutex
	ch     chan fatigue.AlertEvent
	closed bool
}

func NewAlertBus(bufSize int) *AlertBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &AlertBus{ch: make(chan fatigue.AlertEvent, bufSize)}
}

// Publish enqueues ev or fails with ErrFull / ErrClosed. Events are delivered
// in publish order.
func (b *AlertBus) Publish(ev fatigue.AlertEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.ch <- ev:
		return nil
	default:
		return ErrFull
	}
}

// Receive waits up to timeout for the next event. ok is false on timeout,
// cancellation, or once the bus is closed and empty.
func (b *AlertBus) Receive(ctx context.Context, timeout time.Duration) (fatigue.AlertEvent, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev, ok := <-b.ch:
		return ev, ok
	case <-timer.C:
		return fatigue.AlertEvent{}, false
	case <-ctx.Done():
		return fatigue.AlertEvent{}, false
	}
}

// Close stops further publishes. Queued events stay readable until drained.
func (b *AlertBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// Drain returns every event still queued. Call after Close.
func (b *AlertBus) Drain() []fatigue.AlertEvent {
	var out []fatigue.AlertEvent
	for {
		select {
		case ev, ok := <-b.ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (b *AlertBus) Len() int {
	return len(b.ch)
}

func (b *AlertBus) Cap() int {
	return cap(b.ch)
}

func (b *AlertBus) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
