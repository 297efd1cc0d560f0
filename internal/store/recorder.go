package store

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/stellarlinkco/salud/internal/fatigue"
)

// DefaultRecorderBuffer is the number of pending writes the async recorder
// holds before it starts dropping.
const DefaultRecorderBuffer = 256

// Recorder is the fire-and-forget write surface used on the hot path.
type Recorder interface {
	RecordDetection(d Detection)
	RecordAlert(sessionID int64, ev fatigue.AlertEvent)
	MarkDelivered(alertID string, at time.Time)
	SetMinutes(sessionID int64, minutes int)
}

type writeOp struct {
	name string
	fn   func(ctx context.Context, s *Store) error
}

// AsyncRecorder queues writes for a single writer goroutine so producers
// never wait on disk. Failures and overflow are logged, never returned.
type AsyncRecorder struct {
	store *Store
	queue chan writeOp

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsyncRecorder(s *Store, buffer int) *AsyncRecorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	r := &AsyncRecorder{
		store: s,
		queue: make(chan writeOp, buffer),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *AsyncRecorder) loop() {
	defer close(r.done)
	for op := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := op.fn(ctx, r.store); err != nil {
			log.Printf("[store] warning: %s failed: %v", op.name, err)
		}
		cancel()
	}
}

func (r *AsyncRecorder) enqueue(op writeOp) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		log.Printf("[store] warning: %s after close, dropped", op.name)
		return
	}
	select {
	case r.queue <- op:
	default:
		log.Printf("[store] warning: write queue full, dropped %s", op.name)
	}
}

func (r *AsyncRecorder) RecordDetection(d Detection) {
	r.enqueue(writeOp{name: "record detection", fn: func(ctx context.Context, s *Store) error {
		return s.RecordDetection(ctx, d)
	}})
}

func (r *AsyncRecorder) RecordAlert(sessionID int64, ev fatigue.AlertEvent) {
	r.enqueue(writeOp{name: "record alert", fn: func(ctx context.Context, s *Store) error {
		return s.RecordAlert(ctx, sessionID, ev)
	}})
}

func (r *AsyncRecorder) MarkDelivered(alertID string, at time.Time) {
	r.enqueue(writeOp{name: "mark delivered", fn: func(ctx context.Context, s *Store) error {
		return s.MarkDelivered(ctx, alertID, at)
	}})
}

func (r *AsyncRecorder) SetMinutes(sessionID int64, minutes int) {
	r.enqueue(writeOp{name: "set minutes", fn: func(ctx context.Context, s *Store) error {
		return s.SetMinutes(ctx, sessionID, minutes)
	}})
}

// Close stops accepting writes and waits for queued ones to finish.
func (r *AsyncRecorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

// Discard is a Recorder that drops everything, used when no database is
// configured.
type Discard struct{}

func (Discard) RecordDetection(Detection) {}
func (Discard) RecordAlert(int64, fatigue.AlertEvent) {}
func (Discard) MarkDelivered(string, time.Time) {}
func (Discard) SetMinutes(int64, int) {}
