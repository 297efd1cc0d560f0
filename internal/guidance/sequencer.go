package guidance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stellarlinkco/salud/internal/bus"
	"github.com/stellarlinkco/salud/internal/fatigue"
	"github.com/stellarlinkco/salud/internal/voice"
)

// DefaultPoll bounds how long the sequencer waits on the bus before it
// re-checks for shutdown.
const DefaultPoll = time.Second

type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Sequencer is the single consumer of the alert bus. It plays one script at
// a time to completion; newer events wait in the bus.
type Sequencer struct {
	bus       *bus.AlertBus
	speaker   voice.Speaker
	catalogue *Catalogue
	poll      time.Duration
	pause     func(ctx context.Context, d time.Duration) error

	playMu  sync.Mutex
	state   atomic.Int32
	current atomic.Value // string

	// OnStart and OnComplete run on the sequencer goroutine around every
	// alert script.
	OnStart    func(ev fatigue.AlertEvent)
	OnComplete func(ev fatigue.AlertEvent, err error)
}

type Option func(*Sequencer)

func WithPoll(d time.Duration) Option {
	return func(s *Sequencer) { s.poll = d }
}

// WithPause replaces the real-time pause between steps.
func WithPause(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Sequencer) { s.pause = fn }
}

func NewSequencer(b *bus.AlertBus, speaker voice.Speaker, catalogue *Catalogue, opts ...Option) *Sequencer {
	if catalogue == nil {
		catalogue = DefaultCatalogue()
	}
	s := &Sequencer{
		bus:       b,
		speaker:   speaker,
		catalogue: catalogue,
		poll:      DefaultPoll,
		pause:     sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store("")
	return s
}

// Run drains the bus until ctx is cancelled or the bus is closed and empty.
// It returns only between scripts: a script that has started always plays
// to the end, even after cancellation.
func (s *Sequencer) Run(ctx context.Context) error {
	log.Printf("[guidance] sequencer started")
	defer log.Printf("[guidance] sequencer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		ev, ok := s.bus.Receive(ctx, s.poll)
		if !ok {
			if s.bus.IsClosed() && s.bus.Len() == 0 {
				return nil
			}
			continue
		}

		if s.OnStart != nil {
			s.OnStart(ev)
		}
		err := s.PlayEvent(context.WithoutCancel(ctx), ev)
		if err != nil {
			log.Printf("[guidance] script %s failed: %v", ev.Kind, err)
		}
		if s.OnComplete != nil {
			s.OnComplete(ev, err)
		}
	}
}

// PlayEvent runs the script mapped to the event kind.
func (s *Sequencer) PlayEvent(ctx context.Context, ev fatigue.AlertEvent) error {
	log.Printf("[guidance] playing %s for event %s", ev.Kind, ev.ID)
	return s.Play(ctx, string(ev.Kind), ev.Payload)
}

// Play runs a named script. Calls are serialized system-wide, so welcome and
// farewell never overlap an alert script.
func (s *Sequencer) Play(ctx context.Context, name string, payload map[string]any) error {
	script, ok := s.catalogue.Lookup(name)
	if !ok {
		return fmt.Errorf("no script for %q", name)
	}

	s.playMu.Lock()
	defer s.playMu.Unlock()

	s.state.Store(int32(StateRunning))
	s.current.Store(name)
	defer func() {
		s.current.Store("")
		s.state.Store(int32(StateIdle))
	}()

	var firstErr error
	for i, st := range script.Steps {
		text, err := st.Render(payload)
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		// A failed line is logged and the script continues so its timing
		// stays intact.
		if err := s.speaker.Speak(ctx, text); err != nil {
			log.Printf("[guidance] warning: speak step %d of %s: %v", i+1, name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := s.pause(ctx, st.Pause); err != nil {
			return err
		}
	}
	return firstErr
}

func (s *Sequencer) State() State {
	return State(s.state.Load())
}

// Current returns the script being played, or "" when idle.
func (s *Sequencer) Current() string {
	return s.current.Load().(string)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
