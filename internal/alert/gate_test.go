package alert

import (
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/salud/internal/fatigue"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestGate_CooldownIdempotence(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(120*time.Second, WithClock(clock.Now))

	_, ok1 := g.TryRaise(fatigue.KindVisual, fatigue.CategoryVisual, fatigue.LevelHigh, nil)
	clock.Advance(30 * time.Second)
	_, ok2 := g.TryRaise(fatigue.KindVisual, fatigue.CategoryVisual, fatigue.LevelHigh, nil)

	if !ok1 || ok2 {
		t.Errorf("got (%v, %v), want exactly one event", ok1, ok2)
	}
}

func TestGate_ReopensAfterInterval(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(120*time.Second, WithClock(clock.Now))

	if _, ok := g.TryRaise(fatigue.KindPostural, fatigue.CategoryPostural, fatigue.LevelModerate, nil); !ok {
		t.Fatal("first raise should succeed")
	}
	clock.Advance(120 * time.Second)
	if _, ok := g.TryRaise(fatigue.KindPostural, fatigue.CategoryPostural, fatigue.LevelModerate, nil); ok {
		t.Error("raise exactly at the interval boundary should be suppressed")
	}
	clock.Advance(time.Second)
	if _, ok := g.TryRaise(fatigue.KindPostural, fatigue.CategoryPostural, fatigue.LevelModerate, nil); !ok {
		t.Error("raise after the interval should succeed")
	}
}

func TestGate_CategoriesAreIndependent(t *testing.T) {
	g := NewGate(120 * time.Second)

	_, v := g.TryRaise(fatigue.KindVisual, fatigue.CategoryVisual, fatigue.LevelHigh, nil)
	_, p := g.TryRaise(fatigue.KindPostural, fatigue.CategoryPostural, fatigue.LevelHigh, nil)
	_, e := g.TryRaise(fatigue.KindEnvironmental, fatigue.CategoryEnvironmental, fatigue.LevelHigh, nil)
	if !v || !p || !e {
		t.Errorf("independent kinds blocked each other: visual=%v postural=%v environmental=%v", v, p, e)
	}
}

func TestGate_NotAlertWorthy(t *testing.T) {
	g := NewGate(time.Minute)
	tests := []struct {
		kind  fatigue.AlertKind
		level fatigue.Level
		want  bool
	}{
		{fatigue.KindVisual, fatigue.LevelLow, false},
		{fatigue.KindVisual, fatigue.LevelModerate, true},
		{fatigue.KindPostural, fatigue.LevelHigh, true},
		{fatigue.KindCognitive, fatigue.LevelModerate, false},
		{fatigue.KindCognitive, fatigue.LevelHigh, true},
		{fatigue.KindEnvironmental, fatigue.LevelLow, false},
		{fatigue.AlertKind("general_high_fatigue"), fatigue.LevelHigh, true},
	}
	for _, tt := range tests {
		if got := AlertWorthy(tt.kind, tt.level); got != tt.want {
			t.Errorf("AlertWorthy(%s, %s) = %v, want %v", tt.kind, tt.level, got, tt.want)
		}
	}

	if _, ok := g.TryRaise(fatigue.KindVisual, fatigue.CategoryVisual, fatigue.LevelLow, nil); ok {
		t.Error("low visual should not raise")
	}
	if _, ok := g.LastFired(fatigue.KindVisual); ok {
		t.Error("suppressed raise must not record a timestamp")
	}
}

func TestGate_EventFields(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(time.Minute, WithClock(clock.Now))

	ev, ok := g.TryRaise(fatigue.KindEnvironmental, fatigue.CategoryEnvironmental, fatigue.LevelHigh, map[string]any{"ppm": 1250.0})
	if !ok {
		t.Fatal("expected event")
	}
	if ev.ID == "" {
		t.Error("event ID should not be empty")
	}
	if !ev.CreatedAt.Equal(clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", ev.CreatedAt, clock.Now())
	}
	if ev.Payload["ppm"] != 1250.0 {
		t.Errorf("payload = %v", ev.Payload)
	}
	last, ok := g.LastFired(fatigue.KindEnvironmental)
	if !ok || !last.Equal(ev.CreatedAt) {
		t.Errorf("LastFired = %v, %v; want %v", last, ok, ev.CreatedAt)
	}
}

func TestGate_ConcurrentRaiseYieldsOneEvent(t *testing.T) {
	g := NewGate(time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	raised := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := g.TryRaise(fatigue.KindVisual, fatigue.CategoryVisual, fatigue.LevelHigh, nil); ok {
				mu.Lock()
				raised++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if raised != 1 {
		t.Errorf("raised = %d, want 1", raised)
	}
}

func TestGate_VisualWindowScenario(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(120*time.Second, WithClock(clock.Now))

	var events []fatigue.AlertEvent
	for _, level := range []fatigue.Level{fatigue.LevelModerate, fatigue.LevelHigh, fatigue.LevelHigh} {
		if ev, ok := g.TryRaise(fatigue.KindVisual, fatigue.CategoryVisual, level, nil); ok {
			events = append(events, ev)
		}
		clock.Advance(60 * time.Second)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Level != fatigue.LevelModerate {
		t.Errorf("event level = %s, want the first crossing (moderate)", events[0].Level)
	}
}

func TestNewGate_DefaultInterval(t *testing.T) {
	if got := NewGate(0).MinInterval(); got != DefaultMinInterval {
		t.Errorf("MinInterval = %v, want %v", got, DefaultMinInterval)
	}
}
