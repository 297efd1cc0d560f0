package alert

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/salud/internal/fatigue"
)

// DefaultMinInterval is the minimum time between two alerts of the same kind.
const DefaultMinInterval = 120 * time.Second

// Gate owns per-kind cooldown state and is the only place that decides
// whether an alert may be raised now.
type Gate struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastFired   map[fatigue.AlertKind]time.Time
	now         func() time.Time
	newID       func() string
}

type Option func(*Gate)

// WithClock replaces time.Now, for tests and replayed scenarios.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func NewGate(minInterval time.Duration, opts ...Option) *Gate {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	g := &Gate{
		minInterval: minInterval,
		lastFired:   make(map[fatigue.AlertKind]time.Time),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AlertWorthy reports whether level is high enough to raise for kind.
// Visual and postural alert from moderate upward; cognitive only at high;
// environmental callers pass high when the CO2 threshold is crossed; derived
// rule kinds are alert-worthy whenever they hold.
func AlertWorthy(kind fatigue.AlertKind, level fatigue.Level) bool {
	switch kind {
	case fatigue.KindVisual, fatigue.KindPostural:
		return level.AtLeast(fatigue.LevelModerate)
	case fatigue.KindCognitive, fatigue.KindEnvironmental:
		return level.AtLeast(fatigue.LevelHigh)
	default:
		return true
	}
}

// TryRaise returns an event when level is alert-worthy and the cooldown for
// kind has elapsed. The fired timestamp is recorded before returning, so a
// second producer tick cannot create a duplicate while the first event is
// still queued or playing.
func (g *Gate) TryRaise(kind fatigue.AlertKind, category fatigue.Category, level fatigue.Level, payload map[string]any) (fatigue.AlertEvent, bool) {
	if !AlertWorthy(kind, level) {
		return fatigue.AlertEvent{}, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if last, ok := g.lastFired[kind]; ok && now.Sub(last) <= g.minInterval {
		return fatigue.AlertEvent{}, false
	}
	g.lastFired[kind] = now

	return fatigue.AlertEvent{
		ID:        g.newID(),
		Kind:      kind,
		Category:  category,
		Level:     level,
		Payload:   payload,
		CreatedAt: now,
	}, true
}

// LastFired returns when kind last produced an event.
func (g *Gate) LastFired(kind fatigue.AlertKind) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.lastFired[kind]
	return t, ok
}

func (g *Gate) MinInterval() time.Duration {
	return g.minInterval
}
