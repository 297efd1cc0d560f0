package facts

import (
	"sync"
	"time"

	"github.com/stellarlinkco/salud/internal/fatigue"
)

// Fact is the latest known level for one category.
type Fact struct {
	Category  fatigue.Category
	Level     fatigue.Level
	Version   uint64
	UpdatedAt time.Time
}

// Table holds exactly one Fact per category. Replace is last-write-wins and
// keeps no history.
type Table struct {
	mu      sync.RWMutex
	facts   map[fatigue.Category]Fact
	version uint64
	now     func() time.Time
}

func NewTable() *Table {
	return &Table{
		facts: make(map[fatigue.Category]Fact),
		now:   time.Now,
	}
}

// Replace overwrites the fact for category and returns the new table version.
func (t *Table) Replace(category fatigue.Category, level fatigue.Level) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.version++
	t.facts[category] = Fact{
		Category:  category,
		Level:     level,
		Version:   t.version,
		UpdatedAt: t.now(),
	}
	return t.version
}

func (t *Table) Get(category fatigue.Category) (Fact, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.facts[category]
	return f, ok
}

// Snapshot returns a consistent copy of every fact and the version it was taken at.
func (t *Table) Snapshot() (map[fatigue.Category]Fact, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[fatigue.Category]Fact, len(t.facts))
	for k, v := range t.facts {
		out[k] = v
	}
	return out, t.version
}

func (t *Table) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}
