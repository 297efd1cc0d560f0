package facts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/stellarlinkco/salud/internal/fatigue"
)

// GeneralHighFatigue is the default compound rule name.
const GeneralHighFatigue = "general_high_fatigue"

// Rule is a conjunctive predicate: it holds when every listed category's
// current fact has exactly the listed level.
type Rule struct {
	Name string                             `json:"name"`
	When map[fatigue.Category]fatigue.Level `json:"when"`
}

func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(r.When) == 0 {
		return fmt.Errorf("rule %s has no conditions", r.Name)
	}
	for c, l := range r.When {
		if _, err := fatigue.ParseCategory(string(c)); err != nil {
			return fmt.Errorf("rule %s: %w", r.Name, err)
		}
		if !l.Valid() {
			return fmt.Errorf("rule %s: invalid level %q for %s", r.Name, l, c)
		}
	}
	return nil
}

// Holds evaluates the rule against a snapshot. A missing fact never matches.
func (r Rule) Holds(snapshot map[fatigue.Category]Fact) bool {
	for c, want := range r.When {
		f, ok := snapshot[c]
		if !ok || f.Level != want {
			return false
		}
	}
	return true
}

// DefaultRules returns general_high_fatigue = visual=high AND postural=high.
func DefaultRules() []Rule {
	return []Rule{{
		Name: GeneralHighFatigue,
		When: map[fatigue.Category]fatigue.Level{
			fatigue.CategoryVisual:   fatigue.LevelHigh,
			fatigue.CategoryPostural: fatigue.LevelHigh,
		},
	}}
}

// Derived is a compound alert produced by a rule that currently holds.
type Derived struct {
	Rule    string
	Version uint64
}

// Backend is the assert/evaluate contract any reasoner must satisfy.
type Backend interface {
	Assert(ctx context.Context, category fatigue.Category, level fatigue.Level) error
	Evaluate(ctx context.Context) ([]Derived, error)
	Close() error
}

// LocalBackend evaluates a static rule set in process.
type LocalBackend struct {
	table *Table
	rules []Rule
}

func NewLocalBackend(rules []Rule) (*LocalBackend, error) {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	sorted := append([]Rule(nil), rules...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return &LocalBackend{table: NewTable(), rules: sorted}, nil
}

func (b *LocalBackend) Assert(_ context.Context, category fatigue.Category, level fatigue.Level) error {
	if !level.Valid() {
		return fmt.Errorf("assert %s: invalid level %q", category, level)
	}
	b.table.Replace(category, level)
	return nil
}

func (b *LocalBackend) Evaluate(_ context.Context) ([]Derived, error) {
	snapshot, version := b.table.Snapshot()
	var out []Derived
	for _, r := range b.rules {
		if r.Holds(snapshot) {
			out = append(out, Derived{Rule: r.Name, Version: version})
		}
	}
	return out, nil
}

func (b *LocalBackend) Close() error { return nil }

// Table exposes the backing fact table for read access.
func (b *LocalBackend) Table() *Table {
	return b.table
}
