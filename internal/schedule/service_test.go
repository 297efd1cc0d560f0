package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEvery(t *testing.T) {
	if got := Every(15 * time.Second); got != "@every 15s" {
		t.Errorf("Every = %q", got)
	}
}

func TestService_AddValidation(t *testing.T) {
	s := NewService()
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name string
		job  Job
	}{
		{"no name", Job{Spec: "@every 1s", Fn: noop}},
		{"no fn", Job{Name: "x", Spec: "@every 1s"}},
		{"bad spec", Job{Name: "x", Spec: "every fifteen", Fn: noop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Add(tt.job); err == nil {
				t.Error("expected error")
			}
		})
	}

	if err := s.Add(Job{Name: "co2", Spec: "@every 15s", Fn: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(Job{Name: "co2", Spec: "@every 15s", Fn: noop}); err == nil {
		t.Error("expected duplicate name error")
	}
	if got := s.Jobs(); len(got) != 1 || got[0] != "co2" {
		t.Errorf("Jobs = %v", got)
	}
}

func TestService_RunsJobs(t *testing.T) {
	s := NewService()
	var runs atomic.Int32
	if err := s.Add(Job{Name: "tick", Spec: "@every 1s", Fn: func(context.Context) error {
		runs.Add(1)
		return errors.New("logged, not fatal")
	}}); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if _, ok := s.Next("tick"); !ok {
		t.Error("Next should report a scheduled run")
	}

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}
}

func TestService_StartTwice(t *testing.T) {
	s := NewService()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error on second Start")
	}
}

func TestService_StopOnContextCancel(t *testing.T) {
	s := NewService()
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		stopped := s.cron == nil
		s.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduler still running after cancel")
}

func TestService_RunNow(t *testing.T) {
	s := NewService()
	var got string
	_ = s.Add(Job{Name: "minutes", Spec: "@every 1m", Fn: func(context.Context) error {
		got = "ran"
		return nil
	}})
	if err := s.RunNow(context.Background(), "minutes"); err != nil {
		t.Fatal(err)
	}
	if got != "ran" {
		t.Error("RunNow did not run the job")
	}
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown job")
	}
	s.Stop() // not started: no-op
}
