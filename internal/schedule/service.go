package schedule

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Job is a named periodic task. Spec uses the seconds-enabled cron syntax,
// including descriptors such as "@every 15s".
type Job struct {
	Name string
	Spec string
	Fn   func(ctx context.Context) error
}

// Every returns the spec for a fixed interval.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

type cronLogger struct{}

func (cronLogger) Printf(format string, args ...any) {
	log.Printf("[schedule] "+format, args...)
}

var parser = rcron.NewParser(
	rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

// Service runs jobs on a robfig/cron scheduler. A job that is still running
// when its next tick arrives is skipped, and a panicking job is recovered.
type Service struct {
	mu       sync.Mutex
	jobs     []Job
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
}

func NewService() *Service {
	return &Service{entryMap: make(map[string]rcron.EntryID)}
}

// Add registers a job. Jobs added after Start are scheduled immediately.
func (s *Service) Add(job Job) error {
	if job.Name == "" || job.Fn == nil {
		return fmt.Errorf("job needs a name and a function")
	}
	if _, err := parser.Parse(job.Spec); err != nil {
		return fmt.Errorf("job %s: invalid spec %q: %w", job.Name, job.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("job %s already registered", job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	if s.cron != nil {
		s.registerJob(job)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	logger := rcron.PrintfLogger(cronLogger{})
	c := rcron.New(
		rcron.WithParser(parser),
		rcron.WithChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)),
	)

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("scheduler already started")
	}
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = c
	for _, job := range s.jobs {
		s.registerJob(job)
	}
	n := len(s.jobs)
	s.mu.Unlock()

	c.Start()
	log.Printf("[schedule] started with %d jobs", n)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
			return
		}
	}()

	return nil
}

func (s *Service) registerJob(job Job) {
	runCtx := s.runCtx
	id, err := s.cron.AddFunc(job.Spec, func() {
		s.execute(runCtx, job)
	})
	if err != nil {
		log.Printf("[schedule] failed to register job %s (%s): %v", job.Name, job.Spec, err)
		return
	}
	s.entryMap[job.Name] = id
}

func (s *Service) execute(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	if err := job.Fn(ctx); err != nil {
		log.Printf("[schedule] job %s error: %v", job.Name, err)
	}
}

// RunNow executes a registered job synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var found *Job
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			j := s.jobs[i]
			found = &j
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("job %s not found", name)
	}
	return found.Fn(ctx)
}

// Next returns the next scheduled run of a job, if the service is running.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entryMap[name]
	if !ok || s.cron == nil {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Service) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

// Stop cancels running jobs and waits up to five seconds for them to return.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.cron = nil
	s.entryMap = make(map[string]rcron.EntryID)
	s.mu.Unlock()

	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[schedule] stop timeout waiting for running jobs")
	}
	log.Printf("[schedule] stopped")
}
