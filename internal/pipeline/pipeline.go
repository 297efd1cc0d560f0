package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/salud/internal/alert"
	"github.com/stellarlinkco/salud/internal/bus"
	"github.com/stellarlinkco/salud/internal/config"
	"github.com/stellarlinkco/salud/internal/facts"
	"github.com/stellarlinkco/salud/internal/fatigue"
	"github.com/stellarlinkco/salud/internal/guidance"
	"github.com/stellarlinkco/salud/internal/schedule"
	"github.com/stellarlinkco/salud/internal/sensor"
	"github.com/stellarlinkco/salud/internal/store"
	"github.com/stellarlinkco/salud/internal/vision"
	"github.com/stellarlinkco/salud/internal/voice"
)

var ErrAlreadyRunning = errors.New("pipeline already running")

// producerGrace bounds how long shutdown waits for the vision loop, which
// may be blocked reading frames.
const producerGrace = 2 * time.Second

// Options carries injectable collaborators. Zero values are built from the
// config.
type Options struct {
	Speaker   voice.Speaker
	Gateway   sensor.Gateway
	Backend   facts.Backend
	Store     *store.Store
	Recorder  store.Recorder
	Catalogue *guidance.Catalogue
	Frames    vision.FrameSource
	Rand      *rand.Rand
	Clock     func() time.Time
	// Pause replaces the real-time pauses between script steps.
	Pause      func(ctx context.Context, d time.Duration) error
	SignalChan chan os.Signal // for testing signal handling
}

type Pipeline struct {
	cfg        *config.Config
	gate       *alert.Gate
	bus        *bus.AlertBus
	facts      *facts.Store
	seq        *guidance.Sequencer
	monitor    *sensor.Monitor
	producer   *vision.Producer
	sched      *schedule.Service
	store      *store.Store
	recorder   store.Recorder
	async      *store.AsyncRecorder
	now        func() time.Time
	signalChan chan os.Signal

	mu           sync.Mutex
	running      bool
	session      store.Session
	started      time.Time
	baseMinutes  int
	cancel       context.CancelFunc
	seqDone      chan struct{}
	producerDone chan struct{}
	shutdownOnce sync.Once
}

func New(cfg *config.Config) (*Pipeline, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{cfg: cfg, now: time.Now, signalChan: opts.SignalChan}
	if opts.Clock != nil {
		p.now = opts.Clock
	}

	backend := opts.Backend
	if backend == nil {
		b, err := NewBackend(cfg)
		if err != nil {
			return nil, err
		}
		backend = b
	}
	p.facts = facts.NewStore(backend)

	speaker := opts.Speaker
	if speaker == nil {
		s, err := NewSpeaker(cfg)
		if err != nil {
			_ = p.facts.Close()
			return nil, err
		}
		speaker = s
	}

	catalogue := opts.Catalogue
	if catalogue == nil {
		c, err := NewCatalogue(cfg)
		if err != nil {
			_ = p.facts.Close()
			return nil, err
		}
		catalogue = c
	}
	if err := CheckScripts(cfg, catalogue); err != nil {
		_ = p.facts.Close()
		return nil, err
	}

	// Persistence is optional: without a database the pipeline still alerts.
	p.store = opts.Store
	if p.store == nil && cfg.Store.DBPath != "" {
		st, err := store.Open(cfg.Store.DBPath)
		if err != nil {
			log.Printf("[pipeline] warning: persistence disabled: %v", err)
		} else {
			p.store = st
		}
	}
	switch {
	case opts.Recorder != nil:
		p.recorder = opts.Recorder
	case p.store != nil:
		p.async = store.NewAsyncRecorder(p.store, store.DefaultRecorderBuffer)
		p.recorder = p.async
	default:
		p.recorder = store.Discard{}
	}

	p.gate = alert.NewGate(cfg.MinInterval(), alert.WithClock(p.now))
	p.bus = bus.NewAlertBus(cfg.Alerts.QueueSize)

	var seqOpts []guidance.Option
	if opts.Pause != nil {
		seqOpts = append(seqOpts, guidance.WithPause(opts.Pause))
	}
	p.seq = guidance.NewSequencer(p.bus, speaker, catalogue, seqOpts...)
	p.seq.OnComplete = func(ev fatigue.AlertEvent, err error) {
		if err == nil {
			p.recorder.MarkDelivered(ev.ID, p.now())
		}
	}

	gw := opts.Gateway
	if gw == nil {
		gw = sensor.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.DeviceID, cfg.GatewayTimeout())
	}
	p.monitor = sensor.NewMonitor(gw, sensor.MonitorConfig{
		ThresholdPPM: cfg.Environment.CO2ThresholdPPM,
		ClearPPM:     cfg.Environment.CO2ClearPPM,
		FanControl:   cfg.Environment.FanControl,
	}, p.HandleSample)

	pcfg := vision.ProducerConfig{
		Window:      cfg.Window(),
		FrameHeight: cfg.Vision.FrameHeight,
		BlinkFrames: cfg.Vision.BlinkFrames,
		Elapsed:     func() time.Duration { return time.Duration(p.Minutes()) * time.Minute },
	}
	if cfg.Vision.Source == config.SourceFrames {
		frames := opts.Frames
		if frames == nil {
			jf, err := vision.OpenJSONFrames(cfg.Vision.FramesPath)
			if err != nil {
				return p.fail(fmt.Errorf("%w: %v", config.ErrInvalid, err))
			}
			frames = jf
		}
		p.producer = vision.NewFrameProducer(pcfg, frames, p.HandleWindow)
	} else {
		p.producer = vision.NewSimulatedProducer(pcfg, vision.NewSimulatedSampler(opts.Rand), p.HandleWindow)
	}

	p.sched = schedule.NewService()
	if err := p.sched.Add(schedule.Job{Name: "co2-poll", Spec: schedule.Every(cfg.PollInterval()), Fn: p.pollCO2}); err != nil {
		return p.fail(err)
	}
	if err := p.sched.Add(schedule.Job{Name: "session-minutes", Spec: schedule.Every(time.Minute), Fn: p.recordMinutes}); err != nil {
		return p.fail(err)
	}

	return p, nil
}

func (p *Pipeline) fail(err error) (*Pipeline, error) {
	p.closeResources()
	_ = p.facts.Close()
	return nil, err
}

// HandleWindow is the vision sink: one window yields visual, postural and
// cognitive samples that are asserted together and then gated. Blinks are
// classified as a per-minute rate; a window without a Duration is taken to
// span the configured window length.
func (p *Pipeline) HandleWindow(ctx context.Context, w vision.WindowResult) {
	now := p.now()
	minutes := float64(p.Minutes())
	if w.Duration <= 0 {
		w.Duration = p.cfg.Window()
	}
	rate := w.BlinksPerMinute()

	visual, _ := fatigue.Classify(fatigue.CategoryVisual, rate, minutes, 0)
	postural, _ := fatigue.Classify(fatigue.CategoryPostural, w.Posture, minutes, 0)
	cognitive, _ := fatigue.Classify(fatigue.CategoryCognitive, nil, minutes, 0)
	samples := []fatigue.Sample{visual, postural, cognitive}

	log.Printf("[pipeline] window: blinks=%d in %s, %d/min (%s) posture=%s (%s) minutes=%.0f (%s)",
		w.Blinks, w.Duration, rate, visual.Level, w.Posture, postural.Level, minutes, cognitive.Level)

	p.process(ctx, now, samples)
}

// HandleSample is the environmental sink.
func (p *Pipeline) HandleSample(ctx context.Context, s fatigue.Sample) {
	p.process(ctx, p.now(), []fatigue.Sample{s})
}

func (p *Pipeline) process(ctx context.Context, now time.Time, samples []fatigue.Sample) {
	sessionID := p.SessionID()
	assertions := make([]facts.Assertion, 0, len(samples))
	for i := range samples {
		samples[i].At = now
		s := samples[i]
		assertions = append(assertions, facts.Assertion{Category: s.Category, Level: s.Level})
		if sessionID != 0 {
			p.recorder.RecordDetection(store.Detection{
				SessionID: sessionID,
				Category:  s.Category,
				Level:     s.Level,
				Indicator: s.Indicator(),
				BlinkRate: s.Blinks,
				Posture:   s.Posture,
				PPM:       s.PPM,
				CreatedAt: now,
			})
		}
	}

	derived, err := p.facts.AssertAll(ctx, assertions...)
	if err != nil {
		log.Printf("[pipeline] warning: rule backend: %v", err)
	}

	for _, s := range samples {
		p.raise(fatigue.AlertKind(s.Category), s.Category, s.Level, samplePayload(s))
	}
	for _, d := range derived {
		p.raise(fatigue.AlertKind(d.Rule), "", fatigue.LevelHigh, map[string]any{"rule": d.Rule})
	}
}

func samplePayload(s fatigue.Sample) map[string]any {
	switch s.Category {
	case fatigue.CategoryVisual:
		return map[string]any{"blinks": s.Blinks}
	case fatigue.CategoryPostural:
		return map[string]any{"posture": string(s.Posture)}
	case fatigue.CategoryCognitive:
		return map[string]any{"minutes": int(s.Minutes)}
	case fatigue.CategoryEnvironmental:
		return map[string]any{"ppm": s.PPM}
	}
	return nil
}

func (p *Pipeline) raise(kind fatigue.AlertKind, category fatigue.Category, level fatigue.Level, payload map[string]any) {
	ev, ok := p.gate.TryRaise(kind, category, level, payload)
	if !ok {
		return
	}
	// recorded before publishing so delivery can only ever update an existing row
	if id := p.SessionID(); id != 0 {
		p.recorder.RecordAlert(id, ev)
	}
	if err := p.bus.Publish(ev); err != nil {
		// the cooldown stays armed: a dropped alert is not retried early
		log.Printf("[pipeline] warning: alert %s discarded: %v", ev, err)
		return
	}
	log.Printf("[pipeline] alert queued: %s", ev)
}

func (p *Pipeline) pollCO2(ctx context.Context) error {
	err := p.monitor.Poll(ctx)
	if errors.Is(err, sensor.ErrUnavailable) {
		return nil
	}
	return err
}

func (p *Pipeline) recordMinutes(context.Context) error {
	if id := p.SessionID(); id != 0 {
		p.recorder.SetMinutes(id, p.Minutes())
	}
	return nil
}

// Minutes is the time worked in the current session, including minutes
// carried over from a resumed session.
func (p *Pipeline) Minutes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.IsZero() {
		return p.baseMinutes
	}
	return p.baseMinutes + int(p.now().Sub(p.started)/time.Minute)
}

func (p *Pipeline) SessionID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.ID
}

// Sequencer exposes the script runner, mainly for status reporting.
func (p *Pipeline) Sequencer() *guidance.Sequencer {
	return p.seq
}

func (p *Pipeline) startSession(ctx context.Context) error {
	now := p.now()
	var sess store.Session
	if p.store != nil {
		s, err := p.store.OpenOrCreateSession(ctx, now)
		if err != nil {
			log.Printf("[pipeline] warning: session not persisted: %v", err)
		} else {
			sess = s
		}
	}

	p.mu.Lock()
	p.session = sess
	p.started = now
	p.baseMinutes = sess.Minutes
	p.mu.Unlock()

	if sess.ID != 0 {
		log.Printf("[pipeline] session %d started (%d minutes carried over)", sess.ID, sess.Minutes)
	}
	if err := p.seq.Play(ctx, guidance.ScriptWelcome, nil); err != nil {
		log.Printf("[pipeline] warning: welcome: %v", err)
	}
	return nil
}

func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.seqDone = make(chan struct{})
	p.producerDone = make(chan struct{})
	p.mu.Unlock()
	defer cancel()

	if err := p.startSession(ctx); err != nil {
		return err
	}

	go func() {
		defer close(p.seqDone)
		_ = p.seq.Run(ctx)
	}()

	fatal := make(chan error, 1)
	go func() {
		defer close(p.producerDone)
		if err := p.producer.Run(ctx); err != nil {
			fatal <- err
		}
	}()

	if err := p.sched.Start(ctx); err != nil {
		log.Printf("[pipeline] scheduler start warning: %v", err)
	}
	log.Printf("[pipeline] running: vision=%s co2 every %s, cooldown %s",
		p.cfg.Vision.Source, p.cfg.PollInterval(), p.cfg.MinInterval())

	// Use injected signal channel for testing, or create default
	sigCh := p.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	var runErr error
	select {
	case <-sigCh:
	case <-ctx.Done():
	case err := <-fatal:
		log.Printf("[pipeline] fatal: %v", err)
		runErr = err
	}

	log.Printf("[pipeline] shutting down...")
	if err := p.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops the producers, lets the current script finish, logs every
// alert still queued, then closes the session with a farewell.
func (p *Pipeline) Shutdown() error {
	var err error
	p.shutdownOnce.Do(func() { err = p.shutdown() })
	return err
}

func (p *Pipeline) shutdown() error {
	p.mu.Lock()
	cancel, seqDone, producerDone := p.cancel, p.seqDone, p.producerDone
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.sched.Stop()

	if producerDone != nil {
		select {
		case <-producerDone:
		case <-time.After(producerGrace):
			log.Printf("[pipeline] warning: vision producer still blocked, continuing shutdown")
		}
	}
	if seqDone != nil {
		<-seqDone
	}

	p.bus.Close()
	for _, ev := range p.bus.Drain() {
		log.Printf("[pipeline] discarded queued alert %s", ev)
	}

	minutes := p.Minutes()
	if seqDone != nil {
		if err := p.seq.Play(context.Background(), guidance.ScriptFarewell, map[string]any{"minutes": minutes}); err != nil {
			log.Printf("[pipeline] warning: farewell: %v", err)
		}
	}

	var firstErr error
	if id := p.SessionID(); id != 0 && p.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.store.CloseSession(ctx, id, minutes, p.now()); err != nil {
			log.Printf("[pipeline] warning: %v", err)
		}
		cancel()
	}
	p.closeResources()
	if err := p.facts.Close(); err != nil {
		firstErr = fmt.Errorf("close rule backend: %w", err)
	}
	log.Printf("[pipeline] shutdown complete (%d minutes)", minutes)
	return firstErr
}

func (p *Pipeline) closeResources() {
	if p.async != nil {
		p.async.Close()
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			log.Printf("[pipeline] close store warning: %v", err)
		}
	}
}
