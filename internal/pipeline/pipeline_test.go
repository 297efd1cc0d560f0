package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stellarlinkco/salud/internal/config"
	"github.com/stellarlinkco/salud/internal/facts"
	"github.com/stellarlinkco/salud/internal/fatigue"
	"github.com/stellarlinkco/salud/internal/guidance"
	"github.com/stellarlinkco/salud/internal/store"
	"github.com/stellarlinkco/salud/internal/vision"
	"github.com/stellarlinkco/salud/internal/voice"
)

type recordingSpeaker struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSpeaker) Speak(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, text)
	return nil
}

func (r *recordingSpeaker) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type fakeGateway struct{}

func (fakeGateway) LatestCO2(context.Context) (float64, bool, error) { return 0, false, nil }
func (fakeGateway) SendCommand(context.Context, string, string) error { return nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingBackend struct{}

func (failingBackend) Assert(context.Context, fatigue.Category, fatigue.Level) error {
	return errors.New("reasoner crashed")
}
func (failingBackend) Evaluate(context.Context) ([]facts.Derived, error) { return nil, nil }
func (failingBackend) Close() error                                       { return nil }

func noPause(context.Context, time.Duration) error { return nil }

type harness struct {
	p       *Pipeline
	speaker *recordingSpeaker
	clock   *fakeClock
	store   *store.Store
}

func newHarness(t *testing.T, mutate func(*config.Config, *Options)) *harness {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	cfg := config.DefaultConfig()
	cfg.Store.DBPath = filepath.Join(t.TempDir(), "salud.db")

	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		speaker: &recordingSpeaker{},
		clock:   &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		store:   st,
	}
	opts := Options{
		Speaker:    h.speaker,
		Gateway:    fakeGateway{},
		Store:      st,
		Clock:      h.clock.Now,
		Pause:      noPause,
		Rand:       rand.New(rand.NewSource(1)),
		SignalChan: make(chan os.Signal, 1),
	}
	if mutate != nil {
		mutate(cfg, &opts)
	}
	p, err := NewWithOptions(cfg, opts)
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	h.p = p
	t.Cleanup(func() { _ = p.Shutdown() })
	return h
}

func (h *harness) queued() []fatigue.AlertKind {
	var kinds []fatigue.AlertKind
	for h.p.bus.Len() > 0 {
		ev, ok := h.p.bus.Receive(context.Background(), time.Millisecond)
		if !ok {
			break
		}
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestNewWithOptions_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Gateway.BaseURL = ""
	if _, err := NewWithOptions(cfg, Options{Speaker: &recordingSpeaker{}}); !errors.Is(err, config.ErrMissingGatewayURL) {
		t.Errorf("err = %v, want ErrMissingGatewayURL", err)
	}

	cfg = config.DefaultConfig()
	cfg.Rules.Definitions = []config.RuleConfig{{Name: "bad", When: map[string]string{"mood": "high"}}}
	if _, err := NewWithOptions(cfg, Options{Speaker: &recordingSpeaker{}}); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestHandleWindow_CompoundRule(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.p.startSession(ctx); err != nil {
		t.Fatal(err)
	}

	h.p.HandleWindow(ctx, vision.WindowResult{Blinks: 30, Posture: fatigue.PostureHeadLow})

	got := h.queued()
	want := []fatigue.AlertKind{fatigue.KindVisual, fatigue.KindPostural, facts.GeneralHighFatigue}
	if len(got) != len(want) {
		t.Fatalf("queued = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("queued[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	// same window again inside the cooldown: nothing new
	h.clock.Advance(time.Minute)
	h.p.HandleWindow(ctx, vision.WindowResult{Blinks: 30, Posture: fatigue.PostureHeadLow})
	if got := h.queued(); len(got) != 0 {
		t.Errorf("queued inside cooldown = %v", got)
	}
}

func TestHandleWindow_HighVisualOnlyNoCompound(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_ = h.p.startSession(ctx)

	h.p.HandleWindow(ctx, vision.WindowResult{Blinks: 30, Posture: fatigue.PostureCorrect})
	got := h.queued()
	if len(got) != 1 || got[0] != fatigue.KindVisual {
		t.Errorf("queued = %v, want [visual]", got)
	}
}

func TestHandleWindow_VisualCooldownScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_ = h.p.startSession(ctx)

	for _, blinks := range []int{22, 28, 28} {
		h.p.HandleWindow(ctx, vision.WindowResult{Blinks: blinks, Posture: fatigue.PostureCorrect})
		h.clock.Advance(time.Minute)
	}
	ev, ok := h.p.bus.Receive(ctx, time.Millisecond)
	if !ok || ev.Kind != fatigue.KindVisual || ev.Level != fatigue.LevelModerate || ev.Payload["blinks"] != 22 {
		t.Fatalf("first event = %+v, want the moderate crossing", ev)
	}
	if got := h.queued(); len(got) != 0 {
		t.Errorf("queued = %v, want a single visual alert", got)
	}

	// past the 120s cooldown the next high window alerts again
	h.clock.Advance(time.Minute)
	h.p.HandleWindow(ctx, vision.WindowResult{Blinks: 28, Posture: fatigue.PostureCorrect})
	if got := h.queued(); len(got) != 1 || got[0] != fatigue.KindVisual {
		t.Errorf("queued after cooldown = %v", got)
	}
}

func TestHandleWindow_ShortWindowScaledToPerMinute(t *testing.T) {
	h := newHarness(t, func(c *config.Config, _ *Options) {
		c.Vision.WindowSeconds = 30
	})
	ctx := context.Background()
	_ = h.p.startSession(ctx)

	// 14 blinks in 30s is 28/min
	h.p.HandleWindow(ctx, vision.WindowResult{Blinks: 14, Posture: fatigue.PostureCorrect})

	if lvl, ok := h.p.facts.Current(fatigue.CategoryVisual); !ok || lvl != fatigue.LevelHigh {
		t.Errorf("visual fact = %s %v, want high", lvl, ok)
	}
	ev, ok := h.p.bus.Receive(ctx, time.Millisecond)
	if !ok || ev.Kind != fatigue.KindVisual || ev.Level != fatigue.LevelHigh {
		t.Fatalf("event = %+v %v, want high visual", ev, ok)
	}
	if ev.Payload["blinks"] != 28 {
		t.Errorf("payload blinks = %v, want 28", ev.Payload["blinks"])
	}

	// an explicit duration wins over the configured window
	h.clock.Advance(5 * time.Minute)
	h.p.HandleWindow(ctx, vision.WindowResult{Blinks: 28, Posture: fatigue.PostureCorrect, Duration: 2 * time.Minute})
	if lvl, _ := h.p.facts.Current(fatigue.CategoryVisual); lvl != fatigue.LevelLow {
		t.Errorf("visual fact = %s, want low for 14/min", lvl)
	}
}

func TestHandleWindow_CognitiveAfterNinetyMinutes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_ = h.p.startSession(ctx)

	h.clock.Advance(95 * time.Minute)
	h.p.HandleWindow(ctx, vision.WindowResult{Blinks: 15, Posture: fatigue.PostureCorrect})

	ev, ok := h.p.bus.Receive(ctx, time.Millisecond)
	if !ok || ev.Kind != fatigue.KindCognitive {
		t.Fatalf("event = %+v %v, want cognitive", ev, ok)
	}
	if ev.Payload["minutes"] != 95 {
		t.Errorf("payload = %v", ev.Payload)
	}
}

func TestHandleSample_Environmental(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_ = h.p.startSession(ctx)

	for _, ppm := range []float64{900, 1250, 1260, 1100} {
		s, _ := fatigue.Classify(fatigue.CategoryEnvironmental, ppm, 0, 1200)
		h.p.HandleSample(ctx, s)
		h.clock.Advance(15 * time.Second)
	}
	got := h.queued()
	if len(got) != 1 || got[0] != fatigue.KindEnvironmental {
		t.Errorf("queued = %v, want [environmental]", got)
	}
	if lvl, ok := h.p.facts.Current(fatigue.CategoryEnvironmental); !ok || lvl != fatigue.LevelLow {
		t.Errorf("environmental fact = %v %v, want low after 1100", lvl, ok)
	}
}

func TestHandleWindow_BackendFailureStillAlerts(t *testing.T) {
	h := newHarness(t, func(_ *config.Config, o *Options) { o.Backend = failingBackend{} })
	ctx := context.Background()
	_ = h.p.startSession(ctx)

	h.p.HandleWindow(ctx, vision.WindowResult{Blinks: 30, Posture: fatigue.PostureHeadLow})
	got := h.queued()
	if len(got) != 2 {
		t.Errorf("queued = %v, want visual and postural without the compound alert", got)
	}
}

func TestHandleWindow_FullBusDropsWithoutBlocking(t *testing.T) {
	h := newHarness(t, func(c *config.Config, _ *Options) { c.Alerts.QueueSize = 1 })
	ctx := context.Background()
	_ = h.p.startSession(ctx)

	done := make(chan struct{})
	go func() {
		h.p.HandleWindow(ctx, vision.WindowResult{Blinks: 30, Posture: fatigue.PostureHeadLow})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleWindow blocked on a full bus")
	}
	if got := h.queued(); len(got) != 1 || got[0] != fatigue.KindVisual {
		t.Errorf("queued = %v, want only the first alert", got)
	}
	if _, ok := h.p.gate.LastFired(fatigue.KindPostural); !ok {
		t.Error("dropped alert should still arm its cooldown")
	}
}

func TestRun_LifecycleAndFarewell(t *testing.T) {
	h := newHarness(t, nil)
	sig := make(chan os.Signal, 1)
	h.p.signalChan = sig

	done := make(chan error, 1)
	go func() { done <- h.p.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.speaker.Lines()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := h.p.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}

	// queue a visual alert for the running sequencer
	h.p.HandleWindow(context.Background(), vision.WindowResult{Blinks: 30, Posture: fatigue.PostureCorrect})
	deadline = time.Now().Add(3 * time.Second)
	for !containsLine(h.speaker.Lines(), "Perfecto. Ejercicio completado.") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h.clock.Advance(47 * time.Minute)
	sig <- syscall.SIGTERM

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}

	lines := h.speaker.Lines()
	if len(lines) < 3 {
		t.Fatalf("lines = %v", lines)
	}
	if !strings.HasPrefix(lines[0], "Bienvenido") {
		t.Errorf("first line = %q, want welcome", lines[0])
	}
	if !containsLine(lines, "Perfecto. Ejercicio completado.") {
		t.Error("visual exercise was not played")
	}
	if lines[len(lines)-1] != "Que tengas un excelente día." {
		t.Errorf("last line = %q, want farewell", lines[len(lines)-1])
	}
	if !containsLine(lines, "Sesión finalizada. Has trabajado 47 minutos.") {
		t.Errorf("farewell minutes missing: %v", lines)
	}

	// Shutdown closed the store; reopen to inspect the session.
	st, err := store.Open(h.p.cfg.Store.DBPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	sess, ok, err := st.LatestSession(context.Background())
	if err != nil || !ok {
		t.Fatalf("LatestSession = %v %v", ok, err)
	}
	if sess.Status != store.StatusFinished || sess.Minutes != 47 {
		t.Errorf("session = %+v", sess)
	}
	alerts, _ := st.Alerts(context.Background(), sess.ID)
	if len(alerts) != 1 || alerts[0].DeliveredAt.IsZero() {
		t.Errorf("alerts = %+v, want one delivered visual alert", alerts)
	}
}

func TestShutdown_LogsQueuedAlerts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_ = h.p.startSession(ctx)
	h.p.HandleWindow(ctx, vision.WindowResult{Blinks: 30, Posture: fatigue.PostureHeadLow})

	if err := h.p.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if h.p.bus.Len() != 0 || !h.p.bus.IsClosed() {
		t.Error("bus should be closed and drained")
	}
	if err := h.p.Shutdown(); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
}

func TestRulesFromConfig(t *testing.T) {
	rules, err := RulesFromConfig([]config.RuleConfig{
		{Name: "ojos_y_aire", When: map[string]string{"visual": "alto", "environmental": "high"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || rules[0].When[fatigue.CategoryVisual] != fatigue.LevelHigh {
		t.Errorf("rules = %+v", rules)
	}

	def, _ := RulesFromConfig(nil)
	if len(def) != 1 || def[0].Name != facts.GeneralHighFatigue {
		t.Errorf("default rules = %+v", def)
	}

	if _, err := RulesFromConfig([]config.RuleConfig{{Name: "x", When: map[string]string{"visual": "extreme"}}}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewSpeaker(t *testing.T) {
	cfg := config.DefaultConfig()
	s, err := NewSpeaker(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(voice.LogSpeaker); !ok {
		t.Errorf("speaker = %T, want LogSpeaker", s)
	}

	cfg.Voice.Command = "definitely-not-a-real-tts-binary"
	if _, err := NewSpeaker(cfg); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestNewCatalogue(t *testing.T) {
	cfg := config.DefaultConfig()
	path := filepath.Join(t.TempDir(), "scripts.yaml")
	os.WriteFile(path, []byte("scripts:\n  cognitive:\n    steps:\n      - say: Pausa ya.\n"), 0644)
	cfg.Scripts.Path = path

	c, err := NewCatalogue(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := c.Lookup("cognitive")
	if len(s.Steps) != 1 || s.Steps[0].Say != "Pausa ya." {
		t.Errorf("cognitive = %+v", s)
	}

	cfg.Scripts.Path = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := NewCatalogue(cfg); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestNewWithOptions_RuleWithoutScript(t *testing.T) {
	rule := config.RuleConfig{Name: "ojos_y_postura", When: map[string]string{"visual": "high", "postural": "high"}}

	cfg := config.DefaultConfig()
	cfg.Store.DBPath = ""
	cfg.Rules.Definitions = []config.RuleConfig{rule}
	_, err := NewWithOptions(cfg, Options{Speaker: &recordingSpeaker{}, Gateway: fakeGateway{}})
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if !strings.Contains(err.Error(), "ojos_y_postura") {
		t.Errorf("err = %v, want the rule named", err)
	}

	cat, err := guidance.ParseCatalogue([]byte("scripts:\n  ojos_y_postura:\n    steps:\n      - say: Levanta la vista y endereza la espalda.\n"))
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, func(c *config.Config, o *Options) {
		c.Rules.Definitions = []config.RuleConfig{rule}
		o.Catalogue = cat
	})
	ctx := context.Background()
	_ = h.p.startSession(ctx)
	h.p.HandleWindow(ctx, vision.WindowResult{Blinks: 30, Posture: fatigue.PostureHeadLow})
	got := h.queued()
	if len(got) != 3 || got[2] != fatigue.AlertKind("ojos_y_postura") {
		t.Errorf("queued = %v, want visual, postural, ojos_y_postura", got)
	}
}

func TestCheckScripts(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := CheckScripts(cfg, guidance.DefaultCatalogue()); err != nil {
		t.Errorf("default rules: %v", err)
	}

	cfg.Rules.Definitions = []config.RuleConfig{{Name: "sin_guion", When: map[string]string{"visual": "high"}}}
	if err := CheckScripts(cfg, guidance.DefaultCatalogue()); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}

	cfg.Rules.Plugin = "/opt/salud/rules-plugin"
	if err := CheckScripts(cfg, guidance.DefaultCatalogue()); err != nil {
		t.Errorf("plugin rules should not be checked: %v", err)
	}
}

func containsLine(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}
