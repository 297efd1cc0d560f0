package sensor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stellarlinkco/salud/internal/fatigue"
)

type fanState int

const (
	fanUnknown fanState = iota
	fanOn
	fanOff
)

type MonitorConfig struct {
	ThresholdPPM float64
	ClearPPM     float64
	FanControl   bool
}

// Monitor runs one CO2 round per Poll. Readings equal to the previous one
// are not re-emitted.
type Monitor struct {
	gw       Gateway
	cfg      MonitorConfig
	onSample func(ctx context.Context, s fatigue.Sample)
	now      func() time.Time

	mu      sync.Mutex
	last    float64
	hasLast bool
	fan     fanState
}

func NewMonitor(gw Gateway, cfg MonitorConfig, onSample func(ctx context.Context, s fatigue.Sample)) *Monitor {
	if cfg.ThresholdPPM <= 0 {
		cfg.ThresholdPPM = fatigue.DefaultCO2ThresholdPPM
	}
	return &Monitor{gw: gw, cfg: cfg, onSample: onSample, now: time.Now}
}

// Poll reads the latest value and, when it changed, classifies it and hands
// the sample on. Gateway errors skip the round.
func (m *Monitor) Poll(ctx context.Context) error {
	ppm, ok, err := m.gw.LatestCO2(ctx)
	if err != nil {
		log.Printf("[sensor] warning: co2 read failed: %v", err)
		return err
	}
	if !ok {
		return nil
	}

	m.mu.Lock()
	if m.hasLast && m.last == ppm {
		m.mu.Unlock()
		return nil
	}
	m.last = ppm
	m.hasLast = true
	m.mu.Unlock()

	sample, err := fatigue.Classify(fatigue.CategoryEnvironmental, ppm, 0, m.cfg.ThresholdPPM)
	if err != nil {
		return fmt.Errorf("classify co2: %w", err)
	}
	sample.At = m.now()
	log.Printf("[sensor] co2 %.0f ppm (%s)", ppm, sample.Level)

	if m.onSample != nil {
		m.onSample(ctx, sample)
	}
	if m.cfg.FanControl {
		m.controlFan(ctx, ppm)
	}
	return nil
}

// controlFan switches the ESP32 fan and LED on threshold transitions only.
// Readings between the clear level and the threshold keep the current state.
func (m *Monitor) controlFan(ctx context.Context, ppm float64) {
	m.mu.Lock()
	var want fanState
	switch {
	case fatigue.CO2AlertWorthy(ppm, m.cfg.ThresholdPPM):
		want = fanOn
	case ppm < m.cfg.ClearPPM:
		want = fanOff
	default:
		m.mu.Unlock()
		return
	}
	if m.fan == want {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	action, led := ActionFanOff, LEDGreen
	if want == fanOn {
		action, led = ActionFanOn, LEDRed
	}
	if err := m.gw.SendCommand(ctx, action, ""); err != nil {
		log.Printf("[sensor] warning: %s failed: %v", action, err)
		return
	}
	if err := m.gw.SendCommand(ctx, ActionLED, led); err != nil {
		log.Printf("[sensor] warning: led %s failed: %v", led, err)
	}

	m.mu.Lock()
	m.fan = want
	m.mu.Unlock()
	log.Printf("[sensor] %s sent", action)
}

// Last returns the most recent distinct reading.
func (m *Monitor) Last() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.hasLast
}
