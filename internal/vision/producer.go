package vision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"
)

// DefaultWindow is the length of one observation window.
const DefaultWindow = 60 * time.Second

type ProducerConfig struct {
	Window      time.Duration
	FrameHeight int
	BlinkFrames int
	// Elapsed reports time worked in the session for the simulated bands.
	// Defaults to time since Run started.
	Elapsed func() time.Duration
}

// Producer turns a frame stream (or the simulated sampler) into one
// WindowResult per window and hands each to sink.
type Producer struct {
	cfg     ProducerConfig
	frames  FrameSource
	sampler *SimulatedSampler
	sink    func(ctx context.Context, w WindowResult)
	now     func() time.Time
}

// NewFrameProducer aggregates frames from src. Window boundaries follow the
// frame timestamps when present, otherwise the wall clock.
func NewFrameProducer(cfg ProducerConfig, src FrameSource, sink func(ctx context.Context, w WindowResult)) *Producer {
	return &Producer{cfg: withDefaults(cfg), frames: src, sink: sink, now: time.Now}
}

// NewSimulatedProducer emits one sampled window per tick.
func NewSimulatedProducer(cfg ProducerConfig, sampler *SimulatedSampler, sink func(ctx context.Context, w WindowResult)) *Producer {
	if sampler == nil {
		sampler = NewSimulatedSampler(nil)
	}
	return &Producer{cfg: withDefaults(cfg), sampler: sampler, sink: sink, now: time.Now}
}

func withDefaults(cfg ProducerConfig) ProducerConfig {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.FrameHeight <= 0 {
		cfg.FrameHeight = DefaultFrameHeight
	}
	if cfg.BlinkFrames <= 0 {
		cfg.BlinkFrames = DefaultBlinkFrames
	}
	return cfg
}

// Run blocks until ctx is cancelled or the frame source ends. Reaching the
// end of the frames is not an error; the trailing partial window is dropped.
func (p *Producer) Run(ctx context.Context) error {
	log.Printf("[vision] producer started (window %s)", p.cfg.Window)
	defer log.Printf("[vision] producer stopped")
	if p.frames != nil {
		return p.runFrames(ctx)
	}
	return p.runSimulated(ctx)
}

func (p *Producer) runSimulated(ctx context.Context) error {
	start := p.now()
	elapsed := p.cfg.Elapsed
	if elapsed == nil {
		elapsed = func() time.Duration { return p.now().Sub(start) }
	}
	ticker := time.NewTicker(p.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				return nil
			}
			now := p.now()
			res := p.sampler.Sample(elapsed())
			res.Start = now.Add(-p.cfg.Window)
			res.End = now
			// the sampler draws per-minute rates
			res.Duration = time.Minute
			p.sink(ctx, res)
		}
	}
}

func (p *Producer) runFrames(ctx context.Context) error {
	w := NewWindow(p.cfg.FrameHeight, p.cfg.BlinkFrames)
	for {
		f, err := p.frames.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if _, open := w.Started(); open {
					log.Printf("[vision] frames ended, partial window dropped")
				}
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("vision frames: %w", err)
		}

		at, ok := f.Time()
		if !ok {
			at = p.now()
		}
		if start, open := w.Started(); open && at.Sub(start) >= p.cfg.Window {
			res := w.Close()
			res.Duration = p.cfg.Window
			p.sink(ctx, res)
		}
		w.Add(f, at)
	}
}
