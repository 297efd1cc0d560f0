package vision

import (
	"math"
	"time"

	"github.com/stellarlinkco/salud/internal/fatigue"
)

// WindowResult is the aggregate of one observation window. Blinks is the
// raw count over Duration.
type WindowResult struct {
	Blinks   int
	Posture  fatigue.Posture
	Frames   int
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// BlinksPerMinute scales the window count to the per-minute rate the visual
// bands are defined on. A zero Duration is taken as one minute.
func (r WindowResult) BlinksPerMinute() int {
	if r.Duration <= 0 || r.Duration == time.Minute {
		return r.Blinks
	}
	return int(math.Round(float64(r.Blinks) * float64(time.Minute) / float64(r.Duration)))
}

// Window accumulates frames until Close is called.
type Window struct {
	frameHeight int
	tracker     *BlinkTracker
	postures    map[fatigue.Posture]int
	frames      int
	start       time.Time
	last        time.Time
}

func NewWindow(frameHeight, blinkFrames int) *Window {
	return &Window{
		frameHeight: frameHeight,
		tracker:     NewBlinkTracker(blinkFrames),
		postures:    make(map[fatigue.Posture]int),
	}
}

func (w *Window) Add(f Frame, at time.Time) {
	if w.frames == 0 {
		w.start = at
	}
	w.frames++
	w.last = at
	w.tracker.Observe(f.Eyes)
	w.postures[AnalyzePosture(f.Face, w.frameHeight)]++
}

func (w *Window) Started() (time.Time, bool) {
	return w.start, w.frames > 0
}

// Close returns the window aggregate and resets for the next window. The
// posture is the most frequent label among frames with a face; ties go to
// the more severe label.
func (w *Window) Close() WindowResult {
	res := WindowResult{
		Blinks:  w.tracker.Blinks(),
		Posture: dominantPosture(w.postures),
		Frames:  w.frames,
		Start:   w.start,
		End:     w.last,
	}
	w.tracker.Reset()
	w.postures = make(map[fatigue.Posture]int)
	w.frames = 0
	return res
}

// severity orders labels for tie-breaking.
var severity = []fatigue.Posture{
	fatigue.PostureHeadLow,
	fatigue.PostureHeadTilted,
	fatigue.PostureHeadHigh,
	fatigue.PostureCorrect,
	fatigue.PostureUnknown,
}

func dominantPosture(counts map[fatigue.Posture]int) fatigue.Posture {
	best, bestN := fatigue.PostureNoFace, 0
	for _, p := range severity {
		if n := counts[p]; n > bestN {
			best, bestN = p, n
		}
	}
	return best
}
