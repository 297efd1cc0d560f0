package vision

import "github.com/stellarlinkco/salud/internal/fatigue"

// DefaultBlinkFrames is how many consecutive closed-eye frames count as a
// blink once the eyes reopen.
const DefaultBlinkFrames = 3

// DefaultFrameHeight is the capture height the posture bands are tuned for.
const DefaultFrameHeight = 480

// Posture bands, as fractions of the frame height and of the face box.
const (
	headHighBelow   = 0.35
	headLowAbove    = 0.65
	tiltAspectBelow = 0.7
)

// Box is a detected face rectangle in pixels.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// BlinkTracker counts blinks from per-frame open-eye counts.
type BlinkTracker struct {
	minClosed int
	closed    int
	blinks    int
}

func NewBlinkTracker(minClosed int) *BlinkTracker {
	if minClosed <= 0 {
		minClosed = DefaultBlinkFrames
	}
	return &BlinkTracker{minClosed: minClosed}
}

// Observe feeds one frame with the number of open eyes detected. It reports
// whether this frame completed a blink.
func (b *BlinkTracker) Observe(eyes int) bool {
	if eyes < 2 {
		b.closed++
		return false
	}
	blink := b.closed >= b.minClosed
	if blink {
		b.blinks++
	}
	b.closed = 0
	return blink
}

func (b *BlinkTracker) Blinks() int { return b.blinks }

// Reset clears the blink count. A closure in progress carries over.
func (b *BlinkTracker) Reset() {
	b.blinks = 0
}

// AnalyzePosture labels head position from the face box. A nil face means
// nothing was detected in the frame.
func AnalyzePosture(face *Box, frameHeight int) fatigue.Posture {
	if face == nil {
		return fatigue.PostureNoFace
	}
	if frameHeight <= 0 {
		frameHeight = DefaultFrameHeight
	}
	if face.W <= 0 || face.H <= 0 {
		return fatigue.PostureUnknown
	}

	centerY := float64(face.Y) + float64(face.H)/2
	h := float64(frameHeight)
	switch {
	case centerY < h*headHighBelow:
		return fatigue.PostureHeadHigh
	case centerY > h*headLowAbove:
		return fatigue.PostureHeadLow
	case float64(face.W)/float64(face.H) < tiltAspectBelow:
		return fatigue.PostureHeadTilted
	default:
		return fatigue.PostureCorrect
	}
}
