package vision

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/stellarlinkco/salud/internal/fatigue"
)

// Frame is one detector output: how many open eyes were found and the face
// box, if any. TS is an optional capture time in seconds since the epoch.
type Frame struct {
	Eyes int     `json:"eyes"`
	Face *Box    `json:"face,omitempty"`
	TS   float64 `json:"ts,omitempty"`
}

func (f Frame) Time() (time.Time, bool) {
	if f.TS <= 0 {
		return time.Time{}, false
	}
	sec := int64(f.TS)
	nsec := int64((f.TS - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), true
}

// FrameSource yields detector frames until io.EOF.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
}

// JSONFrames reads one JSON frame per line, as written by an external face
// and eye detector.
type JSONFrames struct {
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
}

func NewJSONFrames(r io.Reader) *JSONFrames {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	jf := &JSONFrames{scanner: sc}
	if c, ok := r.(io.Closer); ok {
		jf.closer = c
	}
	return jf
}

// OpenJSONFrames opens path, or stdin for "-".
func OpenJSONFrames(path string) (*JSONFrames, error) {
	if path == "" || path == "-" {
		return NewJSONFrames(io.NopCloser(os.Stdin)), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frames: %w", err)
	}
	return NewJSONFrames(f), nil
}

func (j *JSONFrames) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if !j.scanner.Scan() {
			if err := j.scanner.Err(); err != nil {
				return Frame{}, fmt.Errorf("read frames: %w", err)
			}
			return Frame{}, io.EOF
		}
		j.line++
		text := strings.TrimSpace(j.scanner.Text())
		if text == "" {
			continue
		}
		var f Frame
		if err := json.Unmarshal([]byte(text), &f); err != nil {
			return Frame{}, fmt.Errorf("frame line %d: %w", j.line, err)
		}
		return f, nil
	}
}

func (j *JSONFrames) Close() error {
	if j.closer == nil {
		return nil
	}
	return j.closer.Close()
}

// SimulatedSampler produces plausible window results without a camera.
// Blinks are drawn as per-minute rates that rise with time worked.
type SimulatedSampler struct {
	rnd *rand.Rand
}

var simulatedPostures = []fatigue.Posture{
	fatigue.PostureCorrect,
	fatigue.PostureCorrect,
	fatigue.PostureHeadLow,
	fatigue.PostureHeadTilted,
}

func NewSimulatedSampler(rnd *rand.Rand) *SimulatedSampler {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &SimulatedSampler{rnd: rnd}
}

func (s *SimulatedSampler) Sample(elapsed time.Duration) WindowResult {
	lo, hi := 25, 35
	switch {
	case elapsed < 30*time.Minute:
		lo, hi = 15, 20
	case elapsed < 60*time.Minute:
		lo, hi = 20, 25
	}
	return WindowResult{
		Blinks:  lo + s.rnd.Intn(hi-lo+1),
		Posture: simulatedPostures[s.rnd.Intn(len(simulatedPostures))],
	}
}
