package voice

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"
)

// Speaker renders one line and returns once it has been delivered.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// DefaultSettle is the pause after each spoken line so consecutive prompts
// do not run together.
const DefaultSettle = 500 * time.Millisecond

// CommandSpeaker shells out to a text-to-speech program (espeak, say,
// spd-say...). The text is passed as the final argument.
type CommandSpeaker struct {
	name   string
	args   []string
	settle time.Duration
	run    func(ctx context.Context, name string, args ...string) error
}

func NewCommandSpeaker(command string) (*CommandSpeaker, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("tts command is empty")
	}
	if _, err := exec.LookPath(fields[0]); err != nil {
		return nil, fmt.Errorf("tts command %q: %w", fields[0], err)
	}
	return &CommandSpeaker{
		name:   fields[0],
		args:   fields[1:],
		settle: DefaultSettle,
		run:    runCommand,
	}, nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *CommandSpeaker) Speak(ctx context.Context, text string) error {
	args := append(append([]string(nil), s.args...), text)
	if err := s.run(ctx, s.name, args...); err != nil {
		return err
	}
	return sleep(ctx, s.settle)
}

// LogSpeaker writes lines to the process log. It is the fallback when no TTS
// command is configured.
type LogSpeaker struct{}

func (LogSpeaker) Speak(_ context.Context, text string) error {
	log.Printf("[voice] %s", text)
	return nil
}

// Multi speaks each line on every speaker in order. A failing speaker is
// logged and skipped; the line still reaches the others. Speak only fails
// when every speaker failed.
type Multi struct {
	speakers []Speaker
}

func NewMulti(speakers ...Speaker) *Multi {
	return &Multi{speakers: speakers}
}

func (m *Multi) Speak(ctx context.Context, text string) error {
	var firstErr error
	failed := 0
	for _, s := range m.speakers {
		if err := s.Speak(ctx, text); err != nil {
			log.Printf("[voice] warning: %T failed: %v", s, err)
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if failed == len(m.speakers) {
		return firstErr
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
