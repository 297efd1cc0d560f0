package voice

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type recordingSpeaker struct {
	lines []string
	err   error
}

func (r *recordingSpeaker) Speak(_ context.Context, text string) error {
	r.lines = append(r.lines, text)
	return r.err
}

func TestMulti_ContinuesPastFailingSpeaker(t *testing.T) {
	bad := &recordingSpeaker{err: errors.New("device busy")}
	good := &recordingSpeaker{}
	m := NewMulti(bad, good)

	if err := m.Speak(context.Background(), "hola"); err != nil {
		t.Errorf("Speak = %v, want nil with a healthy speaker left", err)
	}
	if len(good.lines) != 1 || good.lines[0] != "hola" {
		t.Errorf("good speaker lines = %v", good.lines)
	}
}

func TestMulti_SingleSpeakerErrorPropagates(t *testing.T) {
	bad := &recordingSpeaker{err: errors.New("device busy")}
	if err := NewMulti(bad).Speak(context.Background(), "hola"); err == nil {
		t.Error("expected error from the only speaker")
	}
}

func TestCommandSpeaker_PassesTextAsLastArg(t *testing.T) {
	var gotName string
	var gotArgs []string
	s := &CommandSpeaker{
		name: "espeak",
		args: []string{"-v", "es"},
		run: func(_ context.Context, name string, args ...string) error {
			gotName = name
			gotArgs = args
			return nil
		},
	}
	if err := s.Speak(context.Background(), "Tu postura no es correcta."); err != nil {
		t.Fatal(err)
	}
	if gotName != "espeak" {
		t.Errorf("name = %q", gotName)
	}
	want := []string{"-v", "es", "Tu postura no es correcta."}
	if strings.Join(gotArgs, "|") != strings.Join(want, "|") {
		t.Errorf("args = %v, want %v", gotArgs, want)
	}
	if len(s.args) != 2 {
		t.Error("Speak mutated the base args")
	}
}

func TestNewCommandSpeaker_Errors(t *testing.T) {
	if _, err := NewCommandSpeaker("   "); err == nil {
		t.Error("expected error for empty command")
	}
	if _, err := NewCommandSpeaker("definitely-not-a-real-tts-binary"); err == nil {
		t.Error("expected error for missing binary")
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleep(ctx, 1e9); !errors.Is(err, context.Canceled) {
		t.Errorf("sleep = %v, want context.Canceled", err)
	}
}

type mockTelegramBot struct {
	sent    []tgbotapi.Chattable
	sendErr error
}

func (m *mockTelegramBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.sent = append(m.sent, c)
	return tgbotapi.Message{}, m.sendErr
}

func (m *mockTelegramBot) GetSelf() tgbotapi.User {
	return tgbotapi.User{UserName: "salud_bot"}
}

func TestTelegramSpeaker_Send(t *testing.T) {
	bot := &mockTelegramBot{}
	factory := func(token, endpoint string, client *http.Client) (TelegramBot, error) {
		if token != "tok" {
			t.Errorf("token = %q", token)
		}
		return bot, nil
	}
	s, err := NewTelegramSpeakerWithFactory(TelegramConfig{Token: "tok", ChatID: 42}, factory)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Speak(context.Background(), "Regresa al centro."); err != nil {
		t.Fatal(err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(bot.sent))
	}
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("sent %T, want MessageConfig", bot.sent[0])
	}
	if msg.ChatID != 42 || !strings.Contains(msg.Text, "Regresa al centro.") {
		t.Errorf("message = %+v", msg)
	}

	bot.sendErr = errors.New("429")
	if err := s.Speak(context.Background(), "x"); err == nil {
		t.Error("expected send error")
	}
}

func TestTelegramSpeaker_ConfigErrors(t *testing.T) {
	factory := func(string, string, *http.Client) (TelegramBot, error) { return &mockTelegramBot{}, nil }
	if _, err := NewTelegramSpeakerWithFactory(TelegramConfig{ChatID: 1}, factory); err == nil {
		t.Error("expected error without token")
	}
	if _, err := NewTelegramSpeakerWithFactory(TelegramConfig{Token: "t"}, factory); err == nil {
		t.Error("expected error without chat id")
	}
	if _, err := NewTelegramSpeakerWithFactory(TelegramConfig{Token: "t", ChatID: 1, Proxy: "://bad"}, factory); err == nil {
		t.Error("expected error for bad proxy url")
	}
	failing := func(string, string, *http.Client) (TelegramBot, error) { return nil, errors.New("unauthorized") }
	if _, err := NewTelegramSpeakerWithFactory(TelegramConfig{Token: "t", ChatID: 1}, failing); err == nil {
		t.Error("expected factory error")
	}
}
