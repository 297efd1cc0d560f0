package voice

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramBot is the subset of the bot API the mirror needs.
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramConfig struct {
	Token  string
	ChatID int64
	Proxy  string
}

// TelegramSpeaker mirrors every spoken line to a supervisor chat. It does not
// replace the audible speaker.
type TelegramSpeaker struct {
	bot    TelegramBot
	chatID int64
}

func NewTelegramSpeaker(cfg TelegramConfig) (*TelegramSpeaker, error) {
	return NewTelegramSpeakerWithFactory(cfg, defaultBotFactory)
}

// NewTelegramSpeakerWithFactory creates a TelegramSpeaker with custom bot factory (for testing)
func NewTelegramSpeakerWithFactory(cfg TelegramConfig, factory BotFactory) (*TelegramSpeaker, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}

	client := http.DefaultClient
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := factory(cfg.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	log.Printf("[voice] telegram mirror authorized as @%s", bot.GetSelf().UserName)
	return &TelegramSpeaker{bot: bot, chatID: cfg.ChatID}, nil
}

func (t *TelegramSpeaker) Speak(_ context.Context, text string) error {
	msg := tgbotapi.NewMessage(t.chatID, "🔊 "+text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
