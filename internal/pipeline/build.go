package pipeline

import (
	"fmt"
	"log"

	"github.com/stellarlinkco/salud/internal/config"
	"github.com/stellarlinkco/salud/internal/facts"
	"github.com/stellarlinkco/salud/internal/facts/pluginhost"
	"github.com/stellarlinkco/salud/internal/fatigue"
	"github.com/stellarlinkco/salud/internal/guidance"
	"github.com/stellarlinkco/salud/internal/voice"
)

// RulesFromConfig converts configured rule definitions, accepting Spanish
// level names as well as English ones.
func RulesFromConfig(defs []config.RuleConfig) ([]facts.Rule, error) {
	if len(defs) == 0 {
		return facts.DefaultRules(), nil
	}
	rules := make([]facts.Rule, 0, len(defs))
	for _, d := range defs {
		r := facts.Rule{Name: d.Name, When: make(map[fatigue.Category]fatigue.Level, len(d.When))}
		for cat, lvl := range d.When {
			c, err := fatigue.ParseCategory(cat)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", d.Name, err)
			}
			l, err := fatigue.ParseLevel(lvl)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", d.Name, err)
			}
			r.When[c] = l
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// NewBackend returns the plugin backend when one is configured, otherwise
// the in-process evaluator.
func NewBackend(cfg *config.Config) (facts.Backend, error) {
	if cfg.Rules.Plugin != "" {
		host, err := pluginhost.Start(cfg.Rules.Plugin)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
		log.Printf("[rules] using plugin backend %s", cfg.Rules.Plugin)
		return host, nil
	}
	rules, err := RulesFromConfig(cfg.Rules.Definitions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	backend, err := facts.NewLocalBackend(rules)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	return backend, nil
}

// NewSpeaker builds the configured voice output: a TTS command or the log,
// plus the optional Telegram mirror.
func NewSpeaker(cfg *config.Config) (voice.Speaker, error) {
	var speakers []voice.Speaker
	if cfg.Voice.Command != "" {
		s, err := voice.NewCommandSpeaker(cfg.Voice.Command)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
		speakers = append(speakers, s)
	} else {
		speakers = append(speakers, voice.LogSpeaker{})
	}

	tg := cfg.Voice.Telegram
	if tg.Enabled {
		s, err := voice.NewTelegramSpeaker(voice.TelegramConfig{Token: tg.Token, ChatID: tg.ChatID, Proxy: tg.Proxy})
		if err != nil {
			// the mirror is optional; local guidance still runs
			log.Printf("[pipeline] warning: telegram mirror disabled: %v", err)
		} else {
			speakers = append(speakers, s)
		}
	}

	if len(speakers) == 1 {
		return speakers[0], nil
	}
	return voice.NewMulti(speakers...), nil
}

func NewCatalogue(cfg *config.Config) (*guidance.Catalogue, error) {
	if cfg.Scripts.Path == "" {
		return guidance.DefaultCatalogue(), nil
	}
	c, err := guidance.LoadCatalogue(cfg.Scripts.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	return c, nil
}

// CheckScripts fails when a locally configured rule has no script of the same
// name. Plugin rule names are unknown until evaluation and are not checked.
func CheckScripts(cfg *config.Config, c *guidance.Catalogue) error {
	if cfg.Rules.Plugin != "" {
		return nil
	}
	rules, err := RulesFromConfig(cfg.Rules.Definitions)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	for _, r := range rules {
		if _, ok := c.Lookup(r.Name); !ok {
			return fmt.Errorf("%w: rule %s has no guidance script", config.ErrInvalid, r.Name)
		}
	}
	return nil
}
