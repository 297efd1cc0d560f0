// Command salud-rules is the reference rule backend plugin. It serves the
// in-process conjunctive evaluator over go-plugin so an external reasoner can
// be dropped in with the same contract.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/go-plugin"

	"github.com/stellarlinkco/salud/internal/facts"
	rulesrpc "github.com/stellarlinkco/salud/internal/facts/rpc"
)

// SALUD_RULES_JSON optionally carries a JSON rule list; the default is
// general_high_fatigue.
func loadRules() ([]facts.Rule, error) {
	raw := os.Getenv("SALUD_RULES_JSON")
	if raw == "" {
		return facts.DefaultRules(), nil
	}
	var rules []facts.Rule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("parse SALUD_RULES_JSON: %w", err)
	}
	return rules, nil
}

func main() {
	rules, err := loadRules()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	backend, err := facts.NewLocalBackend(rules)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: rulesrpc.HandshakeConfig,
		Plugins:         rulesrpc.PluginMap(rulesrpc.NewServer(backend)),
		GRPCServer:      plugin.DefaultGRPCServer,
	})
}
