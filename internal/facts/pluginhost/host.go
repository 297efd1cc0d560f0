// Package pluginhost runs an external rule backend as a go-plugin child
// process and adapts it to facts.Backend.
package pluginhost

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/stellarlinkco/salud/internal/facts"
	rulesrpc "github.com/stellarlinkco/salud/internal/facts/rpc"
	"github.com/stellarlinkco/salud/internal/fatigue"
)

const (
	defaultStartTimeout = 3 * time.Second
	defaultCallTimeout  = 2 * time.Second
)

// Host keeps one plugin process alive for the life of the pipeline.
type Host struct {
	client *plugin.Client
	rpc    rulesrpc.RuleBackendClient
}

// Start launches binary and performs the handshake. A failure here is a
// configuration error: the pipeline does not start without its reasoner.
func Start(binary string) (*Host, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  rulesrpc.HandshakeConfig,
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolGRPC},
		Plugins:          rulesrpc.PluginMap(nil),
		Cmd:              exec.Command(binary),
		Managed:          true,
		StartTimeout:     defaultStartTimeout,
		Logger:           hclog.New(&hclog.LoggerOptions{Output: io.Discard, Level: hclog.NoLevel}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("start rules plugin: %w", err)
	}
	raw, err := rpcClient.Dispense(rulesrpc.PluginMapKey)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("dispense rules plugin: %w", err)
	}
	typed, ok := raw.(rulesrpc.RuleBackendClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("rules plugin client type mismatch")
	}
	return &Host{client: client, rpc: typed}, nil
}

// NewWithClient wraps an already connected client. Used by tests.
func NewWithClient(c rulesrpc.RuleBackendClient) *Host {
	return &Host{rpc: c}
}

func (h *Host) Assert(ctx context.Context, category fatigue.Category, level fatigue.Level) error {
	callCtx, cancel := callContext(ctx, defaultCallTimeout)
	defer cancel()
	if err := h.rpc.Assert(callCtx, &rulesrpc.AssertRequest{Category: string(category), Level: string(level)}); err != nil {
		return fmt.Errorf("plugin assert: %w", err)
	}
	return nil
}

func (h *Host) Evaluate(ctx context.Context) ([]facts.Derived, error) {
	callCtx, cancel := callContext(ctx, defaultCallTimeout)
	defer cancel()
	resp, err := h.rpc.Evaluate(callCtx)
	if err != nil {
		return nil, fmt.Errorf("plugin evaluate: %w", err)
	}
	out := make([]facts.Derived, 0, len(resp.Derived))
	for _, d := range resp.Derived {
		out = append(out, facts.Derived{Rule: d.Rule, Version: d.Version})
	}
	return out, nil
}

func (h *Host) Close() error {
	if h.client != nil {
		h.client.Kill()
	}
	return nil
}

func callContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := parent.Deadline(); ok {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
