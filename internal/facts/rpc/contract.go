// Package rpc defines the wire contract between salud and an external rule
// backend process. Messages travel as JSON over gRPC inside go-plugin.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	PluginMapKey   = "rules"
	serviceName    = "salud.rules.v1.RuleBackend"
	jsonCodecName  = "json"
	methodAssert   = "/" + serviceName + "/Assert"
	methodEvaluate = "/" + serviceName + "/Evaluate"
)

var HandshakeConfig = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "SALUD_RULES_PLUGIN",
	MagicCookieValue: "salud",
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return jsonCodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type Empty struct{}

type AssertRequest struct {
	Category string `json:"category"`
	Level    string `json:"level"`
}

type DerivedAlert struct {
	Rule    string `json:"rule"`
	Version uint64 `json:"version"`
}

type EvaluateResponse struct {
	Derived []DerivedAlert `json:"derived"`
}

type RuleBackendServer interface {
	Assert(ctx context.Context, in *AssertRequest) (*Empty, error)
	Evaluate(ctx context.Context, in *Empty) (*EvaluateResponse, error)
}

type RuleBackendClient interface {
	Assert(ctx context.Context, in *AssertRequest) error
	Evaluate(ctx context.Context) (*EvaluateResponse, error)
}

type ruleBackendClient struct {
	conn *grpc.ClientConn
}

func NewRuleBackendClient(conn *grpc.ClientConn) RuleBackendClient {
	return &ruleBackendClient{conn: conn}
}

func (c *ruleBackendClient) Assert(ctx context.Context, in *AssertRequest) error {
	return c.conn.Invoke(ctx, methodAssert, in, &Empty{}, grpc.CallContentSubtype(jsonCodecName))
}

func (c *ruleBackendClient) Evaluate(ctx context.Context) (*EvaluateResponse, error) {
	out := &EvaluateResponse{}
	if err := c.conn.Invoke(ctx, methodEvaluate, &Empty{}, out, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func RegisterRuleBackendServer(server grpc.ServiceRegistrar, impl RuleBackendServer) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*RuleBackendServer)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Assert",
				Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
					in := &AssertRequest{}
					if err := dec(in); err != nil {
						return nil, err
					}
					if interceptor == nil {
						return impl.Assert(ctx, in)
					}
					info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAssert}
					handler := func(ctx context.Context, req any) (any, error) {
						r, ok := req.(*AssertRequest)
						if !ok {
							return nil, fmt.Errorf("invalid request type")
						}
						return impl.Assert(ctx, r)
					}
					return interceptor(ctx, in, info, handler)
				},
			},
			{
				MethodName: "Evaluate",
				Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
					in := &Empty{}
					if err := dec(in); err != nil {
						return nil, err
					}
					if interceptor == nil {
						return impl.Evaluate(ctx, in)
					}
					info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodEvaluate}
					handler := func(ctx context.Context, req any) (any, error) {
						empty, ok := req.(*Empty)
						if !ok {
							return nil, fmt.Errorf("invalid request type")
						}
						return impl.Evaluate(ctx, empty)
					}
					return interceptor(ctx, in, info, handler)
				},
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "rules-rpc-v1",
	}, impl)
}

type GRPCPlugin struct {
	plugin.NetRPCUnsupportedPlugin
	Impl RuleBackendServer
}

func (p *GRPCPlugin) GRPCServer(_ *plugin.GRPCBroker, server *grpc.Server) error {
	RegisterRuleBackendServer(server, p.Impl)
	return nil
}

func (p *GRPCPlugin) GRPCClient(_ context.Context, _ *plugin.GRPCBroker, conn *grpc.ClientConn) (any, error) {
	return NewRuleBackendClient(conn), nil
}

func PluginMap(impl RuleBackendServer) map[string]plugin.Plugin {
	return map[string]plugin.Plugin{
		PluginMapKey: &GRPCPlugin{Impl: impl},
	}
}
