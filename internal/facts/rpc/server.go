package rpc

import (
	"context"

	"github.com/stellarlinkco/salud/internal/facts"
	"github.com/stellarlinkco/salud/internal/fatigue"
)

// Server exposes a facts.Backend over the rule contract.
type Server struct {
	backend facts.Backend
}

func NewServer(backend facts.Backend) *Server {
	return &Server{backend: backend}
}

func (s *Server) Assert(ctx context.Context, in *AssertRequest) (*Empty, error) {
	category, err := fatigue.ParseCategory(in.Category)
	if err != nil {
		return nil, err
	}
	level, err := fatigue.ParseLevel(in.Level)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Assert(ctx, category, level); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) Evaluate(ctx context.Context, _ *Empty) (*EvaluateResponse, error) {
	derived, err := s.backend.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	out := &EvaluateResponse{Derived: make([]DerivedAlert, 0, len(derived))}
	for _, d := range derived {
		out.Derived = append(out.Derived, DerivedAlert{Rule: d.Rule, Version: d.Version})
	}
	return out, nil
}
