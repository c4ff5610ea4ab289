package mcp

import (
	"context"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"worldforge/internal/world"
)

type Server struct {
	world *world.World
	mcp   *sdk.Server
}

func NewServer(w *world.World, version string) *Server {
	s := &Server{
		world: w,
		mcp: sdk.NewServer(&sdk.Implementation{
			Name:    "worldforge",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	return s.mcp.Run(ctx, transport)
}
