// Package mcp exposes cmdvec search, sync, and status as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/abdul-hamid-achik/cmdvec/internal/app"
	"github.com/abdul-hamid-achik/cmdvec/internal/index"
	"github.com/abdul-hamid-achik/cmdvec/internal/search"
	"github.com/abdul-hamid-achik/cmdvec/internal/version"
)

// Tool names.
const (
	ToolSearch = "cmdvec_search"
	ToolSync   = "cmdvec_sync"
	ToolStatus = "cmdvec_status"
)

// Service is the application surface the tools call. *app.App implements it.
type Service interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
	Sync(ctx context.Context) (*index.Result, error)
	Status(ctx context.Context) (app.Status, error)
}

// SearchInput is the input for cmdvec_search.
type SearchInput struct {
	Query             string `json:"query" jsonschema:"Command name or natural language description of the task."`
	Limit             int    `json:"limit,omitempty" jsonschema:"Maximum number of results to return. Defaults to 10."`
	Version           string `json:"version,omitempty" jsonschema:"Only return commands for this toolkit version."`
	Type              string `json:"type,omitempty" jsonschema:"Restrict results to 'command' or 'example'."`
	IncludeDeprecated *bool  `json:"include_deprecated,omitempty" jsonschema:"Include deprecated commands. Defaults to true."`
	Context           string `json:"context,omitempty" jsonschema:"Extra context appended to the query before embedding."`
}

// SyncInput is the input for cmdvec_sync (empty).
type SyncInput struct{}

// StatusInput is the input for cmdvec_status (empty).
type StatusInput struct{}

// Server wraps the official MCP SDK server.
type Server struct {
	server  *sdkmcp.Server
	service Service
	logger  *slog.Logger
}

// ServerConfig contains configuration for the MCP server.
type ServerConfig struct {
	Service Service
	Logger  *slog.Logger
}

// NewServer creates a new MCP server with the cmdvec tools registered.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: cfg.Service,
		logger:  logger.With("component", "mcp"),
	}

	s.server = sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "cmdvec",
		Version: version.Version,
	}, &sdkmcp.ServerOptions{
		Instructions: "cmdvec searches a catalog of toolkit commands and their usage examples. " +
			"Use cmdvec_search with an exact command name (e.g. Get-ADTInstallDir) or a description of the task. " +
			"Run cmdvec_sync after the command catalog changes and cmdvec_status to inspect the index.",
	})

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        ToolSearch,
		Description: "Search commands and examples. Exact and prefix name matches rank first, followed by semantically similar results.",
	}, s.handleSearch)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        ToolSync,
		Description: "Re-index the command catalog, embedding new and changed records and removing records that no longer exist.",
	}, s.handleSync)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        ToolStatus,
		Description: "Report collection size, embedding backend state, and cache statistics.",
	}, s.handleStatus)

	return s
}

// Run serves MCP over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server", "transport", "stdio")
	return s.server.Run(ctx, &sdkmcp.StdioTransport{})
}

// SDK returns the underlying SDK server.
func (s *Server) SDK() *sdkmcp.Server {
	return s.server
}
