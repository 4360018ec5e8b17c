package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"datacore/internal/domain"
	"datacore/internal/service"
)

// Catalog is the catalog surface the tools read.
type Catalog interface {
	ProjectDetails(ctx context.Context, names []string) ([]service.ProjectDetail, error)
	InstrumentDetails(ctx context.Context, projects []string) ([]service.InstrumentDetail, error)
	ModelFields(model string) (*domain.ModelSchema, error)
	PreviewModel(ctx context.Context, model string, fields []string, limit int) (*service.ModelPreview, error)
}

// Exports submits and inspects export jobs.
type Exports interface {
	Submit(ctx context.Context, req service.ExportRequest) (*domain.ExportJob, error)
	Get(ctx context.Context, id string) (*domain.ExportJob, error)
	Dictionary(model string, w io.Writer) error
}

// Puller queues REDCap pulls.
type Puller interface {
	Pull(ctx context.Context, req service.PullRequest) (*service.PullAck, error)
}

// Ingester queues file loads.
type Ingester interface {
	ManifestFor(path string) ([]string, bool)
	Ingest(ctx context.Context, path string, models []string) error
	Preview(ctx context.Context, path string, limit int) (*service.FilePreview, error)
}

// Server is the MCP server for DataCore.
// It exposes the catalog, exports, pulls and ingestion as tools so agents
// can inspect the data platform and queue work on it.
type Server struct {
	mcp *server.MCPServer
	log *zap.Logger

	catalog Catalog
	exports Exports
	pulls   Puller
	ingest  Ingester
}

// Deps holds the services the tools call into.
type Deps struct {
	Catalog Catalog
	Exports Exports
	Pulls   Puller
	Ingest  Ingester
	Logger  *zap.Logger
	Version string
}

// New creates and configures a new MCP server with all tools, resources
// and prompts.
func New(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		log:     log.Named("mcp"),
		catalog: deps.Catalog,
		exports: deps.Exports,
		pulls:   deps.Pulls,
		ingest:  deps.Ingest,
	}

	s.mcp = server.NewMCPServer(
		"datacore-mcp",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithPromptCapabilities(true),
	)

	s.registerCatalogTools()
	s.registerExportTools()
	s.registerJobTools()
	s.registerResources()
	s.registerPrompts()
	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.log.Info("starting stdio server")
	return server.ServeStdio(s.mcp)
}

// MCP exposes the underlying server, mainly for tests.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ── Helpers ────────────────────────────────────────────────

// textResult creates a simple text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return textResult(string(data)), nil
}
