package mcpserver

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"

	"datacore/internal/service"
)

func (s *Server) registerJobTools() {
	s.mcp.AddTool(mcp.NewTool("pull_project",
		mcp.WithDescription("🛑 Queue a REDCap pull of one project into its unified models. "+
			"Existing records are updated. Recipients are emailed when the pull completes or fails."),
		mcp.WithString("project", mcp.Description("Project name, e.g. tsepamo_2"), mcp.Required()),
		mcp.WithString("emails", mcp.Description("Comma-separated notification recipients"), mcp.Required()),
		mcp.WithString("models", mcp.Description("Comma-separated models (optional, defaults to the project's pull plan)")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handlePullProject)

	s.mcp.AddTool(mcp.NewTool("ingest_csv",
		mcp.WithDescription("Queue a CSV or JSON file load into models. Records already stored are left untouched."),
		mcp.WithString("path", mcp.Description("File path, absolute or relative to the ingest directory"), mcp.Required()),
		mcp.WithString("models", mcp.Description("Comma-separated target models (optional when the file is in the ingest manifest)")),
	), s.handleIngestCSV)

	s.mcp.AddTool(mcp.NewTool("preview_ingest_file",
		mcp.WithDescription("Read the first rows of a CSV or JSON file as ingestion would decode them, without writing anything"),
		mcp.WithString("path", mcp.Description("File path, absolute or relative to the ingest directory"), mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Maximum rows (optional, default 100)")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handlePreviewIngestFile)
}

func (s *Server) handlePullProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	ack, err := s.pulls.Pull(ctx, service.PullRequest{
		Project: req.GetString("project", ""),
		Models:  stringList(args, "models"),
		Emails:  stringList(args, "emails"),
	})
	if err != nil {
		return nil, fmt.Errorf("pull project: %w", err)
	}
	return jsonResult(ack)
}

func (s *Server) handleIngestCSV(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	models := stringList(req.GetArguments(), "models")
	if len(models) == 0 {
		manifest, ok := s.ingest.ManifestFor(path)
		if !ok {
			return nil, fmt.Errorf("%s is not in the ingest manifest; pass models", filepath.Base(path))
		}
		models = manifest
	}
	if err := s.ingest.Ingest(ctx, path, models); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	return jsonResult(map[string]any{"path": path, "models": models, "status": "queued"})
}

func (s *Server) handlePreviewIngestFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	preview, err := s.ingest.Preview(ctx, path, req.GetInt("limit", 0))
	if err != nil {
		return nil, err
	}
	return jsonResult(preview)
}
