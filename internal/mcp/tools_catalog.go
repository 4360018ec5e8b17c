package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerCatalogTools() {
	s.mcp.AddTool(mcp.NewTool("list_projects",
		mcp.WithDescription("List research projects with their instruments (models) and total record counts"),
		mcp.WithString("names", mcp.Description("Comma-separated project names (optional, defaults to all)")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleListProjects)

	s.mcp.AddTool(mcp.NewTool("list_instruments",
		mcp.WithDescription("List the instruments of one or more projects with their record counts"),
		mcp.WithString("projects", mcp.Description("Comma-separated project names"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleListInstruments)

	s.mcp.AddTool(mcp.NewTool("model_fields",
		mcp.WithDescription("Show the ordered field schema of a model: name, type, nullability, max length and label"),
		mcp.WithString("model", mcp.Description("Model name, e.g. tsepamo or outcomesone"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleModelFields)

	s.mcp.AddTool(mcp.NewTool("preview_model",
		mcp.WithDescription("Show the first records of a model with only the selected fields. record_id is always included."),
		mcp.WithString("model", mcp.Description("Model name, e.g. outcomesone"), mcp.Required()),
		mcp.WithString("fields", mcp.Description("Comma-separated fields (optional, defaults to all)")),
		mcp.WithNumber("limit", mcp.Description("Maximum records (optional, default 100, at most 1000)")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handlePreviewModel)
}

func (s *Server) handleListProjects(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	details, err := s.catalog.ProjectDetails(ctx, stringList(req.GetArguments(), "names"))
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return jsonResult(details)
}

func (s *Server) handleListInstruments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects := stringList(req.GetArguments(), "projects")
	if len(projects) == 0 {
		return nil, fmt.Errorf("projects is required")
	}
	details, err := s.catalog.InstrumentDetails(ctx, projects)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	return jsonResult(details)
}

func (s *Server) handleModelFields(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	model := req.GetString("model", "")
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	schema, err := s.catalog.ModelFields(model)
	if err != nil {
		return nil, err
	}
	return jsonResult(schema)
}

func (s *Server) handlePreviewModel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	model := req.GetString("model", "")
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	preview, err := s.catalog.PreviewModel(ctx, model, stringList(req.GetArguments(), "fields"), req.GetInt("limit", 0))
	if err != nil {
		return nil, err
	}
	return jsonResult(preview)
}
