package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"datacore/internal/service"
)

func (s *Server) registerExportTools() {
	s.mcp.AddTool(mcp.NewTool("submit_export",
		mcp.WithDescription("Queue an export that merges model data by record_id into a CSV or XLSX file. "+
			"The job runs in the background; recipients get one email when it is ready or has failed. "+
			"With neither models nor projects every model is exported."),
		mcp.WithString("name", mcp.Description("Export name, used in the file name (no slashes)"), mcp.Required()),
		mcp.WithString("format", mcp.Description("csv (default) or xlsx")),
		mcp.WithString("models", mcp.Description("Comma-separated model names")),
		mcp.WithString("projects", mcp.Description("Comma-separated project names; their instruments are added")),
		mcp.WithString("fields", mcp.Description("Comma-separated field names to keep (optional)")),
		mcp.WithString("recordIds", mcp.Description("Comma-separated record ids to keep (optional)")),
		mcp.WithString("emails", mcp.Description("Comma-separated notification recipients")),
	), s.handleSubmitExport)

	s.mcp.AddTool(mcp.NewTool("get_export",
		mcp.WithDescription("Get an export job: status (pending, ready, failed), file name, size and warnings"),
		mcp.WithString("jobId", mcp.Description("Export job ID"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleGetExport)
}

func (s *Server) handleSubmitExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	job, err := s.exports.Submit(ctx, service.ExportRequest{
		Name:      req.GetString("name", ""),
		Format:    req.GetString("format", ""),
		Models:    stringList(args, "models"),
		Projects:  stringList(args, "projects"),
		Fields:    stringList(args, "fields"),
		RecordIDs: stringList(args, "recordIds"),
		Emails:    stringList(args, "emails"),
		Requester: "mcp",
	})
	if err != nil {
		return nil, fmt.Errorf("submit export: %w", err)
	}
	return jsonResult(map[string]any{
		"jobId":    job.ID,
		"fileName": job.FileName,
		"models":   job.Models,
		"status":   job.Status(),
	})
}

func (s *Server) handleGetExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("jobId", "")
	if id == "" {
		return nil, fmt.Errorf("jobId is required")
	}
	job, err := s.exports.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{
		"job":    job,
		"status": job.Status(),
	})
}
