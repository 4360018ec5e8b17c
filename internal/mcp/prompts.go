package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("export_project",
		mcp.WithPromptDescription("Guide through exporting the data of one project"),
		mcp.WithArgument("project",
			mcp.ArgumentDescription("Project name, e.g. tsepamo_1"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("email",
			mcp.ArgumentDescription("Who should receive the download notice"),
			mcp.RequiredArgument(),
		),
	), s.handleExportProjectPrompt)

	s.mcp.AddPrompt(mcp.NewPrompt("refresh_project",
		mcp.WithPromptDescription("Pull the latest REDCap data of a project and check the result"),
		mcp.WithArgument("project",
			mcp.ArgumentDescription("Project name, e.g. tsepamo_2"),
			mcp.RequiredArgument(),
		),
	), s.handleRefreshProjectPrompt)
}

func (s *Server) handleExportProjectPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	project := req.Params.Arguments["project"]
	email := req.Params.Arguments["email"]
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Export the data of %s", project),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Export the data of project %q and send the notice to %s.

Steps:
1. Call list_instruments with projects=%q to see its models and record counts.
2. Call model_fields for any model whose fields should be narrowed.
3. Call submit_export with projects=%q, a short name and emails=%s.
4. Call get_export with the returned jobId until its status is ready or failed, and report the result.`,
						project, email, project, project, email),
				},
			},
		},
	}, nil
}

func (s *Server) handleRefreshProjectPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	project := req.Params.Arguments["project"]
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Refresh %s from REDCap", project),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Refresh project %q from REDCap.

Steps:
1. Call list_projects with names=%q and note the record count.
2. Call pull_project with project=%q and the emails to notify.
3. The pull runs in the background; the recipients are emailed when it completes or fails.`,
						project, project, project),
				},
			},
		},
	}, nil
}
