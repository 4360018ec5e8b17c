package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	// ── datacore://projects ────────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		"datacore://projects",
		"All Projects",
		mcp.WithMIMEType("application/json"),
	), s.handleProjectsResource)

	// ── datacore://models/{model}/dictionary ───────────
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"datacore://models/{model}/dictionary",
			"Model Data Dictionary",
		),
		s.handleDictionaryResource,
	)
}

func (s *Server) handleProjectsResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	details, err := s.catalog.ProjectDetails(ctx, nil)
	if err != nil {
		return nil, err
	}
	data, _ := json.MarshalIndent(details, "", "  ")
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "datacore://projects",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleDictionaryResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	model := modelFromURI(uri)
	if model == "" {
		return nil, fmt.Errorf("could not extract model from URI: %s", uri)
	}
	var buf bytes.Buffer
	if err := s.exports.Dictionary(model, &buf); err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/csv",
			Text:     buf.String(),
		},
	}, nil
}

// modelFromURI extracts the model from "datacore://models/{model}/dictionary".
func modelFromURI(uri string) string {
	const prefix = "datacore://models/"
	rest, ok := strings.CutPrefix(uri, prefix)
	if !ok {
		return ""
	}
	model, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return model
}
