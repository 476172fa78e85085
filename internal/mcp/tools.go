package mcp

import (
	"context"
	"fmt"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
	"github.com/abdul-hamid-achik/cmdvec/internal/search"
)

func textResult(text string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: text}},
	}
}

// errorResult reports err to the client as a tool error, with remediation
// when one is attached.
func errorResult(prefix string, err error) *sdkmcp.CallToolResult {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %v", prefix, err)
	if code := errs.CodeOf(err); code != "" {
		fmt.Fprintf(&sb, "\nCode: %s", code)
	}
	if remediation := errs.RemediationOf(err); remediation != "" {
		fmt.Fprintf(&sb, "\nFix: %s", remediation)
	}
	result := textResult(sb.String())
	result.IsError = true
	return result
}

// handleSearch handles the cmdvec_search tool.
func (s *Server) handleSearch(ctx context.Context, req *sdkmcp.CallToolRequest, input SearchInput) (*sdkmcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Query) == "" {
		return errorResult("Search error", errs.New(errs.CodeSearchQueryInvalid, "query parameter is required")), nil, nil
	}

	opts := search.Options{
		Limit:   input.Limit,
		Version: input.Version,
		Type:    input.Type,
		Context: input.Context,
	}
	if input.IncludeDeprecated != nil {
		opts.ExcludeDeprecated = !*input.IncludeDeprecated
	}

	results, err := s.service.Search(ctx, input.Query, opts)
	if err != nil {
		return errorResult("Search error", err), nil, nil
	}
	if len(results) == 0 {
		return textResult("No results found."), nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d results:\n\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&sb, "### Result %d (score: %s, %s)\n", i+1, r.ScoreText, r.Source)
		fmt.Fprintf(&sb, "**Command:** %s", r.CommandName)
		if r.Version != "" {
			fmt.Fprintf(&sb, " (%s)", r.Version)
		}
		if r.IsDeprecated {
			sb.WriteString(" *deprecated*")
		}
		sb.WriteString("\n")

		if r.Type == "example" {
			if r.Title != "" {
				fmt.Fprintf(&sb, "**Example:** %s\n", r.Title)
			}
			if r.Description != "" {
				fmt.Fprintf(&sb, "%s\n", r.Description)
			}
			if r.Code != "" {
				fmt.Fprintf(&sb, "\n```powershell\n%s\n```\n", r.Code)
			}
		} else {
			if r.Description != "" {
				fmt.Fprintf(&sb, "%s\n", r.Description)
			}
			if r.Syntax != "" {
				fmt.Fprintf(&sb, "\n```powershell\n%s\n```\n", r.Syntax)
			}
			if len(r.Parameters) > 0 {
				fmt.Fprintf(&sb, "**Parameters:** %s\n", strings.Join(r.Parameters, ", "))
			}
		}
		sb.WriteString("\n")
	}

	return textResult(sb.String()), nil, nil
}

// handleSync handles the cmdvec_sync tool.
func (s *Server) handleSync(ctx context.Context, req *sdkmcp.CallToolRequest, input SyncInput) (*sdkmcp.CallToolResult, any, error) {
	result, err := s.service.Sync(ctx)
	if err != nil {
		return errorResult("Sync error", err), nil, nil
	}

	var sb strings.Builder
	sb.WriteString("Sync complete:\n")
	fmt.Fprintf(&sb, "- Commands: %d indexed, %d errors (of %d)\n", result.Indexed, result.Errors, result.Total)
	fmt.Fprintf(&sb, "- Examples: %d indexed, %d errors\n", result.Examples, result.ExampleErrors)
	fmt.Fprintf(&sb, "- Removed: %d\n", result.Deleted)
	fmt.Fprintf(&sb, "- Duration: %s\n", result.Duration)

	if len(result.Failures) > 0 {
		fmt.Fprintf(&sb, "\nFailures: %d\n", len(result.Failures))
		for _, f := range result.Failures {
			fmt.Fprintf(&sb, "  - %s: %s\n", f.ID, f.Error)
		}
	}

	return textResult(sb.String()), nil, nil
}

// handleStatus handles the cmdvec_status tool.
func (s *Server) handleStatus(ctx context.Context, req *sdkmcp.CallToolRequest, input StatusInput) (*sdkmcp.CallToolResult, any, error) {
	status, err := s.service.Status(ctx)
	if err != nil {
		return errorResult("Status error", err), nil, nil
	}

	var sb strings.Builder
	sb.WriteString("Index Statistics:\n\n")
	fmt.Fprintf(&sb, "Collection: %s (%s)\n", status.Collection.Collection, status.Collection.Status)
	fmt.Fprintf(&sb, "Vectors: %d (%d commands, %d examples)\n",
		status.Collection.VectorCount, status.Collection.Commands, status.Collection.Examples)
	fmt.Fprintf(&sb, "Dimension: %d\n", status.Collection.Dimension)
	fmt.Fprintf(&sb, "Source: %s\n", status.Source)

	sb.WriteString("\nEmbedding:\n")
	fmt.Fprintf(&sb, "  Model: %s (%d dims)\n", status.Embedding.Model, status.Embedding.Dimensions)
	fmt.Fprintf(&sb, "  Backend: %s, state: %s\n", status.Embedding.Backend, status.Embedding.State)
	if status.Embedding.Degraded {
		sb.WriteString("  Degraded: serving fallback embeddings\n")
	}
	if status.Embedding.LastError != "" {
		fmt.Fprintf(&sb, "  Last error: %s\n", status.Embedding.LastError)
	}

	fmt.Fprintf(&sb, "\nSearch cache: %d entries, %d hits, %d misses\n",
		status.SearchCache.Entries, status.SearchCache.Hits, status.SearchCache.Misses)

	return textResult(sb.String()), nil, nil
}
