package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/communiq/communiq/internal/answer"
	"github.com/communiq/communiq/internal/retrieve"
)

// MCPDeps holds dependencies for the MCP server. Both tools go through the
// same orchestrator and retriever as the HTTP API.
type MCPDeps struct {
	Orchestrator Asker
	Retriever    Searcher
}

// Asker abstracts the orchestrator for the MCP layer.
type Asker interface {
	Ask(ctx context.Context, sessionID, question string, opts retrieve.Options) (answer.Result, error)
}

// Searcher abstracts retrieval for the MCP layer.
type Searcher interface {
	Retrieve(ctx context.Context, query string, opts retrieve.Options) ([]retrieve.Source, error)
}

// NewMCPServer creates an MCP server exposing the question-answering tools
// over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"communiq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("communiq — question answering over anonymized community communications."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_community",
			mcp.WithDescription("Ask a question answered from the community knowledge base, with cited sources."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Session id for follow-up questions; omit to start a new session")),
			mcp.WithString("platform", mcp.Description("Restrict sources to one platform (e.g. slack, github)")),
		),
		mcpAskCommunity(deps),
	)

	s.AddTool(
		mcp.NewTool("search_community",
			mcp.WithDescription("Semantically search community communications without answer generation."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("platform", mcp.Description("Restrict results to one platform")),
		),
		mcpSearchCommunity(deps),
	)

	return s
}

func mcpAskCommunity(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		sessionID := req.GetString("session_id", "")
		opts := retrieve.Options{Platform: req.GetString("platform", "")}

		result, err := deps.Orchestrator.Ask(ctx, sessionID, question, opts)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchCommunity(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", retrieve.DefaultK)
		if limit <= 0 {
			limit = retrieve.DefaultK
		}
		if limit > 50 {
			limit = 50
		}

		sources, err := deps.Retriever.Retrieve(ctx, query, retrieve.Options{
			K:        limit,
			Platform: req.GetString("platform", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(sources) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(sources)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
