package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/khetsense/khetsense/internal/chat"
	"github.com/khetsense/khetsense/internal/speech"
)

// MCPChat is the part of the chat service exposed over MCP.
type MCPChat interface {
	Text(ctx context.Context, sessionID, message, location string) (chat.Reply, error)
	Reset(sessionID string) bool
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Searcher Searcher
	Chat     MCPChat // optional; if nil, ask_farming_question returns an error
	TopK     int
}

// NewMCPServer creates an MCP server with the KhetSense tools and resources registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"khetsense",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("KhetSense: agricultural advice for Indian farmers backed by Kisan Call Center answers."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_corpus",
			mcp.WithDescription("Find the Kisan Call Center answers most similar to a query."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchCorpus(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_farming_question",
			mcp.WithDescription("Ask the KhetSense assistant a farming question. Pass session_id to continue a conversation."),
			mcp.WithString("question", mcp.Description("The farmer's question"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Existing conversation id")),
			mcp.WithString("location", mcp.Description("Where the farmer is, e.g. Nashik, Maharashtra")),
		),
		mcpAskQuestion(deps),
	)

	s.AddTool(
		mcp.NewTool("reset_session",
			mcp.WithDescription("Forget a conversation."),
			mcp.WithString("session_id", mcp.Description("Conversation id"), mcp.Required()),
		),
		mcpResetSession(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"khetsense://languages",
			"Supported Languages",
			mcp.WithResourceDescription("Language codes accepted for speech synthesis and transcription"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceLanguages,
	)

	return s
}

func mcpSearchCorpus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		def := deps.TopK
		if def <= 0 {
			def = 5
		}
		limit := req.GetInt("limit", def)
		if limit <= 0 {
			limit = def
		}
		if limit > maxSearchK {
			limit = maxSearchK
		}

		results, err := deps.Searcher.Search(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAskQuestion(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Chat == nil {
			return mcpError("chat is not available"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		reply, err := deps.Chat.Text(ctx, req.GetString("session_id", ""), question, req.GetString("location", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("answering failed: %v", err)), nil
		}

		b, err := json.Marshal(reply)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal reply: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResetSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Chat == nil {
			return mcpError("chat is not available"), nil
		}
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		if !deps.Chat.Reset(id) {
			return mcpText("Session not found"), nil
		}
		return mcpText("Session reset"), nil
	}
}

func mcpResourceLanguages(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(speech.SupportedLanguages)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
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
