// Package mcp exposes portal knowledge bases and flow templates as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"maas-portal/backend/internal/canvas"
	"maas-portal/backend/pkg/models"
)

// Knowledge is the knowledge-base surface the tools call.
type Knowledge interface {
	List(ctx context.Context) ([]*models.KnowledgeBase, error)
	Search(ctx context.Context, id, query string, topK int) ([]*models.Chunk, error)
}

// Templates supplies the flow template rendered by render_flow.
type Templates interface {
	Current() canvas.Graph
}

type Server struct {
	mcpServer *server.MCPServer
	knowledge Knowledge
	templates Templates
}

func NewServer(knowledge Knowledge, templates Templates, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"MaaS Portal",
			version,
			server.WithToolCapabilities(true),
		),
		knowledge: knowledge,
		templates: templates,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_knowledge_bases",
			mcp.WithDescription("List the knowledge bases of the caller's tenant"),
		),
		s.handleListKnowledgeBases,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"search_knowledge_base",
			mcp.WithDescription("Retrieve the chunks of a knowledge base closest to a query"),
			mcp.WithString("knowledge_base_id", mcp.Required(), mcp.Description("The ID of the knowledge base")),
			mcp.WithString("query", mcp.Required(), mcp.Description("The text to search for")),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of chunks to return")),
		),
		s.handleSearch,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"render_flow",
			mcp.WithDescription("Render the current agent flow template at a zoom level"),
			mcp.WithNumber("zoom", mcp.Description("Zoom factor, clamped to the editor's range")),
		),
		s.handleRenderFlow,
	)
}

func (s *Server) handleListKnowledgeBases(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kbs, err := s.knowledge.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list knowledge bases: %v", err)), nil
	}
	jsonBytes, _ := json.Marshal(kbs)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["knowledge_base_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: knowledge_base_id"), nil
	}
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return mcp.NewToolResultError("Missing required parameter: query"), nil
	}
	topK := 0
	if n, ok := args["top_k"].(float64); ok {
		topK = int(n)
	}

	chunks, err := s.knowledge.Search(ctx, id, query, topK)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to search: %v", err)), nil
	}
	jsonBytes, _ := json.Marshal(chunks)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleRenderFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	editor := canvas.NewEditor(s.templates.Current())
	if args, ok := request.Params.Arguments.(map[string]interface{}); ok {
		if z, ok := args["zoom"].(float64); ok {
			if err := editor.Dispatch(canvas.Event{Type: canvas.EventWheel, DeltaY: (1 - z) / canvas.ZoomStep, Ctrl: true}); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
		}
	}
	jsonBytes, _ := json.Marshal(editor.Render())
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the SSE transport under /mcp/sse and /mcp/message
// and the streamable HTTP transport at /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))
	streamable := server.NewStreamableHTTPServer(mcpServer)

	mux.Handle("/mcp", streamable)
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
