package mcpadapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

const (
	serverName    = "hybrid-retrieval"
	serverVersion = "1.0.0"

	toolHybridQuery     = "hybrid_query"
	toolOntologyRelated = "ontology_related"
)

// Server exposes the query entry point and ontology traversal as MCP tools.
type Server struct {
	query    ports.QueryService
	ontology ports.OntologyService
	logger   *slog.Logger
	mcp      *server.MCPServer
}

func New(query ports.QueryService, ontology ports.OntologyService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		query:    query,
		ontology: ontology,
		logger:   logger,
		mcp:      server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false)),
	}
	s.mcp.AddTool(mcp.NewTool(toolHybridQuery,
		mcp.WithDescription("Retrieve ranked context for a question from the vector index, the knowledge graph and the ontology. Set answer=true to also generate a reply."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Natural-language question.")),
		mcp.WithString("strategy_hint", mcp.Enum("auto", "vector", "graph", "hybrid"), mcp.Description("Force a retrieval strategy.")),
		mcp.WithNumber("max_items", mcp.Description("Maximum number of context items.")),
		mcp.WithBoolean("answer", mcp.Description("Generate an answer from the retrieved context.")),
	), s.handleHybridQuery)
	s.mcp.AddTool(mcp.NewTool(toolOntologyRelated,
		mcp.WithDescription("List concepts related to a concept in the ontology, nearest first."),
		mcp.WithString("concept_id", mcp.Required(), mcp.Description("Concept identifier.")),
		mcp.WithNumber("depth", mcp.Description("Traversal depth; 0 uses the default.")),
		mcp.WithArray("kinds", mcp.Description("Relation kinds to follow: IS_A, PART_OF, RELATED_TO."), mcp.Items(map[string]any{"type": "string"})),
	), s.handleOntologyRelated)
	return s
}

// Handler serves the tools over streamable HTTP at path.
func (s *Server) Handler(path string) http.Handler {
	return server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath(path), server.WithStateLess(true))
}

func (s *Server) handleHybridQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	req := domain.QueryRequest{
		Text:         text,
		StrategyHint: request.GetString("strategy_hint", ""),
		MaxItems:     request.GetInt("max_items", 0),
	}

	var payload any
	if request.GetBool("answer", false) {
		payload, err = s.query.Answer(ctx, req)
	} else {
		payload, err = s.query.Query(ctx, req)
	}
	if err != nil {
		return s.toolError(toolHybridQuery, err)
	}
	return jsonResult(payload)
}

func (s *Server) handleOntologyRelated(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conceptID, err := request.RequireString("concept_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var kinds []domain.RelationKind
	for _, raw := range request.GetStringSlice("kinds", nil) {
		kind, err := domain.ParseRelationKind(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		kinds = append(kinds, kind)
	}
	related, err := s.ontology.FindRelated(ctx, conceptID, request.GetInt("depth", 0), kinds)
	if err != nil {
		return s.toolError(toolOntologyRelated, err)
	}
	if related == nil {
		related = []domain.RelatedConcept{}
	}
	return jsonResult(related)
}

// toolError reports caller mistakes and missing data as tool results; anything
// else fails the call.
func (s *Server) toolError(tool string, err error) (*mcp.CallToolResult, error) {
	switch {
	case domain.IsKind(err, domain.ErrInvalidQuery),
		domain.IsKind(err, domain.ErrInvalidInput),
		domain.IsKind(err, domain.ErrNotFound),
		domain.IsKind(err, domain.ErrAdapterUnavailable):
		s.logger.Warn("mcp_tool_failed", "tool", tool, "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	default:
		s.logger.Error("mcp_tool_failed", "tool", tool, "error", err)
		return nil, err
	}
}

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
