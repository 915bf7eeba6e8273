// Package mcp implements the Model Context Protocol surface of the conflict
// check service.
//
// The MCP server exposes the core check operations as tools so MCP-compatible
// agents can trigger checks and read verdicts and audit trails during intake
// conversations, without going through the REST endpoints.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/maryamyalansari-spec/onboarding-platform/internal/engine"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/model"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/storage"
)

// Server wraps the MCP server with the conflict check service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	engine    *engine.Engine
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(db *storage.DB, eng *engine.Engine, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:     db,
		engine: eng,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"conflictcheck",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// conflictcheck://firm/{firm_id}/audit — the firm's recent audit trail.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"conflictcheck://firm/{firm_id}/audit",
			"Firm Audit Trail",
			mcplib.WithTemplateDescription("Recent conflict check audit entries for a firm"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleFirmAudit,
	)
}

func (s *Server) registerTools() {
	// conflict_check — trigger a conflict check for a party.
	s.mcpServer.AddTool(
		mcplib.NewTool("conflict_check",
			mcplib.WithDescription("Run a conflict check for a party. Returns the run ID; joins the queued run if a check is already in flight."),
			mcplib.WithString("firm_id", mcplib.Description("Firm UUID"), mcplib.Required()),
			mcplib.WithString("entity_id", mcplib.Description("Party UUID"), mcplib.Required()),
		),
		s.handleConflictCheck,
	)

	// conflict_verdict — latest verdict for a party.
	s.mcpServer.AddTool(
		mcplib.NewTool("conflict_verdict",
			mcplib.WithDescription("Get the latest conflict check verdict for a party, with degraded and completeness markers"),
			mcplib.WithString("firm_id", mcplib.Description("Firm UUID"), mcplib.Required()),
			mcplib.WithString("entity_id", mcplib.Description("Party UUID"), mcplib.Required()),
		),
		s.handleConflictVerdict,
	)

	// conflict_audit — a party's audit trail, oldest first.
	s.mcpServer.AddTool(
		mcplib.NewTool("conflict_audit",
			mcplib.WithDescription("Get the append-only audit trail for a party's conflict checks"),
			mcplib.WithString("firm_id", mcplib.Description("Firm UUID"), mcplib.Required()),
			mcplib.WithString("entity_id", mcplib.Description("Party UUID"), mcplib.Required()),
		),
		s.handleConflictAudit,
	)
}

func (s *Server) handleFirmAudit(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	var raw string
	if _, err := fmt.Sscanf(uri, "conflictcheck://firm/%s", &raw); err != nil {
		return nil, fmt.Errorf("mcp: invalid firm audit URI: %s", uri)
	}
	raw = strings.TrimSuffix(raw, "/audit")
	firmID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid firm ID in URI %s: %w", uri, err)
	}

	entries, total, err := s.db.ListAuditByRange(ctx, firmID, time.Time{}, time.Now().UTC(), 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: firm audit: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"firm_id": firmID,
		"entries": entries,
		"total":   total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal audit: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleConflictCheck(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	firmID, entityID, errMsg := partyArgs(request)
	if errMsg != "" {
		return errorResult(errMsg), nil
	}

	runID, queued, err := s.engine.TriggerCheck(ctx, firmID, entityID, model.TriggerManualRecheck)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to trigger check: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"run_id": runID,
		"queued": queued,
		"status": "started",
	})

	return textResult(string(resultData)), nil
}

func (s *Server) handleConflictVerdict(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	firmID, entityID, errMsg := partyArgs(request)
	if errMsg != "" {
		return errorResult(errMsg), nil
	}

	verdict, err := s.engine.LatestVerdict(ctx, firmID, entityID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load verdict: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(verdict, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleConflictAudit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	firmID, entityID, errMsg := partyArgs(request)
	if errMsg != "" {
		return errorResult(errMsg), nil
	}

	entries, err := s.db.ListAuditByEntity(ctx, firmID, entityID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load audit trail: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"entries": entries,
		"total":   len(entries),
	}, "", "  ")
	return textResult(string(resultData)), nil
}

// partyArgs extracts and validates the firm_id and entity_id tool arguments.
// Returns a non-empty message on validation failure.
func partyArgs(request mcplib.CallToolRequest) (firmID, entityID uuid.UUID, errMsg string) {
	firmID, err := uuid.Parse(request.GetString("firm_id", ""))
	if err != nil {
		return uuid.Nil, uuid.Nil, "firm_id must be a UUID"
	}
	entityID, err = uuid.Parse(request.GetString("entity_id", ""))
	if err != nil {
		return uuid.Nil, uuid.Nil, "entity_id must be a UUID"
	}
	return firmID, entityID, ""
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
