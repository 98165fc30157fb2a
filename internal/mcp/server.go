package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/conductor/internal/session"
)

// Server exposes the session engine as MCP tools.
type Server struct {
	engine  *session.Engine
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(engine *session.Engine, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{engine: engine, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("conductor", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.createSessionTool())
	srv.AddTool(s.hydrateIssueTool())
	srv.AddTool(s.sessionStatusTool())
	srv.AddTool(s.applyPlanTool())
	srv.AddTool(s.abortSessionTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// conductor_create_session
func (s *Server) createSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("conductor_create_session",
		mcp.WithDescription("Start an orchestration session that plans an objective into waves of issues. Returns the session; poll conductor_session_status until phase is plan_ready."),
		mcp.WithString("repo_path", mcp.Required(), mcp.Description("Absolute path of the repository the tracker runs in")),
		mcp.WithString("objective", mcp.Description("What the plan should accomplish")),
	)
	return tool, s.handleCreateSession
}

func (s *Server) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := request.RequireString("repo_path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: repo_path"), nil
	}
	sess, err := s.engine.CreateOrchestration(ctx, repo, request.GetString("objective", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create session: %v", err)), nil
	}
	return jsonResult(sess)
}

// conductor_hydrate_issue
func (s *Server) hydrateIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("conductor_hydrate_issue",
		mcp.WithDescription("Start a hydration session that breaks one parent issue down into child issues."),
		mcp.WithString("repo_path", mcp.Required(), mcp.Description("Absolute path of the repository the tracker runs in")),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Parent issue ID")),
	)
	return tool, s.handleHydrateIssue
}

func (s *Server) handleHydrateIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := request.RequireString("repo_path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: repo_path"), nil
	}
	issueID, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}
	sess, err := s.engine.CreateHydration(ctx, repo, issueID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to hydrate issue: %v", err)), nil
	}
	return jsonResult(sess)
}

// conductor_session_status
func (s *Server) sessionStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("conductor_session_status",
		mcp.WithDescription("Get a session's status, phase, and plan. With include_events, the event log is returned as well."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithBoolean("include_events", mcp.Description("Include the session's event log")),
	)
	return tool, s.handleSessionStatus
}

func (s *Server) handleSessionStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	sess, err := s.engine.Get(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
	}
	if !request.GetBool("include_events", false) {
		return jsonResult(sess)
	}

	events, err := s.engine.Events(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read events: %v", err)), nil
	}
	return jsonResult(struct {
		session.Session
		Events []session.Event `json:"events"`
	}{sess, events})
}

// conductor_apply_plan
func (s *Server) applyPlanTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("conductor_apply_plan",
		mcp.WithDescription("Apply a ready plan to the tracker. Orchestration plans become labelled waves of issues; hydration plans become children of the parent issue. Re-applying does not duplicate issues."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("repo_path", mcp.Description("Repository path; defaults to the session's")),
		mcp.WithObject("wave_names", mcp.Description("Wave name overrides keyed by wave index, e.g. {\"1\": \"Foundations\"}")),
		mcp.WithObject("wave_slugs", mcp.Description("Wave slug overrides keyed by wave index")),
	)
	return tool, s.handleApplyPlan
}

func (s *Server) handleApplyPlan(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	args := request.GetArguments()
	names, err := indexMap(args["wave_names"])
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid wave_names: %v", err)), nil
	}
	slugs, err := indexMap(args["wave_slugs"])
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid wave_slugs: %v", err)), nil
	}

	res, err := s.engine.ApplyAny(ctx, id, session.ApplyRequest{
		RepoPath:          request.GetString("repo_path", ""),
		WaveNameOverrides: names,
		WaveSlugOverrides: slugs,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to apply plan: %v", err)), nil
	}
	return jsonResult(res)
}

// indexMap converts a {"<index>": "<value>"} argument.
func indexMap(v any) (map[int]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object keyed by wave index")
	}
	out := make(map[int]string, len(raw))
	for k, val := range raw {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("wave index %q is not a number", k)
		}
		str, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("value for wave %d must be a string", idx)
		}
		out[idx] = str
	}
	return out, nil
}

// conductor_abort_session
func (s *Server) abortSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("conductor_abort_session",
		mcp.WithDescription("Abort a running session and stop its planning agent."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleAbortSession
}

func (s *Server) handleAbortSession(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	if _, err := s.engine.Get(id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
	}
	return jsonResult(map[string]any{"sessionId": id, "aborted": s.engine.Abort(id)})
}
