package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/enact/internal/dispatch"
	"github.com/rendis/enact/internal/store"
)

// EventSource is the value recorded as Source on events appended by this server.
const EventSource = "mcp"

// Submitter starts runs of a workflow's processors. Satisfied by
// *stackdef.Workflow.
type Submitter interface {
	Start(ctx context.Context, processor, runID string, values, props map[string]any) error
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Runs     *dispatch.RunRegistry
	Store    store.Store // optional; without it control events are not persisted
	Workflow Submitter   // optional; without it run.submit is rejected
	Logger   *slog.Logger
}

// Server wraps an MCP server with run control and provenance tool handlers.
type Server struct {
	runs      *dispatch.RunRegistry
	store     store.Store
	workflow  Submitter
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  AgentNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	runs := deps.Runs
	if runs == nil {
		runs = dispatch.NewRunRegistry()
	}

	s := &Server{
		runs:     runs,
		store:    deps.Store,
		workflow: deps.Workflow,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"enact",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Enact dispatches workflow activities through layered stacks. Use run.submit to start a run of a processor, run.cancel, run.pause and run.resume to control a run by id, run.status to inspect it, run.events to read its control log and provenance.query to list recorded provenance."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Runs returns the registry the control tools act on.
func (s *Server) Runs() *dispatch.RunRegistry {
	return s.runs
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("run.submit",
		mcp.WithDescription("Start a run of a workflow processor"),
		mcp.WithString("processor", mcp.Required(), mcp.Description("Name of the processor to run")),
		mcp.WithString("run_id", mcp.Description("Run ID (default: generated)")),
		mcp.WithObject("inputs", mcp.Description("Input values keyed by processor port")),
		mcp.WithObject("properties", mcp.Description("Reference context properties attached to the run")),
		mcp.WithString("agent_id", mcp.Description("ID of the requesting agent; it is notified of later state changes")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("run.cancel",
		mcp.WithDescription("Cancel a workflow run; pending and buffered jobs are dropped"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
		mcp.WithString("reason", mcp.Description("Why the run is cancelled")),
		mcp.WithString("agent_id", mcp.Description("ID of the requesting agent; it is notified of later state changes")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("run.pause",
		mcp.WithDescription("Pause a workflow run; new jobs are buffered until it is resumed"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to pause")),
		mcp.WithString("agent_id", mcp.Description("ID of the requesting agent; it is notified of later state changes")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("run.resume",
		mcp.WithDescription("Resume a paused workflow run and replay its buffered jobs"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
		mcp.WithString("agent_id", mcp.Description("ID of the requesting agent; it is notified of later state changes")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("run.status",
		mcp.WithDescription("Get the control state of a workflow run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
		mcp.WithString("agent_id", mcp.Description("ID of the requesting agent; it is notified of later state changes")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("run.events",
		mcp.WithDescription("List the control events recorded for a workflow run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithNumber("since", mcp.Description("Only events with a greater sequence (default: 0)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("provenance.query",
		mcp.WithDescription("Query recorded provenance nodes or control events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("nodes", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (process, process_prefix, processor, kind, parent_id, event_type, run_id, since, limit, offset)")),
	)
}
