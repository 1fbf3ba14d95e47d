package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/enact/internal/provenance"
	"github.com/rendis/enact/internal/store"
	"github.com/rendis/enact/pkg/schema"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 1000
)

// controlResult is returned by the cancel, pause and resume tools.
type controlResult struct {
	RunID   string          `json:"run_id"`
	Action  string          `json:"action"`
	Changed bool            `json:"changed"`
	State   schema.RunState `json:"state"`
	Event   *store.Event    `json:"event,omitempty"`
}

// statusResult is returned by run.status.
type statusResult struct {
	RunID     string          `json:"run_id"`
	State     schema.RunState `json:"state"`
	Buffered  int             `json:"buffered_jobs"`
	Affected  int             `json:"affected_layers"`
	Events    int             `json:"events"`
	LastEvent *store.Event    `json:"last_event,omitempty"`
}

// submitResult is returned by run.submit.
type submitResult struct {
	RunID     string       `json:"run_id"`
	Processor string       `json:"processor"`
	Event     *store.Event `json:"event,omitempty"`
}

// handleSubmit starts a run of a processor.
func (s *Server) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	processor, err := req.RequireString("processor")
	if err != nil || processor == "" {
		return mcp.NewToolResultError("processor is required"), nil
	}
	if s.workflow == nil {
		return mcp.NewToolResultError("no workflow is loaded"), nil
	}
	runID := req.GetString("run_id", "")
	if runID == "" {
		runID = uuid.NewString()
	}
	if s.runs.IsCancelled(runID) {
		return mcp.NewToolResultError(fmt.Sprintf("run %s is cancelled", runID)), nil
	}
	agentID := req.GetString("agent_id", "")
	s.captureSession(ctx, agentID, runID)

	inputs := mcp.ParseStringMap(req, "inputs", nil)
	props := mcp.ParseStringMap(req, "properties", nil)
	if err := s.workflow.Start(ctx, processor, runID, inputs, props); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start run: %v", err)), nil
	}

	s.logger.Info("run submitted",
		slog.String("run_id", runID),
		slog.String("processor", processor),
		slog.String("agent_id", agentID),
	)

	res := submitResult{RunID: runID, Processor: processor}
	if s.store != nil {
		ev, recErr := s.record(ctx, runID, schema.EventRunSubmitted, map[string]any{
			"processor": processor,
			"agent_id":  agentID,
		})
		if recErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run %s started but not recorded: %v", runID, recErr)), nil
		}
		res.Event = ev
	}
	return marshalResult(res)
}

// record appends a control event for runID. Empty payload values are omitted.
func (s *Server) record(ctx context.Context, runID, eventType string, payload map[string]any) (*store.Event, error) {
	for k, v := range payload {
		if v == "" {
			delete(payload, k)
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	ev := &store.Event{
		RunID:   runID,
		Type:    eventType,
		Payload: data,
		Source:  EventSource,
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		s.logger.Error("failed to record run event",
			slog.String("run_id", runID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return ev, nil
}

// handleCancel cancels a run.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, "cancel", schema.EventRunCancelled, s.runs.Cancel)
}

// handlePause pauses a run.
func (s *Server) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, "pause", schema.EventRunPaused, s.runs.Pause)
}

// handleResume resumes a paused run.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, "resume", schema.EventRunResumed, s.runs.Resume)
}

// control applies a run state transition and records it in the event log.
// A transition that does not apply (already cancelled, not paused, ...) is
// reported with changed=false and records nothing.
func (s *Server) control(ctx context.Context, req mcp.CallToolRequest, action, eventType string, apply func(string) bool) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil || runID == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	agentID := req.GetString("agent_id", "")
	reason := req.GetString("reason", "")
	s.captureSession(ctx, agentID, runID)

	res := controlResult{RunID: runID, Action: action}
	res.Changed = apply(runID)
	res.State = s.runs.Status(runID).State

	if !res.Changed {
		return marshalResult(res)
	}

	s.logger.Info("run state changed",
		slog.String("run_id", runID),
		slog.String("action", action),
		slog.String("agent_id", agentID),
	)

	if s.store != nil {
		ev, recErr := s.record(ctx, runID, eventType, map[string]any{
			"state":    string(res.State),
			"agent_id": agentID,
			"reason":   reason,
		})
		if recErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run %s: %s applied but not recorded: %v", runID, action, recErr)), nil
		}
		res.Event = ev
	}

	s.notifyWatchers(ctx, runID, map[string]any{
		"run_id":     runID,
		"event_type": eventType,
		"state":      res.State,
	})
	if eventType == schema.EventRunCancelled {
		s.sessions.Forget(runID)
	}
	return marshalResult(res)
}

// handleStatus returns the control state of a run.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil || runID == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	s.captureSession(ctx, req.GetString("agent_id", ""), runID)

	st := s.runs.Status(runID)
	res := statusResult{
		RunID:    st.RunID,
		State:    st.State,
		Buffered: st.Buffered,
		Affected: st.Affected,
	}

	if s.store != nil {
		events, evErr := s.store.GetEvents(ctx, runID, 0)
		if evErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to get events: %v", evErr)), nil
		}
		res.Events = len(events)
		if len(events) > 0 {
			res.LastEvent = events[len(events)-1]
		}
	}
	return marshalResult(res)
}

// handleEvents lists the control events of a run.
func (s *Server) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil || runID == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("event log is not configured"), nil
	}

	since := extractInt(req.GetArguments(), "since", 0)
	events, err := s.store.GetEvents(ctx, runID, int64(since))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get events: %v", err)), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(events)
}

// handleQuery lists provenance nodes or control events.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("provenance store is not configured"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "nodes":
		return s.queryNodes(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource: %s", resource)), nil
	}
}

func (s *Server) queryNodes(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	since, err := extractTime(filter, "since")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	nf := store.NodeFilter{
		Process:       extractString(filter, "process"),
		ProcessPrefix: extractString(filter, "process_prefix"),
		Processor:     extractString(filter, "processor"),
		Kind:          provenance.Kind(extractString(filter, "kind")),
		ParentID:      extractString(filter, "parent_id"),
		Since:         since,
		Limit:         clampLimit(extractInt(filter, "limit", defaultQueryLimit)),
		Offset:        max(extractInt(filter, "offset", 0), 0),
	}

	nodes, err := s.store.ListNodes(ctx, nf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list nodes: %v", err)), nil
	}
	if nodes == nil {
		nodes = []*provenance.Node{}
	}
	return marshalResult(nodes)
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	eventType := extractString(filter, "event_type")
	runID := extractString(filter, "run_id")

	var (
		events []*store.Event
		err    error
	)
	switch {
	case eventType != "":
		since, tErr := extractTime(filter, "since")
		if tErr != nil {
			return mcp.NewToolResultError(tErr.Error()), nil
		}
		events, err = s.store.GetEventsByType(ctx, eventType, store.EventFilter{
			RunID: runID,
			Since: since,
			Limit: clampLimit(extractInt(filter, "limit", defaultQueryLimit)),
		})
	case runID != "":
		events, err = s.store.GetEvents(ctx, runID, 0)
	default:
		return mcp.NewToolResultError("events query requires event_type or run_id"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to query events: %v", err)), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(events)
}

// --- Helpers ---

// captureSession maps the agent ID to its current MCP session and subscribes
// it to state changes of runID.
func (s *Server) captureSession(ctx context.Context, agentID, runID string) {
	if agentID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
	s.sessions.Watch(runID, agentID)
}

// notifyWatchers pushes payload to every agent watching runID. Best-effort.
func (s *Server) notifyWatchers(ctx context.Context, runID string, payload map[string]any) {
	for _, agentID := range s.sessions.Watchers(runID) {
		if err := s.notifier.Notify(ctx, agentID, payload); err != nil {
			s.logger.Warn("failed to notify agent",
				slog.String("agent_id", agentID),
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func extractString(filter map[string]any, key string) string {
	s, _ := filter[key].(string)
	return s
}

// extractTime parses an RFC 3339 timestamp; absent or empty yields nil.
func extractTime(filter map[string]any, key string) (*time.Time, error) {
	raw := extractString(filter, key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp: %q", key, raw)
	}
	return &t, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultQueryLimit
	}
	return min(n, maxQueryLimit)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
