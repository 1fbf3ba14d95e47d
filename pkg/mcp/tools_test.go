package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/enact/internal/dispatch"
	"github.com/rendis/enact/internal/logging"
	"github.com/rendis/enact/internal/provenance"
	"github.com/rendis/enact/internal/store"
	"github.com/rendis/enact/pkg/schema"
)

// --- Mock Store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	mu        sync.Mutex
	events    []*store.Event
	nodes     []*provenance.Node
	appendErr error

	lastNodeFilter  store.NodeFilter
	lastEventFilter store.EventFilter
}

func (m *mockStore) AppendEvent(_ context.Context, ev *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	var seq int64
	for _, e := range m.events {
		if e.RunID == ev.RunID {
			seq = e.Sequence
		}
	}
	ev.ID = int64(len(m.events) + 1)
	ev.Sequence = seq + 1
	ev.Timestamp = time.Now().UTC()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockStore) GetEvents(_ context.Context, runID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events {
		if e.RunID == runID && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) GetEventsByType(_ context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEventFilter = filter
	var out []*store.Event
	for _, e := range m.events {
		if e.Type == eventType && (filter.RunID == "" || e.RunID == filter.RunID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) ListNodes(_ context.Context, filter store.NodeFilter) ([]*provenance.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastNodeFilter = filter
	var out []*provenance.Node
	for _, n := range m.nodes {
		if filter.Kind != "" && n.Kind != filter.Kind {
			continue
		}
		if filter.Process != "" && n.Process != filter.Process {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// --- Recording notifier ---

type notification struct {
	agentID string
	payload map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{agentID: agentID, payload: payload})
	return nil
}

// --- Fake submitter ---

type submission struct {
	processor, runID string
	values, props    map[string]any
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []submission
	err   error
}

func (f *fakeSubmitter) Start(_ context.Context, processor, runID string, values, props map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, submission{processor, runID, values, props})
	return nil
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newTestServer(ms *mockStore) (*Server, *recordingNotifier) {
	deps := ServerDeps{Runs: dispatch.NewRunRegistry(), Logger: logging.Discard()}
	if ms != nil {
		deps.Store = ms
	}
	s := NewServer(deps)
	n := &recordingNotifier{}
	s.notifier = n
	return s, n
}

// --- Tests ---

func TestSubmitTool(t *testing.T) {
	ms := &mockStore{}
	s, _ := newTestServer(ms)
	sub := &fakeSubmitter{}
	s.workflow = sub

	result, err := s.handleSubmit(context.Background(), buildRequest("run.submit", map[string]any{
		"processor":  "blast",
		"run_id":     "run-1",
		"inputs":     map[string]any{"query": "ACGT"},
		"properties": map[string]any{"owner": "lab-3"},
		"agent_id":   "agent-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var res submitResult
	unmarshalResult(t, result, &res)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "blast", res.Processor)
	require.NotNil(t, res.Event)
	assert.Equal(t, schema.EventRunSubmitted, res.Event.Type)

	require.Len(t, sub.calls, 1)
	assert.Equal(t, "blast", sub.calls[0].processor)
	assert.Equal(t, "run-1", sub.calls[0].runID)
	assert.Equal(t, map[string]any{"query": "ACGT"}, sub.calls[0].values)
	assert.Equal(t, map[string]any{"owner": "lab-3"}, sub.calls[0].props)
	assert.Equal(t, []string{"agent-1"}, s.sessions.Watchers("run-1"))
}

func TestSubmitTool_GeneratesRunID(t *testing.T) {
	s, _ := newTestServer(nil)
	sub := &fakeSubmitter{}
	s.workflow = sub

	result, err := s.handleSubmit(context.Background(), buildRequest("run.submit", map[string]any{"processor": "blast"}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var res submitResult
	unmarshalResult(t, result, &res)
	assert.Len(t, res.RunID, 36)
	assert.Nil(t, res.Event)
	require.Len(t, sub.calls, 1)
	assert.Equal(t, res.RunID, sub.calls[0].runID)
}

func TestSubmitTool_Errors(t *testing.T) {
	s, _ := newTestServer(&mockStore{})
	ctx := context.Background()

	result, err := s.handleSubmit(ctx, buildRequest("run.submit", map[string]any{}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), "processor is required")

	result, err = s.handleSubmit(ctx, buildRequest("run.submit", map[string]any{"processor": "blast"}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), "no workflow is loaded")

	sub := &fakeSubmitter{err: schema.NewError(schema.ErrCodeNotFound, `processor "ghost" not defined`)}
	s.workflow = sub
	result, err = s.handleSubmit(ctx, buildRequest("run.submit", map[string]any{"processor": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "not defined")

	sub.err = nil
	s.Runs().Cancel("run-1")
	result, err = s.handleSubmit(ctx, buildRequest("run.submit", map[string]any{"processor": "blast", "run_id": "run-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "is cancelled")
	assert.Empty(t, sub.calls)
}

func TestCancelTool(t *testing.T) {
	ms := &mockStore{}
	s, _ := newTestServer(ms)

	result, err := s.handleCancel(context.Background(), buildRequest("run.cancel", map[string]any{
		"run_id":   "run-1",
		"reason":   "operator abort",
		"agent_id": "agent-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var res controlResult
	unmarshalResult(t, result, &res)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "cancel", res.Action)
	assert.True(t, res.Changed)
	assert.Equal(t, schema.RunStateCancelled, res.State)
	require.NotNil(t, res.Event)
	assert.Equal(t, int64(1), res.Event.Sequence)

	assert.True(t, s.Runs().IsCancelled("run-1"))

	require.Len(t, ms.events, 1)
	ev := ms.events[0]
	assert.Equal(t, schema.EventRunCancelled, ev.Type)
	assert.Equal(t, EventSource, ev.Source)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "operator abort", payload["reason"])
	assert.Equal(t, "agent-1", payload["agent_id"])
	assert.Equal(t, "cancelled", payload["state"])
}

func TestCancelTool_Idempotent(t *testing.T) {
	ms := &mockStore{}
	s, _ := newTestServer(ms)
	ctx := context.Background()
	req := buildRequest("run.cancel", map[string]any{"run_id": "run-1"})

	_, err := s.handleCancel(ctx, req)
	require.NoError(t, err)

	result, err := s.handleCancel(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var res controlResult
	unmarshalResult(t, result, &res)
	assert.False(t, res.Changed)
	assert.Equal(t, schema.RunStateCancelled, res.State)
	assert.Nil(t, res.Event)
	assert.Len(t, ms.events, 1, "no event for a transition that did not apply")
}

func TestPauseResumeTools(t *testing.T) {
	ms := &mockStore{}
	s, _ := newTestServer(ms)
	ctx := context.Background()

	result, err := s.handlePause(ctx, buildRequest("run.pause", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	var res controlResult
	unmarshalResult(t, result, &res)
	assert.True(t, res.Changed)
	assert.Equal(t, schema.RunStatePaused, res.State)
	assert.True(t, s.Runs().IsPaused("run-1"))

	result, err = s.handlePause(ctx, buildRequest("run.pause", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	unmarshalResult(t, result, &res)
	assert.False(t, res.Changed, "already paused")

	result, err = s.handleResume(ctx, buildRequest("run.resume", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	unmarshalResult(t, result, &res)
	assert.True(t, res.Changed)
	assert.Equal(t, schema.RunStateRunning, res.State)
	assert.Equal(t, int64(2), res.Event.Sequence)

	result, err = s.handleResume(ctx, buildRequest("run.resume", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	unmarshalResult(t, result, &res)
	assert.False(t, res.Changed, "not paused")

	require.Len(t, ms.events, 2)
	assert.Equal(t, schema.EventRunPaused, ms.events[0].Type)
	assert.Equal(t, schema.EventRunResumed, ms.events[1].Type)
}

func TestControlTools_MissingRunID(t *testing.T) {
	s, _ := newTestServer(&mockStore{})
	ctx := context.Background()

	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"run.cancel": s.handleCancel,
		"run.pause":  s.handlePause,
		"run.resume": s.handleResume,
		"run.status": s.handleStatus,
		"run.events": s.handleEvents,
	}
	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			result, err := h(ctx, buildRequest(name, map[string]any{}))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), "run_id is required")
		})
	}
}

func TestControlTools_WithoutStore(t *testing.T) {
	s, _ := newTestServer(nil)

	result, err := s.handlePause(context.Background(), buildRequest("run.pause", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var res controlResult
	unmarshalResult(t, result, &res)
	assert.True(t, res.Changed)
	assert.Nil(t, res.Event)
}

func TestControlTools_StoreError(t *testing.T) {
	ms := &mockStore{appendErr: errors.New("database is locked")}
	s, _ := newTestServer(ms)

	result, err := s.handleCancel(context.Background(), buildRequest("run.cancel", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "applied but not recorded")
	assert.True(t, s.Runs().IsCancelled("run-1"), "the registry change stands")
}

func TestControlTools_NotifyWatchers(t *testing.T) {
	s, n := newTestServer(&mockStore{})
	ctx := context.Background()

	_, err := s.handleStatus(ctx, buildRequest("run.status", map[string]any{"run_id": "run-1", "agent_id": "watcher"}))
	require.NoError(t, err)
	assert.Empty(t, n.sent, "status changes nothing")

	_, err = s.handlePause(ctx, buildRequest("run.pause", map[string]any{"run_id": "run-1", "agent_id": "operator"}))
	require.NoError(t, err)
	require.Len(t, n.sent, 2)
	assert.Equal(t, "operator", n.sent[0].agentID)
	assert.Equal(t, "watcher", n.sent[1].agentID)
	assert.Equal(t, schema.EventRunPaused, n.sent[1].payload["event_type"])

	_, err = s.handleCancel(ctx, buildRequest("run.cancel", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	require.Len(t, n.sent, 4)
	assert.Equal(t, schema.RunStateCancelled, n.sent[3].payload["state"])
	assert.Empty(t, s.sessions.Watchers("run-1"), "cancel is terminal")

	_, err = s.handlePause(ctx, buildRequest("run.pause", map[string]any{"run_id": "run-2"}))
	require.NoError(t, err)
	assert.Len(t, n.sent, 4, "no watchers on run-2")
}

func TestStatusTool(t *testing.T) {
	ms := &mockStore{}
	s, _ := newTestServer(ms)
	ctx := context.Background()

	result, err := s.handleStatus(ctx, buildRequest("run.status", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	var res statusResult
	unmarshalResult(t, result, &res)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, schema.RunStateRunning, res.State)
	assert.Zero(t, res.Events)
	assert.Nil(t, res.LastEvent)

	_, err = s.handlePause(ctx, buildRequest("run.pause", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)

	result, err = s.handleStatus(ctx, buildRequest("run.status", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	unmarshalResult(t, result, &res)
	assert.Equal(t, schema.RunStatePaused, res.State)
	assert.Equal(t, 1, res.Events)
	require.NotNil(t, res.LastEvent)
	assert.Equal(t, schema.EventRunPaused, res.LastEvent.Type)
}

func TestEventsTool(t *testing.T) {
	ms := &mockStore{}
	s, _ := newTestServer(ms)
	ctx := context.Background()

	for _, h := range []func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		s.handlePause, s.handleResume, s.handlePause,
	} {
		_, err := h(ctx, buildRequest("", map[string]any{"run_id": "run-1"}))
		require.NoError(t, err)
	}

	result, err := s.handleEvents(ctx, buildRequest("run.events", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	var events []*store.Event
	unmarshalResult(t, result, &events)
	require.Len(t, events, 3)

	result, err = s.handleEvents(ctx, buildRequest("run.events", map[string]any{"run_id": "run-1", "since": float64(2)}))
	require.NoError(t, err)
	unmarshalResult(t, result, &events)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Sequence)

	result, err = s.handleEvents(ctx, buildRequest("run.events", map[string]any{"run_id": "unknown"}))
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(extractText(t, result)))
}

func TestEventsTool_WithoutStore(t *testing.T) {
	s, _ := newTestServer(nil)
	result, err := s.handleEvents(context.Background(), buildRequest("run.events", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTool_Nodes(t *testing.T) {
	ms := &mockStore{nodes: []*provenance.Node{
		{ID: "n1", Kind: provenance.KindProcess, Process: "wf"},
		{ID: "n2", Kind: provenance.KindError, Process: "wf:blast"},
		{ID: "n3", Kind: provenance.KindError, Process: "wf:align"},
	}}
	s, _ := newTestServer(ms)

	result, err := s.handleQuery(context.Background(), buildRequest("provenance.query", map[string]any{
		"resource": "nodes",
		"filter": map[string]any{
			"kind":           "error",
			"process_prefix": "wf",
			"processor":      "blast",
			"parent_id":      "p1",
			"since":          "2026-03-01T10:00:00Z",
			"limit":          float64(5000),
			"offset":         "2",
		},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var nodes []*provenance.Node
	unmarshalResult(t, result, &nodes)
	assert.Len(t, nodes, 2)

	f := ms.lastNodeFilter
	assert.Equal(t, provenance.KindError, f.Kind)
	assert.Equal(t, "wf", f.ProcessPrefix)
	assert.Equal(t, "blast", f.Processor)
	assert.Equal(t, "p1", f.ParentID)
	assert.Equal(t, maxQueryLimit, f.Limit)
	assert.Equal(t, 2, f.Offset)
	require.NotNil(t, f.Since)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), f.Since.UTC())
}

func TestQueryTool_NodesDefaults(t *testing.T) {
	ms := &mockStore{}
	s, _ := newTestServer(ms)

	result, err := s.handleQuery(context.Background(), buildRequest("provenance.query", map[string]any{"resource": "nodes"}))
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(extractText(t, result)))
	assert.Equal(t, defaultQueryLimit, ms.lastNodeFilter.Limit)
	assert.Zero(t, ms.lastNodeFilter.Offset)
	assert.Nil(t, ms.lastNodeFilter.Since)
}

func TestQueryTool_Events(t *testing.T) {
	ms := &mockStore{}
	s, _ := newTestServer(ms)
	ctx := context.Background()

	_, err := s.handleCancel(ctx, buildRequest("run.cancel", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	_, err = s.handlePause(ctx, buildRequest("run.pause", map[string]any{"run_id": "run-2"}))
	require.NoError(t, err)

	result, err := s.handleQuery(ctx, buildRequest("provenance.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"event_type": schema.EventRunCancelled, "limit": float64(10)},
	}))
	require.NoError(t, err)
	var events []*store.Event
	unmarshalResult(t, result, &events)
	require.Len(t, events, 1)
	assert.Equal(t, "run-1", events[0].RunID)
	assert.Equal(t, 10, ms.lastEventFilter.Limit)

	result, err = s.handleQuery(ctx, buildRequest("provenance.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"run_id": "run-2"},
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &events)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventRunPaused, events[0].Type)
}

func TestQueryTool_Errors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing resource", map[string]any{}, "resource is required"},
		{"unknown resource", map[string]any{"resource": "workflows"}, "unknown resource"},
		{"events without selector", map[string]any{"resource": "events"}, "requires event_type or run_id"},
		{"bad since", map[string]any{"resource": "nodes", "filter": map[string]any{"since": "yesterday"}}, "RFC 3339"},
	}

	s, _ := newTestServer(&mockStore{})
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleQuery(context.Background(), buildRequest("provenance.query", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.want)
		})
	}
}

func TestQueryTool_WithoutStore(t *testing.T) {
	s, _ := newTestServer(nil)
	result, err := s.handleQuery(context.Background(), buildRequest("provenance.query", map[string]any{"resource": "nodes"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "not configured")
}

func TestExtractInt(t *testing.T) {
	filter := map[string]any{"f": float64(3), "i": 4, "s": "5", "bad": "x"}
	assert.Equal(t, 3, extractInt(filter, "f", 0))
	assert.Equal(t, 4, extractInt(filter, "i", 0))
	assert.Equal(t, 5, extractInt(filter, "s", 0))
	assert.Equal(t, 7, extractInt(filter, "bad", 7))
	assert.Equal(t, 7, extractInt(filter, "missing", 7))
	assert.Equal(t, 7, extractInt(nil, "f", 7))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, defaultQueryLimit, clampLimit(0))
	assert.Equal(t, defaultQueryLimit, clampLimit(-3))
	assert.Equal(t, 20, clampLimit(20))
	assert.Equal(t, maxQueryLimit, clampLimit(maxQueryLimit+1))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
