package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/enact/internal/provenance"
	"github.com/rendis/enact/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedNode(t *testing.T, s *LibSQLStore, kind provenance.Kind, parentID, process string, index ...int) *provenance.Node {
	t.Helper()
	n := provenance.NewNode(kind, parentID, process)
	n.Processor = "blast"
	n.Index = index
	require.NoError(t, s.AppendNode(context.Background(), n))
	return n
}

// --- Provenance Tests ---

func TestAppendAndGetNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := provenance.NewNode(provenance.KindOutputData, uuid.NewString(), "wf:blast")
	n.Processor = "blast"
	n.Index = []int{2, 0}
	n.Data = map[string]string{"out": "ref:abc"}
	require.NoError(t, s.AppendNode(ctx, n))

	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, provenance.KindOutputData, got.Kind)
	assert.Equal(t, n.ParentID, got.ParentID)
	assert.Equal(t, "wf:blast", got.Process)
	assert.Equal(t, []int{2, 0}, got.Index)
	assert.Equal(t, "ref:abc", got.Data["out"])
	assert.True(t, n.CreatedAt.Equal(got.CreatedAt))
}

func TestGetNode_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetNode(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestAppendNode_DuplicateConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := seedNode(t, s, provenance.KindProcess, "", "wf")
	err := s.AppendNode(ctx, n)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestAppendNode_RequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendNode(context.Background(), &provenance.Node{Kind: provenance.KindProcess})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestListNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	proc := seedNode(t, s, provenance.KindProcessor, "", "wf")
	it0 := seedNode(t, s, provenance.KindIteration, proc.ID, "wf", 0)
	seedNode(t, s, provenance.KindIteration, proc.ID, "wf", 1)
	seedNode(t, s, provenance.KindOutputData, it0.ID, "wf:invocation1", 0)
	seedNode(t, s, provenance.KindIteration, "", "wfx")

	all, err := s.ListNodes(ctx, NodeFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	iterations, err := s.ListNodes(ctx, NodeFilter{Kind: provenance.KindIteration, Process: "wf"})
	require.NoError(t, err)
	assert.Len(t, iterations, 2)

	children, err := s.ListNodes(ctx, NodeFilter{ParentID: proc.ID})
	require.NoError(t, err)
	assert.Len(t, children, 2)

	nested, err := s.ListNodes(ctx, NodeFilter{ProcessPrefix: "wf"})
	require.NoError(t, err)
	assert.Len(t, nested, 4, "prefix matches whole segments only")

	page, err := s.ListNodes(ctx, NodeFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, it0.ID, page[0].ID)
}

func TestPruneNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := provenance.NewNode(provenance.KindProcess, "", "wf-old")
	old.CreatedAt = time.Now().Add(-48 * time.Hour).UTC()
	require.NoError(t, s.AppendNode(ctx, old))
	fresh := seedNode(t, s, provenance.KindProcess, "", "wf-new")

	n, err := s.PruneNodes(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetNode(ctx, old.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	_, err = s.GetNode(ctx, fresh.ID)
	assert.NoError(t, err)

	since := time.Now().Add(-time.Hour)
	recent, err := s.ListNodes(ctx, NodeFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

// --- Event Tests ---

func TestAppendAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runID := uuid.NewString()

	for _, typ := range []string{schema.EventRunPaused, schema.EventRunResumed} {
		e := &Event{RunID: runID, Type: typ, Source: "test"}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.NotZero(t, e.Sequence)
	}

	events, err := s.GetEvents(ctx, runID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventRunPaused, events[0].Type)
	assert.Equal(t, "test", events[0].Source)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(2), events[1].Sequence)

	after, err := s.GetEvents(ctx, runID, 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, schema.EventRunResumed, after[0].Type)
}

func TestAppendEvent_RequiresRunID(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendEvent(context.Background(), &Event{Type: schema.EventRunCancelled})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runA, runB := uuid.NewString(), uuid.NewString()
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: runA, Type: schema.EventRunCancelled}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: runB, Type: schema.EventRunPaused}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: runB, Type: schema.EventRunCancelled,
		Payload: json.RawMessage(`{"reason":"operator"}`)}))

	cancelled, err := s.GetEventsByType(ctx, schema.EventRunCancelled, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)

	forB, err := s.GetEventsByType(ctx, schema.EventRunCancelled, EventFilter{RunID: runB})
	require.NoError(t, err)
	require.Len(t, forB, 1)
	assert.JSONEq(t, `{"reason":"operator"}`, string(forB[0].Payload))

	limited, err := s.GetEventsByType(ctx, schema.EventRunCancelled, EventFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, runB, limited[0].RunID, "newest first")
}

// --- Maintenance Tests ---

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestMigrate_FreshDatabase(t *testing.T) {
	ctx := context.Background()
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	for _, table := range []string{"provenance_items", "events"} {
		var name string
		err := s.DB().QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestSplitStatements_InitialSchema(t *testing.T) {
	stmts := splitStatements(migration001)
	require.NotEmpty(t, stmts)
	for _, stmt := range stmts {
		assert.True(t, strings.HasPrefix(stmt, "CREATE "), "statement starts with code: %q", stmt)
	}
}

func TestSplitStatements_SemicolonInComment(t *testing.T) {
	stmts := splitStatements(`
-- rows are JSON; see the payload column
CREATE TABLE a (x INT);
  -- indented; still a comment
CREATE INDEX i ON a(x);
`)
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, stmts)
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	seedNode(t, s, provenance.KindProcess, "", "wf")
	require.NoError(t, s.Vacuum(context.Background()))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(`
-- leading comment
CREATE TABLE a (x INT);

-- only a comment;
CREATE INDEX i ON a(x);
`)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX i")
}
