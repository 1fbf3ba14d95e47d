package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/enact/internal/provenance"
	"github.com/rendis/enact/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Provenance ---

// AppendNode stores a provenance node. Nodes are immutable: a second append
// with the same id fails with a CONFLICT error.
func (s *LibSQLStore) AppendNode(ctx context.Context, node *provenance.Node) error {
	if node == nil || node.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "provenance node requires an id")
	}
	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	idx, err := json.Marshal(indexOrEmpty(node.Index))
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO provenance_items (id, kind, parent_id, process, processor, idx, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		node.ID, string(node.Kind), nullStr(node.ParentID), node.Process, nullStr(node.Processor),
		string(idx), string(payload), timeOrNow(node.CreatedAt).UnixNano(),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append node %s", node.ID).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "provenance node %q already exists", node.ID)
	}
	return nil
}

func (s *LibSQLStore) GetNode(ctx context.Context, id string) (*provenance.Node, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM provenance_items WHERE id = ?`, id,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("provenance node", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeNode(payload)
}

func (s *LibSQLStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*provenance.Node, error) {
	var where []string
	var args []any

	if filter.Process != "" {
		where = append(where, "process = ?")
		args = append(args, filter.Process)
	}
	if filter.ProcessPrefix != "" {
		where = append(where, "(process = ? OR substr(process, 1, ?) = ?)")
		prefix := filter.ProcessPrefix + ":"
		args = append(args, filter.ProcessPrefix, len(prefix), prefix)
	}
	if filter.Processor != "" {
		where = append(where, "processor = ?")
		args = append(args, filter.Processor)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	query := `SELECT payload FROM provenance_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*provenance.Node
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		node, err := decodeNode(payload)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// PruneNodes deletes provenance nodes created before the cutoff and returns
// how many were removed.
func (s *LibSQLStore) PruneNodes(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM provenance_items WHERE created_at < ?`, before.UnixNano(),
	)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "prune provenance").WithCause(err)
	}
	return res.RowsAffected()
}

// --- Run control events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event requires a run id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this run
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, event_type, payload, source, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, event_type, payload, source, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// listAllEvents returns every event grouped by run and ordered by sequence.
func (s *LibSQLStore) listAllEvents(ctx context.Context) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, event_type, payload, source, timestamp, sequence
		 FROM events ORDER BY run_id ASC, sequence ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func insertEvent(ctx context.Context, tx *sql.Tx, event *Event) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, event_type, payload, source, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Type, nullRaw(event.Payload), nullStr(event.Source), event.Timestamp, event.Sequence,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var payload, source sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &payload, &source, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Source = source.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- helpers ---

func decodeNode(payload string) (*provenance.Node, error) {
	node := &provenance.Node{}
	if err := json.Unmarshal([]byte(payload), node); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode provenance node").WithCause(err)
	}
	return node, nil
}

func indexOrEmpty(idx []int) []int {
	if idx == nil {
		return []int{}
	}
	return idx
}

func storeNotFound(resource, id string) *schema.EnactError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
