// Package store persists conversation states. It is a collaborator of the
// optimization engine, not part of it: states flow in already optimized
// and come back out as plain in-memory values.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/turnstate/pkg/state"
)

// ErrNotFound distinguishes a missing conversation from an empty one.
// Callers treat it as "new conversation", never as corrupted data.
var ErrNotFound = errors.New("conversation not found")

// ConversationInfo is one row of a conversation listing.
type ConversationInfo struct {
	ID          string
	UserInput   string
	TurnCount   int
	UpdatedAtMS int64
}

// SQLiteStore is the canonical conversation-state storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the state database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process store. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_input TEXT NOT NULL DEFAULT '',
			focus_json TEXT NOT NULL DEFAULT '[]',
			step_count INTEGER NOT NULL DEFAULT 0,
			last_tool_result TEXT NOT NULL DEFAULT '',
			limits_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_name TEXT NOT NULL DEFAULT '',
			tool_ok INTEGER NOT NULL DEFAULT -1,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS turns_conversation_idx ON turns(conversation_id, seq);`,
		`CREATE TABLE IF NOT EXISTS context_items (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			source TEXT NOT NULL,
			content TEXT NOT NULL,
			relevance REAL NOT NULL DEFAULT 0,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS context_items_conversation_idx ON context_items(conversation_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Save writes the full state snapshot for conversationID, replacing any
// previous snapshot.
func (s *SQLiteStore) Save(ctx context.Context, conversationID string, st *state.ConversationState) error {
	if conversationID == "" {
		return fmt.Errorf("save conversation: id is empty")
	}
	focusJSON, err := json.Marshal(st.Focus)
	if err != nil {
		return fmt.Errorf("encode focus: %w", err)
	}
	limitsJSON, err := json.Marshal(st.Limits)
	if err != nil {
		return fmt.Errorf("encode limits: %w", err)
	}
	lastResult := ""
	if st.LastToolResult != nil {
		if raw, err := json.Marshal(st.LastToolResult); err == nil {
			lastResult = string(raw)
		}
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO conversations
		(id, user_input, focus_json, step_count, last_tool_result, limits_json, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_input=excluded.user_input,
			focus_json=excluded.focus_json,
			step_count=excluded.step_count,
			last_tool_result=excluded.last_tool_result,
			limits_json=excluded.limits_json,
			updated_at_ms=excluded.updated_at_ms`,
		conversationID, st.UserInput, string(focusJSON), st.StepCount, lastResult, string(limitsJSON), now, now)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM context_items WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear context items: %w", err)
	}

	for i, t := range st.ConversationHistory {
		metaJSON := encodeMeta(t.Metadata)
		toolOK := -1
		if t.ToolOK != nil {
			toolOK = 0
			if *t.ToolOK {
				toolOK = 1
			}
		}
		var tsMS int64
		if !t.Timestamp.IsZero() {
			tsMS = t.Timestamp.UnixMilli()
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO turns
			(id, conversation_id, seq, role, content, tool_name, tool_ok, metadata_json, created_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), conversationID, i, t.Role, t.Content, t.ToolName, toolOK, metaJSON, tsMS)
		if err != nil {
			return fmt.Errorf("insert turn %d: %w", i, err)
		}
	}

	for i, item := range st.MemoryContext {
		var tsMS int64
		if !item.Timestamp.IsZero() {
			tsMS = item.Timestamp.UnixMilli()
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO context_items
			(id, conversation_id, seq, role, source, content, relevance, metadata_json, created_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), conversationID, i, item.Role, item.Source, item.Content,
			item.Relevance, encodeMeta(item.Metadata), tsMS)
		if err != nil {
			return fmt.Errorf("insert context item %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

// Load reconstructs the state for conversationID. Returns ErrNotFound on
// a miss so callers can tell a new conversation from missing data.
func (s *SQLiteStore) Load(ctx context.Context, conversationID string) (*state.ConversationState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_input, focus_json, step_count, last_tool_result, limits_json
		FROM conversations WHERE id = ?`, conversationID)

	var userInput, focusJSON, lastResult, limitsJSON string
	var stepCount int
	if err := row.Scan(&userInput, &focusJSON, &stepCount, &lastResult, &limitsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load %s: %w", conversationID, ErrNotFound)
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	limits := state.DefaultLimits()
	_ = json.Unmarshal([]byte(limitsJSON), &limits)
	st := state.New(limits)
	st.UserInput = userInput
	st.StepCount = stepCount
	_ = json.Unmarshal([]byte(focusJSON), &st.Focus)
	if lastResult != "" {
		var v any
		if json.Unmarshal([]byte(lastResult), &v) == nil {
			st.LastToolResult = v
		}
	}

	turns, err := s.loadTurns(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	st.ConversationHistory = turns

	items, err := s.loadContextItems(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	st.MemoryContext = items
	return st, nil
}

func (s *SQLiteStore) loadTurns(ctx context.Context, conversationID string) ([]state.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role, content, tool_name, tool_ok, metadata_json, created_at_ms
		FROM turns WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []state.Turn
	for rows.Next() {
		var t state.Turn
		var toolOK int
		var metaJSON string
		var tsMS int64
		if err := rows.Scan(&t.Role, &t.Content, &t.ToolName, &toolOK, &metaJSON, &tsMS); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if toolOK >= 0 {
			ok := toolOK == 1
			t.ToolOK = &ok
		}
		if tsMS > 0 {
			t.Timestamp = time.UnixMilli(tsMS)
		}
		t.Metadata = decodeMeta(metaJSON)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadContextItems(ctx context.Context, conversationID string) ([]state.ContextItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role, source, content, relevance, metadata_json, created_at_ms
		FROM context_items WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query context items: %w", err)
	}
	defer rows.Close()

	var out []state.ContextItem
	for rows.Next() {
		var item state.ContextItem
		var metaJSON string
		var tsMS int64
		if err := rows.Scan(&item.Role, &item.Source, &item.Content, &item.Relevance, &metaJSON, &tsMS); err != nil {
			return nil, fmt.Errorf("scan context item: %w", err)
		}
		if tsMS > 0 {
			item.Timestamp = time.UnixMilli(tsMS)
		}
		item.Metadata = decodeMeta(metaJSON)
		out = append(out, item)
	}
	return out, rows.Err()
}

// Delete removes a conversation and its children.
func (s *SQLiteStore) Delete(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range []string{
		`DELETE FROM turns WHERE conversation_id = ?`,
		`DELETE FROM context_items WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, conversationID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	return tx.Commit()
}

// List returns the most recently updated conversations.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]ConversationInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT c.id, c.user_input, c.updated_at_ms,
			(SELECT COUNT(*) FROM turns t WHERE t.conversation_id = c.id)
		FROM conversations c ORDER BY c.updated_at_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationInfo
	for rows.Next() {
		var info ConversationInfo
		if err := rows.Scan(&info.ID, &info.UserInput, &info.UpdatedAtMS, &info.TurnCount); err != nil {
			return nil, fmt.Errorf("scan conversation info: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// SweepBefore deletes conversations not updated since cutoff. Returns the
// number of conversations removed.
func (s *SQLiteStore) SweepBefore(ctx context.Context, cutoff time.Time) (int, error) {
	cutoffMS := cutoff.UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM conversations WHERE updated_at_ms < ?`, cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("sweep query: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sweep scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func encodeMeta(meta map[string]string) string {
	if len(meta) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func decodeMeta(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	meta := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil || len(meta) == 0 {
		return nil
	}
	return meta
}
