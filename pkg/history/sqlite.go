// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// SQLiteStore is the persistent Store backend: a single embedded relational
// file keyed by session id, with an auto-incrementing row id giving message
// order within a session.
type SQLiteStore struct {
	db *sql.DB

	mu          sync.RWMutex
	maxMessages int
	summarizer  Summarizer
}

// NewSQLiteStore opens or creates a history database at dbPath, trimming at
// maxMessages non-system messages per session. maxMessages <= 0 disables
// trimming.
func NewSQLiteStore(dbPath string, maxMessages int) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("history: creating directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: setting WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, maxMessages: maxMessages}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrating schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_call_id TEXT,
			tool_calls TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_history_session_id ON history_messages(session_id, id);

		CREATE TABLE IF NOT EXISTS history_sessions (
			session_id TEXT PRIMARY KEY,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_active_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

func (s *SQLiteStore) SetSummarizer(summarizer Summarizer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summarizer = summarizer
}

// ensureSessionRow creates the session's metadata row if it doesn't exist,
// satisfying the "creates persistent-store row metadata if backend is
// persistent" requirement of resolving/creating a history.
func (s *SQLiteStore) ensureSessionRow(sessionID string) error {
	_, err := s.db.Exec(
		`INSERT INTO history_sessions (session_id) VALUES (?)
		 ON CONFLICT(session_id) DO UPDATE SET last_active_at = CURRENT_TIMESTAMP`,
		sessionID,
	)
	return err
}

func (s *SQLiteStore) Add(ctx context.Context, sessionID string, msg providers.Message) error {
	if err := s.ensureSessionRow(sessionID); err != nil {
		return fmt.Errorf("history: updating session row: %w", err)
	}

	var toolCallsJSON sql.NullString
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("history: encoding tool calls: %w", err)
		}
		toolCallsJSON = sql.NullString{String: string(data), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO history_messages (session_id, role, content, tool_call_id, tool_calls)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, msg.Role, msg.Content, nullIfEmpty(msg.ToolCallID), toolCallsJSON,
	); err != nil {
		return fmt.Errorf("history: inserting message: %w", err)
	}

	return s.enforceTrim(ctx, sessionID)
}

// enforceTrim mirrors the in-memory trim policy against the durable log:
// when a session exceeds maxMessages non-system rows, the oldest ~40% are
// summarized (if a summarizer is configured) into a leading system row and
// deleted; otherwise they are simply deleted.
func (s *SQLiteStore) enforceTrim(ctx context.Context, sessionID string) error {
	s.mu.RLock()
	maxMessages := s.maxMessages
	summarizer := s.summarizer
	s.mu.RUnlock()

	if maxMessages <= 0 {
		return nil
	}

	var nonSystemCount int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM history_messages WHERE session_id = ? AND role != 'system'`,
		sessionID,
	).Scan(&nonSystemCount); err != nil {
		return fmt.Errorf("history: counting messages: %w", err)
	}
	if nonSystemCount <= maxMessages {
		return nil
	}

	cut := nonSystemCount * 40 / 100
	if cut < 1 {
		cut = 1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, tool_call_id, tool_calls FROM history_messages
		 WHERE session_id = ? AND role != 'system' ORDER BY id ASC LIMIT ?`,
		sessionID, cut,
	)
	if err != nil {
		return fmt.Errorf("history: selecting messages to fold: %w", err)
	}
	toFold, ids, err := scanRowsWithIDs(rows)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	summaryText := ""
	if summarizer != nil {
		if text, err := summarizer.Summarize(ctx, toFold); err == nil {
			summaryText = text
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: beginning trim transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := make([]interface{}, len(ids))
	query := "DELETE FROM history_messages WHERE id IN ("
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders[i] = id
	}
	query += ")"
	if _, err := tx.ExecContext(ctx, query, placeholders...); err != nil {
		return fmt.Errorf("history: deleting folded messages: %w", err)
	}

	if summaryText != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO history_messages (session_id, role, content, created_at)
			 VALUES (?, 'system', ?, (SELECT COALESCE(MIN(created_at), CURRENT_TIMESTAMP) FROM history_messages WHERE session_id = ?))`,
			sessionID, SummaryPrefix+summaryText, sessionID,
		); err != nil {
			return fmt.Errorf("history: inserting summary row: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]providers.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, tool_call_id, tool_calls FROM history_messages
		 WHERE session_id = ?
		 ORDER BY (role = 'system' AND substr(content, 1, ?) = ?) DESC, id ASC`,
		sessionID, len(SummaryPrefix), SummaryPrefix,
	)
	if err != nil {
		return nil, fmt.Errorf("history: querying messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	return sanitize(messages), nil
}

func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM history_messages WHERE session_id = ?`, sessionID)
	return err
}

func (s *SQLiteStore) Length(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM history_messages WHERE session_id = ?`, sessionID,
	).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func scanRows(rows *sql.Rows) ([]providers.Message, error) {
	var messages []providers.Message
	for rows.Next() {
		var role, content string
		var toolCallID, toolCallsJSON sql.NullString
		if err := rows.Scan(&role, &content, &toolCallID, &toolCallsJSON); err != nil {
			return nil, fmt.Errorf("history: scanning message row: %w", err)
		}
		msg := providers.Message{Role: role, Content: content}
		if toolCallID.Valid {
			msg.ToolCallID = toolCallID.String
		}
		if toolCallsJSON.Valid && toolCallsJSON.String != "" {
			var calls []providers.ToolCall
			if err := json.Unmarshal([]byte(toolCallsJSON.String), &calls); err == nil {
				msg.ToolCalls = calls
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanRowsWithIDs(rows *sql.Rows) ([]providers.Message, []int64, error) {
	defer rows.Close()
	var messages []providers.Message
	var ids []int64
	for rows.Next() {
		var id int64
		var role, content string
		var toolCallID, toolCallsJSON sql.NullString
		if err := rows.Scan(&id, &role, &content, &toolCallID, &toolCallsJSON); err != nil {
			return nil, nil, fmt.Errorf("history: scanning message row: %w", err)
		}
		msg := providers.Message{Role: role, Content: content}
		if toolCallID.Valid {
			msg.ToolCallID = toolCallID.String
		}
		if toolCallsJSON.Valid && toolCallsJSON.String != "" {
			var calls []providers.ToolCall
			if err := json.Unmarshal([]byte(toolCallsJSON.String), &calls); err == nil {
				msg.ToolCalls = calls
			}
		}
		messages = append(messages, msg)
		ids = append(ids, id)
	}
	return messages, ids, rows.Err()
}
