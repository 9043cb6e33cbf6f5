// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateConversation starts a new conversation thread inside a session.
func (s *Store) CreateConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	now := nowString()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO conversations (session_id, title, started_at, message_count)
VALUES (?, ?, ?, 0)`, conv.SessionID, nullIfEmpty(conv.Title), now)
	if err != nil {
		return Conversation{}, asConstraintViolation(fmt.Errorf("store: create conversation: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Conversation{}, fmt.Errorf("store: create conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

// GetConversation fetches a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_id, COALESCE(title, ''), started_at, ended_at, message_count, COALESCE(summary, '')
FROM conversations WHERE id = ?`, id)

	var conv Conversation
	var started string
	var ended sql.NullString
	if err := row.Scan(&conv.ID, &conv.SessionID, &conv.Title, &started, &ended, &conv.MessageCount, &conv.Summary); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("store: get conversation: %w", err)
	}
	var err error
	if conv.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return Conversation{}, fmt.Errorf("store: parse started_at: %w", err)
	}
	if ended.Valid {
		t, err := time.Parse(time.RFC3339Nano, ended.String)
		if err != nil {
			return Conversation{}, fmt.Errorf("store: parse ended_at: %w", err)
		}
		conv.EndedAt = &t
	}
	return conv, nil
}

// EndConversation marks a conversation closed with an optional summary.
func (s *Store) EndConversation(ctx context.Context, id int64, summary string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE conversations SET ended_at = ?, summary = ? WHERE id = ?`, nowString(), nullIfEmpty(summary), id)
	if err != nil {
		return fmt.Errorf("store: end conversation: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// SetConversationSummary records a conversation's summary without touching
// ended_at, for the overflow handler's summarization sweep (§4.I), which
// runs only on conversations that are already ended.
func (s *Store) SetConversationSummary(ctx context.Context, id int64, summary string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("store: set conversation summary: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// ConversationsNeedingSummary returns a session's ended conversations that
// have no summary yet, oldest-ended first, for the overflow handler's
// summarization sweep (§4.I).
func (s *Store) ConversationsNeedingSummary(ctx context.Context, sessionID string, limit int) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, COALESCE(title, ''), started_at, ended_at, message_count, COALESCE(summary, '')
FROM conversations
WHERE session_id = ? AND ended_at IS NOT NULL AND summary IS NULL
ORDER BY ended_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: conversations needing summary: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		var started string
		var ended sql.NullString
		if err := rows.Scan(&conv.ID, &conv.SessionID, &conv.Title, &started, &ended, &conv.MessageCount, &conv.Summary); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		var perr error
		if conv.StartedAt, perr = time.Parse(time.RFC3339Nano, started); perr != nil {
			return nil, fmt.Errorf("store: parse started_at: %w", perr)
		}
		if ended.Valid {
			t, perr := time.Parse(time.RFC3339Nano, ended.String)
			if perr != nil {
				return nil, fmt.Errorf("store: parse ended_at: %w", perr)
			}
			conv.EndedAt = &t
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// IncrementMessageCount bumps a conversation's message_count by one; called
// inside the same transaction as the message insert it accounts for.
func IncrementMessageCount(ctx context.Context, tx *sql.Tx, conversationID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE conversations SET message_count = message_count + 1 WHERE id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("store: increment message count: %w", err)
	}
	return nil
}

// ListConversations returns a session's conversations, most recent first.
func (s *Store) ListConversations(ctx context.Context, sessionID string, limit int) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, COALESCE(title, ''), started_at, ended_at, message_count, COALESCE(summary, '')
FROM conversations WHERE session_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		var started string
		var ended sql.NullString
		if err := rows.Scan(&conv.ID, &conv.SessionID, &conv.Title, &started, &ended, &conv.MessageCount, &conv.Summary); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		var perr error
		if conv.StartedAt, perr = time.Parse(time.RFC3339Nano, started); perr != nil {
			return nil, fmt.Errorf("store: parse started_at: %w", perr)
		}
		if ended.Valid {
			t, perr := time.Parse(time.RFC3339Nano, ended.String)
			if perr != nil {
				return nil, fmt.Errorf("store: parse ended_at: %w", perr)
			}
			conv.EndedAt = &t
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}
