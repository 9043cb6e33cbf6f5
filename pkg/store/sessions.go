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

	"github.com/google/uuid"
)

// CreateSession inserts a new session, generating a session ID if sess.SessionID is empty.
func (s *Store) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.SessionID == "" {
		sess.SessionID = uuid.NewString()
	}
	now := nowString()
	if sess.Status == "" {
		sess.Status = SessionActive
	}
	meta, err := encodeJSON(sess.Metadata)
	if err != nil {
		return Session{}, fmt.Errorf("store: encode session metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (session_id, user_id, project_id, status, created_at, last_active_at, metadata, handoff_from)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.UserID, nullIfEmpty(sess.ProjectID), string(sess.Status), now, now, meta, nullIfEmpty(sess.HandoffFrom))
	if err != nil {
		return Session{}, asConstraintViolation(fmt.Errorf("store: create session: %w", err))
	}

	return s.GetSession(ctx, sess.SessionID)
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, user_id, COALESCE(project_id, ''), status, created_at, last_active_at, metadata, COALESCE(handoff_from, '')
FROM sessions WHERE session_id = ?`, sessionID)

	var sess Session
	var createdAt, lastActive, meta string
	var status string
	if err := row.Scan(&sess.SessionID, &sess.UserID, &sess.ProjectID, &status, &createdAt, &lastActive, &meta, &sess.HandoffFrom); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("store: get session: %w", err)
	}
	sess.Status = SessionStatus(status)
	var err error
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Session{}, fmt.Errorf("store: parse created_at: %w", err)
	}
	if sess.LastActiveAt, err = time.Parse(time.RFC3339Nano, lastActive); err != nil {
		return Session{}, fmt.Errorf("store: parse last_active_at: %w", err)
	}
	if sess.Metadata, err = decodeJSONMap(meta); err != nil {
		return Session{}, fmt.Errorf("store: decode session metadata: %w", err)
	}
	return sess, nil
}

// TouchSession bumps last_active_at to now.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_active_at = ? WHERE session_id = ?`, nowString(), sessionID)
	if err != nil {
		return fmt.Errorf("store: touch session: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// SetSessionStatus transitions a session to a new status.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, last_active_at = ? WHERE session_id = ?`,
		string(status), nowString(), sessionID)
	if err != nil {
		return fmt.Errorf("store: set session status: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// ListActiveSessions returns sessions with status = active, most recently active first.
func (s *Store) ListActiveSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, user_id, project_id, last_active_at, created_at
FROM v_active_sessions
ORDER BY last_active_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list active sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var projectID sql.NullString
		var lastActive, createdAt string
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &projectID, &lastActive, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan active session: %w", err)
		}
		sess.ProjectID = projectID.String
		sess.Status = SessionActive
		var perr error
		if sess.LastActiveAt, perr = time.Parse(time.RFC3339Nano, lastActive); perr != nil {
			return nil, fmt.Errorf("store: parse last_active_at: %w", perr)
		}
		if sess.CreatedAt, perr = time.Parse(time.RFC3339Nano, createdAt); perr != nil {
			return nil, fmt.Errorf("store: parse created_at: %w", perr)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and cascades to its conversations, messages, etc.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// ExpiredSessions returns session IDs whose last_active_at is older than olderThan, for cleanup sweeps.
func (s *Store) ExpiredSessions(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id FROM sessions WHERE last_active_at < ? AND status != 'active' LIMIT ?`,
		olderThan.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("store: expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan expired session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rowsAffectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
