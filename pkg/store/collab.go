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

// CreateCollaboration registers a pending handoff between two agents.
func (s *Store) CreateCollaboration(ctx context.Context, c Collaboration) (Collaboration, error) {
	if c.HandoffID == "" {
		c.HandoffID = uuid.NewString()
	}
	if c.HandoffType == "" {
		c.HandoffType = HandoffSequential
	}
	if c.Status == "" {
		c.Status = CollabPending
	}
	now := nowString()
	ctxJSON, err := encodeJSON(c.HandoffContext)
	if err != nil {
		return Collaboration{}, fmt.Errorf("store: encode handoff context: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO agent_collaborations (session_id, workflow_id, source_agent_id, target_agent_id,
    handoff_id, handoff_context, handoff_type, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, nullIfEmpty(c.WorkflowID), c.SourceAgentID, c.TargetAgentID,
		c.HandoffID, ctxJSON, string(c.HandoffType), string(c.Status), now)
	if err != nil {
		return Collaboration{}, asConstraintViolation(fmt.Errorf("store: create collaboration: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Collaboration{}, fmt.Errorf("store: create collaboration: %w", err)
	}
	return s.GetCollaboration(ctx, id)
}

// GetCollaboration fetches a collaboration record by its row ID.
func (s *Store) GetCollaboration(ctx context.Context, id int64) (Collaboration, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_id, COALESCE(workflow_id, ''), source_agent_id, target_agent_id, handoff_id,
       handoff_context, handoff_type, status, created_at, applied_at
FROM agent_collaborations WHERE id = ?`, id)
	return scanCollaboration(row)
}

// GetCollaborationByHandoffID fetches a collaboration record by its
// public handoff_id, for applying or inspecting a pending handoff.
func (s *Store) GetCollaborationByHandoffID(ctx context.Context, handoffID string) (Collaboration, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_id, COALESCE(workflow_id, ''), source_agent_id, target_agent_id, handoff_id,
       handoff_context, handoff_type, status, created_at, applied_at
FROM agent_collaborations WHERE handoff_id = ?`, handoffID)
	return scanCollaboration(row)
}

// PendingCollaborationsOlderThan returns pending collaborations created
// before olderThan, for the cleanup service's lazy handoff-TTL expiry
// (§4.J, §4.L).
func (s *Store) PendingCollaborationsOlderThan(ctx context.Context, olderThan time.Time, limit int) ([]Collaboration, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, COALESCE(workflow_id, ''), source_agent_id, target_agent_id, handoff_id,
       handoff_context, handoff_type, status, created_at, applied_at
FROM agent_collaborations
WHERE status = ? AND created_at < ?
ORDER BY created_at ASC LIMIT ?`, string(CollabPending), olderThan.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending collaborations older than: %w", err)
	}
	defer rows.Close()

	var out []Collaboration
	for rows.Next() {
		c, err := scanCollaboration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ApplyCollaboration marks a pending handoff applied.
func (s *Store) ApplyCollaboration(ctx context.Context, handoffID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE agent_collaborations SET status = ?, applied_at = ? WHERE handoff_id = ? AND status = ?`,
		string(CollabApplied), nowString(), handoffID, string(CollabPending))
	if err != nil {
		return fmt.Errorf("store: apply collaboration: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// RejectCollaboration marks a pending handoff rejected, e.g. because the
// collaboration package's cycle detector or circuit breaker vetoed it.
func (s *Store) RejectCollaboration(ctx context.Context, handoffID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE agent_collaborations SET status = ? WHERE handoff_id = ? AND status = ?`,
		string(CollabRejected), handoffID, string(CollabPending))
	if err != nil {
		return fmt.Errorf("store: reject collaboration: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// RecentCollaborations returns a source agent's handoffs within a session,
// most recent first, for cycle detection (bounded BFS over recent edges)
// and circuit-breaker cooldown counting (§4.J).
func (s *Store) RecentCollaborations(ctx context.Context, sessionID, sourceAgentID string, since time.Time, limit int) ([]Collaboration, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, COALESCE(workflow_id, ''), source_agent_id, target_agent_id, handoff_id,
       handoff_context, handoff_type, status, created_at, applied_at
FROM agent_collaborations
WHERE session_id = ? AND source_agent_id = ? AND created_at >= ?
ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, sourceAgentID, since.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent collaborations: %w", err)
	}
	defer rows.Close()

	var out []Collaboration
	for rows.Next() {
		c, err := scanCollaboration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCollaboration(row scannable) (Collaboration, error) {
	var c Collaboration
	var workflowID sql.NullString
	var ctxJSON, handoffType, status, createdAt string
	var appliedAt sql.NullString
	if err := row.Scan(&c.ID, &c.SessionID, &workflowID, &c.SourceAgentID, &c.TargetAgentID, &c.HandoffID,
		&ctxJSON, &handoffType, &status, &createdAt, &appliedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Collaboration{}, ErrNotFound
		}
		return Collaboration{}, fmt.Errorf("store: scan collaboration: %w", err)
	}
	c.WorkflowID = workflowID.String
	c.HandoffType = HandoffType(handoffType)
	c.Status = CollaborationStatus(status)
	var err error
	if c.HandoffContext, err = decodeJSONMap(ctxJSON); err != nil {
		return Collaboration{}, fmt.Errorf("store: decode handoff context: %w", err)
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Collaboration{}, fmt.Errorf("store: parse created_at: %w", err)
	}
	if appliedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, appliedAt.String)
		if err != nil {
			return Collaboration{}, fmt.Errorf("store: parse applied_at: %w", err)
		}
		c.AppliedAt = &t
	}
	return c, nil
}

// CreateHandoff records a cross-session context transfer.
func (s *Store) CreateHandoff(ctx context.Context, h Handoff) (Handoff, error) {
	now := nowString()
	preserved, err := encodeJSON(h.ContextPreserved)
	if err != nil {
		return Handoff{}, fmt.Errorf("store: encode context preserved: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO session_handoffs (from_session_id, to_session_id, summary, context_preserved, handoff_reason, created_at)
VALUES (?, ?, ?, ?, ?, ?)`, h.FromSessionID, h.ToSessionID, h.Summary, preserved, h.HandoffReason, now)
	if err != nil {
		return Handoff{}, asConstraintViolation(fmt.Errorf("store: create handoff: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Handoff{}, fmt.Errorf("store: create handoff: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
SELECT id, from_session_id, to_session_id, summary, context_preserved, handoff_reason, created_at
FROM session_handoffs WHERE id = ?`, id)
	var out Handoff
	var createdAt, preservedOut string
	if err := row.Scan(&out.ID, &out.FromSessionID, &out.ToSessionID, &out.Summary, &preservedOut, &out.HandoffReason, &createdAt); err != nil {
		return Handoff{}, fmt.Errorf("store: read back handoff: %w", err)
	}
	if out.ContextPreserved, err = decodeJSONMap(preservedOut); err != nil {
		return Handoff{}, fmt.Errorf("store: decode context preserved: %w", err)
	}
	if out.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Handoff{}, fmt.Errorf("store: parse created_at: %w", err)
	}
	return out, nil
}
