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

// CreateCheckpoint persists a resume snapshot.
func (s *Store) CreateCheckpoint(ctx context.Context, c Checkpoint) (Checkpoint, error) {
	if c.CheckpointID == "" {
		c.CheckpointID = uuid.NewString()
	}
	if c.CheckpointType == "" {
		c.CheckpointType = CheckpointManual
	}
	now := nowString()
	memSnap, err := encodeJSON(c.MemorySnapshot)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("store: encode memory snapshot: %w", err)
	}
	entSnap, err := encodeJSON(c.EntitySnapshot)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("store: encode entity snapshot: %w", err)
	}
	agents, err := encodeStringSlice(c.AgentsInvolved)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("store: encode agents involved: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO session_resume_checkpoints (session_id, checkpoint_id, checkpoint_type, memory_snapshot,
    entity_snapshot, agents_involved, created_at, resume_count, is_archived)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		c.SessionID, c.CheckpointID, string(c.CheckpointType), memSnap, entSnap, agents, now)
	if err != nil {
		return Checkpoint{}, asConstraintViolation(fmt.Errorf("store: create checkpoint: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("store: create checkpoint: %w", err)
	}
	return s.GetCheckpointByRowID(ctx, id)
}

// GetCheckpoint fetches a checkpoint by its public checkpoint_id.
func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_id, checkpoint_id, checkpoint_type, memory_snapshot, entity_snapshot,
       agents_involved, created_at, resume_count, last_resumed_at, is_archived
FROM session_resume_checkpoints WHERE checkpoint_id = ?`, checkpointID)
	return scanCheckpoint(row)
}

// GetCheckpointByRowID fetches a checkpoint by its internal row ID.
func (s *Store) GetCheckpointByRowID(ctx context.Context, id int64) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_id, checkpoint_id, checkpoint_type, memory_snapshot, entity_snapshot,
       agents_involved, created_at, resume_count, last_resumed_at, is_archived
FROM session_resume_checkpoints WHERE id = ?`, id)
	return scanCheckpoint(row)
}

// GetResumePoints lists a session's non-archived checkpoints, most recent first.
func (s *Store) GetResumePoints(ctx context.Context, sessionID string, limit int) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, checkpoint_id, checkpoint_type, memory_snapshot, entity_snapshot,
       agents_involved, created_at, resume_count, last_resumed_at, is_archived
FROM session_resume_checkpoints
WHERE session_id = ? AND is_archived = 0
ORDER BY created_at DESC, id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get resume points: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkResumed increments a checkpoint's resume_count and stamps last_resumed_at.
func (s *Store) MarkResumed(ctx context.Context, checkpointID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE session_resume_checkpoints SET resume_count = resume_count + 1, last_resumed_at = ?
WHERE checkpoint_id = ?`, nowString(), checkpointID)
	if err != nil {
		return fmt.Errorf("store: mark resumed: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// ArchiveCheckpoint hides a checkpoint from GetResumePoints without deleting it.
func (s *Store) ArchiveCheckpoint(ctx context.Context, checkpointID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE session_resume_checkpoints SET is_archived = 1 WHERE checkpoint_id = ?`, checkpointID)
	if err != nil {
		return fmt.Errorf("store: archive checkpoint: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

func scanCheckpoint(row scannable) (Checkpoint, error) {
	var c Checkpoint
	var checkpointType, memSnap, entSnap, agents, createdAt string
	var lastResumed sql.NullString
	var isArchived int
	if err := row.Scan(&c.ID, &c.SessionID, &c.CheckpointID, &checkpointType, &memSnap, &entSnap,
		&agents, &createdAt, &c.ResumeCount, &lastResumed, &isArchived); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("store: scan checkpoint: %w", err)
	}
	c.CheckpointType = CheckpointType(checkpointType)
	c.IsArchived = isArchived != 0
	var err error
	if c.MemorySnapshot, err = decodeJSONMap(memSnap); err != nil {
		return Checkpoint{}, fmt.Errorf("store: decode memory snapshot: %w", err)
	}
	if c.EntitySnapshot, err = decodeJSONMap(entSnap); err != nil {
		return Checkpoint{}, fmt.Errorf("store: decode entity snapshot: %w", err)
	}
	if c.AgentsInvolved, err = decodeStringSlice(agents); err != nil {
		return Checkpoint{}, fmt.Errorf("store: decode agents involved: %w", err)
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Checkpoint{}, fmt.Errorf("store: parse created_at: %w", err)
	}
	if lastResumed.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastResumed.String)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("store: parse last_resumed_at: %w", err)
		}
		c.LastResumedAt = &t
	}
	return c, nil
}
