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
	"fmt"
	"time"
)

const messageColumns = `id, conversation_id, role, content, token_count, created_at, importance_score,
       is_summarized, original_content, tier, COALESCE(agent_id, ''), reference_count,
       promotion_count, tier_promoted_at, last_referenced_at, COALESCE(source_agent_id, ''),
       shared_with_agents, COALESCE(handoff_id, '')`

// ReferenceMessage bumps reference_count/last_referenced_at for id and,
// within the same transaction, promotes its tier when the new count
// crosses convToAgent (conversation->agent) or agentToProject
// (agent->project). Thresholds are policy owned by the caller (the
// hierarchy package); this method only guarantees the read-modify-write
// is atomic (§4.E: "promotion writes atomically within a single
// transaction").
func (s *Store) ReferenceMessage(ctx context.Context, id int64, convToAgent, agentToProject int) (msg Message, promoted bool, err error) {
	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE messages SET reference_count = reference_count + 1, last_referenced_at = ? WHERE id = ?`,
			nowString(), id); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
		m, err := scanMessage(row)
		if err != nil {
			return err
		}

		newTier := m.Tier
		switch {
		case m.Tier == TierConversation && m.ReferenceCount >= convToAgent:
			newTier = TierAgent
		case m.Tier == TierAgent && m.ReferenceCount >= agentToProject:
			newTier = TierProject
		}
		if newTier != m.Tier {
			if _, err := tx.ExecContext(ctx, `
UPDATE messages SET tier = ?, promotion_count = promotion_count + 1, tier_promoted_at = ? WHERE id = ?`,
				string(newTier), nowString(), id); err != nil {
				return err
			}
			promoted = true
			m.Tier = newTier
		}
		msg = m
		return nil
	})
	if err != nil {
		return Message{}, false, fmt.Errorf("store: reference message: %w", err)
	}
	return msg, promoted, nil
}

// CrossTierSearch runs an FTS query intersected with an optional tier
// filter (tier == "" searches every tier) and an optional agent filter,
// relaxed with "OR tier = project" so project-tier knowledge is always
// reachable regardless of which agent is asking. Results are ranked by
// tier priority descending, then FTS rank ascending, then
// importance_score descending (§4.E).
func (s *Store) CrossTierSearch(ctx context.Context, query string, tier Tier, agentID string, limit int) ([]Message, error) {
	sqlQuery := `
SELECT ` + messageColumns + `
FROM messages_fts
JOIN messages ON messages.id = messages_fts.rowid
WHERE messages_fts MATCH ?`
	args := []any{query}

	if tier != "" {
		sqlQuery += " AND messages.tier = ?"
		args = append(args, string(tier))
	}
	if agentID != "" {
		sqlQuery += " AND (messages.agent_id = ? OR messages.tier = 'project')"
		args = append(args, agentID)
	}

	sqlQuery += `
ORDER BY
    CASE messages.tier WHEN 'project' THEN 3 WHEN 'agent' THEN 2 ELSE 1 END DESC,
    bm25(messages_fts) ASC,
    messages.importance_score DESC
LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("store: cross-tier search: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ExpireTier deletes rows of the given tier whose created_at is older
// than cutoff. Callers must never invoke this for TierProject: project-
// tier rows with a null TTL are never expired (§4.E).
func (s *Store) ExpireTier(ctx context.Context, tier Tier, cutoff time.Time) (int64, error) {
	if tier == TierProject {
		return 0, fmt.Errorf("store: project tier is never expired")
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM messages WHERE tier = ? AND created_at < ?`, string(tier), cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("store: expire tier %s: %w", tier, err)
	}
	return res.RowsAffected()
}
