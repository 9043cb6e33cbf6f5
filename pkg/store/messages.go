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

// AppendMessage inserts a message and bumps its conversation's message_count
// atomically. created_at defaults to now when zero; last_referenced_at is
// always set to now.
func (s *Store) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	now := nowString()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Tier == "" {
		msg.Tier = TierConversation
	}
	shared, err := encodeStringSlice(msg.SharedWithAgents)
	if err != nil {
		return Message{}, fmt.Errorf("store: encode shared_with_agents: %w", err)
	}

	var id int64
	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO messages (
    conversation_id, role, content, token_count, created_at, importance_score,
    is_summarized, original_content, tier, agent_id, reference_count,
    promotion_count, last_referenced_at, source_agent_id, shared_with_agents, handoff_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ConversationID, string(msg.Role), msg.Content, msg.TokenCount,
			msg.CreatedAt.UTC().Format(time.RFC3339Nano), msg.ImportanceScore,
			boolToInt(msg.IsSummarized), msg.OriginalContent, string(msg.Tier),
			nullIfEmpty(msg.AgentID), msg.ReferenceCount, msg.PromotionCount, now,
			nullIfEmpty(msg.SourceAgentID), shared, nullIfEmpty(msg.HandoffID))
		if err != nil {
			return asConstraintViolation(err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		return IncrementMessageCount(ctx, tx, msg.ConversationID)
	})
	if err != nil {
		return Message{}, fmt.Errorf("store: append message: %w", err)
	}
	return s.GetMessage(ctx, id)
}

// GetMessage fetches a message by ID.
func (s *Store) GetMessage(ctx context.Context, id int64) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, conversation_id, role, content, token_count, created_at, importance_score,
       is_summarized, original_content, tier, COALESCE(agent_id, ''), reference_count,
       promotion_count, tier_promoted_at, last_referenced_at, COALESCE(source_agent_id, ''),
       shared_with_agents, COALESCE(handoff_id, '')
FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanMessage(row scannable) (Message, error) {
	var m Message
	var role, tier, createdAt, lastRef, shared string
	var tokenCount sql.NullInt64
	var isSummarized int
	var originalContent sql.NullString
	var tierPromotedAt sql.NullString
	if err := row.Scan(
		&m.ID, &m.ConversationID, &role, &m.Content, &tokenCount, &createdAt, &m.ImportanceScore,
		&isSummarized, &originalContent, &tier, &m.AgentID, &m.ReferenceCount,
		&m.PromotionCount, &tierPromotedAt, &lastRef, &m.SourceAgentID, &shared, &m.HandoffID,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("store: scan message: %w", err)
	}
	m.Role = MessageRole(role)
	m.Tier = Tier(tier)
	m.IsSummarized = isSummarized != 0
	if tokenCount.Valid {
		n := int(tokenCount.Int64)
		m.TokenCount = &n
	}
	if originalContent.Valid {
		m.OriginalContent = &originalContent.String
	}
	var err error
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Message{}, fmt.Errorf("store: parse created_at: %w", err)
	}
	if m.LastReferencedAt, err = time.Parse(time.RFC3339Nano, lastRef); err != nil {
		return Message{}, fmt.Errorf("store: parse last_referenced_at: %w", err)
	}
	if tierPromotedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, tierPromotedAt.String)
		if err != nil {
			return Message{}, fmt.Errorf("store: parse tier_promoted_at: %w", err)
		}
		m.TierPromotedAt = &t
	}
	if m.SharedWithAgents, err = decodeStringSlice(shared); err != nil {
		return Message{}, fmt.Errorf("store: decode shared_with_agents: %w", err)
	}
	return m, nil
}

// RecentMessages returns a conversation's messages, canonical order
// (created_at DESC, id DESC) per Open Question #1, most recent first, then
// reversed to chronological for display by the caller if needed.
func (s *Store) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, token_count, created_at, importance_score,
       is_summarized, original_content, tier, COALESCE(agent_id, ''), reference_count,
       promotion_count, tier_promoted_at, last_referenced_at, COALESCE(source_agent_id, ''),
       shared_with_agents, COALESCE(handoff_id, '')
FROM messages WHERE conversation_id = ?
ORDER BY created_at DESC, id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessagesBySession returns the most recent messages across every
// conversation in a session, canonical order (created_at DESC, id DESC),
// used by retrieval's recent-messages fallback candidate source (§4.H).
func (s *Store) RecentMessagesBySession(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.conversation_id, m.role, m.content, m.token_count, m.created_at, m.importance_score,
       m.is_summarized, m.original_content, m.tier, COALESCE(m.agent_id, ''), m.reference_count,
       m.promotion_count, m.tier_promoted_at, m.last_referenced_at, COALESCE(m.source_agent_id, ''),
       m.shared_with_agents, COALESCE(m.handoff_id, '')
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
WHERE c.session_id = ?
ORDER BY m.created_at DESC, m.id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages by session: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TouchReference bumps a message's reference_count and last_referenced_at,
// the signal hierarchical promotion (§4.E) is driven by.
func (s *Store) TouchReference(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE messages SET reference_count = reference_count + 1, last_referenced_at = ? WHERE id = ?`,
		nowString(), id)
	if err != nil {
		return fmt.Errorf("store: touch reference: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// PromoteTier moves a message to a higher tier. Promotion is monotone: the
// caller must ensure newTier.Priority() > current tier's priority before
// calling; this method does not itself re-check (the hierarchy package owns
// that invariant so it can do it within one read-modify-write).
func (s *Store) PromoteTier(ctx context.Context, id int64, newTier Tier) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE messages SET tier = ?, promotion_count = promotion_count + 1, tier_promoted_at = ?
WHERE id = ?`, string(newTier), nowString(), id)
	if err != nil {
		return fmt.Errorf("store: promote tier: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// MessagesByTier returns messages at a tier across all conversations for an
// agent (or all agents if agentID is empty), ordered by sortBy.
func (s *Store) MessagesByTier(ctx context.Context, tier Tier, agentID string, sortBy SortColumn, limit int) ([]Message, error) {
	if err := sortBy.Validate(); err != nil {
		return nil, err
	}
	orderBy := "created_at DESC, id DESC"
	switch sortBy {
	case SortByImportance:
		orderBy = "importance_score DESC, created_at DESC, id DESC"
	case SortByRelevance:
		orderBy = "reference_count DESC, created_at DESC, id DESC"
	}

	query := `
SELECT id, conversation_id, role, content, token_count, created_at, importance_score,
       is_summarized, original_content, tier, COALESCE(agent_id, ''), reference_count,
       promotion_count, tier_promoted_at, last_referenced_at, COALESCE(source_agent_id, ''),
       shared_with_agents, COALESCE(handoff_id, '')
FROM messages WHERE tier = ?`
	args := []any{string(tier)}
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY " + orderBy + " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: messages by tier: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SearchMessages runs a full-text query against messages_fts and returns
// matching messages ranked by FTS5 bm25 relevance, joined back to the
// messages table. sortBy is validated against the allowlist before being
// interpolated into the query (§4.A, §8 scenario 5).
func (s *Store) SearchMessages(ctx context.Context, query string, sortBy SortColumn, k int) ([]Message, error) {
	if err := sortBy.Validate(); err != nil {
		return nil, err
	}
	orderBy := "bm25(messages_fts)"
	switch sortBy {
	case SortByCreatedAt:
		orderBy = "m.created_at DESC, m.id DESC"
	case SortByImportance:
		orderBy = "m.importance_score DESC"
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.conversation_id, m.role, m.content, m.token_count, m.created_at, m.importance_score,
       m.is_summarized, m.original_content, m.tier, COALESCE(m.agent_id, ''), m.reference_count,
       m.promotion_count, m.tier_promoted_at, m.last_referenced_at, COALESCE(m.source_agent_id, ''),
       m.shared_with_agents, COALESCE(m.handoff_id, '')
FROM messages_fts
JOIN messages m ON m.id = messages_fts.rowid
WHERE messages_fts MATCH ?
ORDER BY `+orderBy+`
LIMIT ?`, query, k)
	if err != nil {
		return nil, fmt.Errorf("store: search messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesByConversation returns every message in a conversation, in
// chronological order, for the overflow handler's summarization sweep
// (§4.I), which needs the first and last message of an ended conversation.
func (s *Store) MessagesByConversation(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, token_count, created_at, importance_score,
       is_summarized, original_content, tier, COALESCE(agent_id, ''), reference_count,
       promotion_count, tier_promoted_at, last_referenced_at, COALESCE(source_agent_id, ''),
       shared_with_agents, COALESCE(handoff_id, '')
FROM messages WHERE conversation_id = ?
ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: messages by conversation: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkConversationMessagesSummarized flips is_summarized on every message
// in a conversation, for the overflow handler's summarization sweep
// (§4.I). Content is left untouched; nulling it is cleanup's job (§4.L).
func (s *Store) MarkConversationMessagesSummarized(ctx context.Context, conversationID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET is_summarized = 1 WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("store: mark conversation messages summarized: %w", err)
	}
	return nil
}

// CompressionCandidates returns up to limit non-summarized messages across
// a session's conversations that are not among their conversation's most
// recent 10, oldest first — the overflow handler's compression sweep
// (§4.I). A SQLite window function ranks each conversation's own messages
// newest-first so the exclusion is per-conversation, not global.
func (s *Store) CompressionCandidates(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, token_count, created_at, importance_score,
       is_summarized, original_content, tier, COALESCE(agent_id, ''), reference_count,
       promotion_count, tier_promoted_at, last_referenced_at, COALESCE(source_agent_id, ''),
       shared_with_agents, COALESCE(handoff_id, '')
FROM (
    SELECT messages.*,
           ROW_NUMBER() OVER (PARTITION BY messages.conversation_id ORDER BY messages.created_at DESC, messages.id DESC) AS rn
    FROM messages
    JOIN conversations ON conversations.id = messages.conversation_id
    WHERE conversations.session_id = ? AND messages.is_summarized = 0
) AS messages
WHERE rn > 10
ORDER BY created_at ASC, id ASC
LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: compression candidates: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// CompressMessage truncates a message's content, preserving the full prior
// text in original_content, marks it summarized, and records the
// recomputed token count — the overflow handler's per-message compression
// step (§4.I).
func (s *Store) CompressMessage(ctx context.Context, id int64, truncatedContent, originalContent string, tokenCount int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE messages SET content = ?, original_content = ?, is_summarized = 1, token_count = ?
WHERE id = ?`, truncatedContent, originalContent, tokenCount, id)
	if err != nil {
		return fmt.Errorf("store: compress message: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// NullOriginalContent clears a summarized message's preserved
// original_content once its retention window elapses, for the cleanup
// service's content-nulling sweep (§4.L). The row, its truncated
// content, and its FTS/embedding rows stay intact; only the full
// pre-compression text is forgotten.
func (s *Store) NullOriginalContent(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET original_content = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: null original content: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// SummarizedMessagesNeedingNull returns summarized messages whose
// original_content is still populated and older than olderThan, for the
// cleanup service's content-nulling sweep (§4.L).
func (s *Store) SummarizedMessagesNeedingNull(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM messages
WHERE is_summarized = 1 AND original_content IS NOT NULL AND created_at < ?
LIMIT ?`, olderThan.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("store: summarized messages needing null: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan summarized message: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertEmbedding stores or replaces a message's embedding vector.
func (s *Store) UpsertEmbedding(ctx context.Context, emb MessageEmbedding) error {
	blob, err := encodeFloat32Vector(emb.Vector)
	if err != nil {
		return fmt.Errorf("store: encode embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO message_embeddings (message_id, vector, model_id, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT(message_id) DO UPDATE SET vector = excluded.vector, model_id = excluded.model_id, created_at = excluded.created_at`,
		emb.MessageID, blob, emb.ModelID, nowString())
	if err != nil {
		return asConstraintViolation(fmt.Errorf("store: upsert embedding: %w", err))
	}
	return nil
}

// PendingEmbeddings returns message IDs with no row in message_embeddings
// that are not summarized and have non-empty content, newest first, for
// Component G's index_pending background batch indexer (§4.G).
func (s *Store) PendingEmbeddings(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id FROM messages m
LEFT JOIN message_embeddings e ON e.message_id = m.id
WHERE e.message_id IS NULL AND m.content != '' AND m.is_summarized = 0
ORDER BY m.created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending embeddings: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan pending embedding: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllEmbeddings returns every stored embedding, for rebuild() (Open
// Question #2: rebuild is a full scan of message_embeddings).
func (s *Store) AllEmbeddings(ctx context.Context) ([]MessageEmbedding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, vector, model_id, created_at FROM message_embeddings`)
	if err != nil {
		return nil, fmt.Errorf("store: all embeddings: %w", err)
	}
	defer rows.Close()

	var out []MessageEmbedding
	for rows.Next() {
		var e MessageEmbedding
		var blob []byte
		var createdAt string
		if err := rows.Scan(&e.MessageID, &blob, &e.ModelID, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan embedding: %w", err)
		}
		vec, err := decodeFloat32Vector(blob)
		if err != nil {
			return nil, fmt.Errorf("store: decode embedding: %w", err)
		}
		e.Vector = vec
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("store: parse embedding created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// OrphanEmbeddings returns message_ids present in message_embeddings whose
// parent message no longer exists, for the cleanup service's vector-orphan
// sweep. Under normal operation ON DELETE CASCADE prevents this, but the
// ANN index (chromem-go) lives outside SQLite and can drift independently;
// this query lets cleanup reconcile it.
func (s *Store) OrphanEmbeddings(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT e.message_id FROM message_embeddings e
LEFT JOIN messages m ON m.id = e.message_id
WHERE m.id IS NULL LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: orphan embeddings: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan orphan embedding: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AgedEmbeddings returns message_ids from message_embeddings older than
// olderThan, for the cleanup service's vector_ttl sweep (§4.L).
func (s *Store) AgedEmbeddings(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT message_id FROM message_embeddings
WHERE created_at < ?
ORDER BY created_at ASC LIMIT ?`, olderThan.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("store: aged embeddings: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan aged embedding: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteEmbedding removes a message's embedding row, for the cleanup
// service's orphan and vector_ttl sweeps (§4.L).
func (s *Store) DeleteEmbedding(ctx context.Context, messageID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_embeddings WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("store: delete embedding: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
