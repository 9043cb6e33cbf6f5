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
	"fmt"
	"time"
)

// RecordAgentInteraction logs a coarse-grained agent activity event, the
// source for v_recent_agent_activity.
func (s *Store) RecordAgentInteraction(ctx context.Context, sessionID, agentID, kind string, detail map[string]any) error {
	d, err := encodeJSON(detail)
	if err != nil {
		return fmt.Errorf("store: encode interaction detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO agent_interactions (session_id, agent_id, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, agentID, kind, d, nowString())
	if err != nil {
		return asConstraintViolation(fmt.Errorf("store: record agent interaction: %w", err))
	}
	return nil
}

// RecordRoutingDecision logs which agent was chosen for a turn and why.
func (s *Store) RecordRoutingDecision(ctx context.Context, sessionID, chosenAgentID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO routing_decisions (session_id, chosen_agent_id, reason, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, chosenAgentID, nullIfEmpty(reason), nowString())
	if err != nil {
		return asConstraintViolation(fmt.Errorf("store: record routing decision: %w", err))
	}
	return nil
}

// RecordCost logs token usage for a session/agent turn.
func (s *Store) RecordCost(ctx context.Context, sessionID, agentID string, tokensIn, tokensOut int) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cost_tracking (session_id, agent_id, tokens_input, tokens_output, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, nullIfEmpty(agentID), tokensIn, tokensOut, nowString())
	if err != nil {
		return asConstraintViolation(fmt.Errorf("store: record cost: %w", err))
	}
	return nil
}

// SetUserPreference upserts a single preference key for a user.
func (s *Store) SetUserPreference(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_preferences (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, value, nowString())
	if err != nil {
		return asConstraintViolation(fmt.Errorf("store: set user preference: %w", err))
	}
	return nil
}

// UserPreferences returns all preference key/value pairs for a user.
func (s *Store) UserPreferences(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM user_preferences WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: user preferences: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan user preference: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// RecordMetricSnapshot durably persists a retrieval-latency snapshot
// (the in-process ring buffer in §4.H is ephemeral; this is the record
// external tooling and tests can read back).
func (s *Store) RecordMetricSnapshot(ctx context.Context, snap MemoryMetricSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_metrics (session_id, p50_latency_ms, p95_latency_ms, p99_latency_ms, sample_count, recorded_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(snap.SessionID), snap.P50LatencyMS, snap.P95LatencyMS, snap.P99LatencyMS,
		snap.SampleCount, nowString())
	if err != nil {
		return asConstraintViolation(fmt.Errorf("store: record metric snapshot: %w", err))
	}
	return nil
}

// RecordCleanup logs the outcome of one cleanup sweep pass (§4.L).
func (s *Store) RecordCleanup(ctx context.Context, entry CleanupLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cleanup_log (started_at, finished_at, sessions_deleted, messages_nulled, vectors_deleted, bytes_reclaimed, error)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.StartedAt.UTC().Format(time.RFC3339Nano), entry.FinishedAt.UTC().Format(time.RFC3339Nano),
		entry.SessionsDeleted, entry.MessagesNulled, entry.VectorsDeleted, entry.BytesReclaimed,
		nullIfEmpty(entry.Error))
	if err != nil {
		return fmt.Errorf("store: record cleanup: %w", err)
	}
	return nil
}

// RecentCleanupRuns returns the most recent cleanup log entries, newest first.
func (s *Store) RecentCleanupRuns(ctx context.Context, limit int) ([]CleanupLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, started_at, finished_at, sessions_deleted, messages_nulled, vectors_deleted, bytes_reclaimed, COALESCE(error, '')
FROM cleanup_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent cleanup runs: %w", err)
	}
	defer rows.Close()

	var out []CleanupLogEntry
	for rows.Next() {
		var e CleanupLogEntry
		var started, finished string
		if err := rows.Scan(&e.ID, &started, &finished, &e.SessionsDeleted, &e.MessagesNulled,
			&e.VectorsDeleted, &e.BytesReclaimed, &e.Error); err != nil {
			return nil, fmt.Errorf("store: scan cleanup run: %w", err)
		}
		var perr error
		if e.StartedAt, perr = time.Parse(time.RFC3339Nano, started); perr != nil {
			return nil, fmt.Errorf("store: parse started_at: %w", perr)
		}
		if e.FinishedAt, perr = time.Parse(time.RFC3339Nano, finished); perr != nil {
			return nil, fmt.Errorf("store: parse finished_at: %w", perr)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
