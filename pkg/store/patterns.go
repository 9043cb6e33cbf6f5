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

// RecordPattern upserts a learned pattern keyed by (pattern_type,
// pattern_key): a first sighting inserts with occurrence_count = inc, a
// repeat sighting adds inc to the counter and refreshes last_seen.
// Confidence is computed by the caller (§4.F's growth-rate tiers) and
// written verbatim.
func (s *Store) RecordPattern(ctx context.Context, patternType, key, value string, confidence float64, inc int) (LearnedPattern, error) {
	now := nowString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO learned_patterns (pattern_type, pattern_key, pattern_value, occurrence_count, confidence, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(pattern_type, pattern_key) DO UPDATE SET
    pattern_value = excluded.pattern_value,
    occurrence_count = learned_patterns.occurrence_count + ?,
    confidence = excluded.confidence,
    last_seen = excluded.last_seen`,
		patternType, key, value, inc, confidence, now, now, inc)
	if err != nil {
		return LearnedPattern{}, asConstraintViolation(fmt.Errorf("store: record pattern: %w", err))
	}
	return s.GetPattern(ctx, patternType, key)
}

// GetPattern fetches a pattern by its (type, key) identity.
func (s *Store) GetPattern(ctx context.Context, patternType, key string) (LearnedPattern, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, pattern_type, pattern_key, pattern_value, occurrence_count, confidence, first_seen, last_seen
FROM learned_patterns WHERE pattern_type = ? AND pattern_key = ?`, patternType, key)
	return scanPattern(row)
}

// PatternsByType lists learned patterns of one type, most confident first.
func (s *Store) PatternsByType(ctx context.Context, patternType string, limit int) ([]LearnedPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, pattern_type, pattern_key, pattern_value, occurrence_count, confidence, first_seen, last_seen
FROM learned_patterns WHERE pattern_type = ? ORDER BY confidence DESC, occurrence_count DESC LIMIT ?`,
		patternType, limit)
	if err != nil {
		return nil, fmt.Errorf("store: patterns by type: %w", err)
	}
	defer rows.Close()

	var out []LearnedPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPattern(row scannable) (LearnedPattern, error) {
	var p LearnedPattern
	var firstSeen, lastSeen string
	if err := row.Scan(&p.ID, &p.PatternType, &p.PatternKey, &p.PatternValue, &p.OccurrenceCount,
		&p.Confidence, &firstSeen, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LearnedPattern{}, ErrNotFound
		}
		return LearnedPattern{}, fmt.Errorf("store: scan pattern: %w", err)
	}
	var err error
	if p.FirstSeen, err = time.Parse(time.RFC3339Nano, firstSeen); err != nil {
		return LearnedPattern{}, fmt.Errorf("store: parse first_seen: %w", err)
	}
	if p.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
		return LearnedPattern{}, fmt.Errorf("store: parse last_seen: %w", err)
	}
	return p, nil
}

// DecayPatterns deletes patterns whose confidence has fallen under
// floorConfidence AND that have not been seen since before cutoff (§4.F:
// "removes rows with confidence below a configurable floor that also
// haven't been seen in N days" — both conditions must hold).
func (s *Store) DecayPatterns(ctx context.Context, floorConfidence float64, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM learned_patterns WHERE confidence < ? AND last_seen < ?`,
		floorConfidence, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("store: decay patterns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: decay patterns: %w", err)
	}
	return n, nil
}
