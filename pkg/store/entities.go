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

// UpsertEntity inserts a new entity or, if id is already set, updates its
// mutable fields and bumps version. Fuzzy dedup across near-duplicate
// values is the entity package's responsibility; the store only enforces
// the exact (type, value) uniqueness for active global entities.
func (s *Store) UpsertEntity(ctx context.Context, e Entity) (Entity, error) {
	now := nowString()
	meta, err := encodeJSON(e.Metadata)
	if err != nil {
		return Entity{}, fmt.Errorf("store: encode entity metadata: %w", err)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
		_, err := s.db.ExecContext(ctx, `
INSERT INTO entities (id, type, value, confidence, context, metadata, occurrence_count,
    first_seen, last_seen, is_active, is_global, last_updated_by_agent, version, merge_count)
VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, 1, ?, ?, 1, 0)`,
			e.ID, e.Type, e.Value, e.Confidence, nullIfEmpty(e.Context), meta, now, now,
			boolToInt(e.IsGlobal), nullIfEmpty(e.LastUpdatedByAgent))
		if err != nil {
			return Entity{}, asConstraintViolation(fmt.Errorf("store: create entity: %w", err))
		}
		return s.GetEntity(ctx, e.ID)
	}

	_, err = s.db.ExecContext(ctx, `
UPDATE entities SET confidence = ?, context = ?, metadata = ?, occurrence_count = occurrence_count + 1,
    last_seen = ?, last_updated_by_agent = ?, version = version + 1
WHERE id = ?`, e.Confidence, nullIfEmpty(e.Context), meta, now, nullIfEmpty(e.LastUpdatedByAgent), e.ID)
	if err != nil {
		return Entity{}, asConstraintViolation(fmt.Errorf("store: update entity: %w", err))
	}
	return s.GetEntity(ctx, e.ID)
}

// GetEntity fetches an entity by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (Entity, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, type, value, confidence, COALESCE(context, ''), metadata, occurrence_count,
       first_seen, last_seen, is_active, is_global, COALESCE(last_updated_by_agent, ''), version, merge_count
FROM entities WHERE id = ?`, id)
	return scanEntity(row)
}

// GetGlobalEntity looks up an active, global entity by exact (type, value),
// the lookup behind the shared registry's get_global_entity operation
// (§4.D). Exact match only; fuzzy matching happens one layer up.
func (s *Store) GetGlobalEntity(ctx context.Context, entityType, value string) (Entity, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, type, value, confidence, COALESCE(context, ''), metadata, occurrence_count,
       first_seen, last_seen, is_active, is_global, COALESCE(last_updated_by_agent, ''), version, merge_count
FROM entities WHERE type = ? AND value = ? AND is_active = 1 AND is_global = 1`, entityType, value)
	return scanEntity(row)
}

// GetEntityByTypeValue looks up an active entity by exact (type, value),
// regardless of its is_global flag. This backs the entity memory's
// idempotent create: a duplicate (type, value) bumps occurrence_count
// and last_seen instead of inserting a new row.
func (s *Store) GetEntityByTypeValue(ctx context.Context, entityType, value string) (Entity, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, type, value, confidence, COALESCE(context, ''), metadata, occurrence_count,
       first_seen, last_seen, is_active, is_global, COALESCE(last_updated_by_agent, ''), version, merge_count
FROM entities WHERE type = ? AND value = ? AND is_active = 1`, entityType, value)
	return scanEntity(row)
}

// TouchEntity increments occurrence_count and refreshes last_seen without
// otherwise changing the row, the effect of a duplicate entity create.
func (s *Store) TouchEntity(ctx context.Context, id string) (Entity, error) {
	_, err := s.db.ExecContext(ctx, `
UPDATE entities SET occurrence_count = occurrence_count + 1, last_seen = ? WHERE id = ?`, nowString(), id)
	if err != nil {
		return Entity{}, fmt.Errorf("store: touch entity: %w", err)
	}
	return s.GetEntity(ctx, id)
}

// SearchEntities finds active entities whose value contains query
// (case-insensitive), optionally restricted to entityType, ranked by
// occurrence_count then recency.
func (s *Store) SearchEntities(ctx context.Context, query, entityType string, limit int) ([]Entity, error) {
	like := "%" + query + "%"
	args := []any{like}
	typeClause := ""
	if entityType != "" {
		typeClause = "AND type = ?"
		args = append(args, entityType)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
SELECT id, type, value, confidence, COALESCE(context, ''), metadata, occurrence_count,
       first_seen, last_seen, is_active, is_global, COALESCE(last_updated_by_agent, ''), version, merge_count
FROM entities WHERE is_active = 1 AND value LIKE ? `+typeClause+`
ORDER BY occurrence_count DESC, last_seen DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SoftDeleteEntity marks an entity inactive without removing its row,
// preserving history and any relationships that reference it.
func (s *Store) SoftDeleteEntity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entities SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: soft delete entity: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// EntitiesByType lists active entities of a given type, most recently seen first.
func (s *Store) EntitiesByType(ctx context.Context, entityType string, limit int) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, type, value, confidence, COALESCE(context, ''), metadata, occurrence_count,
       first_seen, last_seen, is_active, is_global, COALESCE(last_updated_by_agent, ''), version, merge_count
FROM entities WHERE type = ? AND is_active = 1 ORDER BY last_seen DESC LIMIT ?`, entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("store: entities by type: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntity(row scannable) (Entity, error) {
	var e Entity
	var firstSeen, lastSeen, meta string
	var isActive, isGlobal int
	if err := row.Scan(&e.ID, &e.Type, &e.Value, &e.Confidence, &e.Context, &meta, &e.OccurrenceCount,
		&firstSeen, &lastSeen, &isActive, &isGlobal, &e.LastUpdatedByAgent, &e.Version, &e.MergeCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entity{}, ErrNotFound
		}
		return Entity{}, fmt.Errorf("store: scan entity: %w", err)
	}
	e.IsActive = isActive != 0
	e.IsGlobal = isGlobal != 0
	var err error
	if e.FirstSeen, err = time.Parse(time.RFC3339Nano, firstSeen); err != nil {
		return Entity{}, fmt.Errorf("store: parse first_seen: %w", err)
	}
	if e.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
		return Entity{}, fmt.Errorf("store: parse last_seen: %w", err)
	}
	if e.Metadata, err = decodeJSONMap(meta); err != nil {
		return Entity{}, fmt.Errorf("store: decode entity metadata: %w", err)
	}
	return e, nil
}

// AccessGlobalEntity records a shared-registry touch on entity id: it
// always bumps occurrence_count and last_seen, and additionally bumps
// merge_count and reassigns last_updated_by_agent when agentID differs
// from the entity's current last_updated_by_agent (§4.D: "bumps
// merge_count if the touching agent differs").
func (s *Store) AccessGlobalEntity(ctx context.Context, id, agentID string) (Entity, error) {
	existing, err := s.GetEntity(ctx, id)
	if err != nil {
		return Entity{}, err
	}
	now := nowString()
	if agentID != "" && agentID != existing.LastUpdatedByAgent {
		_, err = s.db.ExecContext(ctx, `
UPDATE entities SET occurrence_count = occurrence_count + 1, last_seen = ?,
    last_updated_by_agent = ?, merge_count = merge_count + 1 WHERE id = ?`, now, agentID, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
UPDATE entities SET occurrence_count = occurrence_count + 1, last_seen = ? WHERE id = ?`, now, id)
	}
	if err != nil {
		return Entity{}, fmt.Errorf("store: access global entity: %w", err)
	}
	return s.GetEntity(ctx, id)
}

// ApplyEntityMerge writes the outcome of a shared-registry merge decision:
// it sets confidence/context/last_updated_by_agent, bumps version and
// merge_count, and refreshes last_seen. The merge strategy itself (which
// confidence/context won) is decided by the caller.
func (s *Store) ApplyEntityMerge(ctx context.Context, id, context, updatedByAgent string, confidence float64) (Entity, error) {
	_, err := s.db.ExecContext(ctx, `
UPDATE entities SET confidence = ?, context = ?, last_updated_by_agent = ?, last_seen = ?,
    version = version + 1, merge_count = merge_count + 1
WHERE id = ?`, confidence, nullIfEmpty(context), nullIfEmpty(updatedByAgent), nowString(), id)
	if err != nil {
		return Entity{}, fmt.Errorf("store: apply entity merge: %w", err)
	}
	return s.GetEntity(ctx, id)
}

// MergeEntities folds loser into winner: attributes and relationships are
// repointed (a relationship winner already has with the same other end and
// type stays on loser), winner's occurrence_count absorbs loser's, winner's
// merge_count and version go up by one, and loser is soft-deleted (is_active = 0) rather than removed, preserving
// referential integrity for any message row still carrying its ID in
// metadata. All of this happens inside one transaction.
func (s *Store) MergeEntities(ctx context.Context, winnerID, loserID string) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE entity_attributes SET entity_id = ? WHERE entity_id = ?`, winnerID, loserID); err != nil {
			return fmt.Errorf("repoint attributes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE OR IGNORE entity_relationships SET entity_id_1 = ? WHERE entity_id_1 = ?`, winnerID, loserID); err != nil {
			return fmt.Errorf("repoint relationships 1: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE OR IGNORE entity_relationships SET entity_id_2 = ? WHERE entity_id_2 = ?`, winnerID, loserID); err != nil {
			return fmt.Errorf("repoint relationships 2: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE entities SET
    occurrence_count = occurrence_count + (SELECT occurrence_count FROM entities WHERE id = ?),
    merge_count = merge_count + 1,
    version = version + 1
WHERE id = ?`, loserID, winnerID); err != nil {
			return fmt.Errorf("absorb counts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE entities SET is_active = 0 WHERE id = ?`, loserID); err != nil {
			return fmt.Errorf("retire loser: %w", err)
		}
		return nil
	})
}

// AddAttribute records a (key, value) fact about an entity.
func (s *Store) AddAttribute(ctx context.Context, entityID, key, value string) (EntityAttribute, error) {
	now := nowString()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO entity_attributes (entity_id, key, value, created_at) VALUES (?, ?, ?, ?)`,
		entityID, key, value, now)
	if err != nil {
		return EntityAttribute{}, asConstraintViolation(fmt.Errorf("store: add attribute: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return EntityAttribute{}, fmt.Errorf("store: add attribute: %w", err)
	}
	t, _ := time.Parse(time.RFC3339Nano, now)
	return EntityAttribute{ID: id, EntityID: entityID, Key: key, Value: value, CreatedAt: t}, nil
}

// UpsertRelationship creates a directed edge between two entities, or, if
// the (entity_id_1, entity_id_2, relationship_type) triple already exists,
// accumulates strength into the existing row rather than duplicating it.
func (s *Store) UpsertRelationship(ctx context.Context, entityID1, entityID2, relType string, strength float64) error {
	now := nowString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO entity_relationships (entity_id_1, entity_id_2, relationship_type, strength, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(entity_id_1, entity_id_2, relationship_type) DO UPDATE SET
    strength = entity_relationships.strength + excluded.strength, updated_at = excluded.updated_at`,
		entityID1, entityID2, relType, strength, now, now)
	if err != nil {
		return asConstraintViolation(fmt.Errorf("store: upsert relationship: %w", err))
	}
	return nil
}

// Relationships lists an entity's outgoing and incoming edges.
func (s *Store) Relationships(ctx context.Context, entityID string) ([]EntityRelationship, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, entity_id_1, entity_id_2, relationship_type, strength, created_at, updated_at
FROM entity_relationships WHERE entity_id_1 = ? OR entity_id_2 = ?`, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("store: relationships: %w", err)
	}
	defer rows.Close()

	var out []EntityRelationship
	for rows.Next() {
		var r EntityRelationship
		var created, updated string
		if err := rows.Scan(&r.ID, &r.EntityID1, &r.EntityID2, &r.RelationshipType, &r.Strength, &created, &updated); err != nil {
			return nil, fmt.Errorf("store: scan relationship: %w", err)
		}
		var perr error
		if r.CreatedAt, perr = time.Parse(time.RFC3339Nano, created); perr != nil {
			return nil, fmt.Errorf("store: parse relationship created_at: %w", perr)
		}
		if r.UpdatedAt, perr = time.Parse(time.RFC3339Nano, updated); perr != nil {
			return nil, fmt.Errorf("store: parse relationship updated_at: %w", perr)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
