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

package entity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kadirpekel/memoryengine/pkg/store"
)

// Memory is the per-agent entity CRUD surface (§4.D, first paragraph):
// create/update/soft-delete entities and their attributes and
// relationships, and search and history over them. It does not know
// about the shared registry's cross-agent dedup; see Registry for that.
type Memory struct {
	store *store.Store
}

// NewMemory wraps s.
func NewMemory(s *store.Store) *Memory {
	return &Memory{store: s}
}

// Create is idempotent in (type, value): a duplicate increments
// occurrence_count and last_seen instead of inserting a new row.
func (m *Memory) Create(ctx context.Context, entityType, value string, confidence float64, meta map[string]any) (store.Entity, error) {
	if entityType == "" || value == "" {
		return store.Entity{}, fmt.Errorf("entity: type and value are required")
	}
	existing, err := m.store.GetEntityByTypeValue(ctx, entityType, value)
	if err == nil {
		return m.store.TouchEntity(ctx, existing.ID)
	}
	if err != store.ErrNotFound {
		return store.Entity{}, err
	}
	return m.store.UpsertEntity(ctx, store.Entity{
		Type:       entityType,
		Value:      value,
		Confidence: confidence,
		Metadata:   meta,
	})
}

// Update overwrites the mutable fields of an already-created entity.
func (m *Memory) Update(ctx context.Context, e store.Entity) (store.Entity, error) {
	if e.ID == "" {
		return store.Entity{}, fmt.Errorf("entity: update requires an id")
	}
	return m.store.UpsertEntity(ctx, e)
}

// SoftDelete marks an entity inactive.
func (m *Memory) SoftDelete(ctx context.Context, id string) error {
	return m.store.SoftDeleteEntity(ctx, id)
}

// AddAttribute records a (key, value) fact about an entity.
func (m *Memory) AddAttribute(ctx context.Context, entityID, key, value string) (store.EntityAttribute, error) {
	return m.store.AddAttribute(ctx, entityID, key, value)
}

// AddRelationship creates or strengthens a directed edge; duplicate
// triples accumulate strength rather than duplicating rows.
func (m *Memory) AddRelationship(ctx context.Context, entityID1, entityID2, relType string, strength float64) error {
	return m.store.UpsertRelationship(ctx, entityID1, entityID2, relType, strength)
}

// Search ranks matches by occurrence_count then recency.
func (m *Memory) Search(ctx context.Context, query, entityType string, limit int) ([]store.Entity, error) {
	return m.store.SearchEntities(ctx, query, entityType, limit)
}

// HistoryEvent is one point in an entity's timeline.
type HistoryEvent struct {
	Kind string // "first_seen", "last_seen", "relationship_created"
	At   time.Time
	Note string
}

// GetHistory materializes a timeline of first_seen / last_seen /
// relationship_created events for an entity, oldest first.
func (m *Memory) GetHistory(ctx context.Context, id string) ([]HistoryEvent, error) {
	e, err := m.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	events := []HistoryEvent{{Kind: "first_seen", At: e.FirstSeen}}
	if !e.LastSeen.Equal(e.FirstSeen) {
		events = append(events, HistoryEvent{Kind: "last_seen", At: e.LastSeen})
	}

	rels, err := m.store.Relationships(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, r := range rels {
		events = append(events, HistoryEvent{
			Kind: "relationship_created",
			At:   r.CreatedAt,
			Note: fmt.Sprintf("%s -> %s (%s)", r.EntityID1, r.EntityID2, r.RelationshipType),
		})
	}

	sort.Slice(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	return events, nil
}
