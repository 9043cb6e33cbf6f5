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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/memoryengine/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	s, err := store.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMemoryCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	m := NewMemory(s)

	first, err := m.Create(ctx, "tool", "docker", 0.8, nil)
	require.NoError(t, err)
	require.Equal(t, 1, first.OccurrenceCount)

	second, err := m.Create(ctx, "tool", "docker", 0.8, nil)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 2, second.OccurrenceCount)
}

func TestMemoryAddRelationshipAccumulatesStrength(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	m := NewMemory(s)

	a, err := m.Create(ctx, "person", "Jane Doe", 0.7, nil)
	require.NoError(t, err)
	b, err := m.Create(ctx, "project", "acme/widgets", 0.7, nil)
	require.NoError(t, err)

	require.NoError(t, m.AddRelationship(ctx, a.ID, b.ID, "owns", 1.0))
	require.NoError(t, m.AddRelationship(ctx, a.ID, b.ID, "owns", 1.0))

	rels, err := s.Relationships(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	require.Equal(t, 2.0, rels[0].Strength)
}

func TestMemoryGetHistoryOrdersEventsByTime(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	m := NewMemory(s)

	e, err := m.Create(ctx, "tool", "kubectl", 0.6, nil)
	require.NoError(t, err)
	other, err := m.Create(ctx, "project", "acme/infra", 0.6, nil)
	require.NoError(t, err)
	require.NoError(t, m.AddRelationship(ctx, e.ID, other.ID, "used_in", 1.0))

	hist, err := m.GetHistory(ctx, e.ID)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	require.Equal(t, "first_seen", hist[0].Kind)
	for i := 1; i < len(hist); i++ {
		require.False(t, hist[i].At.Before(hist[i-1].At))
	}
}

func TestMemorySoftDeleteDeactivates(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	m := NewMemory(s)

	e, err := m.Create(ctx, "tool", "helm", 0.6, nil)
	require.NoError(t, err)
	require.NoError(t, m.SoftDelete(ctx, e.ID))

	_, err = s.GetEntityByTypeValue(ctx, "tool", "helm")
	require.ErrorIs(t, err, store.ErrNotFound)
}
