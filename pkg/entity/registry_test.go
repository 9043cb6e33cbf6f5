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
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryCreatesNewGlobalEntity(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	r := NewRegistry(s, discardLogger())

	e, err := r.GetGlobalEntity(ctx, "tool", "terraform", 0.9, "agent-a", nil)
	require.NoError(t, err)
	require.True(t, e.IsGlobal)
	require.Equal(t, "agent-a", e.LastUpdatedByAgent)
}

func TestRegistryExactMatchTouchesAndBumpsMergeCountOnDifferentAgent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	r := NewRegistry(s, discardLogger())

	first, err := r.GetGlobalEntity(ctx, "tool", "terraform", 0.9, "agent-a", nil)
	require.NoError(t, err)
	require.Equal(t, 0, first.MergeCount)

	second, err := r.GetGlobalEntity(ctx, "tool", "terraform", 0.9, "agent-b", nil)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, second.MergeCount)
	require.Equal(t, "agent-b", second.LastUpdatedByAgent)

	third, err := r.GetGlobalEntity(ctx, "tool", "terraform", 0.9, "agent-b", nil)
	require.NoError(t, err)
	require.Equal(t, 1, third.MergeCount, "same agent touching again should not bump merge_count")
}

func TestRegistryFuzzyMatchMergesNearDuplicate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	r := NewRegistry(s, discardLogger(), WithMergeStrategy(MergeHighestConfidence))

	first, err := r.GetGlobalEntity(ctx, "person", "Jonathan Smith", 0.6, "agent-a", nil)
	require.NoError(t, err)

	merged, err := r.GetGlobalEntity(ctx, "person", "Jonathon Smith", 0.95, "agent-b", nil)
	require.NoError(t, err)
	require.Equal(t, first.ID, merged.ID, "near-duplicate spelling should merge into the same entity")
	require.Equal(t, 0.95, merged.Confidence)
	require.Equal(t, first.Version+1, merged.Version)
}

func TestRegistryBelowThresholdCreatesDistinctEntity(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	r := NewRegistry(s, discardLogger(), WithSimilarityThreshold(0.85))

	first, err := r.GetGlobalEntity(ctx, "person", "Alice", 0.6, "agent-a", nil)
	require.NoError(t, err)
	other, err := r.GetGlobalEntity(ctx, "person", "Zachary", 0.6, "agent-a", nil)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func TestRegistryManualStrategyFallsBackToMergeContext(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	r := NewRegistry(s, discardLogger(), WithMergeStrategy(MergeManual))

	first, err := r.GetGlobalEntity(ctx, "organization", "Acme Corp", 0.7, "agent-a", nil)
	require.NoError(t, err)

	merged, err := r.GetGlobalEntity(ctx, "organization", "Acme Corps", 0.5, "agent-b", nil)
	require.NoError(t, err)
	require.Equal(t, first.ID, merged.ID)
	require.Contains(t, merged.Context, "Acme Corps")
}
