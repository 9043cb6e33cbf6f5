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

package pattern

import (
	"context"
	"path/filepath"
	"testing"
	"time"

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

func TestWorkflowKeyJoinsSequenceWithArrows(t *testing.T) {
	require.Equal(t, "workflow:search->summarize->respond", WorkflowKey([]string{"search", "summarize", "respond"}))
}

func TestFallbackKeyIsStableForEqualData(t *testing.T) {
	a := FallbackKey("error_fix", map[string]any{"code": "ENOENT"})
	b := FallbackKey("error_fix", map[string]any{"code": "ENOENT"})
	require.Equal(t, a, b)
}

func TestRecordInsertsAtInitialConfidence(t *testing.T) {
	ctx := context.Background()
	l := New(openTestStore(t))

	p, err := l.Record(ctx, "tool_chain", "search->summarize", "{}", 1)
	require.NoError(t, err)
	require.Equal(t, 1, p.OccurrenceCount)
	require.InDelta(t, 0.10, p.Confidence, 1e-9)
}

func TestRecordGrowsConfidenceTowardOne(t *testing.T) {
	ctx := context.Background()
	l := New(openTestStore(t))

	var last store.LearnedPattern
	var err error
	for i := 0; i < 6; i++ {
		last, err = l.Record(ctx, "tool_chain", "search->summarize", "{}", 1)
		require.NoError(t, err)
	}
	require.Equal(t, 6, last.OccurrenceCount)
	require.Greater(t, last.Confidence, 0.10)
	require.Less(t, last.Confidence, 1.0)
}

func TestRecordCapsConfidenceAt099(t *testing.T) {
	ctx := context.Background()
	l := New(openTestStore(t))

	var last store.LearnedPattern
	var err error
	for i := 0; i < 500; i++ {
		last, err = l.Record(ctx, "tool_chain", "frequent", "{}", 1)
		require.NoError(t, err)
	}
	require.LessOrEqual(t, last.Confidence, 0.99)
}

func TestDecayRemovesLowConfidenceStalePatterns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	l := New(s)

	_, err := s.RecordPattern(ctx, "tool_chain", "stale", "{}", 0.05, 1)
	require.NoError(t, err)
	_, err = s.RecordPattern(ctx, "tool_chain", "confident", "{}", 0.9, 1)
	require.NoError(t, err)

	n, err := l.Decay(ctx, 0.1, -time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = s.GetPattern(ctx, "tool_chain", "stale")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetPattern(ctx, "tool_chain", "confident")
	require.NoError(t, err)
}
