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

package semantic

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/memoryengine/pkg/store"
	"github.com/kadirpekel/memoryengine/pkg/vector"
)

// stubEmbedder maps known strings to fixed vectors so similarity search
// outcomes are deterministic, and falls back to a stable hash-based
// vector for anything else.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	var sum float32
	for _, r := range text {
		sum += float32(r)
	}
	return []float32{sum, 1, 0}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return 3 }
func (s *stubEmbedder) Model() string  { return "stub-model" }
func (s *stubEmbedder) Close() error   { return nil }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	s, err := store.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMessage(t *testing.T, s *store.Store, content string) store.Message {
	t.Helper()
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, store.Session{UserID: "u1"})
	require.NoError(t, err)
	conv, err := s.CreateConversation(ctx, store.Conversation{SessionID: sess.SessionID})
	require.NoError(t, err)
	m, err := s.AppendMessage(ctx, store.Message{ConversationID: conv.ID, Role: store.RoleUser, Content: content})
	require.NoError(t, err)
	return m
}

func TestIndexMessageThenSearchFindsIt(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	idx, err := vector.Open("")
	require.NoError(t, err)
	defer idx.Close()

	emb := &stubEmbedder{vectors: map[string][]float32{
		"rollout plan":    {1, 0, 0},
		"unrelated topic": {0, 1, 0},
	}}
	svc := New(s, emb, idx)

	msg := seedMessage(t, s, "rollout plan")
	require.NoError(t, svc.IndexMessage(ctx, msg.ID, msg.Content))
	seedMessage(t, s, "unrelated topic")

	matches, err := svc.Search(ctx, "rollout plan", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, msg.ID, matches[0].Message.ID)
}

func TestIndexPendingEmbedsUnindexedMessages(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	idx, err := vector.Open("")
	require.NoError(t, err)
	defer idx.Close()

	svc := New(s, &stubEmbedder{vectors: map[string][]float32{}}, idx)
	seedMessage(t, s, "a pending message")
	seedMessage(t, s, "another pending message")

	n, err := svc.IndexPending(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	again, err := svc.IndexPending(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 0, again, "messages already embedded should not be re-selected")
}

func TestRebuildRepopulatesIndexFromStore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	idx, err := vector.Open("")
	require.NoError(t, err)
	defer idx.Close()

	svc := New(s, &stubEmbedder{vectors: map[string][]float32{}}, idx)
	msg := seedMessage(t, s, "rebuild me")
	require.NoError(t, svc.IndexMessage(ctx, msg.ID, msg.Content))
	require.Equal(t, 1, idx.Count())

	require.NoError(t, idx.Clear(ctx))
	require.Equal(t, 0, idx.Count())

	require.NoError(t, svc.Rebuild(ctx))
	require.Equal(t, 1, idx.Count())
}

func TestCentralityIsHigherForClusteredVectors(t *testing.T) {
	clustered := [][]float32{{1, 0, 0}, {0.99, 0.01, 0}, {0.98, 0.02, 0}}
	scattered := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

	clusteredScores := Centrality(clustered)
	scatteredScores := Centrality(scattered)

	require.Greater(t, clusteredScores[0], scatteredScores[0])
}

func TestCentralitySingleVectorIsZero(t *testing.T) {
	scores := Centrality([][]float32{{1, 2, 3}})
	require.Equal(t, []float64{0}, scores)
}

func TestRunIndexesPendingMessagesOnTick(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	idx, err := vector.Open("")
	require.NoError(t, err)
	defer idx.Close()

	svc := New(s, &stubEmbedder{vectors: map[string][]float32{}}, idx)
	seedMessage(t, s, "index me on tick")

	done := make(chan struct{})
	go func() {
		svc.Run(ctx, time.Millisecond, 10)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return idx.Count() == 1
	}, time.Second, time.Millisecond)

	svc.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
