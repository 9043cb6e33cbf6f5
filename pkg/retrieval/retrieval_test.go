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

package retrieval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/memoryengine/pkg/semantic"
	"github.com/kadirpekel/memoryengine/pkg/store"
)

type fakeSemanticSearcher struct {
	matches []semantic.Match
	calls   int
}

func (f *fakeSemanticSearcher) Search(ctx context.Context, query string, k int) ([]semantic.Match, error) {
	f.calls++
	return f.matches, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	s, err := store.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMessage(t *testing.T, s *store.Store, sessionID string, tier store.Tier, createdAt time.Time, content string) store.Message {
	t.Helper()
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, store.Conversation{SessionID: sessionID})
	require.NoError(t, err)
	m, err := s.AppendMessage(ctx, store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        content,
		Tier:           tier,
		CreatedAt:      createdAt,
	})
	require.NoError(t, err)
	return m
}

func TestDeriveQueryPrefersExplicitQuery(t *testing.T) {
	in := Input{Query: "explicit", Params: map[string]any{"prompt": "from params"}}
	require.Equal(t, "explicit", deriveQuery(in))
}

func TestDeriveQueryFallsBackToFirstNonEmptyParam(t *testing.T) {
	in := Input{Params: map[string]any{"description": "", "task": "do the thing"}}
	require.Equal(t, "do the thing", deriveQuery(in))
}

func TestDeriveQueryEmptyWhenNothingFound(t *testing.T) {
	require.Equal(t, "", deriveQuery(Input{}))
}

func TestInjectEnhancedMemoryEmptyQueryIsNotAnError(t *testing.T) {
	s := openTestStore(t)
	svc := New(s, nil, Config{}, nil)

	result := svc.InjectEnhancedMemory(context.Background(), Input{SessionID: "sess-1"})
	require.Equal(t, "", result.Error)
	require.Equal(t, "", result.Payload)
	require.Equal(t, 0, result.TokensUsed)
}

func TestInjectEnhancedMemorySecondIdenticalCallHitsCache(t *testing.T) {
	s := openTestStore(t)
	sessionID := "sess-cache"
	seedMessage(t, s, sessionID, store.TierProject, time.Now().UTC(), "rollout plan details")

	svc := New(s, nil, Config{MaxTokens: 40000}, nil)
	in := Input{SessionID: sessionID, Query: "rollout plan", MaxTokens: 40000}

	first := svc.InjectEnhancedMemory(context.Background(), in)
	require.False(t, first.FromCache)

	second := svc.InjectEnhancedMemory(context.Background(), in)
	require.True(t, second.FromCache)
	require.Equal(t, first.Payload, second.Payload)
}

func TestInjectEnhancedMemoryRanksProjectTierAboveOldConversationTier(t *testing.T) {
	s := openTestStore(t)
	sessionID := "sess-rank"
	now := time.Now().UTC()

	fake := &fakeSemanticSearcher{matches: []semantic.Match{}}

	recent := seedMessage(t, s, sessionID, store.TierProject, now, "the rollout plan is finalized")
	old := seedMessage(t, s, sessionID, store.TierConversation, now.Add(-8*24*time.Hour), "completely unrelated trivia")

	fake.matches = []semantic.Match{
		{Message: recent, Score: 0.9},
		{Message: old, Score: 0.0},
	}

	cfg := Config{MaxTokens: 40000, SemanticEnabled: true, MinRelevance: 0.1}
	svc := New(s, fake, cfg, nil)

	result := svc.InjectEnhancedMemory(context.Background(), Input{
		SessionID: sessionID,
		Query:     "rollout plan",
		MaxTokens: 40000,
	})

	require.NotEmpty(t, result.Sources)
	require.Contains(t, result.Payload, "rollout plan is finalized")
	firstScore := result.Scores[0]
	for _, sc := range result.Scores[1:] {
		require.GreaterOrEqual(t, firstScore, sc)
	}
}

func TestTokenBudgetClampsToConfiguredRange(t *testing.T) {
	s := openTestStore(t)
	cfg := Config{MinTokens: 1000, MaxTokens: 40000, TokenBudgetRatio: 0.2}
	svc := New(s, nil, cfg, nil)

	budget := svc.tokenBudget(Input{MaxTokens: 40000, CurrentTokens: 0})
	require.Equal(t, 8000, budget)

	lowBudget := svc.tokenBudget(Input{MaxTokens: 40000, CurrentTokens: 39999})
	require.Equal(t, 1000, lowBudget, "should clamp up to min_tokens")
}

func TestTokenBudgetExplicitOverrideCapsAtMax(t *testing.T) {
	s := openTestStore(t)
	cfg := Config{MinTokens: 1000, MaxTokens: 40000}
	svc := New(s, nil, cfg, nil)

	budget := svc.tokenBudget(Input{MaxTokens: 40000, Budget: 999999})
	require.Equal(t, 40000, budget)
}

func TestFormatBudgetedStopsBeforeExceedingBudget(t *testing.T) {
	s := openTestStore(t)
	svc := New(s, nil, Config{}, nil)

	ranked := []scoredCandidate{
		{message: store.Message{Tier: store.TierProject, Role: store.RoleUser, Content: "short"}, source: sourceSemantic, score: 0.9},
		{message: store.Message{Tier: store.TierProject, Role: store.RoleUser, Content: "also short but this one pushes past budget"}, source: sourceSemantic, score: 0.8},
	}

	payload, tokensUsed, sources, scores := svc.formatBudgeted(ranked, estimateTokens(formatCandidate(ranked[0]))+1)
	require.Len(t, sources, 1)
	require.Len(t, scores, 1)
	require.Contains(t, payload, "short")
	require.Greater(t, tokensUsed, 0)
}

func TestDedupeCandidatesKeepsStrongestSource(t *testing.T) {
	msg := store.Message{ID: 1}
	all := []candidate{
		{message: msg, source: sourceRecent},
		{message: msg, source: sourceSemantic, hasSemantic: true, semanticScore: 0.7},
	}
	deduped := dedupeCandidates(all)
	require.Len(t, deduped, 1)
	require.Equal(t, sourceSemantic, deduped[0].source)
}
