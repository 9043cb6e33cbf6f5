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

package hierarchy

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

func seedConversation(t *testing.T, s *store.Store) int64 {
	t.Helper()
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, store.Session{UserID: "u1"})
	require.NoError(t, err)
	conv, err := s.CreateConversation(ctx, store.Conversation{SessionID: sess.SessionID})
	require.NoError(t, err)
	return conv.ID
}

func TestReferencePromotesConversationToAgentAtThreshold(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	convID := seedConversation(t, s)
	msg, err := s.AppendMessage(ctx, store.Message{ConversationID: convID, Role: store.RoleUser, Content: "hello"})
	require.NoError(t, err)

	h := New(s, Config{ConversationToAgent: 3, AgentToProject: 5})

	for i := 0; i < 2; i++ {
		res, err := h.Reference(ctx, msg.ID, "agent-a")
		require.NoError(t, err)
		require.False(t, res.Promoted, "should not promote before threshold")
	}

	res, err := h.Reference(ctx, msg.ID, "agent-a")
	require.NoError(t, err)
	require.True(t, res.Promoted)
	require.Equal(t, store.TierConversation, res.FromTier)
	require.Equal(t, store.TierAgent, res.ToTier)

	reloaded, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, store.TierAgent, reloaded.Tier)
	require.Equal(t, 1, reloaded.PromotionCount)
}

func TestReferenceNeverDemotes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	convID := seedConversation(t, s)
	msg, err := s.AppendMessage(ctx, store.Message{ConversationID: convID, Role: store.RoleUser, Content: "hello", Tier: store.TierProject})
	require.NoError(t, err)

	h := New(s, Config{ConversationToAgent: 1, AgentToProject: 1})
	res, err := h.Reference(ctx, msg.ID, "agent-a")
	require.NoError(t, err)
	require.False(t, res.Promoted, "project tier has no further promotion target")

	reloaded, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, store.TierProject, reloaded.Tier)
}

func TestExpireOldSkipsProjectTier(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	convID := seedConversation(t, s)

	old := time.Now().UTC().Add(-48 * time.Hour)
	_, err := s.AppendMessage(ctx, store.Message{ConversationID: convID, Role: store.RoleUser, Content: "stale conv", Tier: store.TierConversation, CreatedAt: old})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, store.Message{ConversationID: convID, Role: store.RoleUser, Content: "stale project", Tier: store.TierProject, CreatedAt: old})
	require.NoError(t, err)

	h := New(s, Config{ConversationTTL: time.Hour})
	convDeleted, agentDeleted, err := h.ExpireOld(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), convDeleted)
	require.Equal(t, int64(0), agentDeleted)
}

func TestSearchRelaxesAgentFilterForProjectTier(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	convID := seedConversation(t, s)

	_, err := s.AppendMessage(ctx, store.Message{ConversationID: convID, Role: store.RoleUser, Content: "shared project knowledge about rollout", Tier: store.TierProject})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, store.Message{ConversationID: convID, Role: store.RoleUser, Content: "agent scoped rollout note", Tier: store.TierAgent, AgentID: "agent-other"})
	require.NoError(t, err)

	h := New(s, Config{})
	results, err := h.Search(ctx, "rollout", "", "agent-a", 10)
	require.NoError(t, err)

	var foundProject bool
	for _, m := range results {
		require.NotEqual(t, "agent-other", m.AgentID, "agent-a should not see agent-other's scoped memory")
		if m.Tier == store.TierProject {
			foundProject = true
		}
	}
	require.True(t, foundProject, "project-tier knowledge should always be reachable")
}
