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

package overflow

import (
	"context"
	"fmt"
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

func TestClassifyMatchesThresholdBoundaries(t *testing.T) {
	h := New(nil, Config{}, nil)

	cases := []struct {
		u    float64
		want Action
	}{
		{0.0, ActionNone},
		{0.84, ActionNone},
		{0.85, ActionWarn},
		{0.89, ActionWarn},
		{0.90, ActionCompress},
		{0.92, ActionCompress},
		{0.93, ActionSummarize},
		{0.96, ActionSummarize},
		{0.97, ActionHandoff},
		{1.0, ActionHandoff},
	}
	for _, c := range cases {
		require.Equal(t, c.want, h.classify(c.u), "u=%v", c.u)
	}
}

func seedSessionWithMessages(t *testing.T, s *store.Store, sessionID string, n int) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateSession(ctx, store.Session{SessionID: sessionID})
	require.NoError(t, err)
	conv, err := s.CreateConversation(ctx, store.Conversation{SessionID: sessionID})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := s.AppendMessage(ctx, store.Message{
			ConversationID: conv.ID,
			Role:           store.RoleUser,
			Content:        fmt.Sprintf("message body number %d with some extra padding text", i),
			CreatedAt:      time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
}

func TestHandleOverflowCompressExcludesMostRecentTen(t *testing.T) {
	s := openTestStore(t)
	sessionID := "sess-compress"
	seedSessionWithMessages(t, s, sessionID, 20)

	h := New(s, Config{}, nil)
	result, err := h.HandleOverflow(context.Background(), sessionID, 90, 100)
	require.NoError(t, err)
	require.Equal(t, ActionCompress, result.Action)
	require.Equal(t, 10, result.ItemsAffected)
}

func TestHandleOverflowSummarizeMarksEndedConversations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sessionID := "sess-summarize"
	_, err := s.CreateSession(ctx, store.Session{SessionID: sessionID})
	require.NoError(t, err)

	conv, err := s.CreateConversation(ctx, store.Conversation{SessionID: sessionID})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, store.Message{ConversationID: conv.ID, Role: store.RoleUser, Content: "please fix the login bug"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, store.Message{ConversationID: conv.ID, Role: store.RoleAssistant, Content: "fixed and deployed"})
	require.NoError(t, err)
	require.NoError(t, s.EndConversation(ctx, conv.ID, ""))

	h := New(s, Config{}, nil)
	result, err := h.HandleOverflow(ctx, sessionID, 93, 100)
	require.NoError(t, err)
	require.Equal(t, ActionSummarize, result.Action)
	require.Equal(t, 1, result.ItemsAffected)

	updated, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Contains(t, updated.Summary, "User requested:")
	require.Contains(t, updated.Summary, "Result:")
}

func TestHandleOverflowHandoffArchivesAndCreatesNewSession(t *testing.T) {
	s := openTestStore(t)
	sessionID := "sess-handoff"
	seedSessionWithMessages(t, s, sessionID, 3)

	h := New(s, Config{}, nil)
	result, err := h.HandleOverflow(context.Background(), sessionID, 97, 100)
	require.NoError(t, err)
	require.Equal(t, ActionHandoff, result.Action)
	require.NotEmpty(t, result.NewSessionID)

	old, err := s.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, store.SessionArchived, old.Status)

	newSess, err := s.GetSession(context.Background(), result.NewSessionID)
	require.NoError(t, err)
	require.Equal(t, sessionID, newSess.HandoffFrom)
}

func TestTruncateThenEllipsizeGrowsPastN(t *testing.T) {
	long := make([]byte, 150)
	for i := range long {
		long[i] = 'a'
	}
	out := truncateThenEllipsize(string(long), 100)
	require.Equal(t, 103, len([]rune(out)))
}

func TestTruncateWithEllipsisCapsTotalLength(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'b'
	}
	out := truncateWithEllipsis(string(long), 200)
	require.Equal(t, 200, len([]rune(out)))
}
