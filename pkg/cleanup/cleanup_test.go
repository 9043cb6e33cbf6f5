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

package cleanup

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

func TestSweepDeletesExpiredArchivedSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, store.Session{SessionID: "sess-old"})
	require.NoError(t, err)
	require.NoError(t, s.SetSessionStatus(ctx, "sess-old", store.SessionArchived))

	_, err = s.CreateSession(ctx, store.Session{SessionID: "sess-active"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	svc := New(s, nil, Config{SessionTTL: time.Millisecond}, nil)
	res, err := svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.SessionsDeleted)

	_, err = s.GetSession(ctx, "sess-old")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetSession(ctx, "sess-active")
	require.NoError(t, err)
}

func TestSweepNullsAgedOriginalContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, store.Session{SessionID: "sess-null"})
	require.NoError(t, err)
	conv, err := s.CreateConversation(ctx, store.Conversation{SessionID: "sess-null"})
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, store.Message{ConversationID: conv.ID, Role: store.RoleUser, Content: "short"})
	require.NoError(t, err)
	require.NoError(t, s.CompressMessage(ctx, msg.ID, "short", "the original long message", 5))

	time.Sleep(5 * time.Millisecond)

	svc := New(s, nil, Config{MessageTTL: time.Millisecond}, nil)
	res, err := svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.MessagesNulled)

	reloaded, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Empty(t, reloaded.OriginalContent)
	require.Equal(t, "short", reloaded.Content)
}

func TestSweepDeletesAgedVectors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, store.Session{SessionID: "sess-vec"})
	require.NoError(t, err)
	conv, err := s.CreateConversation(ctx, store.Conversation{SessionID: "sess-vec"})
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, store.Message{ConversationID: conv.ID, Role: store.RoleUser, Content: "vector me"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertEmbedding(ctx, store.MessageEmbedding{MessageID: msg.ID, Vector: []float32{0.1, 0.2}, ModelID: "test-model"}))

	time.Sleep(5 * time.Millisecond)

	svc := New(s, nil, Config{VectorTTL: time.Millisecond}, nil)
	res, err := svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.VectorsDeleted)

	all, err := s.AllEmbeddings(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestSweepExpiresPendingHandoffs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, store.Session{SessionID: "sess-handoff"})
	require.NoError(t, err)
	collab, err := s.CreateCollaboration(ctx, store.Collaboration{
		SessionID:      "sess-handoff",
		SourceAgentID:  "agent-a",
		TargetAgentID:  "agent-b",
		HandoffContext: map[string]any{"summary": "pending too long"},
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	svc := New(s, nil, Config{HandoffTTL: time.Millisecond}, nil)
	res, err := svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.HandoffsExpired)

	reloaded, err := s.GetCollaborationByHandoffID(ctx, collab.HandoffID)
	require.NoError(t, err)
	require.Equal(t, store.CollabRejected, reloaded.Status)
}

func TestSweepRecordsCleanupRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	svc := New(s, nil, Config{}, nil)
	_, err := svc.Sweep(ctx)
	require.NoError(t, err)

	runs, err := s.RecentCleanupRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Empty(t, runs[0].Error)
}

func TestStopEndsRunLoop(t *testing.T) {
	s := openTestStore(t)
	svc := New(s, nil, Config{RunInterval: time.Millisecond}, nil)

	done := make(chan struct{})
	go func() {
		svc.Run(context.Background())
		close(done)
	}()
	svc.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
