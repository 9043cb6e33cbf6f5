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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openTestStore(t)
	var count int
	err := s.DB().QueryRow(`SELECT count(*) FROM schema_version`).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, len(migrationMeta), count)
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "engine.db")
	s1, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, path)
	require.NoError(t, err)
	defer s2.Close()
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	sess, err := s.CreateSession(ctx, Session{UserID: "u1", Metadata: map[string]any{"locale": "en"}})
	require.NoError(t, err)
	require.NotEmpty(t, sess.SessionID)
	require.Equal(t, SessionActive, sess.Status)
	require.Equal(t, "en", sess.Metadata["locale"])

	got, err := s.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Equal(t, sess.SessionID, got.SessionID)

	require.NoError(t, s.SetSessionStatus(ctx, sess.SessionID, SessionPaused))
	got, err = s.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Equal(t, SessionPaused, got.Status)

	_, err = s.GetSession(ctx, "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMessageAppendAndSearch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	sess, err := s.CreateSession(ctx, Session{UserID: "u1"})
	require.NoError(t, err)
	conv, err := s.CreateConversation(ctx, Conversation{SessionID: sess.SessionID, Title: "t"})
	require.NoError(t, err)

	msg, err := s.AppendMessage(ctx, Message{
		ConversationID: conv.ID,
		Role:           RoleUser,
		Content:        "the quarterly revenue report is due Friday",
	})
	require.NoError(t, err)
	require.NotZero(t, msg.ID)

	conv, err = s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, 1, conv.MessageCount)

	results, err := s.SearchMessages(ctx, "revenue", SortByCreatedAt, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, msg.ID, results[0].ID)

	_, err = s.SearchMessages(ctx, "revenue", SortColumn("id; DROP TABLE messages"), 10)
	require.ErrorIs(t, err, ErrInvalidSortColumn)
}

func TestMessagesByTierRejectsUnknownSortColumn(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.MessagesByTier(ctx, TierConversation, "", SortColumn("bogus"), 10)
	require.ErrorIs(t, err, ErrInvalidSortColumn)
}

func TestEntityUpsertAndMerge(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	e1, err := s.UpsertEntity(ctx, Entity{Type: "person", Value: "Alice", Confidence: 0.6, IsGlobal: true})
	require.NoError(t, err)

	e2, err := s.UpsertEntity(ctx, Entity{Type: "person", Value: "Alice Smith", Confidence: 0.7, IsGlobal: true})
	require.NoError(t, err)

	require.NoError(t, s.MergeEntities(ctx, e1.ID, e2.ID))

	winner, err := s.GetEntity(ctx, e1.ID)
	require.NoError(t, err)
	require.Equal(t, 1, winner.MergeCount)

	loser, err := s.GetEntity(ctx, e2.ID)
	require.NoError(t, err)
	require.False(t, loser.IsActive)
}

func TestRecordPatternGrowsOccurrenceCount(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	p, err := s.RecordPattern(ctx, "tool_chain", "search->summarize", "{}", 0.1, 1)
	require.NoError(t, err)
	require.Equal(t, 1, p.OccurrenceCount)

	p, err = s.RecordPattern(ctx, "tool_chain", "search->summarize", "{}", 0.2, 1)
	require.NoError(t, err)
	require.Equal(t, 2, p.OccurrenceCount)
}

func TestCheckpointCreateAndResume(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess, err := s.CreateSession(ctx, Session{UserID: "u1"})
	require.NoError(t, err)

	cp, err := s.CreateCheckpoint(ctx, Checkpoint{
		SessionID:      sess.SessionID,
		CheckpointType: CheckpointMilestone,
		MemorySnapshot: map[string]any{"k": "v"},
	})
	require.NoError(t, err)
	require.Zero(t, cp.ResumeCount)

	require.NoError(t, s.MarkResumed(ctx, cp.CheckpointID))
	got, err := s.GetCheckpoint(ctx, cp.CheckpointID)
	require.NoError(t, err)
	require.Equal(t, 1, got.ResumeCount)
	require.NotNil(t, got.LastResumedAt)
}

func TestVacuumRunsOnFreshStore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Vacuum(ctx)
	require.NoError(t, err)
}

func TestExpiredSessionsExcludesActive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.CreateSession(ctx, Session{UserID: "u1"})
	require.NoError(t, err)

	ids, err := s.ExpiredSessions(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, ids)
}
