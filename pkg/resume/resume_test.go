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

package resume

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

func seedSessionWithConversation(t *testing.T, s *store.Store, sessionID string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateSession(ctx, store.Session{SessionID: sessionID})
	require.NoError(t, err)
	conv, err := s.CreateConversation(ctx, store.Conversation{SessionID: sessionID, Title: "deploy the service"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, store.Message{ConversationID: conv.ID, Role: store.RoleUser, Content: "please deploy to us-east-1"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, store.Message{ConversationID: conv.ID, Role: store.RoleAssistant, Content: "deployed successfully"})
	require.NoError(t, err)
}

func TestCreateCheckpointSnapshotsConversationsAndMessages(t *testing.T) {
	s := openTestStore(t)
	sessionID := "sess-checkpoint"
	seedSessionWithConversation(t, s, sessionID)

	svc := New(s)
	cp, err := svc.CreateCheckpoint(context.Background(), CreateCheckpointRequest{SessionID: sessionID, Type: store.CheckpointManual})
	require.NoError(t, err)
	require.NotEmpty(t, cp.CheckpointID)
	require.Equal(t, store.CheckpointManual, cp.CheckpointType)

	convs, ok := cp.MemorySnapshot["conversations"].([]any)
	require.True(t, ok)
	require.Len(t, convs, 1)

	messages, ok := cp.MemorySnapshot["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
}

func TestResumeSessionFormatsPayloadAndIncrementsCount(t *testing.T) {
	s := openTestStore(t)
	sessionID := "sess-resume"
	seedSessionWithConversation(t, s, sessionID)

	svc := New(s)
	cp, err := svc.CreateCheckpoint(context.Background(), CreateCheckpointRequest{SessionID: sessionID})
	require.NoError(t, err)
	require.Equal(t, 0, cp.ResumeCount)

	result, err := svc.ResumeSession(context.Background(), ResumeRequest{CheckpointID: cp.CheckpointID, Mode: ModeFull})
	require.NoError(t, err)
	require.Contains(t, result.Payload, "Resuming session")
	require.Contains(t, result.Payload, "deploy to us-east-1")
	require.Equal(t, 1, result.Checkpoint.ResumeCount)

	reloaded, err := s.GetCheckpoint(context.Background(), cp.CheckpointID)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.ResumeCount)
	require.NotNil(t, reloaded.LastResumedAt)
}

func TestResumeSessionSummaryModeOmitsMessages(t *testing.T) {
	s := openTestStore(t)
	sessionID := "sess-summary"
	seedSessionWithConversation(t, s, sessionID)

	svc := New(s)
	cp, err := svc.CreateCheckpoint(context.Background(), CreateCheckpointRequest{SessionID: sessionID})
	require.NoError(t, err)

	result, err := svc.ResumeSession(context.Background(), ResumeRequest{CheckpointID: cp.CheckpointID, Mode: ModeSummary})
	require.NoError(t, err)
	require.NotContains(t, result.Payload, "deploy to us-east-1")
	require.Contains(t, result.Payload, "deploy the service")
}

func TestGetResumePointsReturnsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	sessionID := "sess-points"
	seedSessionWithConversation(t, s, sessionID)

	svc := New(s)
	_, err := svc.CreateCheckpoint(context.Background(), CreateCheckpointRequest{SessionID: sessionID})
	require.NoError(t, err)
	second, err := svc.CreateCheckpoint(context.Background(), CreateCheckpointRequest{SessionID: sessionID})
	require.NoError(t, err)

	points, err := svc.GetResumePoints(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, second.CheckpointID, points[0].CheckpointID)
}
