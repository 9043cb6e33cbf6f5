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

package collab

import (
	"context"
	"errors"
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

func TestValidateAgentIDAcceptsKnownRolePrefixes(t *testing.T) {
	id, err := ValidateAgentID(" Researcher-2 ")
	require.NoError(t, err)
	require.Equal(t, "researcher-2", id)
}

func TestValidateAgentIDRejectsUnknownRole(t *testing.T) {
	_, err := ValidateAgentID("mallory")
	require.ErrorIs(t, err, ErrInvalidAgentID)
}

func TestValidateAgentIDRejectsMalformedShape(t *testing.T) {
	_, err := ValidateAgentID("agent--")
	require.ErrorIs(t, err, ErrInvalidAgentID)
}

func seedSession(t *testing.T, s *store.Store, sessionID string) {
	t.Helper()
	_, err := s.CreateSession(context.Background(), store.Session{SessionID: sessionID})
	require.NoError(t, err)
}

func TestPrepareHandoffRejectsCircularChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sessionID := "sess-cycle"
	seedSession(t, s, sessionID)

	svc := New(s, nil, nil, Config{BlockCircularHandoffs: true}, nil)

	_, err := svc.PrepareHandoff(ctx, HandoffRequest{SessionID: sessionID, SourceAgentID: "agent-a", TargetAgentID: "agent-b"})
	require.NoError(t, err)
	_, err = svc.PrepareHandoff(ctx, HandoffRequest{SessionID: sessionID, SourceAgentID: "agent-b", TargetAgentID: "agent-c"})
	require.NoError(t, err)

	_, err = svc.PrepareHandoff(ctx, HandoffRequest{SessionID: sessionID, SourceAgentID: "agent-c", TargetAgentID: "agent-a"})
	require.True(t, errors.Is(err, ErrCircularHandoff))

	recent, err := s.RecentCollaborations(ctx, sessionID, "agent-c", epoch, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, store.CollabRejected, recent[0].Status)
}

func TestPrepareHandoffOpensCircuitBreakerAfterRepeatedViolations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sessionID := "sess-breaker"
	seedSession(t, s, sessionID)

	cfg := Config{BlockCircularHandoffs: true, MaxCircularViolations: 1}
	svc := New(s, nil, nil, cfg, nil)

	_, err := svc.PrepareHandoff(ctx, HandoffRequest{SessionID: sessionID, SourceAgentID: "agent-a", TargetAgentID: "agent-b"})
	require.NoError(t, err)

	_, err = svc.PrepareHandoff(ctx, HandoffRequest{SessionID: sessionID, SourceAgentID: "agent-b", TargetAgentID: "agent-a"})
	require.True(t, errors.Is(err, ErrCircularHandoff))

	_, err = svc.PrepareHandoff(ctx, HandoffRequest{SessionID: sessionID, SourceAgentID: "agent-b", TargetAgentID: "agent-a"})
	require.True(t, errors.Is(err, ErrCircuitBreakerOpen))
}

func TestPrepareHandoffAndApplyRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sessionID := "sess-apply"
	seedSession(t, s, sessionID)
	conv, err := s.CreateConversation(ctx, store.Conversation{SessionID: sessionID})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, store.Message{ConversationID: conv.ID, Role: store.RoleUser, Content: "the deploy target is us-east-1"})
	require.NoError(t, err)

	svc := New(s, nil, nil, Config{}, nil)
	prep, err := svc.PrepareHandoff(ctx, HandoffRequest{SessionID: sessionID, SourceAgentID: "agent-a", TargetAgentID: "agent-b", Reason: "deploy target"})
	require.NoError(t, err)
	require.Contains(t, prep.Payload, "Shared Memories")
	require.Contains(t, prep.Payload, "Known Entities")

	applied, err := svc.ApplyHandoffContext(ctx, prep.HandoffID)
	require.NoError(t, err)
	require.Equal(t, prep.Payload, applied)

	collab, err := s.GetCollaborationByHandoffID(ctx, prep.HandoffID)
	require.NoError(t, err)
	require.Equal(t, store.CollabApplied, collab.Status)
}

func TestWouldCreateCycleDetectsSelfHandoff(t *testing.T) {
	s := openTestStore(t)
	cycle, err := wouldCreateCycle(context.Background(), s, "sess", "agent-a", "agent-a", 5)
	require.NoError(t, err)
	require.True(t, cycle)
}
