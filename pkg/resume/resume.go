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

// Package resume implements checkpoint/replay: snapshotting a session's
// memory and entity state, and formatting a replay payload from a
// snapshot on resume (§4.K).
package resume

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kadirpekel/memoryengine/pkg/entity"
	"github.com/kadirpekel/memoryengine/pkg/store"
)

// Mode selects how much of a checkpoint ResumeSession replays.
type Mode string

const (
	ModeFull    Mode = "full"
	ModeSummary Mode = "summary"
)

// DefaultSnapshotMessageLimit bounds how many of a session's most
// recent messages go into a checkpoint's memory_snapshot.
const DefaultSnapshotMessageLimit = 200

// DefaultResumePointsLimit bounds how many checkpoints GetResumePoints
// returns.
const DefaultResumePointsLimit = 20

// Service implements checkpoint creation and session resume.
type Service struct {
	store                *store.Store
	snapshotMessageLimit int
}

// New builds a Service over s.
func New(s *store.Store) *Service {
	return &Service{store: s, snapshotMessageLimit: DefaultSnapshotMessageLimit}
}

// CreateCheckpointRequest is CreateCheckpoint's input.
type CreateCheckpointRequest struct {
	SessionID      string
	Type           store.CheckpointType
	AgentsInvolved []string
}

// CreateCheckpoint snapshots sessionID's recent conversations, messages,
// and the entities mentioned in them into a fresh checkpoint (§4.K).
func (svc *Service) CreateCheckpoint(ctx context.Context, req CreateCheckpointRequest) (store.Checkpoint, error) {
	convs, err := svc.store.ListConversations(ctx, req.SessionID, 1000)
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("resume: list conversations: %w", err)
	}
	messages, err := svc.store.RecentMessagesBySession(ctx, req.SessionID, svc.snapshotMessageLimit)
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("resume: recent messages: %w", err)
	}

	memorySnapshot := map[string]any{
		"conversations": conversationSnapshots(convs),
		"messages":      messageSnapshots(messages),
	}
	entitySnapshot := map[string]any{
		"entities": entitySnapshots(messages),
	}

	return svc.store.CreateCheckpoint(ctx, store.Checkpoint{
		SessionID:      req.SessionID,
		CheckpointType: req.Type,
		MemorySnapshot: memorySnapshot,
		EntitySnapshot: entitySnapshot,
		AgentsInvolved: req.AgentsInvolved,
	})
}

// ResumeRequest is ResumeSession's input.
type ResumeRequest struct {
	CheckpointID string
	Mode         Mode
}

// ResumeResult is ResumeSession's output: a formatted replay payload
// plus the checkpoint it was built from.
type ResumeResult struct {
	Payload    string
	Checkpoint store.Checkpoint
}

// ResumeSession loads a checkpoint, formats a replay payload from its
// snapshot, and records the resume (§4.K). ModeSummary replays
// conversation summaries/titles only; ModeFull also replays the
// snapshotted messages in chronological order.
func (svc *Service) ResumeSession(ctx context.Context, req ResumeRequest) (ResumeResult, error) {
	cp, err := svc.store.GetCheckpoint(ctx, req.CheckpointID)
	if err != nil {
		return ResumeResult{}, err
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeFull
	}

	payload := formatReplay(cp, mode)

	if err := svc.store.MarkResumed(ctx, req.CheckpointID); err != nil {
		return ResumeResult{}, fmt.Errorf("resume: mark resumed: %w", err)
	}
	cp.ResumeCount++

	return ResumeResult{Payload: payload, Checkpoint: cp}, nil
}

// GetResumePoints returns a session's non-archived checkpoints, newest
// first (§4.K).
func (svc *Service) GetResumePoints(ctx context.Context, sessionID string) ([]store.Checkpoint, error) {
	return svc.store.GetResumePoints(ctx, sessionID, DefaultResumePointsLimit)
}

func conversationSnapshots(convs []store.Conversation) []map[string]any {
	out := make([]map[string]any, 0, len(convs))
	for _, c := range convs {
		out = append(out, map[string]any{
			"id":      c.ID,
			"title":   c.Title,
			"summary": c.Summary,
		})
	}
	return out
}

func messageSnapshots(messages []store.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		out = append(out, map[string]any{
			"id":              m.ID,
			"conversation_id": m.ConversationID,
			"role":            string(m.Role),
			"content":         m.Content,
			"created_at":      m.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
		})
	}
	return out
}

// entitySnapshots extracts and deduplicates entity values mentioned in
// messages, grouped by type. Entities are process-global (§4.D), not
// session-scoped, so a checkpoint records which of them were in play at
// snapshot time rather than owning a copy of the registry.
func entitySnapshots(messages []store.Message) map[string][]string {
	byType := make(map[string]map[string]bool)
	for _, m := range messages {
		for _, cand := range entity.ExtractFromText(m.Content) {
			if byType[cand.Type] == nil {
				byType[cand.Type] = make(map[string]bool)
			}
			byType[cand.Type][cand.Value] = true
		}
	}
	out := make(map[string][]string, len(byType))
	for t, values := range byType {
		names := make([]string, 0, len(values))
		for v := range values {
			names = append(names, v)
		}
		sort.Strings(names)
		out[t] = names
	}
	return out
}

// formatReplay builds the session header, recent conversations, and (for
// ModeFull) recent messages in chronological order (§4.K).
func formatReplay(cp store.Checkpoint, mode Mode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resuming session %s (checkpoint %s, %s)\n\n", cp.SessionID, cp.CheckpointID, cp.CheckpointType)

	b.WriteString("Conversations\n")
	if convs, ok := cp.MemorySnapshot["conversations"].([]any); ok {
		for _, raw := range convs {
			c, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			title, _ := c["title"].(string)
			summary, _ := c["summary"].(string)
			line := summary
			if line == "" {
				line = title
			}
			if line == "" {
				continue
			}
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}

	if mode == ModeFull {
		b.WriteString("\nMessages\n")
		if messages, ok := cp.MemorySnapshot["messages"].([]any); ok {
			ordered := make([]map[string]any, 0, len(messages))
			for _, raw := range messages {
				if m, ok := raw.(map[string]any); ok {
					ordered = append(ordered, m)
				}
			}
			sort.Slice(ordered, func(i, j int) bool {
				ci, _ := ordered[i]["created_at"].(string)
				cj, _ := ordered[j]["created_at"].(string)
				return ci < cj
			})
			for _, m := range ordered {
				role, _ := m["role"].(string)
				content, _ := m["content"].(string)
				fmt.Fprintf(&b, "%s: %s\n", role, content)
			}
		}
	}

	return b.String()
}
