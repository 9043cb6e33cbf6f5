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

package engine

import (
	"context"

	"github.com/kadirpekel/memoryengine/pkg/collab"
	"github.com/kadirpekel/memoryengine/pkg/entity"
	"github.com/kadirpekel/memoryengine/pkg/overflow"
	"github.com/kadirpekel/memoryengine/pkg/resume"
	"github.com/kadirpekel/memoryengine/pkg/retrieval"
	"github.com/kadirpekel/memoryengine/pkg/store"
)

// InjectEnhancedMemory implements §6's inject_enhanced_memory(ctx). It
// never returns an error: retrieval is fail-safe end to end (§5, §7),
// so a degraded/empty Result is the only failure signal.
func (e *Engine) InjectEnhancedMemory(ctx context.Context, in retrieval.Input) retrieval.Result {
	return e.retrieval.InjectEnhancedMemory(ctx, in)
}

// CaptureToolResultRequest is CaptureToolResult's input: a tool
// execution's output, attributed to an agent within a conversation, plus
// any prior messages the tool consumed as context.
type CaptureToolResultRequest struct {
	ConversationID       int64
	AgentID              string
	Content              string
	Role                 store.MessageRole
	ReferencedMessageIDs []int64
}

// CaptureToolResultResult reports what capture_tool_result did: the
// persisted message, the entities it surfaced, and any tier promotions
// triggered by referencing prior context (§2's "host runs tool ->
// optional (E/D) writes" step).
type CaptureToolResultResult struct {
	Message    store.Message
	Entities   []store.Entity
	Promotions []hierarchyPromotion
}

type hierarchyPromotion struct {
	MessageID int64
	FromTier  store.Tier
	ToTier    store.Tier
}

// CaptureToolResult implements §6's capture_tool_result(ctx, result): it
// persists the tool's output as a message (§4.A), extracts and registers
// any entities it mentions (§4.C, §4.D), indexes it for semantic search
// (§4.G), and — for every message the tool cited as context — records a
// hierarchy reference, promoting tiers that cross their threshold
// (§4.E). Write-path errors propagate to the caller unchanged (§7);
// entity extraction and indexing are best-effort and never fail the
// call, since their only purpose is enrichment of a write that already
// succeeded.
func (e *Engine) CaptureToolResult(ctx context.Context, req CaptureToolResultRequest) (CaptureToolResultResult, error) {
	role := req.Role
	if role == "" {
		role = store.RoleTool
	}
	msg, err := e.store.AppendMessage(ctx, store.Message{
		ConversationID: req.ConversationID,
		Role:           role,
		Content:        req.Content,
		AgentID:        req.AgentID,
	})
	if err != nil {
		return CaptureToolResultResult{}, err
	}

	result := CaptureToolResultResult{Message: msg}

	for _, c := range entity.ExtractFromText(req.Content) {
		ent, err := e.registry.GetGlobalEntity(ctx, c.Type, c.Value, c.Confidence, req.AgentID, map[string]any{"context": c.Context})
		if err != nil {
			e.log.Warn("entity registration failed", "type", c.Type, "value", c.Value, "error", err)
			continue
		}
		result.Entities = append(result.Entities, ent)
	}

	if err := e.semantic.IndexMessage(ctx, msg.ID, msg.Content); err != nil {
		e.log.Warn("semantic indexing failed", "message_id", msg.ID, "error", err)
	}

	for _, refID := range req.ReferencedMessageIDs {
		promo, err := e.hierarchy.Reference(ctx, refID, req.AgentID)
		if err != nil {
			e.log.Warn("hierarchy reference failed", "message_id", refID, "error", err)
			continue
		}
		if promo.Promoted {
			result.Promotions = append(result.Promotions, hierarchyPromotion{
				MessageID: refID, FromTier: promo.FromTier, ToTier: promo.ToTier,
			})
		}
	}

	return result, nil
}

// PrepareHandoff implements §6's prepare_handoff(params) (§4.J).
func (e *Engine) PrepareHandoff(ctx context.Context, req collab.HandoffRequest) (collab.HandoffPreparation, error) {
	return e.collab.PrepareHandoff(ctx, req)
}

// ApplyHandoffContext implements §6's apply_handoff_context(handoff_id) (§4.J).
func (e *Engine) ApplyHandoffContext(ctx context.Context, handoffID string) (string, error) {
	return e.collab.ApplyHandoffContext(ctx, handoffID)
}

// CreateCheckpoint implements §6's create_checkpoint (§4.K).
func (e *Engine) CreateCheckpoint(ctx context.Context, req resume.CreateCheckpointRequest) (store.Checkpoint, error) {
	return e.resume.CreateCheckpoint(ctx, req)
}

// ResumeSession implements §6's resume_session (§4.K).
func (e *Engine) ResumeSession(ctx context.Context, req resume.ResumeRequest) (resume.ResumeResult, error) {
	return e.resume.ResumeSession(ctx, req)
}

// GetGlobalEntity implements §6's get_global_entity (§4.D).
func (e *Engine) GetGlobalEntity(ctx context.Context, entityType, value string, confidence float64, agentID string, meta map[string]any) (store.Entity, error) {
	return e.registry.GetGlobalEntity(ctx, entityType, value, confidence, agentID, meta)
}

// RecordPattern implements §6's record_pattern (§4.F).
func (e *Engine) RecordPattern(ctx context.Context, patternType, key, value string, inc int) (store.LearnedPattern, error) {
	return e.patterns.Record(ctx, patternType, key, value, inc)
}

// HandleOverflow implements §6's handle_overflow(session_id, current, max) (§4.I).
func (e *Engine) HandleOverflow(ctx context.Context, sessionID string, current, max int) (overflow.Result, error) {
	return e.overflow.HandleOverflow(ctx, sessionID, current, max)
}
