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

// Package hierarchy implements the three-tier (conversation / agent /
// project) memory store: reference-count-driven promotion, tier-aware
// TTL expiration, and cross-tier search (§4.E).
package hierarchy

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirpekel/memoryengine/pkg/store"
)

const (
	// DefaultConversationToAgent is the reference-count threshold at
	// which a conversation-tier message promotes to agent tier.
	DefaultConversationToAgent = 3
	// DefaultAgentToProject is the reference-count threshold at which an
	// agent-tier message promotes to project tier.
	DefaultAgentToProject = 5
)

// Config holds the process-wide promotion thresholds and tier TTLs,
// fixed once per process per §4.E.
type Config struct {
	ConversationToAgent int
	AgentToProject      int
	ConversationTTL     time.Duration
	AgentTTL            time.Duration
}

// SetDefaults fills in zero-valued fields with the spec's defaults.
func (c *Config) SetDefaults() {
	if c.ConversationToAgent <= 0 {
		c.ConversationToAgent = DefaultConversationToAgent
	}
	if c.AgentToProject <= 0 {
		c.AgentToProject = DefaultAgentToProject
	}
}

// Hierarchy is the tier-aware memory service built on top of pkg/store.
type Hierarchy struct {
	store *store.Store
	cfg   Config
}

// New builds a Hierarchy with cfg's defaults applied.
func New(s *store.Store, cfg Config) *Hierarchy {
	cfg.SetDefaults()
	return &Hierarchy{store: s, cfg: cfg}
}

// PromotionResult reports the outcome of a Reference call.
type PromotionResult struct {
	Promoted bool
	FromTier store.Tier
	ToTier   store.Tier
	Reason   string
}

// Reference records that ref_agent referenced message id, and promotes
// its tier when the resulting reference_count crosses the configured
// threshold. Implements the state machine in §4.E:
//
//	on reference(id, ref_agent):
//	    reference_count += 1
//	    last_referenced_at := now()
//	    if tier == conversation and reference_count >= T_conv_to_agent: promote(agent)
//	    elif tier == agent and reference_count >= T_agent_to_project: promote(project)
func (h *Hierarchy) Reference(ctx context.Context, messageID int64, refAgent string) (PromotionResult, error) {
	before, err := h.store.GetMessage(ctx, messageID)
	if err != nil {
		return PromotionResult{}, err
	}

	after, promoted, err := h.store.ReferenceMessage(ctx, messageID, h.cfg.ConversationToAgent, h.cfg.AgentToProject)
	if err != nil {
		return PromotionResult{}, err
	}

	if !promoted {
		return PromotionResult{}, nil
	}
	return PromotionResult{
		Promoted: true,
		FromTier: before.Tier,
		ToTier:   after.Tier,
		Reason:   fmt.Sprintf("reference_count=%d reached threshold for %s -> %s", after.ReferenceCount, before.Tier, after.Tier),
	}, nil
}

// Search runs a cross-tier FTS search. An empty tier searches every
// tier; an empty agentID skips the agent filter.
func (h *Hierarchy) Search(ctx context.Context, query string, tier store.Tier, agentID string, limit int) ([]store.Message, error) {
	return h.store.CrossTierSearch(ctx, query, tier, agentID, limit)
}

// ByTier lists messages at a single tier, optionally scoped to an agent.
func (h *Hierarchy) ByTier(ctx context.Context, tier store.Tier, agentID string, sortBy store.SortColumn, limit int) ([]store.Message, error) {
	return h.store.MessagesByTier(ctx, tier, agentID, sortBy, limit)
}

// ExpireOld deletes conversation-tier rows older than h.cfg.ConversationTTL
// and agent-tier rows older than h.cfg.AgentTTL. Project-tier rows are
// never touched. A non-positive TTL skips that tier's sweep entirely
// (treated as "no expiration configured", not "expire everything").
func (h *Hierarchy) ExpireOld(ctx context.Context) (conversationDeleted, agentDeleted int64, err error) {
	now := time.Now().UTC()
	if h.cfg.ConversationTTL > 0 {
		conversationDeleted, err = h.store.ExpireTier(ctx, store.TierConversation, now.Add(-h.cfg.ConversationTTL))
		if err != nil {
			return 0, 0, err
		}
	}
	if h.cfg.AgentTTL > 0 {
		agentDeleted, err = h.store.ExpireTier(ctx, store.TierAgent, now.Add(-h.cfg.AgentTTL))
		if err != nil {
			return conversationDeleted, 0, err
		}
	}
	return conversationDeleted, agentDeleted, nil
}
