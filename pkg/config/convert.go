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

package config

import (
	"github.com/kadirpekel/memoryengine/pkg/cleanup"
	"github.com/kadirpekel/memoryengine/pkg/collab"
	"github.com/kadirpekel/memoryengine/pkg/embedder"
	"github.com/kadirpekel/memoryengine/pkg/hierarchy"
	"github.com/kadirpekel/memoryengine/pkg/overflow"
	"github.com/kadirpekel/memoryengine/pkg/retrieval"
)

// ToHierarchy converts TiersConfig into hierarchy.Config. ProjectTTLHours
// has no analog in hierarchy.Config: the project tier never expires by
// reference-count logic, only cleanup's session_ttl governs its session
// row's lifetime, so it's intentionally not wired here.
func (c *Config) ToHierarchy() hierarchy.Config {
	return hierarchy.Config{
		ConversationToAgent: c.Tiers.ConversationToAgent,
		AgentToProject:      c.Tiers.AgentToProject,
		ConversationTTL:     durationHours(c.Tiers.ConversationTTLHours),
		AgentTTL:            durationHours(c.Tiers.AgentTTLHours),
	}
}

// ToRetrieval converts RetrievalConfig into retrieval.Config. Mode and
// the top-K/cache tunables have no §6 key of their own;
// retrieval.Config.SetDefaults fills them in, so the zero values here are
// intentional, not an oversight. SemanticEnabled and
// EntityExtractionEnabled have no key either and are switched on here,
// since SetDefaults cannot tell a bool's zero value from an explicit false.
func (c *Config) ToRetrieval() retrieval.Config {
	r := c.Retrieval
	return retrieval.Config{
		Weights: retrieval.Weights{
			Semantic: r.Weights.Semantic,
			Recency:  r.Weights.Recency,
			Tier:     r.Weights.Tier,
			Entity:   r.Weights.Entity,
		},
		TokenBudgetRatio: r.TokenBudgetRatio,
		MinTokens:        r.MinTokens,
		MaxTokens:        r.MaxTokens,
		MinRelevance:     r.MinRelevance,
		ScoringTimeout:   durationMs(r.ScoringTimeoutMs),
		InjectionTimeout: durationMs(r.InjectionTimeoutMs),

		SemanticEnabled:         true,
		EntityExtractionEnabled: true,
	}
}

// ToOverflow converts OverflowConfig into overflow.Config.
func (c *Config) ToOverflow() overflow.Config {
	return overflow.Config{
		WarningThreshold:   c.Overflow.Warning,
		CompressThreshold:  c.Overflow.Compress,
		SummarizeThreshold: c.Overflow.Summarize,
		HandoffThreshold:   c.Overflow.Handoff,
	}
}

// ToCollaboration converts CollaborationConfig into collab.Config.
func (c *Config) ToCollaboration() collab.Config {
	block := true
	if c.Collaboration.BlockCircularHandoffs != nil {
		block = *c.Collaboration.BlockCircularHandoffs
	}
	return collab.Config{
		MaxChainLength:         c.Collaboration.MaxChainLength,
		CircularDetectionDepth: c.Collaboration.CircularDetectionDepth,
		HandoffTTL:             durationMs(c.Collaboration.HandoffTTLMs),
		BlockCircularHandoffs:  block,
		MaxCircularViolations:  c.Collaboration.MaxCircularViolations,
		CircuitBreakerCooldown: durationMs(c.Collaboration.CircuitBreakerCooldownMs),
	}
}

// ToCleanup converts CleanupConfig into cleanup.Config. HandoffTTL is
// carried from CollaborationConfig, not CleanupConfig: it is J's TTL
// that L expires lazily, not a cleanup-specific tunable of its own.
func (c *Config) ToCleanup() cleanup.Config {
	return cleanup.Config{
		RunInterval: durationMs(c.Cleanup.RunIntervalMs),
		SessionTTL:  durationDays(c.Cleanup.SessionTTLDays),
		MessageTTL:  durationDays(c.Cleanup.MessageTTLDays),
		VectorTTL:   durationDays(c.Cleanup.VectorTTLDays),
		HandoffTTL:  durationMs(c.Collaboration.HandoffTTLMs),
	}
}

// IndexerAutoStart reports whether the background indexer loop should
// be launched at open (§6's indexer.auto_start, default true).
func (c *Config) IndexerAutoStart() bool {
	return c.Indexer.AutoStart == nil || *c.Indexer.AutoStart
}

// ToOpenAIEmbedder converts EmbedderConfig into embedder.OpenAIConfig.
func (c *Config) ToOpenAIEmbedder() embedder.OpenAIConfig {
	return embedder.OpenAIConfig{
		APIKey:    c.Embedder.APIKey,
		BaseURL:   c.Embedder.BaseURL,
		Model:     c.Embedder.Model,
		Dimension: c.Embedder.Dimension,
		Timeout:   durationMs(c.Embedder.TimeoutMs),
	}
}
