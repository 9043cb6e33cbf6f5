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

package entity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agext/levenshtein"

	"github.com/kadirpekel/memoryengine/pkg/store"
)

// MergeStrategy is one of the four policies §4.D and the glossary name
// for combining two duplicate entities.
type MergeStrategy string

const (
	MergeNewestWins        MergeStrategy = "newest_wins"
	MergeHighestConfidence MergeStrategy = "highest_confidence"
	MergeContext           MergeStrategy = "merge_context"
	MergeManual            MergeStrategy = "manual"
)

const (
	defaultSimilarityThreshold = 0.85
	defaultMaxContextLength    = 500
)

// Registry is the shared, cross-agent entity registry layered on top of
// Memory: exact match, then fuzzy match via normalized Levenshtein
// similarity, then create (§4.D).
type Registry struct {
	store               *store.Store
	similarityThreshold float64
	maxContextLength    int
	strategy            MergeStrategy
	log                 *slog.Logger
}

// RegistryOption configures a Registry at construction time.
type RegistryOption func(*Registry)

// WithSimilarityThreshold overrides the default 0.85 fuzzy-match cutoff.
func WithSimilarityThreshold(t float64) RegistryOption {
	return func(r *Registry) { r.similarityThreshold = t }
}

// WithMaxContextLength overrides the default merge_context truncation length.
func WithMaxContextLength(n int) RegistryOption {
	return func(r *Registry) { r.maxContextLength = n }
}

// WithMergeStrategy overrides the default merge_context strategy.
func WithMergeStrategy(s MergeStrategy) RegistryOption {
	return func(r *Registry) { r.strategy = s }
}

// NewRegistry builds a shared registry over s.
func NewRegistry(s *store.Store, log *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:               s,
		similarityThreshold: defaultSimilarityThreshold,
		maxContextLength:    defaultMaxContextLength,
		strategy:            MergeContext,
		log:                 log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetGlobalEntity performs, in order: exact (type, value) match with an
// access-touch; fuzzy match against active global entities of the same
// type via normalized Levenshtein similarity, merged on a hit; or
// creation of a brand-new global entity. confidence is the caller's
// observed confidence for value (typically an extractor Candidate's).
func (r *Registry) GetGlobalEntity(ctx context.Context, entityType, value string, confidence float64, agentID string, meta map[string]any) (store.Entity, error) {
	if entityType == "" || value == "" {
		return store.Entity{}, fmt.Errorf("entity: type and value are required")
	}

	if existing, err := r.store.GetGlobalEntity(ctx, entityType, value); err == nil {
		return r.store.AccessGlobalEntity(ctx, existing.ID, agentID)
	} else if err != store.ErrNotFound {
		return store.Entity{}, err
	}

	candidates, err := r.store.EntitiesByType(ctx, entityType, 500)
	if err != nil {
		return store.Entity{}, err
	}
	best, bestScore := store.Entity{}, 0.0
	for _, c := range candidates {
		if !c.IsGlobal {
			continue
		}
		score := levenshtein.Match(value, c.Value, nil)
		if score >= r.similarityThreshold && score > bestScore {
			best, bestScore = c, score
		}
	}
	if bestScore > 0 {
		return r.merge(ctx, best, value, confidence, agentID)
	}

	return r.store.UpsertEntity(ctx, store.Entity{
		Type:               entityType,
		Value:              value,
		Confidence:         confidence,
		Metadata:           meta,
		IsGlobal:           true,
		LastUpdatedByAgent: agentID,
	})
}

// merge folds a newly-observed (value, confidence) pair — value stored
// as supplementary context, e.g. an alternate spelling — into an
// existing global entity under the registry's configured strategy.
func (r *Registry) merge(ctx context.Context, existing store.Entity, newValue string, newConfidence float64, agentID string) (store.Entity, error) {
	strategy := r.strategy
	if strategy == MergeManual {
		r.log.Warn("entity: manual merge strategy requested, falling back to merge_context",
			"entity_id", existing.ID, "type", existing.Type)
		strategy = MergeContext
	}

	var confidence float64
	var context string

	switch strategy {
	case MergeNewestWins:
		confidence = newConfidence
		context = newValue
	case MergeHighestConfidence:
		if newConfidence > existing.Confidence {
			confidence, context = newConfidence, newValue
		} else {
			confidence, context = existing.Confidence, existing.Context
		}
	case MergeContext:
		confidence = existing.Confidence
		if newConfidence > confidence {
			confidence = newConfidence
		}
		context = concatDistinctContext(existing.Context, newValue, r.maxContextLength)
	default:
		confidence = existing.Confidence
		context = existing.Context
	}

	return r.store.ApplyEntityMerge(ctx, existing.ID, context, agentID, confidence)
}

func concatDistinctContext(existing, addition string, maxLen int) string {
	if existing == "" {
		return truncate(addition, maxLen)
	}
	if addition == "" || existing == addition {
		return truncate(existing, maxLen)
	}
	return truncate(existing+"; "+addition, maxLen)
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
