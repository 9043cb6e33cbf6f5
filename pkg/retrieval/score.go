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

package retrieval

import (
	"math"
	"strings"
	"time"

	"github.com/kadirpekel/memoryengine/pkg/store"
)

// recencyHalfLife is the 7-day window in §4.H's recency decay.
const recencyHalfLife = 7 * 24 * time.Hour

// Weights is the four-factor scorer's coefficients (§4.H, §6 defaults).
type Weights struct {
	Semantic float64
	Recency  float64
	Tier     float64
	Entity   float64
}

// DefaultWeights matches §6's configuration defaults.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.4, Recency: 0.2, Tier: 0.3, Entity: 0.1}
}

// tierWeight maps a tier to its scoring contribution (§4.H).
func tierWeight(t store.Tier) float64 {
	switch t {
	case store.TierProject:
		return 1.0
	case store.TierAgent:
		return 0.7
	case store.TierConversation:
		return 0.4
	default:
		return 0.0
	}
}

// recencyScore computes exp(-age / 7d) for a message created at createdAt,
// evaluated as of now.
func recencyScore(createdAt, now time.Time) float64 {
	age := now.Sub(createdAt)
	if age < 0 {
		age = 0
	}
	return math.Exp(-float64(age) / float64(recencyHalfLife))
}

// tokenSet lowercases and whitespace-splits text into a deduplicated set,
// the shared basis for every Jaccard similarity in this package.
func tokenSet(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// jaccard returns |a ∩ b| / |a ∪ b|, 0 when both sets are empty.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// score combines the four factors per §4.H's formula. semantic is the
// carried-over search score when available; callers fall back to a token
// Jaccard against the query before calling score when it is not.
func score(w Weights, semantic, recency, tier, entityOverlap float64) float64 {
	return w.Semantic*semantic + w.Recency*recency + w.Tier*tier + w.Entity*entityOverlap
}

// estimateTokens approximates token count from character length, the
// ceil(len/4) estimator §4.H's budgeted formatting step uses.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// clampInt bounds v to [lo, hi].
func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
