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

// Package pattern learns recurring workflows, tool chains, and error
// fixes across sessions, growing confidence toward 1.0 as a pattern
// recurs, and removing stale, low-confidence patterns when Decay is
// called (§4.F). The cleanup sweep does not call Decay.
package pattern

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/memoryengine/pkg/store"
)

const initialConfidence = 0.10
const maxConfidence = 0.99

// Learner records and queries learned patterns on top of pkg/store.
type Learner struct {
	store *store.Store
}

// New wraps s.
func New(s *store.Store) *Learner {
	return &Learner{store: s}
}

// WorkflowKey derives the deterministic key for a workflow pattern: a
// literal join of the step sequence, per §4.F.
func WorkflowKey(sequence []string) string {
	return "workflow:" + strings.Join(sequence, "->")
}

// FallbackKey derives the deterministic key used when a pattern type has
// no dedicated key scheme: "<type>:<hash(data)>".
func FallbackKey(patternType string, data any) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%#v", data)))
	return patternType + ":" + hex.EncodeToString(sum[:])[:16]
}

// growthRate returns §4.F's tiered growth rate for the pattern's new
// total occurrence count.
func growthRate(totalCount int) float64 {
	switch {
	case totalCount < 5:
		return 0.10
	case totalCount < 10:
		return 0.05
	case totalCount < 50:
		return 0.02
	default:
		return 0.01
	}
}

// Record implements §4.F's record(type, data, inc=1): a first sighting
// of key inserts at initialConfidence; a repeat sighting grows
// occurrence_count by inc and moves confidence toward 1.0 by
// (1-confidence)*growth_rate(total)*inc, capped at 0.99.
func (l *Learner) Record(ctx context.Context, patternType, key, value string, inc int) (store.LearnedPattern, error) {
	if inc <= 0 {
		inc = 1
	}
	existing, err := l.store.GetPattern(ctx, patternType, key)
	if err == store.ErrNotFound {
		return l.store.RecordPattern(ctx, patternType, key, value, initialConfidence, inc)
	}
	if err != nil {
		return store.LearnedPattern{}, err
	}

	total := existing.OccurrenceCount + inc
	confidence := existing.Confidence + (1-existing.Confidence)*growthRate(total)*float64(inc)
	if confidence > maxConfidence {
		confidence = maxConfidence
	}
	return l.store.RecordPattern(ctx, patternType, key, value, confidence, inc)
}

// RecordWorkflow records an observed step sequence under the workflow
// key scheme.
func (l *Learner) RecordWorkflow(ctx context.Context, sequence []string) (store.LearnedPattern, error) {
	return l.Record(ctx, "workflow", WorkflowKey(sequence), strings.Join(sequence, "->"), 1)
}

// ByType lists patterns of a type above minConfidence, most confident first.
func (l *Learner) ByType(ctx context.Context, patternType string, minConfidence float64, limit int) ([]store.LearnedPattern, error) {
	all, err := l.store.PatternsByType(ctx, patternType, limit)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if p.Confidence >= minConfidence {
			out = append(out, p)
		}
	}
	return out, nil
}

// Decay removes patterns below floorConfidence that also haven't been
// seen within the last maxAge.
func (l *Learner) Decay(ctx context.Context, floorConfidence float64, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	return l.store.DecayPatterns(ctx, floorConfidence, cutoff)
}
