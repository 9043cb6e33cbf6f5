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

// Package collab implements agent-to-agent collaboration and handoff
// preparation: agent ID validation, cycle detection, a per-session
// circuit breaker, and the handoff-payload builder (§4.J).
package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kadirpekel/memoryengine/pkg/entity"
	"github.com/kadirpekel/memoryengine/pkg/store"
)

// ErrCircularHandoff is returned when a proposed handoff edge would
// close a cycle in the session's collaboration graph (§4.J, §7). The
// rejection is persisted for audit before the error is returned.
var ErrCircularHandoff = fmt.Errorf("collab: circular handoff rejected")

// Default configuration values, per §6.
const (
	DefaultMaxChainLength          = 10
	DefaultCircularDetectionDepth  = 5
	DefaultHandoffTTL              = time.Hour
	DefaultMaxCircularViolations   = 3
	DefaultCircuitBreakerCooldown  = 5 * time.Minute
	DefaultMaxMemories             = 10
	DefaultTokenBudget             = 5000
	DefaultMaxEntities             = 20
)

// Scorer ranks a candidate message's relevance to a handoff, the same
// role §4.H's enhanced scorer plays for retrieval. A nil Scorer falls
// back to a plain token-Jaccard overlap against reason.
type Scorer interface {
	Score(ctx context.Context, message store.Message, reason string) float64
}

// Config holds collaboration's tunable thresholds, fixed once per
// process per §4.J.
type Config struct {
	MaxChainLength         int
	CircularDetectionDepth int
	HandoffTTL             time.Duration
	BlockCircularHandoffs  bool
	MaxCircularViolations  int
	CircuitBreakerCooldown time.Duration
	MaxMemories            int
	TokenBudget            int
	MaxEntities            int
}

// SetDefaults fills zero-valued fields with §6's documented defaults.
// BlockCircularHandoffs is left as given: a bool has no "unset"
// sentinel, so its zero value disables blocking, and callers that want
// blocking set it to true (config.ToCollaboration does by default).
func (c *Config) SetDefaults() {
	if c.MaxChainLength <= 0 {
		c.MaxChainLength = DefaultMaxChainLength
	}
	if c.CircularDetectionDepth <= 0 {
		c.CircularDetectionDepth = DefaultCircularDetectionDepth
	}
	if c.HandoffTTL <= 0 {
		c.HandoffTTL = DefaultHandoffTTL
	}
	if c.MaxCircularViolations <= 0 {
		c.MaxCircularViolations = DefaultMaxCircularViolations
	}
	if c.CircuitBreakerCooldown <= 0 {
		c.CircuitBreakerCooldown = DefaultCircuitBreakerCooldown
	}
	if c.MaxMemories <= 0 {
		c.MaxMemories = DefaultMaxMemories
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = DefaultTokenBudget
	}
	if c.MaxEntities <= 0 {
		c.MaxEntities = DefaultMaxEntities
	}
}

// Service implements agent collaboration and handoff preparation.
type Service struct {
	store    *store.Store
	registry *entity.Registry
	scorer   Scorer
	cfg      Config
	breaker  *circuitBreaker
	log      *slog.Logger
}

// New builds a Service with cfg's defaults applied. scorer may be nil,
// in which case handoff memory selection falls back to token-Jaccard
// overlap against the handoff reason.
func New(s *store.Store, registry *entity.Registry, scorer Scorer, cfg Config, log *slog.Logger) *Service {
	cfg.SetDefaults()
	return &Service{
		store:    s,
		registry: registry,
		scorer:   scorer,
		cfg:      cfg,
		breaker:  newCircuitBreaker(cfg.MaxCircularViolations, cfg.CircuitBreakerCooldown),
		log:      log,
	}
}

// HandoffRequest is PrepareHandoff's input.
type HandoffRequest struct {
	SessionID     string
	WorkflowID    string
	SourceAgentID string
	TargetAgentID string
	HandoffType   store.HandoffType
	Reason        string
}

// HandoffPreparation is PrepareHandoff's output: the persisted pending
// collaboration plus its formatted payload.
type HandoffPreparation struct {
	HandoffID string
	Payload   string
}

// PrepareHandoff validates the proposed edge, rejects it if it would
// create a cycle (persisting the rejection for audit and tripping the
// circuit breaker) or if the breaker is already open, then builds and
// persists a pending collaboration carrying a bounded selection of
// shared memories and known entities (§4.J).
func (svc *Service) PrepareHandoff(ctx context.Context, req HandoffRequest) (HandoffPreparation, error) {
	source, err := ValidateAgentID(req.SourceAgentID)
	if err != nil {
		return HandoffPreparation{}, err
	}
	target, err := ValidateAgentID(req.TargetAgentID)
	if err != nil {
		return HandoffPreparation{}, err
	}

	if err := svc.breaker.Check(req.SessionID); err != nil {
		return HandoffPreparation{}, err
	}

	cycle, err := wouldCreateCycle(ctx, svc.store, req.SessionID, source, target, svc.cfg.CircularDetectionDepth)
	if err != nil {
		return HandoffPreparation{}, fmt.Errorf("collab: cycle detection: %w", err)
	}
	if cycle && svc.cfg.BlockCircularHandoffs {
		rejected, cerr := svc.store.CreateCollaboration(ctx, store.Collaboration{
			SessionID:     req.SessionID,
			WorkflowID:    req.WorkflowID,
			SourceAgentID: source,
			TargetAgentID: target,
			HandoffType:   orDefaultHandoffType(req.HandoffType),
		})
		if cerr == nil {
			_ = svc.store.RejectCollaboration(ctx, rejected.HandoffID)
		}
		violations := svc.breaker.RecordViolation(req.SessionID)
		svc.log.Warn("circular handoff rejected", "session_id", req.SessionID, "source", source, "target", target, "violations", violations)
		return HandoffPreparation{}, fmt.Errorf("%w: %s -> %s", ErrCircularHandoff, source, target)
	}

	if length, err := chainLength(ctx, svc.store, req.SessionID, target, svc.cfg.MaxChainLength+1); err == nil && length >= svc.cfg.MaxChainLength {
		svc.log.Warn("long collaboration chain", "session_id", req.SessionID, "target", target, "length", length)
	}

	payload, err := svc.buildPayload(ctx, req.SessionID, source, req.Reason)
	if err != nil {
		return HandoffPreparation{}, fmt.Errorf("collab: build handoff payload: %w", err)
	}

	created, err := svc.store.CreateCollaboration(ctx, store.Collaboration{
		SessionID:     req.SessionID,
		WorkflowID:    req.WorkflowID,
		SourceAgentID: source,
		TargetAgentID: target,
		HandoffContext: map[string]any{
			"payload": payload,
			"reason":  req.Reason,
		},
		HandoffType: orDefaultHandoffType(req.HandoffType),
	})
	if err != nil {
		return HandoffPreparation{}, fmt.Errorf("collab: create collaboration: %w", err)
	}

	return HandoffPreparation{HandoffID: created.HandoffID, Payload: payload}, nil
}

// ApplyHandoffContext marks a pending handoff applied and returns its
// formatted payload for injection into the target agent's context
// (§4.J, §6 apply_handoff_context).
func (svc *Service) ApplyHandoffContext(ctx context.Context, handoffID string) (string, error) {
	collab, err := svc.store.GetCollaborationByHandoffID(ctx, handoffID)
	if err != nil {
		return "", err
	}
	if err := svc.store.ApplyCollaboration(ctx, handoffID); err != nil {
		return "", fmt.Errorf("collab: apply collaboration: %w", err)
	}
	payload, _ := collab.HandoffContext["payload"].(string)
	return payload, nil
}

// buildPayload gathers up to MaxMemories recent messages, extracts and
// registers their entities, ranks the messages by relevance to reason,
// greedily selects within TokenBudget, and formats the two-section
// "Shared Memories" / "Known Entities" payload (§4.J).
func (svc *Service) buildPayload(ctx context.Context, sessionID, agentID, reason string) (string, error) {
	messages, err := svc.store.RecentMessagesBySession(ctx, sessionID, svc.cfg.MaxMemories)
	if err != nil {
		return "", err
	}

	entityValues := make(map[string]bool)
	for _, msg := range messages {
		for _, cand := range entity.ExtractFromText(msg.Content) {
			if svc.registry != nil {
				if _, err := svc.registry.GetGlobalEntity(ctx, cand.Type, cand.Value, cand.Confidence, agentID, nil); err != nil {
					continue
				}
			}
			entityValues[cand.Value] = true
		}
	}

	selected := svc.selectWithinBudget(ctx, messages, reason)

	var b strings.Builder
	b.WriteString("Shared Memories\n")
	for _, m := range selected {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", m.Tier, m.Role, m.Content)
	}
	b.WriteString("\nKnown Entities\n")
	names := make([]string, 0, len(entityValues))
	for v := range entityValues {
		names = append(names, v)
	}
	sort.Strings(names)
	if len(names) > svc.cfg.MaxEntities {
		names = names[:svc.cfg.MaxEntities]
	}
	for _, v := range names {
		fmt.Fprintf(&b, "- %s\n", v)
	}
	return b.String(), nil
}

type scoredMessage struct {
	message store.Message
	score   float64
	tokens  int
}

// selectWithinBudget ranks messages by relevance to reason and greedily
// keeps the highest-scoring ones whose combined estimated token cost
// stays within TokenBudget (§4.J's greedy-knapsack memory selection).
func (svc *Service) selectWithinBudget(ctx context.Context, messages []store.Message, reason string) []store.Message {
	scored := make([]scoredMessage, 0, len(messages))
	for _, m := range messages {
		score := 0.0
		if svc.scorer != nil {
			score = svc.scorer.Score(ctx, m, reason)
		} else {
			score = jaccardOverlap(m.Content, reason)
		}
		scored = append(scored, scoredMessage{message: m, score: score, tokens: estimateTokens(m.Content)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	var out []store.Message
	used := 0
	for _, s := range scored {
		if used+s.tokens > svc.cfg.TokenBudget {
			continue
		}
		out = append(out, s.message)
		used += s.tokens
	}
	return out
}

func orDefaultHandoffType(t store.HandoffType) store.HandoffType {
	if t == "" {
		return store.HandoffSequential
	}
	return t
}

func jaccardOverlap(a, b string) float64 {
	if strings.TrimSpace(b) == "" {
		return 0
	}
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[tok] = true
	}
	return out
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
