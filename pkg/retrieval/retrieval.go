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

// Package retrieval implements inject_enhanced_memory (§4.H): query
// derivation, result caching, token budgeting, parallel candidate
// gathering across the semantic index and hierarchical store, multi-
// factor scoring, and budgeted formatting. Retrieval is fail-safe: no
// error here ever reaches the host's tool call (§5, §7).
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/memoryengine/pkg/entity"
	"github.com/kadirpekel/memoryengine/pkg/semantic"
	"github.com/kadirpekel/memoryengine/pkg/store"
)

// Mode selects the backward-compatibility switch between the legacy
// "basic" scorer and the four-factor "enhanced" scorer (§4.H).
type Mode string

const (
	ModeBasic    Mode = "basic"
	ModeEnhanced Mode = "enhanced"
)

// queryFields is the fixed fallback order §4.H's query derivation walks
// when the caller supplies no explicit query.
var queryFields = []string{"description", "prompt", "task", "query", "message", "input", "objective"}

// Config holds every tunable §6 lists for retrieval.
type Config struct {
	Mode Mode

	Weights          Weights
	TokenBudgetRatio float64
	MinTokens        int
	MaxTokens        int
	MinRelevance     float64
	ScoringTimeout   time.Duration
	InjectionTimeout time.Duration

	SemanticEnabled         bool
	EntityExtractionEnabled bool
	SemanticTopK            int
	HierarchicalTopK        int
	RecentFallbackLimit     int

	CacheCapacity int
	CacheTTL      time.Duration
}

// SetDefaults fills every zero-valued field with §6's documented default,
// except SemanticEnabled and EntityExtractionEnabled, which are left as
// given.
func (c *Config) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ModeEnhanced
	}
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.TokenBudgetRatio == 0 {
		c.TokenBudgetRatio = 0.2
	}
	if c.MinTokens == 0 {
		c.MinTokens = 1000
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 40000
	}
	if c.MinRelevance == 0 {
		c.MinRelevance = 0.5
	}
	if c.ScoringTimeout == 0 {
		c.ScoringTimeout = 100 * time.Millisecond
	}
	if c.InjectionTimeout == 0 {
		c.InjectionTimeout = 500 * time.Millisecond
	}
	if c.SemanticTopK == 0 {
		c.SemanticTopK = 20
	}
	if c.HierarchicalTopK == 0 {
		c.HierarchicalTopK = 20
	}
	if c.RecentFallbackLimit == 0 {
		c.RecentFallbackLimit = 10
	}
	if c.CacheCapacity == 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
}

// Input is one inject_enhanced_memory call's parameters.
type Input struct {
	SessionID     string
	AgentID       string
	Query         string
	Params        map[string]any
	MaxTokens     int
	CurrentTokens int
	Budget        int
}

// Result is inject_enhanced_memory's return value.
type Result struct {
	Payload    string
	TokensUsed int
	Sources    []string
	Scores     []float64
	Duration   time.Duration
	Error      string
	FromCache  bool
	Cancelled  bool
}

const semanticMinRelevanceGate = 0.3

const (
	sourceSemantic     = "semantic"
	sourceHierarchical = "hierarchical"
	sourceRecent       = "recent"
)

func sourceRank(s string) int {
	switch s {
	case sourceSemantic:
		return 3
	case sourceHierarchical:
		return 2
	case sourceRecent:
		return 1
	default:
		return 0
	}
}

// candidate is a deduplicated message plus everything scoring needs.
type candidate struct {
	message       store.Message
	source        string
	semanticScore float64
	hasSemantic   bool
}

// SemanticSearcher is the subset of *semantic.Service retrieval needs,
// narrowed to an interface so tests can substitute a fake.
type SemanticSearcher interface {
	Search(ctx context.Context, query string, k int) ([]semantic.Match, error)
}

// Service implements inject_enhanced_memory.
type Service struct {
	store    *store.Store
	semantic SemanticSearcher
	cfg      Config
	cache    *resultCache
	latency  latencyRing
	metrics  *Metrics
	now      func() time.Time
}

// New builds a Service. semanticSvc may be nil when cfg.SemanticEnabled is
// false or the engine was opened without an embedder.
func New(s *store.Store, semanticSvc SemanticSearcher, cfg Config, metrics *Metrics) *Service {
	cfg.SetDefaults()
	return &Service{
		store:    s,
		semantic: semanticSvc,
		cfg:      cfg,
		cache:    newResultCache(cfg.CacheCapacity, cfg.CacheTTL),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Percentiles returns the p50/p95/p99 injection latencies over the last
// 100 calls (§4.H step 8).
func (svc *Service) Percentiles() (p50, p95, p99 float64) {
	return svc.latency.percentiles()
}

// InjectEnhancedMemory implements §4.H end to end. It never returns an
// error: failures are caught, logged into Result.Error, and degrade to an
// empty payload (§5, §7 fail-safe).
func (svc *Service) InjectEnhancedMemory(ctx context.Context, in Input) (result Result) {
	start := svc.now()
	defer func() {
		if r := recover(); r != nil {
			result = Result{Error: fmt.Sprintf("retrieval: panic recovered: %v", r)}
		}
		result.Duration = svc.now().Sub(start)
		svc.latency.record(result.Duration)
		svc.metrics.recordInjection(result.Duration)
		if svc.latency.shouldSnapshot() {
			svc.persistMetricSnapshot(context.Background(), in.SessionID)
		}
	}()

	query := deriveQuery(in)
	if query == "" {
		return Result{}
	}

	cacheKey := in.SessionID + ":" + truncateRunes(query, 50)
	if cached, ok := svc.cache.get(cacheKey); ok {
		svc.metrics.recordCacheHit()
		cached.FromCache = true
		return cached
	}
	svc.metrics.recordCacheMiss()

	budget := svc.tokenBudget(in)

	injectCtx, cancel := context.WithTimeout(ctx, svc.cfg.InjectionTimeout)
	defer cancel()

	candidates := svc.gatherCandidates(injectCtx, in, query)
	if injectCtx.Err() == context.Canceled || ctx.Err() == context.Canceled {
		return Result{Cancelled: true}
	}

	scored := svc.scoreCandidates(candidates, query, in)

	payload, tokensUsed, sources, scores := svc.formatBudgeted(scored, budget)

	result = Result{
		Payload:    payload,
		TokensUsed: tokensUsed,
		Sources:    sources,
		Scores:     scores,
	}
	svc.cache.put(cacheKey, result)
	return result
}

// deriveQuery implements §4.H step 1.
func deriveQuery(in Input) string {
	if strings.TrimSpace(in.Query) != "" {
		return in.Query
	}
	for _, field := range queryFields {
		if v, ok := in.Params[field]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

// tokenBudget implements §4.H step 3.
func (svc *Service) tokenBudget(in Input) int {
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = svc.cfg.MaxTokens
	}
	if in.Budget > 0 {
		return clampInt(in.Budget, 0, maxTokens)
	}
	remaining := maxTokens - in.CurrentTokens
	budget := int(math.Floor(float64(remaining) * svc.cfg.TokenBudgetRatio))
	return clampInt(budget, svc.cfg.MinTokens, maxTokens)
}

// gatherCandidates implements §4.H step 4: parallel, independent sourcing
// followed by dedup preserving the strongest source tag.
func (svc *Service) gatherCandidates(ctx context.Context, in Input, query string) []candidate {
	var (
		mu  sync.Mutex
		all []candidate
		wg  sync.WaitGroup
	)
	add := func(c candidate) {
		mu.Lock()
		all = append(all, c)
		mu.Unlock()
	}

	if svc.cfg.SemanticEnabled && svc.semantic != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			matches, err := svc.semantic.Search(ctx, query, svc.cfg.SemanticTopK)
			if err != nil {
				return
			}
			for _, m := range matches {
				if m.Score < semanticMinRelevanceGate {
					continue
				}
				add(candidate{message: m.Message, source: sourceSemantic, semanticScore: m.Score, hasSemantic: true})
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if ctx.Err() != nil {
			return
		}
		for _, m := range svc.hierarchicalCandidates(ctx, in, query) {
			add(candidate{message: m, source: sourceHierarchical})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if ctx.Err() != nil {
			return
		}
		msgs, err := svc.store.RecentMessagesBySession(ctx, in.SessionID, svc.cfg.RecentFallbackLimit)
		if err != nil {
			return
		}
		for _, m := range msgs {
			add(candidate{message: m, source: sourceRecent})
		}
	}()

	wg.Wait()
	return dedupeCandidates(all)
}

// hierarchicalCandidates implements the tier restriction in §4.H step 4:
// {project, agent} when agent_id is present, else every tier.
func (svc *Service) hierarchicalCandidates(ctx context.Context, in Input, query string) []store.Message {
	if in.AgentID == "" {
		msgs, err := svc.store.CrossTierSearch(ctx, query, "", "", svc.cfg.HierarchicalTopK)
		if err != nil {
			return nil
		}
		return msgs
	}

	var out []store.Message
	if msgs, err := svc.store.CrossTierSearch(ctx, query, store.TierProject, in.AgentID, svc.cfg.HierarchicalTopK); err == nil {
		out = append(out, msgs...)
	}
	if msgs, err := svc.store.CrossTierSearch(ctx, query, store.TierAgent, in.AgentID, svc.cfg.HierarchicalTopK); err == nil {
		out = append(out, msgs...)
	}
	if len(out) > svc.cfg.HierarchicalTopK {
		out = out[:svc.cfg.HierarchicalTopK]
	}
	return out
}

// dedupeCandidates keeps one candidate per message_id, preferring the
// highest-ranked source tag (§4.H step 4).
func dedupeCandidates(all []candidate) []candidate {
	best := make(map[int64]candidate, len(all))
	for _, c := range all {
		existing, ok := best[c.message.ID]
		if !ok || sourceRank(c.source) > sourceRank(existing.source) {
			best[c.message.ID] = c
		}
	}
	out := make([]candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	return out
}

// scoredCandidate pairs a candidate with its final score and source tag.
type scoredCandidate struct {
	message store.Message
	source  string
	score   float64
}

// scoreCandidates implements §4.H steps 5-6, honoring the soft scoring
// latency budget by stopping early (and keeping what has been scored so
// far) if the candidate set is large enough that scoring runs long.
func (svc *Service) scoreCandidates(candidates []candidate, query string, in Input) []scoredCandidate {
	scoringStart := svc.now()
	defer func() { svc.metrics.recordScoring(svc.now().Sub(scoringStart)) }()

	now := svc.now()
	queryTokens := tokenSet(query)
	var queryEntities map[string]struct{}
	if svc.cfg.EntityExtractionEnabled {
		queryEntities = entityValueSet(query)
	}

	out := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		if svc.now().Sub(scoringStart) > svc.cfg.ScoringTimeout {
			svc.metrics.recordTruncation()
			break
		}

		var s float64
		if svc.cfg.Mode == ModeBasic {
			s = svc.basicScore(c, queryTokens, now)
		} else {
			s = svc.enhancedScore(c, queryTokens, queryEntities, now)
		}
		if s < svc.cfg.MinRelevance {
			continue
		}
		out = append(out, scoredCandidate{message: c.message, source: c.source, score: s})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

func (svc *Service) enhancedScore(c candidate, queryTokens, queryEntities map[string]struct{}, now time.Time) float64 {
	semanticFactor := c.semanticScore
	if !c.hasSemantic {
		semanticFactor = jaccard(queryTokens, tokenSet(c.message.Content))
	}
	recency := recencyScore(c.message.CreatedAt, now)
	tier := tierWeight(c.message.Tier)

	var entityOverlap float64
	if svc.cfg.EntityExtractionEnabled {
		entityOverlap = jaccard(queryEntities, entityValueSet(c.message.Content))
	}
	return score(svc.cfg.Weights, semanticFactor, recency, tier, entityOverlap)
}

// basicScore implements the legacy "basic" mode: recency + type-weighted
// similarity + a cost heuristic favoring shorter, cheaper memories.
func (svc *Service) basicScore(c candidate, queryTokens map[string]struct{}, now time.Time) float64 {
	recency := recencyScore(c.message.CreatedAt, now)
	similarity := jaccard(queryTokens, tokenSet(c.message.Content))
	typeWeighted := similarity * tierWeight(c.message.Tier)
	costHeuristic := 1.0 / (1.0 + float64(estimateTokens(c.message.Content))/500.0)
	return 0.5*recency + 0.3*typeWeighted + 0.2*costHeuristic
}

// entityValueSet extracts entities from text and returns their lowercased
// value set, the basis for the entity_overlap factor (§4.H).
func entityValueSet(text string) map[string]struct{} {
	candidates := entity.ExtractFromText(text)
	set := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		set[strings.ToLower(c.Value)] = struct{}{}
	}
	return set
}

// formatBudgeted implements §4.H step 7.
func (svc *Service) formatBudgeted(ranked []scoredCandidate, budget int) (payload string, tokensUsed int, sources []string, scores []float64) {
	var b strings.Builder
	for i, c := range ranked {
		formatted := formatCandidate(c)
		cost := estimateTokens(formatted)
		if tokensUsed+cost > budget {
			break
		}
		if i > 0 && b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(formatted)
		tokensUsed += cost
		sources = append(sources, c.source)
		scores = append(scores, c.score)
	}
	return b.String(), tokensUsed, sources, scores
}

func formatCandidate(c scoredCandidate) string {
	return fmt.Sprintf("**[%s] %s** (relevance: %.2f)\n%s",
		strings.ToUpper(string(c.message.Tier)), c.message.Role, c.score, c.message.Content)
}

func (svc *Service) persistMetricSnapshot(ctx context.Context, sessionID string) {
	p50, p95, p99 := svc.latency.percentiles()
	_ = svc.store.RecordMetricSnapshot(ctx, store.MemoryMetricSnapshot{
		SessionID:    sessionID,
		P50LatencyMS: p50,
		P95LatencyMS: p95,
		P99LatencyMS: p99,
		SampleCount:  svc.latency.sampleCount(),
	})
}

// truncateRunes returns the first n runes of s.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
