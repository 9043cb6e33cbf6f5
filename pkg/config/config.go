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

// Package config loads and validates the engine's configuration (§6).
// The engine is config-first the same way the teacher's agent runtime
// is: every tunable a component exposes has a recognized YAML key, a
// documented default, and a single place — Validate — where malformed
// input is rejected before the engine opens.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid wraps every validation failure Validate reports, so
// callers can test for it with errors.Is regardless of which section
// failed (§7's ConfigInvalid kind).
var ErrConfigInvalid = errors.New("config: invalid")

// Config is the root configuration structure (§6's "Configuration
// options"). Absent keys take the documented default, applied by
// SetDefaults.
type Config struct {
	// StorePath is the SQLite database file. Empty means in-memory,
	// useful for tests only.
	StorePath string `yaml:"store_path,omitempty"`
	// IndexPath is the ANN index's persisted binary.
	IndexPath string `yaml:"index_path,omitempty"`
	// EmbeddingCachePath is the embedding cache's persisted JSON.
	EmbeddingCachePath string `yaml:"embedding_cache_path,omitempty"`

	Tiers         TiersConfig         `yaml:"tiers,omitempty"`
	Retrieval     RetrievalConfig     `yaml:"retrieval,omitempty"`
	Overflow      OverflowConfig      `yaml:"overflow,omitempty"`
	Collaboration CollaborationConfig `yaml:"collaboration,omitempty"`
	Cleanup       CleanupConfig       `yaml:"cleanup,omitempty"`
	Indexer       IndexerConfig       `yaml:"indexer,omitempty"`
	Embedder      EmbedderConfig      `yaml:"embedder,omitempty"`
	Logger        LoggerConfig        `yaml:"logger,omitempty"`
}

// TiersConfig configures hierarchical memory promotion (§4.E, §6).
type TiersConfig struct {
	ConversationToAgent  int `yaml:"conversation_to_agent,omitempty"`
	AgentToProject       int `yaml:"agent_to_project,omitempty"`
	ConversationTTLHours int `yaml:"conversation_ttl_hours,omitempty"`
	AgentTTLHours        int `yaml:"agent_ttl_hours,omitempty"`
	// ProjectTTLHours is nil for "never expires" (§6's project_ttl: null).
	ProjectTTLHours *int `yaml:"project_ttl_hours,omitempty"`
}

// WeightsConfig mirrors retrieval.Weights with YAML tags.
type WeightsConfig struct {
	Semantic float64 `yaml:"semantic,omitempty"`
	Recency  float64 `yaml:"recency,omitempty"`
	Tier     float64 `yaml:"tier,omitempty"`
	Entity   float64 `yaml:"entity,omitempty"`
}

// RetrievalConfig configures scoring and injection (§4.H, §6).
type RetrievalConfig struct {
	Weights           WeightsConfig `yaml:"weights,omitempty"`
	TokenBudgetRatio  float64       `yaml:"token_budget_ratio,omitempty"`
	MinTokens         int           `yaml:"min_tokens,omitempty"`
	MaxTokens         int           `yaml:"max_tokens,omitempty"`
	MinRelevance      float64       `yaml:"min_relevance,omitempty"`
	ScoringTimeoutMs  int           `yaml:"scoring_timeout_ms,omitempty"`
	InjectionTimeoutMs int          `yaml:"injection_timeout_ms,omitempty"`
}

// OverflowConfig configures the context-overflow state machine (§4.I, §6).
type OverflowConfig struct {
	Warning   float64 `yaml:"warning,omitempty"`
	Compress  float64 `yaml:"compress,omitempty"`
	Summarize float64 `yaml:"summarize,omitempty"`
	Handoff   float64 `yaml:"handoff,omitempty"`
}

// CollaborationConfig configures handoff, cycle detection, and the
// circuit breaker (§4.J, §6).
type CollaborationConfig struct {
	MaxChainLength         int  `yaml:"max_chain_length,omitempty"`
	CircularDetectionDepth int  `yaml:"circular_detection_depth,omitempty"`
	HandoffTTLMs           int  `yaml:"handoff_ttl_ms,omitempty"`
	// BlockCircularHandoffs defaults to true (§6). A *bool, not bool,
	// because the zero value of bool can't be told apart from an
	// explicit false once YAML has decoded it.
	BlockCircularHandoffs    *bool `yaml:"block_circular_handoffs,omitempty"`
	MaxCircularViolations    int   `yaml:"max_circular_violations,omitempty"`
	CircuitBreakerCooldownMs int   `yaml:"circuit_breaker_cooldown_ms,omitempty"`
}

// CleanupConfig configures the retention sweep (§4.L, §6).
type CleanupConfig struct {
	SessionTTLDays int `yaml:"session_ttl_days,omitempty"`
	MessageTTLDays int `yaml:"message_ttl_days,omitempty"`
	VectorTTLDays  int `yaml:"vector_ttl_days,omitempty"`
	RunIntervalMs  int `yaml:"run_interval_ms,omitempty"`
}

// IndexerConfig configures the background semantic indexer (§4.G, §6).
type IndexerConfig struct {
	IntervalMs int `yaml:"interval_ms,omitempty"`
	BatchSize  int `yaml:"batch_size,omitempty"`
	// AutoStart defaults to true (§6); see BlockCircularHandoffs for why
	// this is a *bool.
	AutoStart *bool `yaml:"auto_start,omitempty"`
}

// EmbedderConfig selects and configures the embed() callable (§6's
// "external callables the engine consumes").
type EmbedderConfig struct {
	Provider  string `yaml:"provider,omitempty"` // "openai" is the only built-in provider
	APIKey    string `yaml:"api_key,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	Model     string `yaml:"model,omitempty"`
	Dimension int    `yaml:"dimension,omitempty"`
	TimeoutMs int    `yaml:"timeout_ms,omitempty"`
}

// LoggerConfig configures the ambient structured logger.
type LoggerConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug|info|warn|error
	Format string `yaml:"format,omitempty"` // text|json
}

// Load reads and parses a YAML config file, applies defaults, and
// validates it. Equivalent to the teacher's LoadConfigFile, minus the
// dynamic provider/watch machinery this engine has no use for.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfigInvalid, path, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills every zero-valued field with §6's documented default.
// Component packages also apply their own SetDefaults when a Config*
// section is converted to their native Config type (see convert.go), so
// a zero-valued section here is still safe to convert even if SetDefaults
// was skipped — but Load and engine.OpenWithConfig always call it.
func (c *Config) SetDefaults() {
	if c.Tiers.ConversationToAgent <= 0 {
		c.Tiers.ConversationToAgent = 3
	}
	if c.Tiers.AgentToProject <= 0 {
		c.Tiers.AgentToProject = 5
	}
	if c.Tiers.ConversationTTLHours <= 0 {
		c.Tiers.ConversationTTLHours = 24
	}
	if c.Tiers.AgentTTLHours <= 0 {
		c.Tiers.AgentTTLHours = 168
	}

	if c.Retrieval.Weights == (WeightsConfig{}) {
		c.Retrieval.Weights = WeightsConfig{Semantic: 0.4, Recency: 0.2, Tier: 0.3, Entity: 0.1}
	}
	if c.Retrieval.TokenBudgetRatio <= 0 {
		c.Retrieval.TokenBudgetRatio = 0.2
	}
	if c.Retrieval.MinTokens <= 0 {
		c.Retrieval.MinTokens = 1000
	}
	if c.Retrieval.MaxTokens <= 0 {
		c.Retrieval.MaxTokens = 40000
	}
	if c.Retrieval.MinRelevance <= 0 {
		c.Retrieval.MinRelevance = 0.5
	}
	if c.Retrieval.ScoringTimeoutMs <= 0 {
		c.Retrieval.ScoringTimeoutMs = 100
	}
	if c.Retrieval.InjectionTimeoutMs <= 0 {
		c.Retrieval.InjectionTimeoutMs = 500
	}

	if c.Overflow.Warning <= 0 {
		c.Overflow.Warning = 0.85
	}
	if c.Overflow.Compress <= 0 {
		c.Overflow.Compress = 0.90
	}
	if c.Overflow.Summarize <= 0 {
		c.Overflow.Summarize = 0.93
	}
	if c.Overflow.Handoff <= 0 {
		c.Overflow.Handoff = 0.97
	}

	if c.Collaboration.MaxChainLength <= 0 {
		c.Collaboration.MaxChainLength = 10
	}
	if c.Collaboration.CircularDetectionDepth <= 0 {
		c.Collaboration.CircularDetectionDepth = 5
	}
	if c.Collaboration.HandoffTTLMs <= 0 {
		c.Collaboration.HandoffTTLMs = 3600000
	}
	if c.Collaboration.MaxCircularViolations <= 0 {
		c.Collaboration.MaxCircularViolations = 3
	}
	if c.Collaboration.CircuitBreakerCooldownMs <= 0 {
		c.Collaboration.CircuitBreakerCooldownMs = 300000
	}
	if c.Collaboration.BlockCircularHandoffs == nil {
		c.Collaboration.BlockCircularHandoffs = boolPtr(true)
	}

	if c.Cleanup.SessionTTLDays <= 0 {
		c.Cleanup.SessionTTLDays = 30
	}
	if c.Cleanup.MessageTTLDays <= 0 {
		c.Cleanup.MessageTTLDays = 90
	}
	if c.Cleanup.VectorTTLDays <= 0 {
		c.Cleanup.VectorTTLDays = 180
	}
	if c.Cleanup.RunIntervalMs <= 0 {
		c.Cleanup.RunIntervalMs = 3600000
	}

	if c.Indexer.IntervalMs <= 0 {
		c.Indexer.IntervalMs = 60000
	}
	if c.Indexer.BatchSize <= 0 {
		c.Indexer.BatchSize = 100
	}
	if c.Indexer.AutoStart == nil {
		c.Indexer.AutoStart = boolPtr(true)
	}

	if c.Embedder.Provider == "" {
		c.Embedder.Provider = "openai"
	}
	if c.Embedder.TimeoutMs <= 0 {
		c.Embedder.TimeoutMs = 30000
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
}

// Validate checks the configuration for out-of-range and unsupported
// values, accumulating every failure rather than stopping at the first
// (the teacher's errs-slice-plus-join idiom, generalized to
// hashicorp/go-multierror since this config tree is deeper and several
// sections validate independently).
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Tiers.ConversationToAgent < 1 {
		result = multierror.Append(result, fmt.Errorf("%w: tiers.conversation_to_agent must be >= 1", ErrConfigInvalid))
	}
	if c.Tiers.AgentToProject <= c.Tiers.ConversationToAgent {
		result = multierror.Append(result, fmt.Errorf("%w: tiers.agent_to_project must exceed conversation_to_agent", ErrConfigInvalid))
	}
	if c.Tiers.ProjectTTLHours != nil && *c.Tiers.ProjectTTLHours < 0 {
		result = multierror.Append(result, fmt.Errorf("%w: tiers.project_ttl_hours must be >= 0 or unset", ErrConfigInvalid))
	}

	w := c.Retrieval.Weights
	if sum := w.Semantic + w.Recency + w.Tier + w.Entity; sum <= 0 || (sum < 0.99 || sum > 1.01) {
		result = multierror.Append(result, fmt.Errorf("%w: retrieval.weights must sum to 1.0, got %.4f", ErrConfigInvalid, sum))
	}
	if c.Retrieval.MinTokens > c.Retrieval.MaxTokens {
		result = multierror.Append(result, fmt.Errorf("%w: retrieval.min_tokens must not exceed max_tokens", ErrConfigInvalid))
	}
	if c.Retrieval.MinRelevance < 0 || c.Retrieval.MinRelevance > 1 {
		result = multierror.Append(result, fmt.Errorf("%w: retrieval.min_relevance must be in [0,1]", ErrConfigInvalid))
	}

	o := c.Overflow
	if !(0 < o.Warning && o.Warning < o.Compress && o.Compress < o.Summarize && o.Summarize < o.Handoff && o.Handoff <= 1) {
		result = multierror.Append(result, fmt.Errorf("%w: overflow thresholds must satisfy 0 < warning < compress < summarize < handoff <= 1", ErrConfigInvalid))
	}

	if c.Collaboration.CircularDetectionDepth > c.Collaboration.MaxChainLength {
		result = multierror.Append(result, fmt.Errorf("%w: collaboration.circular_detection_depth should not exceed max_chain_length", ErrConfigInvalid))
	}

	if c.Embedder.Provider != "openai" {
		result = multierror.Append(result, fmt.Errorf("%w: embedder.provider %q is not supported", ErrConfigInvalid, c.Embedder.Provider))
	}

	switch c.Logger.Format {
	case "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("%w: logger.format %q must be text or json", ErrConfigInvalid, c.Logger.Format))
	}

	return result.ErrorOrNil()
}

// durationMs converts a millisecond count to a time.Duration.
func durationMs(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// durationHours converts an hour count to a time.Duration.
func durationHours(h int) time.Duration { return time.Duration(h) * time.Hour }

// durationDays converts a day count to a time.Duration.
func durationDays(d int) time.Duration { return time.Duration(d) * 24 * time.Hour }

func boolPtr(b bool) *bool { return &b }
