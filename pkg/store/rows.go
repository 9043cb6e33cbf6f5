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

package store

import "time"

// SessionStatus is the closed enum of session lifecycle states (§3, §6).
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionArchived  SessionStatus = "archived"
)

// MessageRole is the closed enum of message roles (§3, §6).
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Tier is the closed enum of hierarchical-memory tiers (§3, §4.E).
type Tier string

const (
	TierConversation Tier = "conversation"
	TierAgent        Tier = "agent"
	TierProject      Tier = "project"
)

// Priority returns the tier's cross-tier search ranking priority
// (project=3, agent=2, conversation=1, per §4.E).
func (t Tier) Priority() int {
	switch t {
	case TierProject:
		return 3
	case TierAgent:
		return 2
	case TierConversation:
		return 1
	default:
		return 0
	}
}

// HandoffType is the closed enum of collaboration handoff kinds (§3, §6).
type HandoffType string

const (
	HandoffSequential HandoffType = "sequential"
	HandoffParallel   HandoffType = "parallel"
	HandoffFork       HandoffType = "fork"
	HandoffJoin       HandoffType = "join"
)

// CollaborationStatus is the closed enum of collaboration record states.
type CollaborationStatus string

const (
	CollabPending  CollaborationStatus = "pending"
	CollabApplied  CollaborationStatus = "applied"
	CollabRejected CollaborationStatus = "rejected"
)

// CheckpointType is the closed enum of resume checkpoint kinds.
type CheckpointType string

const (
	CheckpointManual    CheckpointType = "manual"
	CheckpointAutomatic CheckpointType = "automatic"
	CheckpointWorkflow  CheckpointType = "workflow"
	CheckpointMilestone CheckpointType = "milestone"
)

// Session is the top-level conversation owner (§3).
type Session struct {
	SessionID    string
	UserID       string
	ProjectID    string
	Status       SessionStatus
	CreatedAt    time.Time
	LastActiveAt time.Time
	Metadata     map[string]any
	HandoffFrom  string
}

// Conversation is an ordered thread inside a session (§3).
type Conversation struct {
	ID           int64
	SessionID    string
	Title        string
	StartedAt    time.Time
	EndedAt      *time.Time
	MessageCount int
	Summary      string
}

// Message is a single turn or tool event (§3).
type Message struct {
	ID                int64
	ConversationID    int64
	Role              MessageRole
	Content           string
	TokenCount        *int
	CreatedAt         time.Time
	ImportanceScore   float64
	IsSummarized      bool
	OriginalContent   *string
	Tier              Tier
	AgentID           string
	ReferenceCount    int
	PromotionCount    int
	TierPromotedAt    *time.Time
	LastReferencedAt  time.Time
	SourceAgentID     string
	SharedWithAgents  []string
	HandoffID         string
}

// MessageEmbedding binds a message to its embedding vector (§3).
type MessageEmbedding struct {
	MessageID int64
	Vector    []float32
	ModelID   string
	CreatedAt time.Time
}

// Entity is a typed, named referent (§3).
type Entity struct {
	ID                 string
	Type               string
	Value              string
	Confidence         float64
	Context            string
	Metadata           map[string]any
	OccurrenceCount    int
	FirstSeen          time.Time
	LastSeen           time.Time
	IsActive           bool
	IsGlobal           bool
	LastUpdatedByAgent string
	Version            int
	MergeCount         int
}

// EntityAttribute is a (key, value) fact about an entity (§3).
type EntityAttribute struct {
	ID        int64
	EntityID  string
	Key       string
	Value     string
	CreatedAt time.Time
}

// EntityRelationship is a directed, strength-weighted edge (§3).
type EntityRelationship struct {
	ID               int64
	EntityID1        string
	EntityID2        string
	RelationshipType string
	Strength         float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LearnedPattern is a frequency/confidence-scored learned workflow,
// tool chain, or error fix (§3).
type LearnedPattern struct {
	ID              int64
	PatternType     string
	PatternKey      string
	PatternValue    string
	OccurrenceCount int
	Confidence      float64
	FirstSeen       time.Time
	LastSeen        time.Time
}

// Collaboration is an agent handoff registration (§3).
type Collaboration struct {
	ID             int64
	SessionID      string
	WorkflowID     string
	SourceAgentID  string
	TargetAgentID  string
	HandoffID      string
	HandoffContext map[string]any
	HandoffType    HandoffType
	Status         CollaborationStatus
	CreatedAt      time.Time
	AppliedAt      *time.Time
}

// Checkpoint is an explicit resume snapshot (§3).
type Checkpoint struct {
	ID              int64
	SessionID       string
	CheckpointID    string
	CheckpointType  CheckpointType
	MemorySnapshot  map[string]any
	EntitySnapshot  map[string]any
	AgentsInvolved  []string
	CreatedAt       time.Time
	ResumeCount     int
	LastResumedAt   *time.Time
	IsArchived      bool
}

// Handoff records a session-to-session context transfer (§3).
type Handoff struct {
	ID               int64
	FromSessionID    string
	ToSessionID      string
	Summary          string
	ContextPreserved map[string]any
	HandoffReason    string
	CreatedAt        time.Time
}

// CleanupLogEntry records one pass of the cleanup sweep (§4.L).
type CleanupLogEntry struct {
	ID               int64
	StartedAt        time.Time
	FinishedAt       time.Time
	SessionsDeleted  int
	MessagesNulled   int
	VectorsDeleted   int
	BytesReclaimed   int64
	Error            string
}

// MemoryMetricSnapshot durably records a retrieval latency snapshot
// (§4.H metrics), so external tooling can read it without needing the
// in-process ring buffer.
type MemoryMetricSnapshot struct {
	ID            int64
	SessionID     string
	P50LatencyMS  float64
	P95LatencyMS  float64
	P99LatencyMS  float64
	SampleCount   int
	RecordedAt    time.Time
}
