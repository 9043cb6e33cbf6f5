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

// Package overflow implements the context-overflow state machine: warn,
// compress, summarize, and handoff actions driven by a session's token
// utilization (§4.I).
package overflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kadirpekel/memoryengine/pkg/store"
)

// Action is the closed enum of overflow responses (§3, §6).
type Action string

const (
	ActionNone      Action = "none"
	ActionWarn      Action = "warn"
	ActionCompress  Action = "compress"
	ActionSummarize Action = "summarize"
	ActionHandoff   Action = "handoff"
)

// Default thresholds and batch sizes, per §6.
const (
	DefaultWarningThreshold   = 0.85
	DefaultCompressThreshold  = 0.90
	DefaultSummarizeThreshold = 0.93
	DefaultHandoffThreshold   = 0.97

	DefaultCompressionBatchSize = 50
	DefaultRecentExcludedCount  = 10
	DefaultSummaryBatchSize     = 5
	DefaultSummaryMaxLen        = 200
	DefaultHandoffSummaryMaxLen = 1000
	DefaultCriticalContextCount = 5
	DefaultTruncatedContentLen  = 100

	handoffReasonContextOverflow = "context_overflow"
)

// Config holds the overflow thresholds and batch sizes, fixed once per
// process per §4.I.
type Config struct {
	WarningThreshold   float64
	CompressThreshold  float64
	SummarizeThreshold float64
	HandoffThreshold   float64

	CompressionBatchSize int
	SummaryBatchSize     int
}

// SetDefaults fills in zero-valued fields with the spec's defaults.
func (c *Config) SetDefaults() {
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = DefaultWarningThreshold
	}
	if c.CompressThreshold <= 0 {
		c.CompressThreshold = DefaultCompressThreshold
	}
	if c.SummarizeThreshold <= 0 {
		c.SummarizeThreshold = DefaultSummarizeThreshold
	}
	if c.HandoffThreshold <= 0 {
		c.HandoffThreshold = DefaultHandoffThreshold
	}
	if c.CompressionBatchSize <= 0 {
		c.CompressionBatchSize = DefaultCompressionBatchSize
	}
	if c.SummaryBatchSize <= 0 {
		c.SummaryBatchSize = DefaultSummaryBatchSize
	}
}

// Result reports what the handler did for a single HandleOverflow call.
type Result struct {
	Action        Action
	Detail        string
	NewSessionID  string // set only when Action == ActionHandoff
	ItemsAffected int
}

// Handler is the overflow state machine built on top of pkg/store.
//
// Compression, summarization, and handoff are serialized per session
// (§5): a handler never runs two of these steps concurrently for the
// same session, so a session mid-handoff can't also be mid-compression.
type Handler struct {
	store *store.Store
	cfg   Config
	log   *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds a Handler with cfg's defaults applied. A nil logger
// discards log output.
func New(s *store.Store, cfg Config, log *slog.Logger) *Handler {
	cfg.SetDefaults()
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{store: s, cfg: cfg, log: log, locks: make(map[string]*sync.Mutex)}
}

func (h *Handler) sessionLock(sessionID string) *sync.Mutex {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	l, ok := h.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		h.locks[sessionID] = l
	}
	return l
}

// classify maps a utilization ratio to the action the state machine
// takes at that level (§4.I):
//
//	u < 0.85            -> none
//	0.85 <= u < 0.90     -> warn
//	0.90 <= u < 0.93     -> compress
//	0.93 <= u < 0.97     -> summarize
//	u >= 0.97            -> handoff
func (h *Handler) classify(u float64) Action {
	switch {
	case u >= h.cfg.HandoffThreshold:
		return ActionHandoff
	case u >= h.cfg.SummarizeThreshold:
		return ActionSummarize
	case u >= h.cfg.CompressThreshold:
		return ActionCompress
	case u >= h.cfg.WarningThreshold:
		return ActionWarn
	default:
		return ActionNone
	}
}

// HandleOverflow runs the overflow state machine for one session given
// its current and max token counts. Warn, compress, and summarize leave
// the session in place; handoff transitions to a new session and
// archives the old one.
func (h *Handler) HandleOverflow(ctx context.Context, sessionID string, current, max int) (Result, error) {
	if max <= 0 {
		return Result{Action: ActionNone}, nil
	}
	u := float64(current) / float64(max)
	action := h.classify(u)

	lock := h.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	switch action {
	case ActionNone:
		return Result{Action: ActionNone}, nil
	case ActionWarn:
		h.log.Warn("session approaching context limit", "session_id", sessionID, "utilization", u)
		return Result{Action: ActionWarn, Detail: fmt.Sprintf("utilization=%.2f", u)}, nil
	case ActionCompress:
		n, err := h.compress(ctx, sessionID)
		if err != nil {
			return Result{}, err
		}
		return Result{Action: ActionCompress, ItemsAffected: n}, nil
	case ActionSummarize:
		n, err := h.summarize(ctx, sessionID)
		if err != nil {
			return Result{}, err
		}
		return Result{Action: ActionSummarize, ItemsAffected: n}, nil
	case ActionHandoff:
		newSessionID, err := h.handoff(ctx, sessionID)
		if err != nil {
			return Result{}, err
		}
		return Result{Action: ActionHandoff, NewSessionID: newSessionID}, nil
	default:
		return Result{Action: ActionNone}, nil
	}
}

// compress truncates up to CompressionBatchSize non-summarized messages,
// excluding each conversation's most recent 10, preserving the original
// text in original_content (§4.I).
func (h *Handler) compress(ctx context.Context, sessionID string) (int, error) {
	candidates, err := h.store.CompressionCandidates(ctx, sessionID, h.cfg.CompressionBatchSize)
	if err != nil {
		return 0, fmt.Errorf("overflow: compression candidates: %w", err)
	}

	n := 0
	for _, msg := range candidates {
		truncated := truncateThenEllipsize(msg.Content, DefaultTruncatedContentLen)
		tokenCount := estimateTokens(truncated)
		if err := h.store.CompressMessage(ctx, msg.ID, truncated, msg.Content, tokenCount); err != nil {
			return n, fmt.Errorf("overflow: compress message %d: %w", msg.ID, err)
		}
		n++
	}
	return n, nil
}

// summarize closes out up to SummaryBatchSize ended conversations that
// have no summary yet, and marks every message in each as summarized
// (§4.I).
func (h *Handler) summarize(ctx context.Context, sessionID string) (int, error) {
	convs, err := h.store.ConversationsNeedingSummary(ctx, sessionID, h.cfg.SummaryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("overflow: conversations needing summary: %w", err)
	}

	n := 0
	for _, conv := range convs {
		summary, err := h.summaryFor(ctx, conv)
		if err != nil {
			return n, err
		}
		if err := h.store.SetConversationSummary(ctx, conv.ID, summary); err != nil {
			return n, fmt.Errorf("overflow: set conversation summary %d: %w", conv.ID, err)
		}
		if err := h.store.MarkConversationMessagesSummarized(ctx, conv.ID); err != nil {
			return n, fmt.Errorf("overflow: mark conversation messages summarized %d: %w", conv.ID, err)
		}
		n++
	}
	return n, nil
}

// summaryFor derives a conversation's summary: its title, truncated, if
// it has one, else "User requested: <first>. Result: <last>." built
// from its first and last message.
func (h *Handler) summaryFor(ctx context.Context, conv store.Conversation) (string, error) {
	if conv.Title != "" {
		return truncateWithEllipsis(conv.Title, DefaultSummaryMaxLen), nil
	}

	msgs, err := h.store.MessagesByConversation(ctx, conv.ID)
	if err != nil {
		return "", fmt.Errorf("overflow: messages by conversation %d: %w", conv.ID, err)
	}
	if len(msgs) == 0 {
		return "", nil
	}
	first := msgs[0].Content
	last := msgs[len(msgs)-1].Content
	summary := fmt.Sprintf("User requested: %s. Result: %s.", first, last)
	return truncateWithEllipsis(summary, DefaultSummaryMaxLen), nil
}

// handoff archives sessionID's context into a fresh session, returning
// the new session's ID. It composes a bounded summary over the
// session's conversations, captures the last few messages as critical
// context, creates the new session, archives the old one, and records
// a session_handoffs row with HandoffReason = context_overflow (§4.I).
func (h *Handler) handoff(ctx context.Context, sessionID string) (string, error) {
	sess, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("overflow: get session: %w", err)
	}

	convs, err := h.store.ListConversations(ctx, sessionID, 1000)
	if err != nil {
		return "", fmt.Errorf("overflow: list conversations: %w", err)
	}
	summary := composeHandoffSummary(convs)

	recent, err := h.store.RecentMessagesBySession(ctx, sessionID, DefaultCriticalContextCount)
	if err != nil {
		return "", fmt.Errorf("overflow: recent messages: %w", err)
	}
	critical := criticalContextLines(recent)

	newSessionID := fmt.Sprintf("sess_%d_handoff", time.Now().UTC().UnixNano())
	if _, err := h.store.CreateSession(ctx, store.Session{
		SessionID:   newSessionID,
		UserID:      sess.UserID,
		ProjectID:   sess.ProjectID,
		HandoffFrom: sessionID,
	}); err != nil {
		return "", fmt.Errorf("overflow: create handoff session: %w", err)
	}

	if err := h.store.SetSessionStatus(ctx, sessionID, store.SessionArchived); err != nil {
		return "", fmt.Errorf("overflow: archive session: %w", err)
	}

	if _, err := h.store.CreateHandoff(ctx, store.Handoff{
		FromSessionID:    sessionID,
		ToSessionID:      newSessionID,
		Summary:          summary,
		ContextPreserved: map[string]any{"critical_context": critical},
		HandoffReason:    handoffReasonContextOverflow,
	}); err != nil {
		return "", fmt.Errorf("overflow: create handoff record: %w", err)
	}

	h.log.Info("session handed off on context overflow", "from", sessionID, "to", newSessionID)
	return newSessionID, nil
}

// composeHandoffSummary joins each conversation's summary or title into
// a single string, newest first, truncated to DefaultHandoffSummaryMaxLen.
func composeHandoffSummary(convs []store.Conversation) string {
	sort.Slice(convs, func(i, j int) bool { return convs[i].StartedAt.After(convs[j].StartedAt) })

	var b []byte
	for _, conv := range convs {
		line := conv.Summary
		if line == "" {
			line = conv.Title
		}
		if line == "" {
			continue
		}
		if len(b) > 0 {
			b = append(b, " | "...)
		}
		b = append(b, line...)
		if len(b) >= DefaultHandoffSummaryMaxLen {
			break
		}
	}
	return truncateWithEllipsis(string(b), DefaultHandoffSummaryMaxLen)
}

// criticalContextLines formats the most recent messages (oldest first)
// as "role: content" lines, the "critical context" carried across a
// handoff.
func criticalContextLines(recent []store.Message) []string {
	lines := make([]string, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return lines
}

// truncateWithEllipsis caps s at n runes total, including the trailing
// ellipsis when one is needed. Used where the spec bounds a result's
// overall length (e.g. a ≤200-char conversation summary).
func truncateWithEllipsis(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// truncateThenEllipsize takes the first n runes of s and appends "...",
// growing the result past n when s is long. Used for message
// compression, which the spec defines as "first 100 chars" followed by
// an ellipsis marker, not a hard length cap.
func truncateThenEllipsize(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
