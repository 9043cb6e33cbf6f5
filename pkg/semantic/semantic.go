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

// Package semantic turns messages into vectors, runs the background
// indexer, and exposes similarity search (§4.G). The embedding cache and
// the ANN index are opened by pkg/engine and handed in; pkg/cleanup also
// deletes vectors from the same index directly.
package semantic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kadirpekel/memoryengine/pkg/embedder"
	"github.com/kadirpekel/memoryengine/pkg/store"
	"github.com/kadirpekel/memoryengine/pkg/vector"
)

// DefaultIndexInterval is the background indexer's default tick period
// (§6's indexer.interval_ms = 60000).
const DefaultIndexInterval = 60 * time.Second

// DefaultBatchSize is index_pending's default batch limit (§4.G).
const DefaultBatchSize = 100

// Match is a similarity search hit joined with its store metadata.
type Match struct {
	Message store.Message
	Score   float64
}

// Service is the semantic index service. Single-writer discipline is
// enforced by mu around add paths; Search runs lock-free against the
// ANN index's own internal snapshot.
type Service struct {
	store    *store.Store
	embedder embedder.Embedder
	index    *vector.Index
	mu       sync.Mutex

	log    *slog.Logger
	stopCh chan struct{}
}

// New builds a Service over s, embedding via emb and indexing into idx.
func New(s *store.Store, emb embedder.Embedder, idx *vector.Index) *Service {
	return &Service{
		store: s, embedder: emb, index: idx,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		stopCh: make(chan struct{}),
	}
}

// WithLogger sets the logger used by the background indexer loop.
func (svc *Service) WithLogger(log *slog.Logger) *Service {
	if log != nil {
		svc.log = log
	}
	return svc
}

// Run drives the background indexer: a ticker-based loop (default period
// DefaultIndexInterval, §6's indexer.interval_ms) that calls IndexPending
// on each tick until ctx is cancelled or Stop is called (§5's "scheduled
// timers for... indexer"). Meant to be launched in its own goroutine; a
// zero interval uses DefaultIndexInterval, and batchSize <= 0 uses
// DefaultBatchSize.
func (svc *Service) Run(ctx context.Context, interval time.Duration, batchSize int) {
	if interval <= 0 {
		interval = DefaultIndexInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-svc.stopCh:
			return
		case <-ticker.C:
			if n, err := svc.IndexPending(ctx, batchSize); err != nil {
				svc.log.Error("indexer tick failed", "error", err)
			} else if n > 0 {
				svc.log.Debug("indexer tick", "indexed", n)
			}
		}
	}
}

// Stop signals Run to return. Safe to call once.
func (svc *Service) Stop() {
	close(svc.stopCh)
}

// IndexMessage embeds a message's content (cache -> callable), adds it to
// the ANN index, and records the vector in the store, all under the
// single-writer lock.
func (svc *Service) IndexMessage(ctx context.Context, messageID int64, content string) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	vec, err := svc.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("semantic: embed message %d: %w", messageID, err)
	}
	if err := svc.index.Add(ctx, messageID, vec); err != nil {
		return fmt.Errorf("semantic: index message %d: %w", messageID, err)
	}
	if err := svc.store.UpsertEmbedding(ctx, store.MessageEmbedding{
		MessageID: messageID,
		Vector:    vec,
		ModelID:   svc.embedder.Model(),
	}); err != nil {
		return fmt.Errorf("semantic: persist embedding for message %d: %w", messageID, err)
	}
	return nil
}

// IndexPending embeds and indexes up to batchSize messages with no
// embedding yet (§4.G's background tick). batchSize <= 0 uses
// DefaultBatchSize. Returns the number of messages indexed.
func (svc *Service) IndexPending(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	ids, err := svc.store.PendingEmbeddings(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("semantic: list pending embeddings: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	messages := make([]store.Message, 0, len(ids))
	texts := make([]string, 0, len(ids))
	for _, id := range ids {
		m, err := svc.store.GetMessage(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("semantic: load pending message %d: %w", id, err)
		}
		messages = append(messages, m)
		texts = append(texts, m.Content)
	}

	vecs, err := svc.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("semantic: embed batch: %w", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	if err := svc.index.BatchAdd(ctx, ids, vecs); err != nil {
		return 0, fmt.Errorf("semantic: batch add to index: %w", err)
	}
	for i, m := range messages {
		if err := svc.store.UpsertEmbedding(ctx, store.MessageEmbedding{
			MessageID: m.ID,
			Vector:    vecs[i],
			ModelID:   svc.embedder.Model(),
		}); err != nil {
			return i, fmt.Errorf("semantic: persist embedding for message %d: %w", m.ID, err)
		}
	}
	return len(messages), nil
}

// Rebuild clears the ANN index and re-adds every stored embedding, a
// full scan of message_embeddings rather than a re-embedding pass (Open
// Question #2).
func (svc *Service) Rebuild(ctx context.Context) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if err := svc.index.Clear(ctx); err != nil {
		return fmt.Errorf("semantic: clear index: %w", err)
	}
	embeddings, err := svc.store.AllEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("semantic: load embeddings: %w", err)
	}
	if len(embeddings) == 0 {
		return nil
	}

	ids := make([]int64, len(embeddings))
	vecs := make([][]float32, len(embeddings))
	for i, e := range embeddings {
		ids[i] = e.MessageID
		vecs[i] = e.Vector
	}
	if err := svc.index.BatchAdd(ctx, ids, vecs); err != nil {
		return fmt.Errorf("semantic: rebuild batch add: %w", err)
	}
	return nil
}

// Search embeds query and returns the k nearest messages joined with
// their store metadata.
func (svc *Service) Search(ctx context.Context, query string, k int) ([]Match, error) {
	vec, err := svc.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("semantic: embed query: %w", err)
	}
	hits, err := svc.index.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		m, err := svc.store.GetMessage(ctx, h.MessageID)
		if err != nil {
			continue // vector outlived its message row; skip rather than fail the whole search
		}
		out = append(out, Match{Message: m, Score: h.Score})
	}
	return out, nil
}

// Centrality computes the mean pairwise cosine similarity of each vector
// against all the others in vectors (§4.G). Retrieval ranking does not
// call it.
func Centrality(vectors [][]float32) []float64 {
	n := len(vectors)
	scores := make([]float64, n)
	if n < 2 {
		return scores
	}
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			sum += cosineSimilarity(vectors[i], vectors[j])
		}
		scores[i] = sum / float64(n-1)
	}
	return scores
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
