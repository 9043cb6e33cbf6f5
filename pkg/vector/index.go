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

// Package vector wraps chromem-go as the engine's approximate nearest
// neighbor index (§4.B). The ANN index is treated as one opaque library
// behind a narrow add/search/save/load interface, not a pluggable
// multi-backend provider: SPEC_FULL.md calls for a single embedded index,
// not swappable vector-database backends.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

const collectionName = "message_embeddings"

// identityEmbed rejects any call attempting to embed text through
// chromem itself; every vector the index ever sees is precomputed
// upstream by the embedder package and passed in directly.
func identityEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("vector: chromem embedding function invoked but vectors are always precomputed")
}

// Index is the engine's ANN index: message IDs in, ranked message IDs
// out. Internally each message ID maps to the chromem document ID
// "msg-<id>" (see labelFor), because chromem documents are addressed by
// opaque string IDs while the rest of the engine addresses messages by
// int64 row ID.
type Index struct {
	mu          sync.RWMutex
	db          *chromem.DB
	collection  *chromem.Collection
	persistPath string

	nextLabel int64
	labelOf   map[int64]string // message ID -> chromem document ID
}

// Result is one ranked hit from Search.
type Result struct {
	MessageID int64
	Score     float64
}

// Open creates or loads the index. When persistPath is empty the index
// is in-memory only (suitable for tests); otherwise it is loaded from
// (and later saved to) a gob file under persistPath.
func Open(persistPath string) (*Index, error) {
	var db *chromem.DB
	if persistPath != "" {
		if err := os.MkdirAll(filepath.Dir(persistPath), 0o755); err != nil {
			return nil, fmt.Errorf("vector: create persist dir: %w", err)
		}
		if _, statErr := os.Stat(persistPath); statErr == nil {
			db = chromem.NewDB()
			//nolint:staticcheck // Import reads the file Save writes with Export
			if err := db.Import(persistPath, ""); err != nil {
				slog.Warn("vector: failed to load persisted index, starting empty", "path", persistPath, "error", err)
				db = chromem.NewDB()
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	col, err := db.GetOrCreateCollection(collectionName, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("vector: create collection: %w", err)
	}

	idx := &Index{
		db:          db,
		collection:  col,
		persistPath: persistPath,
		labelOf:     make(map[int64]string),
	}
	return idx, nil
}

// labelFor derives a document ID from a message ID. chromem-go has no
// "list IDs" call, so the label map is reconstructed lazily: Add/BatchAdd
// populate it as vectors are (re)written, and a full rebuild (Open
// Question #2) goes through store.AllEmbeddings -> BatchAdd rather than
// enumerating chromem's own storage.
func labelFor(messageID int64) string {
	return fmt.Sprintf("msg-%d", messageID)
}

// Add inserts or replaces a single message's vector.
func (idx *Index) Add(ctx context.Context, messageID int64, vec []float32) error {
	return idx.BatchAdd(ctx, []int64{messageID}, [][]float32{vec})
}

// BatchAdd inserts or replaces many vectors in one call, using all
// available CPUs for the underlying chromem document processing
// (mirrors the teacher's runtime.NumCPU() concurrency parameter).
func (idx *Index) BatchAdd(ctx context.Context, messageIDs []int64, vecs [][]float32) error {
	if len(messageIDs) != len(vecs) {
		return fmt.Errorf("vector: batch add: %d ids but %d vectors", len(messageIDs), len(vecs))
	}
	if len(messageIDs) == 0 {
		return nil
	}

	idx.mu.Lock()
	docs := make([]chromem.Document, len(messageIDs))
	for i, id := range messageIDs {
		docID := labelFor(id)
		docs[i] = chromem.Document{ID: docID, Embedding: vecs[i]}
		idx.labelOf[id] = docID
		if id >= idx.nextLabel {
			idx.nextLabel = id + 1
		}
	}
	idx.mu.Unlock()

	if err := idx.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("vector: add documents: %w", err)
	}
	return nil
}

// Search returns the topK nearest messages to vec by cosine similarity.
func (idx *Index) Search(ctx context.Context, vec []float32, topK int) ([]Result, error) {
	idx.mu.RLock()
	n := idx.collection.Count()
	idx.mu.RUnlock()
	if n == 0 {
		return nil, nil
	}
	if topK > n {
		topK = n
	}

	hits, err := idx.collection.QueryEmbedding(ctx, vec, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector: search: %w", err)
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		var msgID int64
		if _, err := fmt.Sscanf(h.ID, "msg-%d", &msgID); err != nil {
			continue
		}
		out = append(out, Result{MessageID: msgID, Score: float64(h.Similarity)})
	}
	return out, nil
}

// Remove deletes a message's vector from the index, used by the cleanup
// service's orphan-vector sweep.
func (idx *Index) Remove(ctx context.Context, messageID int64) error {
	idx.mu.Lock()
	docID, ok := idx.labelOf[messageID]
	delete(idx.labelOf, messageID)
	idx.mu.Unlock()
	if !ok {
		docID = labelFor(messageID)
	}
	if err := idx.collection.Delete(ctx, nil, nil, docID); err != nil {
		return fmt.Errorf("vector: remove: %w", err)
	}
	return nil
}

// Count returns the number of vectors currently indexed.
func (idx *Index) Count() int {
	return idx.collection.Count()
}

// Save persists the index to its configured path. A no-op if the index
// was opened without a persist path.
func (idx *Index) Save() error {
	if idx.persistPath == "" {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	//nolint:staticcheck // Export is chromem-go's supported persistence API
	if err := idx.db.Export(idx.persistPath, true, ""); err != nil {
		return fmt.Errorf("vector: save: %w", err)
	}
	return nil
}

// Clear drops every vector from the index, used by rebuild() (Open
// Question #2) before replaying a full scan of message_embeddings.
func (idx *Index) Clear(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.db.DeleteCollection(collectionName); err != nil {
		return fmt.Errorf("vector: clear: %w", err)
	}
	col, err := idx.db.GetOrCreateCollection(collectionName, nil, identityEmbed)
	if err != nil {
		return fmt.Errorf("vector: clear: recreate collection: %w", err)
	}
	idx.collection = col
	idx.labelOf = make(map[int64]string)
	idx.nextLabel = 0
	return nil
}

// Close persists the index (if configured) and releases resources.
func (idx *Index) Close() error {
	return idx.Save()
}
