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

// Package embedder provides text embedding services for the engine's
// semantic index and retrieval pipeline (§4.B, §4.G).
//
// Embedder is the opaque embed() callable SPEC_FULL.md describes: higher
// layers never see provider-specific request/response shapes, only
// vectors in and vectors out.
package embedder

import "context"

// Embedder produces vector embeddings from text. Implementations must be
// safe for concurrent use.
type Embedder interface {
	// Embed converts a single piece of text to a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts in one round trip where the
	// underlying provider supports it; cheaper than N calls to Embed.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector's length.
	Dimension() int

	// Model returns the identifying model name, used as part of the
	// embedding cache key and stored alongside each vector.
	Model() string

	// Close releases any resources (connections, goroutines) held by
	// the embedder.
	Close() error
}
