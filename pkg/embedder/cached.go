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

package embedder

import (
	"context"

	"github.com/kadirpekel/memoryengine/pkg/vector"
)

// Cached wraps an Embedder with a content-hash-keyed lookup against a
// vector.EmbeddingCache, so repeated or re-summarized content never pays
// for a second round trip to the underlying provider.
type Cached struct {
	inner Embedder
	cache *vector.EmbeddingCache
}

// NewCached wraps inner with cache.
func NewCached(inner Embedder, cache *vector.EmbeddingCache) *Cached {
	return &Cached{inner: inner, cache: cache}
}

// Embed returns the cached vector for text if present, otherwise embeds
// it via the wrapped Embedder and caches the result.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := vector.HashContent(text, c.inner.Model())
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, v)
	return v, nil
}

// EmbedBatch resolves cache hits directly and sends only the misses to
// the wrapped Embedder, splicing the results back into input order.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		key := vector.HashContent(t, c.inner.Model())
		if v, ok := c.cache.Get(key); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) > 0 {
		vecs, err := c.inner.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, idx := range missIdx {
			out[idx] = vecs[j]
			c.cache.Put(vector.HashContent(texts[idx], c.inner.Model()), vecs[j])
		}
	}
	return out, nil
}

// Dimension delegates to the wrapped Embedder.
func (c *Cached) Dimension() int { return c.inner.Dimension() }

// Model delegates to the wrapped Embedder.
func (c *Cached) Model() string { return c.inner.Model() }

// Close closes the wrapped Embedder.
func (c *Cached) Close() error { return c.inner.Close() }

var _ Embedder = (*Cached)(nil)
