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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/memoryengine/pkg/vector"
)

// fakeEmbedder counts calls so tests can assert cache behavior without
// a network dependency.
type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return []float32{float32(len(text))}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 1 }
func (f *fakeEmbedder) Model() string  { return "fake-model" }
func (f *fakeEmbedder) Close() error   { return nil }

func TestCachedEmbedHitsCacheOnSecondCall(t *testing.T) {
	ctx := context.Background()
	fake := &fakeEmbedder{}
	c := NewCached(fake, vector.NewEmbeddingCache(10))

	_, err := c.Embed(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, 1, fake.calls)

	_, err = c.Embed(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, 1, fake.calls, "second call for identical text should hit the cache")
}

func TestCachedEmbedBatchSplitsHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	fake := &fakeEmbedder{}
	c := NewCached(fake, vector.NewEmbeddingCache(10))

	_, err := c.Embed(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, 1, fake.calls)

	vecs, err := c.EmbedBatch(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	require.Equal(t, 2, fake.calls, "only the miss (\"beta\") should trigger a new call")
}
