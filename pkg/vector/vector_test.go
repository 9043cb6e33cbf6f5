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

package vector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexAddAndSearch(t *testing.T) {
	ctx := context.Background()
	idx, err := Open("")
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Add(ctx, 1, []float32{1, 0, 0}))
	require.NoError(t, idx.Add(ctx, 2, []float32{0, 1, 0}))
	require.NoError(t, idx.Add(ctx, 3, []float32{0.9, 0.1, 0}))

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, int64(1), results[0].MessageID)
}

func TestIndexRemove(t *testing.T) {
	ctx := context.Background()
	idx, err := Open("")
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Add(ctx, 1, []float32{1, 0, 0}))
	require.Equal(t, 1, idx.Count())
	require.NoError(t, idx.Remove(ctx, 1))
	require.Equal(t, 0, idx.Count())
}

func TestIndexPersistRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.gob.gz")

	idx, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, 42, []float32{0.5, 0.5, 0.5}))
	require.NoError(t, idx.Save())
	require.NoError(t, idx.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, 1, reopened.Count())
}

func TestIndexClearResetsCollection(t *testing.T) {
	ctx := context.Background()
	idx, err := Open("")
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Add(ctx, 1, []float32{1, 0, 0}))
	require.NoError(t, idx.Clear(ctx))
	require.Equal(t, 0, idx.Count())
}

func TestEmbeddingCacheEviction(t *testing.T) {
	c := NewEmbeddingCache(2)
	c.Put("a", []float32{1})
	c.Put("b", []float32{2})
	c.Put("c", []float32{3}) // evicts "a"

	_, ok := c.Get("a")
	require.False(t, ok)

	v, ok := c.Get("b")
	require.True(t, ok)
	require.Equal(t, []float32{2}, v)

	require.Equal(t, 2, c.Len())
}

func TestEmbeddingCacheSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c := NewEmbeddingCache(10)
	c.Put("k1", []float32{0.1, 0.2})
	c.Put("k2", []float32{0.3, 0.4})
	require.NoError(t, c.Save(path))

	loaded, err := LoadEmbeddingCache(path, 10)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Len())
	v, ok := loaded.Get("k1")
	require.True(t, ok)
	require.Equal(t, []float32{0.1, 0.2}, v)
}

func TestLoadEmbeddingCacheMissingFileIsEmpty(t *testing.T) {
	c, err := LoadEmbeddingCache(filepath.Join(t.TempDir(), "missing.json"), 10)
	require.NoError(t, err)
	require.Equal(t, 0, c.Len())
}

func TestHashContentIsStableAndModelScoped(t *testing.T) {
	h1 := HashContent("hello", "model-a")
	h2 := HashContent("hello", "model-a")
	h3 := HashContent("hello", "model-b")
	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
}
