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
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// modelDimensions gives the known vector length for OpenAI's published
// embedding models, used when a caller does not override Dimension.
var modelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIConfig configures the OpenAI-backed embedder.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string // optional, for OpenAI-compatible endpoints
	Model     string
	Dimension int           // 0 = look up from modelDimensions
	Timeout   time.Duration // 0 = 30s default
}

// OpenAIEmbedder implements Embedder via the OpenAI embeddings API.
// Retries exactly once, immediately, on any failure and then surfaces the
// error to the caller (§7: "retry-once-then-surface" policy), rather
// than the teacher's exponential-backoff loop — SPEC_FULL.md treats
// embedding failures as a single, immediately visible fault rather than
// a masked one.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     openai.EmbeddingModel
	modelName string
	dimension int
}

// NewOpenAIEmbedder builds an embedder from cfg.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedder: API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	dim := cfg.Dimension
	if dim == 0 {
		dim = modelDimensions[model]
		if dim == 0 {
			dim = 1536
		}
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	clientConfig.HTTPClient.Timeout = timeout

	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     openai.EmbeddingModel(model),
		modelName: model,
		dimension: dim,
	}, nil
}

// Embed converts a single text to a vector.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedder: received no embeddings for request")
	}
	return vecs[0], nil
}

// EmbedBatch converts multiple texts in one request, retrying once on
// failure before surfacing the error.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		resp, err = e.client.CreateEmbeddings(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("embedder: create embeddings: %w", err)
		}
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			continue
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("embedder: missing embedding for input index %d", i)
		}
	}
	return out, nil
}

// Dimension returns the embedding vector length.
func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// Model returns the model name.
func (e *OpenAIEmbedder) Model() string { return e.modelName }

// Close is a no-op; the underlying HTTP client owns no resources that
// need explicit release.
func (e *OpenAIEmbedder) Close() error { return nil }

var _ Embedder = (*OpenAIEmbedder)(nil)
