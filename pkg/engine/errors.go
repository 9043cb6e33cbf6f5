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

package engine

import (
	"errors"
	"fmt"

	"github.com/kadirpekel/memoryengine/pkg/collab"
	"github.com/kadirpekel/memoryengine/pkg/config"
	"github.com/kadirpekel/memoryengine/pkg/store"
)

// Kind is §7's abstract error taxonomy, used to classify an error for
// metrics and for the fail-safe/propagate split the spec draws between
// hot-path retrieval and everything else.
type Kind string

const (
	KindConfigInvalid       Kind = "config_invalid"
	KindStoreOpenError      Kind = "store_open_error"
	KindStoreCorrupt        Kind = "store_corrupt"
	KindConstraintViolation Kind = "constraint_violation"
	KindInvalidAgentID      Kind = "invalid_agent_id"
	KindInvalidSortColumn   Kind = "invalid_sort_column"
	KindCircularHandoff     Kind = "circular_handoff"
	KindCircuitBreakerOpen  Kind = "circuit_breaker_open"
	KindDimensionMismatch   Kind = "dimension_mismatch"
	KindNotFound            Kind = "not_found"
	KindEmbedFailed         Kind = "embed_failed"
	KindAnnFailed           Kind = "ann_failed"
	KindIoFailed            Kind = "io_failed"
	KindUnknown             Kind = "unknown"
)

// ErrDimensionMismatch names the programmer-error kind (§7) of a vector
// whose length doesn't match the embedder's configured dimension. No code
// in this module checks vector lengths or returns it; Classify maps it
// for callers that wrap it themselves.
var ErrDimensionMismatch = errors.New("engine: embedding dimension mismatch")

// ErrEmbedFailed wraps a failure to construct the embedder in Open.
var ErrEmbedFailed = errors.New("engine: embed failed")

// ErrAnnFailed wraps a failure to open the ANN index in Open or to save
// it in Close.
var ErrAnnFailed = errors.New("engine: ann index failed")

// ErrIoFailed wraps a filesystem failure loading the embedding cache in
// Open or saving it in Close.
var ErrIoFailed = errors.New("engine: io failed")

// Classify maps err to its abstract §7 kind by walking its wrapped chain
// against every component package's own sentinel, so callers have one
// place to ask "what kind of failure was this" without
// importing every component package themselves.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, config.ErrConfigInvalid):
		return KindConfigInvalid
	case errors.Is(err, store.ErrStoreOpen):
		return KindStoreOpenError
	case errors.Is(err, store.ErrStoreCorrupt):
		return KindStoreCorrupt
	case errors.Is(err, store.ErrConstraintViolation):
		return KindConstraintViolation
	case errors.Is(err, collab.ErrInvalidAgentID):
		return KindInvalidAgentID
	case errors.Is(err, store.ErrInvalidSortColumn):
		return KindInvalidSortColumn
	case errors.Is(err, collab.ErrCircularHandoff):
		return KindCircularHandoff
	case errors.Is(err, collab.ErrCircuitBreakerOpen):
		return KindCircuitBreakerOpen
	case errors.Is(err, ErrDimensionMismatch):
		return KindDimensionMismatch
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrEmbedFailed):
		return KindEmbedFailed
	case errors.Is(err, ErrAnnFailed):
		return KindAnnFailed
	case errors.Is(err, ErrIoFailed):
		return KindIoFailed
	default:
		return KindUnknown
	}
}

// wrapKind annotates err with one of this package's own sentinels so
// Classify recognizes it later, preserving the original error in the
// chain.
func wrapKind(sentinel error, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
