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

// Package engine wires every component (§4.A through §4.L) into the
// single handle the host runtime opens, drives, and closes. It owns the
// lifecycle ordering in §9 — open, apply migrations, start the
// background loops, serve the programmatic API, stop, close — and
// exposes that API as plain Go methods rather than files or RPCs.
package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kadirpekel/memoryengine/pkg/collab"
	"github.com/kadirpekel/memoryengine/pkg/config"
	"github.com/kadirpekel/memoryengine/pkg/embedder"
	"github.com/kadirpekel/memoryengine/pkg/entity"
	"github.com/kadirpekel/memoryengine/pkg/hierarchy"
	"github.com/kadirpekel/memoryengine/pkg/logger"
	"github.com/kadirpekel/memoryengine/pkg/overflow"
	"github.com/kadirpekel/memoryengine/pkg/pattern"
	"github.com/kadirpekel/memoryengine/pkg/resume"
	"github.com/kadirpekel/memoryengine/pkg/retrieval"
	"github.com/kadirpekel/memoryengine/pkg/semantic"
	"github.com/kadirpekel/memoryengine/pkg/store"
	"github.com/kadirpekel/memoryengine/pkg/vector"

	cleanuppkg "github.com/kadirpekel/memoryengine/pkg/cleanup"
)

// Engine is the opened, running memory engine: every component (§4),
// wired over one store and one ANN index, plus the two background
// loops (§4.G's indexer, §4.L's cleanup).
type Engine struct {
	cfg *config.Config
	log *slog.Logger

	store          *store.Store
	index          *vector.Index
	embeddingCache *vector.EmbeddingCache
	embed          embedder.Embedder

	registry   *entity.Registry
	hierarchy  *hierarchy.Hierarchy
	patterns   *pattern.Learner
	semantic   *semantic.Service
	retrieval  *retrieval.Service
	overflow   *overflow.Handler
	collab     *collab.Service
	resume     *resume.Service
	cleanup    *cleanuppkg.Service
	metricsReg *prometheus.Registry

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup

	closeOnce       sync.Once
	stopCleanupOnce sync.Once
}

// Open implements §9's lifecycle start: load and validate configuration,
// open the store (applying pending migrations as part of store.Open),
// open the ANN index and embedding cache sidecars, wire every component,
// and start the background loops per their auto-start configuration.
func Open(ctx context.Context, cfgPath string) (*Engine, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err // already wraps config.ErrConfigInvalid
	}
	return OpenWithConfig(ctx, cfg)
}

// OpenWithConfig is Open without a config file on disk, for hosts that
// assemble configuration programmatically (and for tests).
func OpenWithConfig(ctx context.Context, cfg *config.Config) (*Engine, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Build the engine's own logger from cfg.Logger rather than
	// discarding everything: every component below gets this logger, and
	// their Warn/Error calls (a failed cleanup sweep, a rejected circular
	// handoff, a failed indexer tick) are the only signal an unattended
	// host — notably `memoryengine serve-cleanup` — has into the
	// background loops' health.
	lvl, err := logger.ParseLevel(cfg.Logger.Level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	log := logger.Init(lvl, os.Stderr, cfg.Logger.Format)

	st, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		return nil, err // already wraps store.ErrStoreOpen / ErrStoreCorrupt
	}

	idx, err := vector.Open(cfg.IndexPath)
	if err != nil {
		st.Close()
		return nil, wrapKind(ErrAnnFailed, err)
	}

	cache, err := vector.LoadEmbeddingCache(cfg.EmbeddingCachePath, 0)
	if err != nil {
		idx.Close()
		st.Close()
		return nil, wrapKind(ErrIoFailed, err)
	}

	raw, err := embedder.NewOpenAIEmbedder(cfg.ToOpenAIEmbedder())
	if err != nil {
		idx.Close()
		st.Close()
		return nil, wrapKind(ErrEmbedFailed, err)
	}
	embed := embedder.NewCached(raw, cache)

	registry := entity.NewRegistry(st, log)
	hier := hierarchy.New(st, cfg.ToHierarchy())
	patterns := pattern.New(st)
	semanticSvc := semantic.New(st, embed, idx).WithLogger(log)

	reg := prometheus.NewRegistry()
	metrics := retrieval.NewMetrics(reg)
	retrievalSvc := retrieval.New(st, semanticSvc, cfg.ToRetrieval(), metrics)

	overflowHandler := overflow.New(st, cfg.ToOverflow(), log)

	// collab's Scorer is left nil: retrieval.Service exposes
	// InjectEnhancedMemory, not collab.Scorer's single-message Score, so
	// there is no adapter-free way to hand it retrieval's four-factor
	// scorer. collab.New's documented token-Jaccard fallback covers
	// handoff memory selection instead (see DESIGN.md).
	collabSvc := collab.New(st, registry, nil, cfg.ToCollaboration(), log)

	resumeSvc := resume.New(st)
	cleanupSvc := cleanuppkg.New(st, idx, cfg.ToCleanup(), log)

	bgCtx, bgCancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:            cfg,
		log:            log,
		store:          st,
		index:          idx,
		embeddingCache: cache,
		embed:          embed,
		registry:       registry,
		hierarchy:      hier,
		patterns:       patterns,
		semantic:       semanticSvc,
		retrieval:      retrievalSvc,
		overflow:       overflowHandler,
		collab:         collabSvc,
		resume:         resumeSvc,
		cleanup:        cleanupSvc,
		metricsReg:     reg,
		bgCtx:          bgCtx,
		bgCancel:       bgCancel,
	}

	e.startBackgroundLoops()
	return e, nil
}

// startBackgroundLoops launches the indexer (§4.G) and cleanup (§4.L)
// ticker loops per their configured intervals. The indexer honors
// indexer.auto_start (default true); cleanup always runs, per §4.L's
// "runs on a fixed interval" — there is no cleanup-specific auto_start
// key in §6.
func (e *Engine) startBackgroundLoops() {
	if e.cfg.IndexerAutoStart() {
		e.bgWG.Add(1)
		go func() {
			defer e.bgWG.Done()
			interval := time.Duration(e.cfg.Indexer.IntervalMs) * time.Millisecond
			e.semantic.Run(e.bgCtx, interval, e.cfg.Indexer.BatchSize)
		}()
	}
	e.StartCleanup()
}

// StartCleanup launches the cleanup background loop (§4.L). It is
// called once by Open; exported separately so a host that opened the
// engine with cleanup implicitly running can still name the operation
// §6 calls start_cleanup.
func (e *Engine) StartCleanup() {
	e.bgWG.Add(1)
	go func() {
		defer e.bgWG.Done()
		e.cleanup.Run(e.bgCtx)
	}()
}

// StopCleanup stops the cleanup loop without closing the rest of the
// engine (§6's stop_cleanup). cleanup.Service.Stop closes its stop
// channel once and for all, so StopCleanup — like its counterpart — is
// a one-way trip for a given Engine: there is no matching "start it
// back up" after this, only Close.
func (e *Engine) StopCleanup() {
	e.stopCleanupOnce.Do(e.cleanup.Stop)
}

// Close implements §9's lifecycle end: stop the background loops,
// persist the ANN index and embedding cache sidecars, and release the
// store's connection. Close is safe to call more than once.
func (e *Engine) Close() error {
	var firstErr error
	e.closeOnce.Do(func() {
		e.bgCancel()
		e.semantic.Stop()
		e.StopCleanup()
		e.bgWG.Wait()

		if err := e.embeddingCache.Save(e.cfg.EmbeddingCachePath); err != nil {
			firstErr = wrapKind(ErrIoFailed, err)
		}
		if err := e.index.Close(); err != nil && firstErr == nil {
			firstErr = wrapKind(ErrAnnFailed, err)
		}
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// Store exposes the underlying store for tooling that needs access
// beyond this package's own API surface. cmd's inspect subcommand does
// not use it: it opens the store itself with store.Open.
func (e *Engine) Store() *store.Store { return e.store }

// MetricsRegistry exposes the engine's Prometheus registry for the
// host's own /metrics endpoint, if any.
func (e *Engine) MetricsRegistry() *prometheus.Registry { return e.metricsReg }
