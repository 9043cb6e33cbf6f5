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

// Package cleanup implements the background retention sweep: archived
// session expiry, original_content nulling, orphan/aged vector removal,
// lazy pending-handoff expiry, and vacuum (§4.L).
package cleanup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kadirpekel/memoryengine/pkg/store"
	"github.com/kadirpekel/memoryengine/pkg/vector"
)

// Default retention windows and batch sizes, per §6.
const (
	DefaultRunInterval = time.Hour
	DefaultSessionTTL  = 30 * 24 * time.Hour
	DefaultMessageTTL  = 90 * 24 * time.Hour
	DefaultVectorTTL   = 180 * 24 * time.Hour
	DefaultHandoffTTL  = time.Hour
	DefaultSweepBatch  = 500
)

// Config holds the cleanup service's schedule and retention windows,
// fixed once per process per §4.L.
type Config struct {
	RunInterval time.Duration
	SessionTTL  time.Duration
	MessageTTL  time.Duration
	VectorTTL   time.Duration
	HandoffTTL  time.Duration
	SweepBatch  int
}

// SetDefaults fills in zero-valued fields with the spec's defaults.
func (c *Config) SetDefaults() {
	if c.RunInterval <= 0 {
		c.RunInterval = DefaultRunInterval
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = DefaultMessageTTL
	}
	if c.VectorTTL <= 0 {
		c.VectorTTL = DefaultVectorTTL
	}
	if c.HandoffTTL <= 0 {
		c.HandoffTTL = DefaultHandoffTTL
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = DefaultSweepBatch
	}
}

// Service runs the periodic retention sweep over a store and its vector
// index. It never blocks retrieval: every step is a short-lived, bounded
// transaction, and the scheduling loop checks for a stop signal between
// sweeps (§5).
type Service struct {
	store  *store.Store
	index  *vector.Index
	cfg    Config
	log    *slog.Logger
	stopCh chan struct{}
}

// New builds a Service over s and idx. idx may be nil, in which case the
// vector sweep only reconciles SQLite's message_embeddings table. A nil
// logger discards output.
func New(s *store.Store, idx *vector.Index, cfg Config, log *slog.Logger) *Service {
	cfg.SetDefaults()
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{store: s, index: idx, cfg: cfg, log: log, stopCh: make(chan struct{})}
}

// Result summarizes one sweep pass.
type Result struct {
	SessionsDeleted int
	MessagesNulled  int
	VectorsDeleted  int
	HandoffsExpired int
	BytesReclaimed  int64
	Error           string
}

// Run starts the periodic sweep loop and blocks until ctx is cancelled or
// Stop is called. It is meant to be run in its own goroutine.
func (svc *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(svc.cfg.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-svc.stopCh:
			return
		case <-ticker.C:
			if _, err := svc.Sweep(ctx); err != nil {
				svc.log.Error("cleanup sweep failed", "error", err)
			}
		}
	}
}

// Stop signals Run to return. Safe to call once; subsequent calls panic,
// matching the teacher's close-once channel idiom.
func (svc *Service) Stop() {
	close(svc.stopCh)
}

// Sweep runs one retention pass: expired-session deletion, original_content
// nulling, orphan/aged vector removal, lazy pending-handoff expiry, and
// vacuum, in that order (§4.L). It records the outcome via store.RecordCleanup regardless
// of whether an error occurred partway through.
func (svc *Service) Sweep(ctx context.Context) (Result, error) {
	started := time.Now().UTC()
	var res Result

	if err := svc.expireSessions(ctx, &res); err != nil {
		return svc.finish(ctx, started, res, err)
	}
	if err := svc.nullAgedContent(ctx, &res); err != nil {
		return svc.finish(ctx, started, res, err)
	}
	if err := svc.sweepVectors(ctx, &res); err != nil {
		return svc.finish(ctx, started, res, err)
	}
	if err := svc.expirePendingHandoffs(ctx, &res); err != nil {
		return svc.finish(ctx, started, res, err)
	}

	reclaimed, err := svc.store.Vacuum(ctx)
	if err != nil {
		return svc.finish(ctx, started, res, fmt.Errorf("cleanup: vacuum: %w", err))
	}
	res.BytesReclaimed = reclaimed

	return svc.finish(ctx, started, res, nil)
}

func (svc *Service) finish(ctx context.Context, started time.Time, res Result, sweepErr error) (Result, error) {
	if sweepErr != nil {
		res.Error = sweepErr.Error()
	}
	entry := store.CleanupLogEntry{
		StartedAt:       started,
		FinishedAt:      time.Now().UTC(),
		SessionsDeleted: res.SessionsDeleted,
		MessagesNulled:  res.MessagesNulled,
		VectorsDeleted:  res.VectorsDeleted,
		BytesReclaimed:  res.BytesReclaimed,
		Error:           res.Error,
	}
	if err := svc.store.RecordCleanup(ctx, entry); err != nil {
		svc.log.Error("cleanup: record run failed", "error", err)
	}
	return res, sweepErr
}

func (svc *Service) expireSessions(ctx context.Context, res *Result) error {
	cutoff := time.Now().UTC().Add(-svc.cfg.SessionTTL)
	ids, err := svc.store.ExpiredSessions(ctx, cutoff, svc.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("cleanup: expired sessions: %w", err)
	}
	for _, id := range ids {
		if err := svc.store.DeleteSession(ctx, id); err != nil {
			return fmt.Errorf("cleanup: delete session %s: %w", id, err)
		}
		res.SessionsDeleted++
	}
	return nil
}

func (svc *Service) nullAgedContent(ctx context.Context, res *Result) error {
	cutoff := time.Now().UTC().Add(-svc.cfg.MessageTTL)
	ids, err := svc.store.SummarizedMessagesNeedingNull(ctx, cutoff, svc.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("cleanup: summarized messages needing null: %w", err)
	}
	for _, id := range ids {
		if err := svc.store.NullOriginalContent(ctx, id); err != nil {
			return fmt.Errorf("cleanup: null original content %d: %w", id, err)
		}
		res.MessagesNulled++
	}
	return nil
}

// sweepVectors removes embeddings whose parent message no longer exists
// (drift between SQLite and the ANN index) and embeddings older than
// vector_ttl, from both message_embeddings and the ANN index.
func (svc *Service) sweepVectors(ctx context.Context, res *Result) error {
	orphans, err := svc.store.OrphanEmbeddings(ctx, svc.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("cleanup: orphan embeddings: %w", err)
	}
	if err := svc.deleteEmbeddings(ctx, orphans, res); err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-svc.cfg.VectorTTL)
	aged, err := svc.store.AgedEmbeddings(ctx, cutoff, svc.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("cleanup: aged embeddings: %w", err)
	}
	return svc.deleteEmbeddings(ctx, aged, res)
}

func (svc *Service) deleteEmbeddings(ctx context.Context, ids []int64, res *Result) error {
	for _, id := range ids {
		if err := svc.store.DeleteEmbedding(ctx, id); err != nil {
			return fmt.Errorf("cleanup: delete embedding %d: %w", id, err)
		}
		if svc.index != nil {
			if err := svc.index.Remove(ctx, id); err != nil {
				svc.log.Warn("cleanup: ann index remove failed", "message_id", id, "error", err)
			}
		}
		res.VectorsDeleted++
	}
	return nil
}

// expirePendingHandoffs rejects J's pending collaborations that have sat
// unapplied past handoff_ttl, so they stop being offered to ApplyHandoffContext
// and the audit trail records why they never completed (§4.J, §4.L).
func (svc *Service) expirePendingHandoffs(ctx context.Context, res *Result) error {
	cutoff := time.Now().UTC().Add(-svc.cfg.HandoffTTL)
	pending, err := svc.store.PendingCollaborationsOlderThan(ctx, cutoff, svc.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("cleanup: pending collaborations older than: %w", err)
	}
	for _, c := range pending {
		if err := svc.store.RejectCollaboration(ctx, c.HandoffID); err != nil {
			return fmt.Errorf("cleanup: reject expired handoff %s: %w", c.HandoffID, err)
		}
		res.HandoffsExpired++
	}
	return nil
}
