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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/kadirpekel/memoryengine"
	"github.com/kadirpekel/memoryengine/pkg/engine"
	"github.com/kadirpekel/memoryengine/pkg/logger"
	"github.com/kadirpekel/memoryengine/pkg/store"
)

// VersionCmd prints the binary's build version alongside the module's
// own version.Info, which a host embedding the engine can also read
// programmatically via memoryengine.GetVersion().
type VersionCmd struct{}

func (c *VersionCmd) Run(rc *runContext) error {
	info := memoryengine.GetVersion()
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	fmt.Println(info.String())
	return nil
}

// MigrateCmd opens the store at StorePath, which applies any pending
// migrations as a side effect of store.Open, then reports success. It
// never touches the ANN index, embedder, or any of the other
// components — this is a store-schema-only operation (§6's "engine
// refuses to open a file whose recorded version is newer than the code
// knows").
type MigrateCmd struct {
	StorePath string `name:"store" help:"Path to the SQLite database file." required:""`
}

func (c *MigrateCmd) Run(rc *runContext) error {
	ctx := context.Background()
	s, err := store.Open(ctx, c.StorePath)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer s.Close()
	rc.log.Info("migrations applied", "store", c.StorePath)
	return nil
}

// ServeCleanupCmd opens the full engine — so the indexer and cleanup
// loops run with their configured intervals — and blocks until
// interrupted, then shuts down cleanly. This is the standalone
// equivalent of a host embedding the engine and calling start_cleanup
// at startup: useful for running the background sweeps as their own
// process rather than inside the host runtime.
type ServeCleanupCmd struct {
	Config  string `short:"c" help:"Path to the engine's YAML config file." required:"" type:"path"`
	LogFile string `help:"Write this command's own log lines to a file instead of stderr." type:"path"`
}

func (c *ServeCleanupCmd) Run(rc *runContext) error {
	ctx := context.Background()

	if c.LogFile != "" {
		f, closeFile, err := logger.OpenLogFile(c.LogFile)
		if err != nil {
			return fmt.Errorf("serve-cleanup: open log file: %w", err)
		}
		defer closeFile()
		rc.log = logger.Init(rc.level, f, rc.format)
	}

	e, err := engine.Open(ctx, c.Config)
	if err != nil {
		return fmt.Errorf("serve-cleanup: %w", err)
	}
	rc.log.Info("background loops started", "config", c.Config)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	rc.log.Info("shutting down")
	if err := e.Close(); err != nil {
		return fmt.Errorf("serve-cleanup: close: %w", err)
	}
	return nil
}

// InspectCmd prints a plain-text summary of a store's active sessions
// and recent cleanup runs, for operators who want a quick read without
// standing up a host runtime.
type InspectCmd struct {
	StorePath string `name:"store" help:"Path to the SQLite database file." required:""`
	Limit     int    `help:"Maximum rows to show per section." default:"10"`
}

func (c *InspectCmd) Run(rc *runContext) error {
	ctx := context.Background()
	s, err := store.Open(ctx, c.StorePath)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	defer s.Close()

	sessions, err := s.ListActiveSessions(ctx, c.Limit)
	if err != nil {
		return fmt.Errorf("inspect: list active sessions: %w", err)
	}
	fmt.Printf("active sessions (%d):\n", len(sessions))
	for _, sess := range sessions {
		fmt.Printf("  %s  user=%s  project=%s  last_active=%s\n",
			sess.SessionID, sess.UserID, sess.ProjectID, sess.LastActiveAt.Format("2006-01-02T15:04:05Z"))
	}

	runs, err := s.RecentCleanupRuns(ctx, c.Limit)
	if err != nil {
		return fmt.Errorf("inspect: recent cleanup runs: %w", err)
	}
	fmt.Printf("recent cleanup runs (%d):\n", len(runs))
	for _, r := range runs {
		status := "ok"
		if r.Error != "" {
			status = "error: " + r.Error
		}
		fmt.Printf("  #%d  sessions=%d messages=%d vectors=%d reclaimed=%dB  %s\n",
			r.ID, r.SessionsDeleted, r.MessagesNulled, r.VectorsDeleted, r.BytesReclaimed, status)
	}
	return nil
}
