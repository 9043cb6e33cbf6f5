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
	"log/slog"
	"os"

	"github.com/kadirpekel/memoryengine/pkg/logger"
)

// runContext is kong's bound context value: state every subcommand's
// Run method needs that isn't a CLI flag of its own.
type runContext struct {
	log    *slog.Logger
	level  slog.Level
	format string
}

// newLogger builds the CLI's structured logger, writing to stderr so
// stdout stays free for inspect's report output. Third-party logs
// (store driver, embedder HTTP client) are only surfaced at debug
// level; see pkg/logger for the filtering rule.
func newLogger(level, format string) (*slog.Logger, slog.Level) {
	lvl, err := logger.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return logger.Init(lvl, os.Stderr, format), lvl
}
