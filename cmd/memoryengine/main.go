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

// Command memoryengine is the operability CLI for the conversational
// memory engine: applying migrations ahead of time, running the
// background cleanup/indexer loops as a standalone process, and
// inspecting a store's contents without wiring a host runtime.
//
// Usage:
//
//	memoryengine migrate --store engine.db
//	memoryengine serve-cleanup --config engine.yaml
//	memoryengine inspect --store engine.db
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// CLI defines memoryengine's command-line interface.
type CLI struct {
	Version      VersionCmd      `cmd:"" help:"Show version information."`
	Migrate      MigrateCmd      `cmd:"" help:"Open the store and apply any pending migrations."`
	ServeCleanup ServeCleanupCmd `cmd:"" name:"serve-cleanup" help:"Run the engine's background cleanup and indexer loops until interrupted."`
	Inspect      InspectCmd      `cmd:"" help:"Print a summary of a store's active sessions and recent cleanup runs."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("memoryengine"),
		kong.Description("Operability CLI for the conversational memory engine"),
		kong.UsageOnError(),
	)

	log, lvl := newLogger(cli.LogLevel, cli.LogFormat)

	err := ctx.Run(&runContext{log: log, level: lvl, format: cli.LogFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
