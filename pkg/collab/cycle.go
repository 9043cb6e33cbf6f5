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

package collab

import (
	"context"
	"time"

	"github.com/kadirpekel/memoryengine/pkg/store"
)

// epoch is used as "since the beginning of time" for collaboration-graph
// traversal queries, which have no natural lower bound.
var epoch = time.Unix(0, 0).UTC()

// outgoingEdges returns the non-rejected handoff edges leaving node
// within sessionID: every agent node has previously handed off to.
func outgoingEdges(ctx context.Context, s *store.Store, sessionID, node string, limit int) ([]string, error) {
	rows, err := s.RecentCollaborations(ctx, sessionID, node, epoch, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, c := range rows {
		if c.Status == store.CollabRejected {
			continue
		}
		out = append(out, c.TargetAgentID)
	}
	return out, nil
}

// wouldCreateCycle reports whether inserting the edge source -> target
// would close a cycle, by searching for an existing path
// target -> ... -> source up to maxDepth hops (§4.J). A direct
// self-handoff (source == target) is always a cycle.
func wouldCreateCycle(ctx context.Context, s *store.Store, sessionID, source, target string, maxDepth int) (bool, error) {
	if source == target {
		return true, nil
	}
	visited := map[string]bool{target: true}
	frontier := []string{target}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, node := range frontier {
			edges, err := outgoingEdges(ctx, s, sessionID, node, 100)
			if err != nil {
				return false, err
			}
			for _, n := range edges {
				if n == source {
					return true, nil
				}
				if !visited[n] {
					visited[n] = true
					next = append(next, n)
				}
			}
		}
		frontier = next
	}
	return false, nil
}

// chainLength returns the number of hops reachable forward from start
// (breadth-first), capped at maxDepth — used only to decide whether to
// log the long-chain warning (§4.J), never to block a handoff.
func chainLength(ctx context.Context, s *store.Store, sessionID, start string, maxDepth int) (int, error) {
	visited := map[string]bool{start: true}
	frontier := []string{start}
	depth := 0

	for depth < maxDepth && len(frontier) > 0 {
		var next []string
		for _, node := range frontier {
			edges, err := outgoingEdges(ctx, s, sessionID, node, 100)
			if err != nil {
				return depth, err
			}
			for _, n := range edges {
				if !visited[n] {
					visited[n] = true
					next = append(next, n)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		depth++
		frontier = next
	}
	return depth, nil
}
