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

package entity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractFromTextFindsKnownTool(t *testing.T) {
	out := ExtractFromText("run git status before you push")
	var found bool
	for _, c := range out {
		if c.Type == "tool" && c.Value == "git" {
			found = true
			require.Greater(t, c.Confidence, 0.7, "known-tool bonus should push confidence up")
		}
	}
	require.True(t, found, "expected to extract the 'git' tool mention")
}

func TestExtractFromTextFindsGithubHandleAsPerson(t *testing.T) {
	out := ExtractFromText("cc @octocat for review")
	var found bool
	for _, c := range out {
		if c.Type == "person" && c.Value == "octocat" {
			found = true
		}
	}
	require.True(t, found)
}

func TestExtractFromTextFindsOrgRepoShapeAsProject(t *testing.T) {
	out := ExtractFromText("we depend on kadirpekel/hector for orchestration")
	var found bool
	for _, c := range out {
		if c.Type == "project" && c.Value == "kadirpekel/hector" {
			found = true
		}
	}
	require.True(t, found)
}

func TestExtractFromTextDeduplicates(t *testing.T) {
	out := ExtractFromText("git git git")
	count := 0
	for _, c := range out {
		if c.Value == "git" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestAdjustConfidenceShortValuePenalty(t *testing.T) {
	short := adjustConfidence(0.5, "", "ab")
	long := adjustConfidence(0.5, "", "abc")
	require.Less(t, short, long)
}

func TestExtractFromJSONUsesKeyAllowlist(t *testing.T) {
	data := map[string]any{
		"assignee": "Jane Doe",
		"repo":     "acme/widgets",
	}
	out := ExtractFromJSON(data)
	types := map[string]string{}
	for _, c := range out {
		types[c.Value] = c.Type
	}
	require.Equal(t, "person", types["Jane Doe"])
	require.Equal(t, "project", types["acme/widgets"])
}

func TestExtractFromJSONFallbackKeepsClassifierConfidence(t *testing.T) {
	// "notes" isn't in jsonKeyAllowlist, so the leaf falls back to
	// classifyEntity, which gives a known tool confidence 1.0 — that
	// confidence must survive into the Candidate, not get recomputed
	// against an empty pattern type.
	data := map[string]any{"notes": "git"}
	out := ExtractFromJSON(data)
	require.Len(t, out, 1)
	require.Equal(t, "tool", out[0].Type)
	require.Equal(t, 1.0, out[0].Confidence)
}

func TestClassifyEntityFallback(t *testing.T) {
	tests := []struct {
		value    string
		wantType string
	}{
		{"owner/repo", "project"},
		{"git", "tool"},
		{"@scope/pkg", "tool"},
		{"main.go", "tool"},
		{"notes.txt", "artifact"},
		{"https://example.com/x", "artifact"},
		{"Jane Doe", "person"},
		{"Acme Inc.", "organization"},
		{"we decided to use SQLite", "decision"},
		{"???", "artifact"},
	}
	for _, tt := range tests {
		gotType, _ := classifyEntity(tt.value)
		require.Equal(t, tt.wantType, gotType, "value=%q", tt.value)
	}
}
