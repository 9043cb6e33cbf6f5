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

// Package entity extracts named referents from conversation turns and
// tool payloads (§4.C), and provides the entity memory and cross-agent
// shared registry built on top of them (§4.D).
package entity

import (
	"regexp"
	"sort"
	"strings"
)

// Candidate is one extracted entity, not yet persisted.
type Candidate struct {
	Type       string
	Value      string
	Confidence float64
	Context    string
	Source     string // "text" or "json"
}

const contextRadius = 50

// knownTools is the allowlist membership test behind the "+0.3 for
// allowlist tools" adjustment and the classifyEntity tool fallback.
var knownTools = map[string]bool{
	"bash": true, "git": true, "docker": true, "kubectl": true,
	"terraform": true, "curl": true, "npm": true, "go": true,
	"make": true, "pytest": true, "python": true, "node": true,
	"cargo": true, "psql": true, "redis-cli": true, "grep": true,
	"jq": true, "helm": true, "vim": true, "ssh": true,
}

var companySuffixes = []string{"Inc", "Inc.", "LLC", "Corp", "Corp.", "Ltd", "Ltd.", "GmbH", "Co."}

var decisionKeywords = []string{"decided", "agreed", "will use", "chose", "chosen", "we'll go with"}

type patternRule struct {
	entityType     string
	re             *regexp.Regexp
	baseConfidence float64
}

// patternTable is the ordered, one-pattern-per-type table §4.C describes,
// plus the supplementary patterns (GitHub handle, org/repo shape) that
// contribute their own confidence adjustments rather than a type of
// their own.
var patternTable = []patternRule{
	{"tool", regexp.MustCompile(`\b(bash|git|docker|kubectl|terraform|curl|npm|go|make|pytest|python|node|cargo|psql|redis-cli|grep|jq|helm|vim|ssh)\b`), 0.5},
	{"github_handle", regexp.MustCompile(`@([A-Za-z0-9][A-Za-z0-9-]{0,38})\b`), 0.5},
	{"project", regexp.MustCompile(`\b([A-Za-z0-9._-]+/[A-Za-z0-9._-]+)\b`), 0.5},
	{"organization", regexp.MustCompile(`\b([A-Z][A-Za-z0-9&]*(?:\s[A-Z][A-Za-z0-9&]*)*\s(?:Inc\.?|LLC|Corp\.?|Ltd\.?|GmbH|Co\.))\b`), 0.5},
	{"person", regexp.MustCompile(`\b([A-Z][a-z]+(?:\s[A-Z][a-z]+)+)\b`), 0.5},
	{"artifact", regexp.MustCompile(`\bhttps?://[^\s)>\]]+`), 0.5},
	{"decision", regexp.MustCompile(`(?i)\b(decided|agreed|chose|chosen|will use|we'll go with)\b[^.?!\n]*`), 0.5},
}

// ExtractFromText runs the ordered pattern table over text, returning a
// deduplicated sequence of candidates. value is the first capture group
// where a pattern has one, otherwise the whole match; context is the
// surrounding ±50 characters.
func ExtractFromText(text string) []Candidate {
	seen := make(map[string]bool)
	var out []Candidate

	for _, rule := range patternTable {
		for _, loc := range rule.re.FindAllStringSubmatchIndex(text, -1) {
			var start, end int
			if len(loc) >= 4 && loc[2] >= 0 {
				start, end = loc[2], loc[3]
			} else {
				start, end = loc[0], loc[1]
			}
			value := strings.TrimSpace(text[start:end])
			if value == "" {
				continue
			}
			entityType := rule.entityType
			if entityType == "github_handle" {
				entityType = "person"
			} else if entityType == "project" && !strings.Contains(value, "/") {
				continue
			}

			key := entityType + "\x00" + value
			if seen[key] {
				continue
			}
			seen[key] = true

			confidence := adjustConfidence(rule.baseConfidence, rule.entityType, value)
			out = append(out, Candidate{
				Type:       entityType,
				Value:      value,
				Confidence: confidence,
				Context:    surroundingContext(text, start, end),
				Source:     "text",
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// adjustConfidence applies the per-type base adjustments and the
// length-based penalties, clamped to [0,1].
func adjustConfidence(base float64, patternType, value string) float64 {
	c := base
	switch patternType {
	case "tool":
		if knownTools[strings.ToLower(value)] {
			c += 0.3
		}
	case "github_handle":
		c += 0.25
	case "project":
		c += 0.2
	case "person":
		if len(strings.Fields(value)) >= 2 {
			c += 0.15
		}
	}

	if len(value) < 3 {
		c *= 0.6
	} else if len(value) > 50 {
		c *= 0.7
	}

	if c < 0 {
		c = 0
	} else if c > 1 {
		c = 1
	}
	return c
}

func surroundingContext(text string, start, end int) string {
	from := start - contextRadius
	if from < 0 {
		from = 0
	}
	to := end + contextRadius
	if to > len(text) {
		to = len(text)
	}
	return strings.TrimSpace(text[from:to])
}

// jsonKeyAllowlist maps a parent key name to the entity type assigned to
// its leaf value when walking structured/JSON data.
var jsonKeyAllowlist = map[string]string{
	"user": "person", "assignee": "person", "author": "person", "owner": "person",
	"org": "organization", "organization": "organization", "company": "organization",
	"tool": "tool", "command": "tool", "action": "tool",
	"project": "project", "repo": "project", "repository": "project",
	"decision": "decision", "resolution": "decision",
	"file": "artifact", "path": "artifact", "url": "artifact", "artifact": "artifact",
}

// ExtractFromJSON walks a decoded JSON value recursively; a leaf's type is
// determined by its parent key against jsonKeyAllowlist.
func ExtractFromJSON(value any) []Candidate {
	var out []Candidate
	walkJSON("", value, &out)
	return out
}

func walkJSON(parentKey string, value any, out *[]Candidate) {
	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			walkJSON(k, child, out)
		}
	case []any:
		for _, child := range v {
			walkJSON(parentKey, child, out)
		}
	case string:
		if v == "" {
			return
		}
		entityType, ok := jsonKeyAllowlist[strings.ToLower(parentKey)]
		confidence := adjustConfidence(0.5, "", v)
		if !ok {
			// No allowlisted parent key: fall back to the same
			// classifier ExtractFromText uses, and keep its confidence
			// rather than recomputing against an empty pattern type
			// (which would silently drop known-tool confidence to ~0.5).
			entityType, confidence = classifyEntity(v)
		}
		*out = append(*out, Candidate{
			Type:       entityType,
			Value:      v,
			Confidence: confidence,
			Context:    parentKey,
			Source:     "json",
		})
	}
}

var (
	scopedPackageRe  = regexp.MustCompile(`^@[a-z0-9-]+/[a-z0-9._-]+$`)
	languageFileRe   = regexp.MustCompile(`\.(go|py|js|ts|rs|java|rb|c|cpp|sh)$`)
	singleDotFileRe  = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9]+$`)
	urlRe            = regexp.MustCompile(`^https?://`)
	capitalizedRe    = regexp.MustCompile(`^[A-Z][a-z]+(\s[A-Z][a-z]+)*$`)
	orgRepoShapeRe   = regexp.MustCompile(`^[A-Za-z0-9._-]+/[A-Za-z0-9._-]+$`)
)

// classifyEntity is the fallback classifier ExtractFromJSON applies to a
// leaf whose parent key is not in jsonKeyAllowlist. It returns the
// assigned type and confidence.
func classifyEntity(value string) (string, float64) {
	switch {
	case orgRepoShapeRe.MatchString(value):
		return "project", 0.5
	case knownTools[strings.ToLower(value)]:
		return "tool", 1.0
	case scopedPackageRe.MatchString(value), languageFileRe.MatchString(value):
		return "tool", 0.5
	case singleDotFileRe.MatchString(value):
		return "artifact", 0.5
	case urlRe.MatchString(value):
		return "artifact", 0.5
	case capitalizedRe.MatchString(value):
		return "person", 0.5
	case hasCompanySuffix(value):
		return "organization", 0.5
	case hasDecisionKeyword(value):
		return "decision", 0.5
	default:
		return "artifact", 0.4
	}
}

func hasCompanySuffix(value string) bool {
	for _, suffix := range companySuffixes {
		if strings.HasSuffix(value, " "+suffix) {
			return true
		}
	}
	return false
}

func hasDecisionKeyword(value string) bool {
	lower := strings.ToLower(value)
	for _, kw := range decisionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
