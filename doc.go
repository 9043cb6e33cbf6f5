// Package memoryengine is a conversational memory engine for multi-agent
// LLM orchestration.
//
// It ingests the messages exchanged between a user, a router, and a pool
// of specialized agents; stores them durably; retrieves the subset most
// relevant to each new tool invocation; transfers compact contextual
// snapshots between collaborating agents; and compacts history as the
// model's context window fills.
//
// # Quick start
//
//	eng, err := engine.Open(ctx, "engine.yaml")
//	if err != nil { ... }
//	defer eng.Close()
//
//	result := eng.InjectEnhancedMemory(ctx, retrieval.Input{
//		SessionID: "sess_123",
//		Params:    map[string]any{"task": "fix the flaky test"},
//	})
//
// # Architecture
//
// Twelve cooperating components, leaves first: Store, Embedding Cache &
// ANN Index, Entity Extractor, Entity Memory & Shared Registry,
// Hierarchical Memory, Pattern Learner, Semantic Index Service,
// Retrieval & Injection, Overflow Handler, Collaboration & Handoff,
// Resume Service, and Cleanup Service. See DESIGN.md for the grounding
// of each against its reference implementation.
//
// The host LLM runtime, the embedding endpoint, and the ANN index
// library are treated as external collaborators and consumed only
// through the narrow interfaces in pkg/embedder and pkg/vector.
package memoryengine
