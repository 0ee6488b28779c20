package domain

import (
	"time"
)

// DeltaKind classifies an event in a braid's append-only log.
type DeltaKind string

const (
	DeltaKindMessage     DeltaKind = "message"
	DeltaKindBeadWrite   DeltaKind = "bead_write"
	DeltaKindToolCall    DeltaKind = "tool_call"
	DeltaKindToolResult  DeltaKind = "tool_result"
	DeltaKindObservation DeltaKind = "observation"
	DeltaKindHypothesis  DeltaKind = "hypothesis"
	DeltaKindTrust       DeltaKind = "trust"
	DeltaKindMicroagent  DeltaKind = "microagent"
)

func ValidDeltaKind(k string) bool {
	switch DeltaKind(k) {
	case DeltaKindMessage, DeltaKindBeadWrite, DeltaKindToolCall, DeltaKindToolResult,
		DeltaKindObservation, DeltaKindHypothesis, DeltaKindTrust, DeltaKindMicroagent:
		return true
	}
	return false
}

// ProvenanceKind identifies the origin of an event.
type ProvenanceKind string

const (
	ProvenanceUser       ProvenanceKind = "user"
	ProvenanceAssistant  ProvenanceKind = "assistant"
	ProvenanceSystem     ProvenanceKind = "system"
	ProvenanceTool       ProvenanceKind = "tool"
	ProvenancePerception ProvenanceKind = "perception"
	ProvenanceDream      ProvenanceKind = "dream"
)

func ValidProvenanceKind(p string) bool {
	switch ProvenanceKind(p) {
	case ProvenanceUser, ProvenanceAssistant, ProvenanceSystem,
		ProvenanceTool, ProvenancePerception, ProvenanceDream:
		return true
	}
	return false
}

// Provenance records where a delta came from and which episode/knot it
// belongs to, when known at append time.
type Provenance struct {
	Kind      ProvenanceKind `json:"kind"`
	EpisodeID string         `json:"episode_id,omitempty"`
	KnotID    string         `json:"knot_id,omitempty"`
}

// Delta is one immutable event in a braid's log. Once appended it is never
// mutated or removed; deltas for one braid are totally ordered by Seq.
type Delta struct {
	ID         string         `json:"id"`
	BraidID    string         `json:"braid_id"`
	Seq        int64          `json:"seq"`
	Kind       DeltaKind      `json:"kind"`
	Provenance Provenance     `json:"provenance"`
	Confidence float64        `json:"confidence"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
