package domain

import "time"

// BeadType tags the family of a versioned derived artifact.
type BeadType string

const (
	BeadTypeReasoningSummary BeadType = "reasoning_summary"
	BeadTypeMemory           BeadType = "memory"
	BeadTypeToolDescriptor   BeadType = "tool_descriptor"
	BeadTypeMicroagent       BeadType = "microagent_descriptor"
)

func ValidBeadType(t string) bool {
	switch BeadType(t) {
	case BeadTypeReasoningSummary, BeadTypeMemory, BeadTypeToolDescriptor, BeadTypeMicroagent:
		return true
	}
	return false
}

// BeadRef points at one immutable version of a bead.
type BeadRef struct {
	BeadID        string `json:"bead_id"`
	BeadVersionID string `json:"bead_version_id"`
}

// BeadVersion is one immutable write of a named fact or artifact. The pair
// (BeadID, BeadType) is stable across versions; "current" is the most
// recently written version for that pair.
type BeadVersion struct {
	VersionID string         `json:"version_id"`
	BeadID    string         `json:"bead_id"`
	BraidID   string         `json:"braid_id"`
	BeadType  BeadType       `json:"bead_type"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// Ref returns the reference for this version.
func (v *BeadVersion) Ref() BeadRef {
	return BeadRef{BeadID: v.BeadID, BeadVersionID: v.VersionID}
}
