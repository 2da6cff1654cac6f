// Package types provides shared domain types for the flowdeck core.
package types

import "time"

// VersionState tracks the mutability of a flow or collection version.
// Transitions are one-directional: DRAFT -> LOCKED.
type VersionState string

const (
	StateDraft  VersionState = "DRAFT"
	StateLocked VersionState = "LOCKED"
)

// Flow is one automation inside a collection. The flow row itself is
// just an anchor; all editable content lives on its versions.
type Flow struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collection_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FlowVersion is one snapshot of a flow's step chain. A DRAFT version
// is mutable in place; a LOCKED version is immutable history and any
// edit branches a fresh DRAFT clone.
type FlowVersion struct {
	ID          string       `json:"id"`
	FlowID      string       `json:"flow_id"`
	DisplayName string       `json:"display_name"`
	Trigger     *Trigger     `json:"trigger"`
	Valid       bool         `json:"valid"`
	State       VersionState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Clone returns a deep copy of the version, step chain included.
func (v *FlowVersion) Clone() *FlowVersion {
	cp := *v
	cp.Trigger = v.Trigger.Clone()
	return &cp
}
