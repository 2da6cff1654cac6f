package types

import "time"

// Collection groups flows that share configuration.
type Collection struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config is one named shared input referenced by the flows of a collection.
type Config struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// CollectionVersion follows the same DRAFT/LOCKED copy-on-write
// discipline as FlowVersion.
type CollectionVersion struct {
	ID           string       `json:"id"`
	CollectionID string       `json:"collection_id"`
	DisplayName  string       `json:"display_name"`
	Configs      []Config     `json:"configs"`
	State        VersionState `json:"state"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Clone returns a deep copy of the version.
func (v *CollectionVersion) Clone() *CollectionVersion {
	cp := *v
	cp.Configs = make([]Config, len(v.Configs))
	copy(cp.Configs, v.Configs)
	return &cp
}
